// jobs.go — обработчики управления задачами: статус, очередь,
// ручной запуск, пауза, расписание.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/chankeeper/internal/api/errors"
	"github.com/bigkaa/chankeeper/internal/api/middleware"
	"github.com/bigkaa/chankeeper/internal/service"
)

type triggerRequest struct {
	SourceID    int64  `json:"source_id"`
	RequestedBy string `json:"requested_by"`
}

type scheduleRequest struct {
	Schedule string `json:"schedule"`
}

// GetJobStatus — GET /api/v1/jobs/{job}/status.
func (h *APIHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.control.GetStatus(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения статуса задачи")
		return
	}
	writeJSON(w, http.StatusOK, toJobStatusDTO(status))
}

// GetJobQueue — GET /api/v1/jobs/{job}/queue.
func (h *APIHandler) GetJobQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.control.Queue(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка чтения очереди")
		return
	}
	items := toQueueDTO(entries)
	writeJSON(w, http.StatusOK, listResponse[queueEntryDTO]{Items: items, Total: len(items)})
}

// TriggerJob — POST /api/v1/jobs/{job}/trigger.
// 200 — проход выполнен (completed или failed), 202 — запрос поставлен в очередь.
func (h *APIHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.BadRequest(w, "Некорректное тело запроса")
		return
	}

	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		requestedBy = middleware.SubjectFromContext(r.Context())
	}
	if requestedBy == "" {
		requestedBy = "api"
	}

	result, err := h.control.TriggerRun(r.Context(), chi.URLParam(r, "job"), req.SourceID, requestedBy)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка ручного запуска")
		return
	}

	code := http.StatusOK
	if result.Outcome == service.TriggerQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toTriggerResultDTO(result))
}

// PauseJob — POST /api/v1/jobs/{job}/pause.
func (h *APIHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if err := h.control.Pause(r.Context(), job); err != nil {
		h.writeServiceError(w, err, "Ошибка постановки на паузу")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_name": job, "paused": true})
}

// ResumeJob — POST /api/v1/jobs/{job}/resume.
func (h *APIHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if err := h.control.Resume(r.Context(), job); err != nil {
		h.writeServiceError(w, err, "Ошибка снятия с паузы")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_name": job, "paused": false})
}

// SetJobSchedule — PUT /api/v1/jobs/{job}/schedule.
func (h *APIHandler) SetJobSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.BadRequest(w, "Некорректное тело запроса")
		return
	}

	job := chi.URLParam(r, "job")
	expr := strings.TrimSpace(req.Schedule)
	if err := h.control.SetSchedule(r.Context(), job, expr); err != nil {
		h.writeServiceError(w, err, "Ошибка изменения расписания")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_name": job, "schedule": expr})
}
