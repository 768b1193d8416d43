// handler.go — основной обработчик API chankeeper.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/chankeeper/internal/api/errors"
	"github.com/bigkaa/chankeeper/internal/service"
)

// APIHandler — обработчик API задач и источников.
type APIHandler struct {
	health  *HealthHandler
	control *service.ControlService
	sources *service.SourceService
	logger  *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	control *service.ControlService,
	sources *service.SourceService,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:  health,
		control: control,
		sources: sources,
		logger:  logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// Неизвестные ошибки логируются и отдаются как 500 с сообщением internalMsg.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, internalMsg string) {
	switch {
	case errors.Is(err, service.ErrUnknownJob), errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidCap):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrQueueFull):
		apierrors.QueueFull(w, err.Error())
	case errors.Is(err, service.ErrSourceDisabled):
		apierrors.SourceDisabled(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.Error(internalMsg, slog.String("error", err.Error()))
		apierrors.InternalError(w, internalMsg)
	}
}
