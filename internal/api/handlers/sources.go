// sources.go — обработчики источников и истории загрузок.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/chankeeper/internal/api/errors"
)

type createSourceRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Cap  int    `json:"cap"`
}

// ListSources — GET /api/v1/sources.
func (h *APIHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.sources.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка источников")
		return
	}

	items := make([]sourceDTO, 0, len(sources))
	for i := range sources {
		items = append(items, toSourceDTO(&sources[i]))
	}
	writeJSON(w, http.StatusOK, listResponse[sourceDTO]{Items: items, Total: len(items)})
}

// CreateSource — POST /api/v1/sources.
func (h *APIHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.BadRequest(w, "Некорректное тело запроса")
		return
	}

	src, err := h.sources.Create(r.Context(), req.Name, req.URL, req.Cap)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания источника")
		return
	}
	writeJSON(w, http.StatusCreated, toSourceDTO(src))
}

// ListSourceRuns — GET /api/v1/sources/{id}/runs?limit=N.
func (h *APIHandler) ListSourceRuns(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apierrors.ValidationError(w, "id источника должен быть положительным целым")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			apierrors.ValidationError(w, "limit должен быть положительным целым")
			return
		}
	}

	runs, err := h.sources.Runs(r.Context(), id, limit)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения истории источника")
		return
	}

	items := make([]runRecordDTO, 0, len(runs))
	for i := range runs {
		items = append(items, toRunRecordDTO(&runs[i]))
	}
	writeJSON(w, http.StatusOK, listResponse[runRecordDTO]{Items: items, Total: len(items)})
}
