package tasks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/observability"
)

// Handler serves the task API under /tasks/.
type Handler struct {
	store  *Store
	logger zerolog.Logger
}

// NewHandler creates the task API handler.
func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	observability.EnsureRegistered()
	return &Handler{store: store, logger: logger}
}

// Register adds the task routes to mux. Paths are served with and without
// the trailing slash.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, p := range []string{"/tasks", "/tasks/{$}"} {
		mux.HandleFunc("POST "+p, h.route("create_task", h.handleCreate))
		mux.HandleFunc("GET "+p, h.route("list_tasks", h.handleList))
	}
	for _, p := range []string{"/tasks/{id}", "/tasks/{id}/{$}"} {
		mux.HandleFunc("GET "+p, h.route("get_task", h.handleGet))
		mux.HandleFunc("PUT "+p, h.route("update_task", h.handleUpdate))
		mux.HandleFunc("DELETE "+p, h.route("delete_task", h.handleDelete))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) route(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		observability.RecordHTTPRequest("tasks", name, rec.status)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Create(r.Context())
	if err != nil {
		h.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		h.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var u Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&u); err != nil {
		fail(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if len(u.JSONData) > 0 && !json.Valid(u.JSONData) {
		fail(w, http.StatusBadRequest, "bad_request", "json_data is not valid JSON")
		return
	}
	task, err := h.store.Update(r.Context(), r.PathValue("id"), u)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		fail(w, http.StatusNotFound, "not_found", "Task not found")
		return
	}
	h.internal(w, err)
}

func (h *Handler) internal(w http.ResponseWriter, err error) {
	h.logger.Error().Err(err).Msg("Task store failure")
	fail(w, http.StatusInternalServerError, "internal", err.Error())
}

func fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
