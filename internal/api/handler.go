package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Instances resolves a routing key to its scheduler. *reminder.Registry implements it.
type Instances interface {
	Get(key string) (*reminder.Scheduler, error)
}

type Handler struct {
	instances Instances
	log       logx.Logger
}

func NewHandler(instances Instances, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{instances: instances, log: log.With(logx.String("comp", "api"))}
}

func (h *Handler) scheduler(w http.ResponseWriter, r *http.Request) (*reminder.Scheduler, bool) {
	s, err := h.instances.Get(r.PathValue("key"))
	if err != nil {
		handleError(w, h.log, err, "")
		return nil, false
	}
	return s, true
}

// Create handles POST /v1/{key}/create.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scheduler(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if !req.ReminderAt.set {
		BadRequest(w, "reminderAt is required")
		return
	}

	t, err := s.Create(r.Context(), req.ReminderAt.Time, req.Content, req.UserID)
	if err != nil {
		handleError(w, h.log, err, t.TaskID)
		return
	}
	JSON(w, http.StatusOK, CreateResponse{Status: "success", TaskID: t.TaskID})
}

// Delete handles DELETE /v1/{key}/delete/{taskId}. Unknown ids succeed.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("taskId")
	if taskID == "" {
		BadRequest(w, "taskId is required")
		return
	}
	if _, err := s.Delete(r.Context(), taskID); err != nil {
		handleError(w, h.log, err, taskID)
		return
	}
	JSON(w, http.StatusOK, DeleteResponse{Status: "delete success", TaskID: taskID})
}

// List handles GET /v1/{key}/list.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	tasks, err := s.List(r.Context())
	if err != nil {
		handleError(w, h.log, err, "")
		return
	}
	if tasks == nil {
		tasks = []reminder.Task{}
	}
	JSON(w, http.StatusOK, ListResponse{Tasks: tasks})
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
