package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	// ErrCodeArmFailed means the change was persisted but the wake-up was not armed.
	ErrCodeArmFailed ErrorCode = "ARM_FAILED"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	TaskID  string    `json:"taskId,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func InternalError(w http.ResponseWriter, log logx.Logger, err error) {
	if err != nil {
		log.Error("internal error", logx.Err(err))
	}
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// handleError maps scheduler errors to responses. taskID is echoed for
// arm failures so the caller knows which persisted task is affected.
func handleError(w http.ResponseWriter, log logx.Logger, err error, taskID string) {
	var armErr *reminder.ArmError
	switch {
	case errors.Is(err, reminder.ErrInvalidTask), errors.Is(err, reminder.ErrInvalidKey):
		BadRequest(w, err.Error())
	case errors.As(err, &armErr):
		log.Error("change persisted but alarm not armed", logx.String("task_id", taskID), logx.Err(err))
		JSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeArmFailed,
			Message: "task persisted but wake-up could not be armed",
			TaskID:  taskID,
		}})
	default:
		InternalError(w, log, err)
	}
}
