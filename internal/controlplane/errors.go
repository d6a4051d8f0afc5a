package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fentz26/courier/internal/dispatcher"
	"github.com/fentz26/courier/internal/partners"
	"github.com/fentz26/courier/internal/supervisor"
)

// Sentinel errors for control plane requests.
var (
	ErrInvalidJSON     = errors.New("invalid json")
	ErrInvalidPriority = errors.New("priority must be a number")
	ErrEmptyBatch      = errors.New("batch has no items")
	ErrInvalidLane     = errors.New("lane must be normal or priority")
	ErrBodyTooLarge    = errors.New("request body too large")
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// statusFor maps domain errors onto HTTP status codes. Partner exhaustion
// gets its own code so callers can tell it apart from a worker failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, partners.ErrResourceExhausted):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrWorkerUnavailable),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, dispatcher.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidJSON),
		errors.Is(err, ErrInvalidPriority),
		errors.Is(err, ErrInvalidLane),
		errors.Is(err, ErrEmptyBatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the user-facing text for err.
func messageFor(err error) string {
	if errors.Is(err, partners.ErrResourceExhausted) {
		return "No available delivery partners"
	}
	if errors.Is(err, ErrInvalidPriority) {
		return "Priority must be a number."
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Message: messageFor(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
