package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/livepeer/face-editor/jobs"
)

// Envelope is the standard API response wrapper.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := mapError(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Unhandled error")
	}
	writeJSON(w, status, Envelope{Error: &apiErr})
}

func mapError(err error) (int, APIError) {
	var validationErr *jobs.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: validationErr.Message,
			Details: []FieldError{
				{Field: validationErr.Field, Message: validationErr.Message},
			},
		}
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "The requested job was not found",
		}
	case errors.Is(err, jobs.ErrQueueFull):
		return http.StatusServiceUnavailable, APIError{
			Code:    "queue_full",
			Message: "Too many images are being processed, try again shortly",
		}
	case errors.Is(err, jobs.ErrStopped):
		return http.StatusServiceUnavailable, APIError{
			Code:    "unavailable",
			Message: "The server is shutting down",
		}
	default:
		return http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}
