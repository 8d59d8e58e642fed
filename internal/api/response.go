package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"flippio/internal/history"
)

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, history.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrNotRevertible):
		return http.StatusConflict
	case errors.Is(err, history.ErrPull), errors.Is(err, history.ErrPush):
		return http.StatusBadGateway
	case errors.Is(err, history.ErrMutation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, history.ErrStorage):
		return http.StatusServiceUnavailable
	}
	if stage, ok := history.StageOf(err); ok && stage == history.StageInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := &errorBody{Message: err.Error()}
	if stage, ok := history.StageOf(err); ok {
		body.Stage = string(stage)
	}
	writeJSON(w, statusOf(err), envelope{Error: body})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Error: &errorBody{Stage: string(history.StageInput), Message: msg}})
}
