package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"scriptcron/internal/core"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Details: details},
	})
}

// writeServiceError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as internal without leaking detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	var (
		triggerErr *core.InvalidTriggerError
		validErr   *core.ValidationError
	)
	switch {
	case errors.As(err, &triggerErr):
		writeErrorDetails(w, http.StatusBadRequest, "invalid_trigger", err.Error(), map[string]any{
			"trigger_type": triggerErr.Type,
			"expression":   triggerErr.Expression,
			"reason":       triggerErr.Reason,
		})
	case errors.As(err, &validErr):
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", err.Error(), map[string]any{
			"field":  validErr.Field,
			"reason": validErr.Reason,
		})
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	case errors.Is(err, core.ErrScriptNotFound):
		writeError(w, http.StatusNotFound, "not_found", "script not found")
	case errors.Is(err, core.ErrTaskExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrTaskRunning):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	case errors.Is(err, core.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
	default:
		s.logger.Error(action, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

// decodeJSON reads a JSON body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload", map[string]any{
			"reason": err.Error(),
		})
		return false
	}
	return true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseBoolParam(value string) (*bool, bool) {
	if value == "" {
		return nil, true
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}
