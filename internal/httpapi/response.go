package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"revalidator/internal/revalidate"
	"revalidator/internal/warming"
	"revalidator/internal/webhook"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

type apiError struct {
	Status string `json:"status"`
	Error  struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	var e apiError
	e.Status = "error"
	e.Error.Code = code
	e.Error.Message = message
	e.Error.RequestID = requestIDFromContext(r.Context())
	writeJSON(w, statusCode, e)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"
	case errors.Is(err, revalidate.ErrInvalidRequest), errors.Is(err, warming.ErrUnknownMode):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, webhook.ErrUnknownProvider):
		return http.StatusBadRequest, "UNKNOWN_PROVIDER", err.Error()
	case errors.Is(err, revalidate.ErrQueueClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "shutting down"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func (h *Handler) writeMappedError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, code, msg := mapError(err)
	level := h.logger.Warn
	if status >= 500 {
		level = h.logger.Error
	}
	level("request rejected",
		"operation", operation,
		"status_code", status,
		"code", code,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
	writeError(w, r, status, code, msg)
}
