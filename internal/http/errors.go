package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/waste-pickup/internal/lifecycle"
	"github.com/example/waste-pickup/internal/validation"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      lifecycle.Kind `json:"kind"`
	Field     string         `json:"field,omitempty"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
}

func badRequest(field, msg string) error { return &validation.Error{Field: field, Message: msg} }

func statusFor(k lifecycle.Kind) int {
	switch k {
	case lifecycle.KindValidation:
		return http.StatusBadRequest
	case lifecycle.KindLostRace:
		return http.StatusConflict
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindForbidden:
		return http.StatusForbidden
	case lifecycle.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lifecycle.KindOf(err)
	detail := errorDetail{Kind: kind, Message: lifecycle.UserMessage(err), Retryable: lifecycle.Retryable(err)}
	var verr *validation.Error
	if errors.As(err, &verr) {
		detail.Field = verr.Field
	}
	status := statusFor(kind)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
