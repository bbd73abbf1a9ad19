package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform failure envelope: kind, human message, and the
// request ID for support correlation.
type errorBody struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	RequestID  string            `json:"request_id"`
	Fields     map[string]string `json:"fields,omitempty"`
	Ref        string            `json:"ref,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := kind.HTTPStatus()

	body := errorBody{
		Error:     string(kind),
		Message:   "internal error",
		RequestID: middleware.RequestIDFrom(r.Context()),
	}

	var te *core.Error
	if errors.As(err, &te) {
		body.Message = te.Message
		body.Fields = te.Fields
		body.Ref = te.Ref
		if te.RetryAfter > 0 {
			body.RetryAfter = te.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(te.RetryAfter))
		}
	}

	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		status = http.StatusRequestEntityTooLarge
		body.Error = "payload_too_large"
		body.Message = "request body exceeds the size limit"
	}

	writeJSON(w, status, body)
}

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return core.NewError(core.KindValidation, "malformed JSON body", err)
	}
	return nil
}
