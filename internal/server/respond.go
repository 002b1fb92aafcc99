package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

type errorBody struct {
	Error *domain.ProtocolError `json:"error"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and a JSON error body, and records it
// in the request log. Errors that are not protocol errors become 500s.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var pe *domain.ProtocolError
	if !errors.As(err, &pe) {
		pe = &domain.ProtocolError{Type: "server", Message: err.Error()}
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: pe})
		return
	}
	WriteJSON(w, pe.HTTPStatusCode(), errorBody{Error: pe})
}

// DecodeJSON decodes the request body into v, rejecting unknown trailing
// data. Failures are reported as malformed messages.
func DecodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return domain.ErrMalformed("invalid JSON body").WithCause(err)
	}
	if dec.More() {
		return domain.ErrMalformed("unexpected data after JSON body")
	}
	return nil
}
