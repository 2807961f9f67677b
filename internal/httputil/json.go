package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/tracing"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps err through internal/errors and writes the standard error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	WriteJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

// DecodeJSON reads at most maxBytes of JSON into v, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "request body too large").
				WithUserMessage(fmt.Sprintf("Request body exceeds %d bytes", maxBytes))
		}
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "empty request body").
				WithUserMessage("Request body is required")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid JSON body").
			WithUserMessage("Request body is not valid JSON")
	}
	return nil
}
