package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/trustmatch/internal/matchmaking"
	"github.com/jason-s-yu/trustmatch/internal/trust"
)

// maxBodyBytes caps request bodies; queue requests are tiny.
const maxBodyBytes = 1 << 14

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matchmaking.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, trust.ErrUnknownPlayer), errors.Is(err, matchmaking.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, matchmaking.ErrAlreadySearching):
		return http.StatusConflict
	case errors.Is(err, matchmaking.ErrCapacity), errors.Is(err, matchmaking.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
