package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/pricing"
	"github.com/wolfeidau/creditgate/internal/store"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

// writeStoreError maps known sentinel errors to client statuses and logs
// anything else as an internal error.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", "")
	case errors.Is(err, store.ErrReservationClosed):
		writeError(w, http.StatusConflict, "reservation_closed", "")
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "")
	case errors.Is(err, pricing.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model_not_found", "")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	default:
		internalError(w, r, err, msg)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}
