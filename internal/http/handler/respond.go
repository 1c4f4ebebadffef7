package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agenda/internal/appointment"
	"agenda/internal/booking"
	"agenda/internal/chain"
	"agenda/internal/jobs"
	"agenda/internal/logger"
	"agenda/internal/warning"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Anything unknown is a 500
// and is logged, the rest go back to the caller as plain text.
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidInput),
		errors.Is(err, chain.ErrInvalidTotal):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, appointment.ErrNotFound),
		errors.Is(err, chain.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, warning.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, appointment.ErrConflict):
		http.Error(w, "version conflict", http.StatusConflict)
	case errors.Is(err, chain.ErrAlreadyChained),
		errors.Is(err, chain.ErrOriginCancelled),
		errors.Is(err, warning.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if log != nil {
			log.Error("request failed", "error", err)
		}
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryUint(r *http.Request, key string) (*uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
