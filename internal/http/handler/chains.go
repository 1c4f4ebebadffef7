package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agenda/internal/booking"
	"agenda/internal/logger"
)

type ChainHandler struct {
	Svc *booking.Service
	Log *logger.Logger
}

func (h *ChainHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.Svc.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":     v.State,
		"instances": v.Instances,
	})
}

func (h *ChainHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.CancelChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
