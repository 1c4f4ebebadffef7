package handler

import (
	"net/http"

	"agenda/internal/logger"
	"agenda/internal/warning"
)

type WarningHandler struct {
	Recorder warning.Recorder
	Log      *logger.Logger
}

func (h *WarningHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := warning.Filter{Limit: queryLimit(r)}

	switch st := warning.Status(q.Get("status")); st {
	case "":
	case warning.StatusPending, warning.StatusResolved, warning.StatusDismissed:
		f.Status = st
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	owner, err := queryUint(r, "owner_id")
	if err != nil {
		http.Error(w, "invalid owner_id", http.StatusBadRequest)
		return
	}
	f.OwnerID = owner
	if c := q.Get("chain_id"); c != "" {
		f.ChainID = &c
	}

	list, err := h.Recorder.List(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *WarningHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, warning.StatusResolved)
}

func (h *WarningHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, warning.StatusDismissed)
}

func (h *WarningHandler) transition(w http.ResponseWriter, r *http.Request, to warning.Status) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	wr, err := h.Recorder.SetStatus(r.Context(), id, to)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("warning updated", "warning_id", id, "status", to)
	writeJSON(w, http.StatusOK, wr)
}
