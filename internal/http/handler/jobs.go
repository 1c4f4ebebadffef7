package handler

import (
	"net/http"
	"strings"

	"agenda/internal/jobs"
	"agenda/internal/logger"
)

type JobHandler struct {
	Store jobs.Store
	Log   *logger.Logger
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{Type: jobs.Type(q.Get("type")), Limit: queryLimit(r)}

	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := jobs.Status(strings.TrimSpace(part))
			switch st {
			case jobs.StatusScheduled, jobs.StatusLocked, jobs.StatusDone, jobs.StatusFailed, jobs.StatusCancelled:
				f.Statuses = append(f.Statuses, st)
			default:
				http.Error(w, "invalid status", http.StatusBadRequest)
				return
			}
		}
	}

	apptID, err := queryUint(r, "appointment_id")
	if err != nil {
		http.Error(w, "invalid appointment_id", http.StatusBadRequest)
		return
	}
	f.AppointmentID = apptID
	if c := q.Get("chain_id"); c != "" {
		f.ChainID = &c
	}

	list, err := h.Store.ListPending(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	cancelled, err := h.Store.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	job, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !cancelled {
		// locked or already finished
		writeJSON(w, http.StatusConflict, map[string]any{"cancelled": false, "job": job})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "job": job})
}
