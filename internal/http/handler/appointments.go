package handler

import (
	"net/http"
	"time"

	"agenda/internal/appointment"
	"agenda/internal/booking"
	"agenda/internal/chain"
	"agenda/internal/logger"
)

type AppointmentHandler struct {
	Svc *booking.Service
	Log *logger.Logger
}

type fundingReq struct {
	ParticipantID  uint64                  `json:"participant_id"`
	Kind           appointment.FundingKind `json:"kind"`
	PackageOrderID *uint64                 `json:"package_order_id"`
	AmountCents    int64                   `json:"amount_cents"`
}

type createAppointmentReq struct {
	OwnerID         uint64       `json:"owner_id"`
	ParticipantIDs  []uint64     `json:"participant_ids"`
	Title           string       `json:"title"`
	Notes           string       `json:"notes"`
	PriceCents      int64        `json:"price_cents"`
	StartAt         time.Time    `json:"start_at"`
	DurationMinutes int          `json:"duration_minutes"`
	Approved        bool         `json:"approved"`
	Fundings        []fundingReq `json:"fundings"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentReq
	if !decode(w, r, &req) {
		return
	}

	in := booking.CreateInput{
		OwnerID:         req.OwnerID,
		ParticipantIDs:  req.ParticipantIDs,
		Title:           req.Title,
		Notes:           req.Notes,
		PriceCents:      req.PriceCents,
		StartAt:         req.StartAt,
		DurationMinutes: req.DurationMinutes,
		Approved:        req.Approved,
	}
	for _, f := range req.Fundings {
		in.Fundings = append(in.Fundings, booking.FundingInput{
			ParticipantID:  f.ParticipantID,
			Kind:           f.Kind,
			PackageOrderID: f.PackageOrderID,
			AmountCents:    f.AmountCents,
		})
	}

	a, err := h.Svc.Create(r.Context(), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	a, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type rescheduleReq struct {
	Version int       `json:"version"`
	StartAt time.Time `json:"start_at"`
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req rescheduleReq
	if !decode(w, r, &req) {
		return
	}

	a, err := h.Svc.Reschedule(r.Context(), id, req.Version, req.StartAt)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	a, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type startChainReq struct {
	Unit  string `json:"unit"`
	Total int    `json:"total"`
}

func (h *AppointmentHandler) StartChain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req startChainReq
	if !decode(w, r, &req) {
		return
	}
	unit, err := chain.ParseUnit(req.Unit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := h.Svc.StartChain(r.Context(), id, unit, req.Total)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}
