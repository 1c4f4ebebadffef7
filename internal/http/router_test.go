package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenda/internal/appointment"
	"agenda/internal/auth"
	"agenda/internal/booking"
	"agenda/internal/chain"
	"agenda/internal/config"
	"agenda/internal/jobs"
	"agenda/internal/ledger"
	"agenda/internal/reminder"
	"agenda/internal/warning"
)

type apiFixture struct {
	srv      *httptest.Server
	token    string
	jobs     *jobs.MemStore
	warnings *warning.MemRecorder
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	f := &apiFixture{jobs: jobs.NewMemStore(), warnings: warning.NewMemRecorder()}
	appts := appointment.NewMemRepo()
	rem := reminder.NewScheduler(f.jobs, appts, 5)
	chains := chain.NewManager(chain.Deps{
		States:       chain.NewMemStore(),
		Jobs:         f.jobs,
		Appointments: appts,
		Ledger:       ledger.NewMemLedger(),
		Warnings:     f.warnings,
		Reminders:    rem,
	})

	ops := auth.NewMemOperators()
	_, err := auth.EnsureOperator(ctx, ops, "ops@example.com", "correct horse")
	require.NoError(t, err)
	jwtSvc := auth.NewJWT("secret", time.Hour)

	h := NewRouter(config.Config{}, Deps{
		JWT:       jwtSvc,
		Operators: ops,
		Jobs:      f.jobs,
		Booking:   booking.NewService(appts, rem, chains, nil, nil),
		Warnings:  f.warnings,
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)

	resp := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "ops@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Token)
	f.token = body.Token
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *apiFixture) createAppointment(t *testing.T, start time.Time) appointment.Appointment {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/appointments", map[string]any{
		"owner_id":         1,
		"participant_ids":  []uint64{2},
		"title":            "Piano lesson",
		"start_at":         start,
		"duration_minutes": 45,
		"approved":         true,
		"price_cents":      2500,
		"fundings":         []map[string]any{{"participant_id": 2, "kind": "pay_per_use"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a appointment.Appointment
	decodeBody(t, resp, &a)
	return a
}

func TestHealthAndAuth(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token := f.token
	f.token = ""
	resp = f.do(t, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "ops@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "", "password": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.token = token
	resp = f.do(t, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppointments_CreateRescheduleCancel(t *testing.T) {
	f := newAPI(t)
	start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)

	a := f.createAppointment(t, start)
	require.NotNil(t, a.ReminderJobID)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/jobs?type=reminder&appointment_id=%d", a.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []jobs.Job `json:"items"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, *a.ReminderJobID, list.Items[0].ID)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/reschedule", a.ID), map[string]any{
		"version": a.Version, "start_at": start.Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var moved appointment.Appointment
	decodeBody(t, resp, &moved)
	require.NotNil(t, moved.ReminderJobID)
	assert.NotEqual(t, *a.ReminderJobID, *moved.ReminderJobID)

	// stale version
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/reschedule", a.ID), map[string]any{
		"version": a.Version, "start_at": start,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/cancel", a.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled appointment.Appointment
	decodeBody(t, resp, &cancelled)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)

	got, err := f.jobs.Get(context.Background(), *moved.ReminderJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)

	resp = f.do(t, http.MethodGet, "/appointments/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/appointments/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAppointments_CreateValidation(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodPost, "/appointments", map[string]any{"owner_id": 1, "title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/appointments", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+f.token)
	raw, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestChains_StartGetCancel(t *testing.T) {
	f := newAPI(t)
	a := f.createAppointment(t, time.Now().Add(72*time.Hour).UTC().Truncate(time.Second))

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/chain", a.ID), map[string]any{"unit": "fortnightly", "total": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/chain", a.ID), map[string]any{"unit": "weekly", "total": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/chain", a.ID), map[string]any{"unit": "weekly", "total": 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var st chain.State
	decodeBody(t, resp, &st)
	require.NotEmpty(t, st.ChainID)
	assert.Equal(t, chain.StatusActive, st.Status)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%d/chain", a.ID), map[string]any{"unit": "weekly", "total": 3})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/chains/"+st.ChainID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Chain     chain.State               `json:"chain"`
		Instances []appointment.Appointment `json:"instances"`
	}
	decodeBody(t, resp, &view)
	assert.Equal(t, st.ChainID, view.Chain.ChainID)
	require.Len(t, view.Instances, 1)
	assert.Equal(t, a.ID, view.Instances[0].ID)

	resp = f.do(t, http.MethodPost, "/chains/"+st.ChainID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled chain.State
	decodeBody(t, resp, &cancelled)
	assert.Equal(t, chain.StatusCancelled, cancelled.Status)

	link, err := f.jobs.Get(context.Background(), *st.NextJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, link.Status)

	resp = f.do(t, http.MethodGet, "/chains/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_Cancel(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	id, err := f.jobs.Schedule(ctx, jobs.ScheduleRequest{Type: jobs.TypeReminder, RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/cancel", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/cancel", id), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/jobs/12345/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/jobs?status=cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []jobs.Job `json:"items"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, id, list.Items[0].ID)

	resp = f.do(t, http.MethodGet, "/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWarnings_ListResolveDismiss(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	w1, _, err := f.warnings.Record(ctx, warning.Warning{
		OwnerID: 1, AppointmentID: 10,
		Entries: []warning.Entry{{ParticipantID: 2, Kind: warning.KindNoPackage, Message: "pay per use"}},
	})
	require.NoError(t, err)
	w2, _, err := f.warnings.Record(ctx, warning.Warning{
		OwnerID: 1, AppointmentID: 11,
		Entries: []warning.Entry{{ParticipantID: 3, Kind: warning.KindInsufficientSessions, Message: "order 4 used up"}},
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/warnings?status=pending&owner_id=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []warning.Warning `json:"items"`
	}
	decodeBody(t, resp, &list)
	assert.Len(t, list.Items, 2)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/warnings/%d/resolve", w1.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/warnings/%d/dismiss", w1.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/warnings/%d/dismiss", w2.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/warnings/999/resolve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/warnings?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list.Items = nil
	decodeBody(t, resp, &list)
	assert.Empty(t, list.Items)

	resp = f.do(t, http.MethodGet, "/warnings?status=weird", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
