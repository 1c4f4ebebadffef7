package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenda/internal/appointment"
	"agenda/internal/jobs"
	"agenda/internal/ledger"
	"agenda/internal/notify"
	"agenda/internal/warning"
)

var farFuture = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingGateway struct {
	mu   sync.Mutex
	sent []string
}

func (g *recordingGateway) Send(_ context.Context, address string, _ notify.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, address)
	if address == "broken@x" {
		return "", errors.New("bounce")
	}
	return "id", nil
}

type fixture struct {
	jobs     *jobs.MemStore
	appts    *appointment.MemRepo
	ledger   *ledger.MemLedger
	warnings *warning.MemRecorder
	states   *MemStore
	gw       *recordingGateway
	m        *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     jobs.NewMemStore(),
		appts:    appointment.NewMemRepo(),
		ledger:   ledger.NewMemLedger(),
		warnings: warning.NewMemRecorder(),
		states:   NewMemStore(),
		gw:       &recordingGateway{},
	}
	renderer, err := notify.NewTemplateRenderer(time.UTC)
	require.NoError(t, err)
	f.m = NewManager(Deps{
		States:       f.states,
		Jobs:         f.jobs,
		Appointments: f.appts,
		Ledger:       f.ledger,
		Warnings:     f.warnings,
		Sender:       notify.NewSender(f.gw),
		Renderer:     renderer,
		MaxAttempts:  3,
	})
	f.m.now = func() time.Time { return time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	for id, email := range map[uint64]string{1: "owner@x", 2: "p2@x", 3: "broken@x"} {
		require.NoError(t, f.appts.SaveContact(ctx, &appointment.Contact{ID: id, Name: "c", Email: email}))
	}
	return f
}

func (f *fixture) origin(t *testing.T, start time.Time) *appointment.Appointment {
	t.Helper()
	a := &appointment.Appointment{
		OwnerID:         1,
		ParticipantIDs:  pq.Int64Array{2},
		Title:           "Swim class",
		PriceCents:      3000,
		StartAt:         start,
		DurationMinutes: 60,
		Status:          appointment.StatusApproved,
	}
	require.NoError(t, f.appts.Create(context.Background(), a))
	return a
}

// runNext claims the earliest due link job, runs it and completes it.
func (f *fixture) runNext(t *testing.T) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	j, err := f.jobs.Claim(ctx, jobs.ClaimRequest{Types: []jobs.Type{jobs.TypeRepetitionLink}, Owner: "t", Lease: time.Minute, Now: farFuture})
	require.NoError(t, err)
	if j == nil {
		return nil
	}
	require.NoError(t, f.m.Run(ctx, j))
	require.NoError(t, f.jobs.Complete(ctx, j.ID, *j.LockToken))
	return j
}

func (f *fixture) pendingLinks(t *testing.T, chainID string) []jobs.Job {
	t.Helper()
	out, err := f.jobs.ListPending(context.Background(), jobs.Filter{ChainID: &chainID})
	require.NoError(t, err)
	return out
}

func TestChain_WeeklyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	origin := f.origin(t, start)

	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Position)

	wantRuns := []time.Time{start, start.AddDate(0, 0, 7), start.AddDate(0, 0, 14)}
	for i, want := range wantRuns {
		j := f.runNext(t)
		require.NotNil(t, j, "link %d", i+1)
		assert.Equal(t, want, j.RunAt)
		assert.Equal(t, i+1, j.ChainPosition)

		o, err := f.appts.Get(ctx, origin.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, o.CompletedLinks)
	}
	assert.Nil(t, f.runNext(t))
	assert.Empty(t, f.pendingLinks(t, st.ChainID))

	instances, err := f.m.Instances(ctx, st.ChainID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, origin.ID, instances[0].ID)
	assert.Equal(t, time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC), instances[1].StartAt)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), instances[2].StartAt)
	for i, inst := range instances {
		assert.Equal(t, i+1, inst.ChainPosition)
		assert.Equal(t, st.ChainID, *inst.ChainID)
	}
	assert.Equal(t, appointment.StatusApproved, instances[1].Status)
	assert.Equal(t, "Swim class", instances[2].Title)

	final, err := f.m.Get(ctx, st.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Position)
	assert.Nil(t, final.NextJobID)

	// links 2 and 3 notify owner and participant
	assert.Len(t, f.gw.sent, 4)
}

func TestChain_PackageOfTwoRunsShortOnThirdLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	order := &ledger.PackageOrder{ParticipantID: 2, TotalSessions: 2}
	require.NoError(t, f.ledger.CreateOrder(ctx, order))
	require.NoError(t, f.appts.SaveFunding(ctx, &appointment.Funding{
		AppointmentID: origin.ID, ParticipantID: 2, Kind: appointment.FundingPackage, PackageOrderID: &order.ID,
	}))

	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NotNil(t, f.runNext(t))
	}

	got, err := f.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsedSessions)

	instances, _ := f.m.Instances(ctx, st.ChainID)
	require.Len(t, instances, 3)

	statuses := map[int]appointment.FundingStatus{}
	for _, inst := range instances {
		fundings, err := f.appts.ListFundings(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, fundings, 1)
		statuses[inst.ChainPosition] = fundings[0].Status
	}
	assert.Equal(t, map[int]appointment.FundingStatus{
		1: appointment.FundingCovered,
		2: appointment.FundingCovered,
		3: appointment.FundingShortfall,
	}, statuses)

	ws, err := f.warnings.List(ctx, warning.Filter{ChainID: &st.ChainID})
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, instances[2].ID, ws[0].AppointmentID)
	require.Len(t, ws[0].Entries, 1)
	assert.Equal(t, warning.KindInsufficientSessions, ws[0].Entries[0].Kind)
	assert.EqualValues(t, 2, ws[0].Entries[0].ParticipantID)
	assert.Equal(t, warning.StatusPending, ws[0].Status)
}

func TestChain_PayPerUseCreatesPendingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, f.appts.SaveFunding(ctx, &appointment.Funding{
		AppointmentID: origin.ID, ParticipantID: 2, Kind: appointment.FundingPayPerUse,
	}))

	st, err := f.m.Start(ctx, origin.ID, UnitMonthly, 2)
	require.NoError(t, err)
	require.NotNil(t, f.runNext(t))
	require.NotNil(t, f.runNext(t))

	instances, _ := f.m.Instances(ctx, st.ChainID)
	require.Len(t, instances, 2)
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), instances[1].StartAt)

	for _, inst := range instances {
		orders, err := f.ledger.ListPendingOrders(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.EqualValues(t, 3000, orders[0].AmountCents)

		fundings, _ := f.appts.ListFundings(ctx, inst.ID)
		assert.Equal(t, appointment.FundingPendingPayment, fundings[0].Status)
	}

	ws, _ := f.warnings.List(ctx, warning.Filter{ChainID: &st.ChainID})
	require.Len(t, ws, 2)
	for _, w := range ws {
		assert.Equal(t, warning.KindNoPackage, w.Entries[0].Kind)
	}
}

func TestChain_CancelBetweenLinks(t *testing.T) {
	for k := 2; k <= 4; k++ {
		f := newFixture(t)
		ctx := context.Background()
		origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

		st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 4)
		require.NoError(t, err)
		for i := 1; i < k; i++ {
			require.NotNil(t, f.runNext(t))
		}

		cancelled, err := f.m.Cancel(ctx, st.ChainID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)

		assert.Empty(t, f.pendingLinks(t, st.ChainID), "k=%d", k)
		assert.Nil(t, f.runNext(t))

		instances, _ := f.m.Instances(ctx, st.ChainID)
		assert.Len(t, instances, k-1, "k=%d", k)

		again, err := f.m.Cancel(ctx, st.ChainID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, again.Status)
	}
}

func TestChain_InFlightLinkAfterCancelIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 3)
	require.NoError(t, err)
	require.NotNil(t, f.runNext(t))

	j, err := f.jobs.Claim(ctx, jobs.ClaimRequest{Types: []jobs.Type{jobs.TypeRepetitionLink}, Owner: "t", Lease: time.Minute, Now: farFuture})
	require.NoError(t, err)
	require.NotNil(t, j)

	_, err = f.m.Cancel(ctx, st.ChainID)
	require.NoError(t, err)

	require.NoError(t, f.m.Run(ctx, j))
	instances, _ := f.m.Instances(ctx, st.ChainID)
	assert.Len(t, instances, 1)
	o, _ := f.appts.Get(ctx, origin.ID)
	assert.Equal(t, 1, o.CompletedLinks)
}

func TestChain_RetryOfCompletedLinkSchedulesOneSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 3)
	require.NoError(t, err)

	j, err := f.jobs.Claim(ctx, jobs.ClaimRequest{Types: []jobs.Type{jobs.TypeRepetitionLink}, Owner: "t", Lease: time.Minute, Now: farFuture})
	require.NoError(t, err)

	// the worker crashes after Run but before Complete; the job is run again
	require.NoError(t, f.m.Run(ctx, j))
	require.NoError(t, f.m.Run(ctx, j))
	require.NoError(t, f.m.Run(ctx, j))

	pending := f.pendingLinks(t, st.ChainID)
	// the crashed job itself is still locked
	var scheduled []jobs.Job
	for _, p := range pending {
		if p.Status == jobs.StatusScheduled {
			scheduled = append(scheduled, p)
		}
	}
	require.Len(t, scheduled, 1)
	assert.Equal(t, 2, scheduled[0].ChainPosition)

	cur, _ := f.m.Get(ctx, st.ChainID)
	assert.Equal(t, 1, cur.Position)
	assert.Equal(t, scheduled[0].ID, *cur.NextJobID)
}

func TestChain_SuccessorWrittenOnRetryWhenLostAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 2)
	require.NoError(t, err)

	j, _ := f.jobs.Claim(ctx, jobs.ClaimRequest{Types: []jobs.Type{jobs.TypeRepetitionLink}, Owner: "t", Lease: time.Minute, Now: farFuture})

	// link 1 committed but the process died before writing the successor
	_, err = f.m.applyLink(ctx, Payload{ChainID: st.ChainID, Position: 1})
	require.NoError(t, err)
	assert.Empty(t, scheduledOnly(f.pendingLinks(t, st.ChainID)))

	require.NoError(t, f.m.Run(ctx, j))
	next := scheduledOnly(f.pendingLinks(t, st.ChainID))
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].ChainPosition)
}

func scheduledOnly(js []jobs.Job) []jobs.Job {
	var out []jobs.Job
	for _, j := range js {
		if j.Status == jobs.StatusScheduled {
			out = append(out, j)
		}
	}
	return out
}

func TestChain_OriginCancelledStopsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	st, err := f.m.Start(ctx, origin.ID, UnitWeekly, 3)
	require.NoError(t, err)
	require.NotNil(t, f.runNext(t))

	require.NoError(t, f.appts.SetStatus(ctx, origin.ID, appointment.StatusCancelled))
	require.NotNil(t, f.runNext(t))

	cur, _ := f.m.Get(ctx, st.ChainID)
	assert.Equal(t, StatusCancelled, cur.Status)
	assert.Equal(t, 1, cur.Position)
	assert.Empty(t, f.pendingLinks(t, st.ChainID))
	instances, _ := f.m.Instances(ctx, st.ChainID)
	assert.Len(t, instances, 1)
}

func TestChain_StartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	_, err := f.m.Start(ctx, origin.ID, UnitWeekly, 0)
	assert.ErrorIs(t, err, ErrInvalidTotal)
	_, err = f.m.Start(ctx, origin.ID, Unit("daily"), 2)
	assert.Error(t, err)
	_, err = f.m.Start(ctx, 999, UnitWeekly, 2)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	_, err = f.m.Start(ctx, origin.ID, UnitWeekly, 2)
	require.NoError(t, err)
	_, err = f.m.Start(ctx, origin.ID, UnitWeekly, 2)
	assert.ErrorIs(t, err, ErrAlreadyChained)

	cancelled := f.origin(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, f.appts.SetStatus(ctx, cancelled.ID, appointment.StatusCancelled))
	_, err = f.m.Start(ctx, cancelled.ID, UnitWeekly, 2)
	assert.ErrorIs(t, err, ErrOriginCancelled)
}

func TestChain_BadPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, payload := range []string{`nope`, `{}`, `{"chain_id":"x","position":0}`} {
		err := f.m.Run(ctx, &jobs.Job{ID: 1, Payload: []byte(payload)})
		assert.Equal(t, jobs.ClassPermanent, jobs.Classify(err), payload)
	}
	err := f.m.Run(ctx, &jobs.Job{ID: 1, Payload: []byte(`{"chain_id":"missing","position":1}`)})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, jobs.ClassPermanent, jobs.Classify(err))
}
