package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/greenops/internal/auth"
	"github.com/devghori1264/greenops/internal/clock"
	"github.com/devghori1264/greenops/internal/config"
	"github.com/devghori1264/greenops/internal/energy"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
	"github.com/devghori1264/greenops/internal/storage"
)

var (
	t0       = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	admin    = auth.Operator{ID: "alice", Role: auth.RoleAdmin}
	operator = auth.Operator{ID: "bob", Role: auth.RoleOperator}
	viewer   = auth.Operator{ID: "carol", Role: auth.RoleViewer}
)

type recordedEvents struct {
	mu          sync.Mutex
	transitions []status.Transition
	commands    []models.Command
}

func (r *recordedEvents) StatusChanged(_ context.Context, t status.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordedEvents) CommandChanged(_ context.Context, cmd *models.Command, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, *cmd)
}

func (r *recordedEvents) lastTransition() status.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return status.Transition{}
	}
	return r.transitions[len(r.transitions)-1]
}

func (r *recordedEvents) commandStatuses() []models.CommandStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.CommandStatus, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c.Status)
	}
	return out
}

type fixture struct {
	srv    *Server
	store  storage.Store
	clock  *clock.Fake
	events *recordedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(t0)
	ev := &recordedEvents{}
	srv := New(store, Options{
		Lifecycle: config.LifecycleConfig{
			OfflineTimeout:    5 * time.Minute,
			MaxClockSkew:      2 * time.Minute,
			HeartbeatInterval: time.Minute,
			ClampMultiplier:   2,
			CommandTTL:        2 * time.Minute,
		},
		Energy: energy.DefaultConstants,
		Clock:  clk,
		Logger: zaptest.NewLogger(t),
		Events: ev,
	})
	return &fixture{srv: srv, store: store, clock: clk, events: ev}
}

var macSeq atomic.Int32

func (f *fixture) register(t *testing.T) (*models.Machine, string) {
	t.Helper()
	n := macSeq.Add(1)
	res, err := f.srv.Register(context.Background(), RegisterInput{
		MACAddress: fmt.Sprintf("aa-bb-cc-dd-%02x-%02x", n/256, n%256),
		Hostname:   fmt.Sprintf("lab pc %d", n),
		OSType:     "linux",
	})
	require.NoError(t, err)
	return res.Machine, res.Token
}

// beat sends a 60 second sample stamped with the current fake time.
func (f *fixture) beat(t *testing.T, token string, idle bool) *HeartbeatAck {
	t.Helper()
	idleSeconds := 0.0
	if idle {
		idleSeconds = 60
	}
	ack, err := f.srv.IngestHeartbeat(context.Background(), HeartbeatInput{
		Token:           token,
		Timestamp:       f.clock.Now(),
		IntervalSeconds: 60,
		IdleSeconds:     idleSeconds,
		Idle:            idle,
	})
	require.NoError(t, err)
	return ack
}

func (f *fixture) idleMachine(t *testing.T) (*models.Machine, string) {
	t.Helper()
	m, token := f.register(t)
	ack := f.beat(t, token, true)
	require.Equal(t, models.StatusIdle, ack.Status)
	return m, token
}

// ---------- registration ----------

func TestRegisterNormalizesAndRotatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.srv.Register(ctx, RegisterInput{MACAddress: "aa-bb-cc-00-00-01", Hostname: " lab/pc#1 ", OSType: "linux"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "AA:BB:CC:00:00:01", res.Machine.MACAddress)
	assert.Equal(t, "labpc1", res.Machine.Hostname)
	assert.Equal(t, models.StatusOffline, res.Machine.Status)

	id, err := f.srv.AuthenticateAgent(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Machine.ID, id)

	again, err := f.srv.Register(ctx, RegisterInput{MACAddress: "AA:BB:CC:00:00:01", Hostname: "lab-pc-1"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Machine.ID, again.Machine.ID)
	assert.Equal(t, "lab-pc-1", again.Machine.Hostname)

	_, err = f.srv.AuthenticateAgent(ctx, res.Token)
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized), "old token revoked")
	_, err = f.srv.AuthenticateAgent(ctx, again.Token)
	assert.NoError(t, err)
}

func TestRegisterRejectsBadIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.Register(context.Background(), RegisterInput{MACAddress: "not-a-mac", Hostname: "x"})
	assert.True(t, gerrors.Is(err, gerrors.CodeInvalidSample))
	_, err = f.srv.Register(context.Background(), RegisterInput{MACAddress: "AA:BB:CC:00:00:02", Hostname: "%%%"})
	assert.True(t, gerrors.Is(err, gerrors.CodeInvalidSample))
}

// ---------- heartbeat ingestion ----------

func TestHeartbeatUnauthorized(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.IngestHeartbeat(context.Background(), HeartbeatInput{Token: "bogus"})
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
	_, err = f.srv.IngestHeartbeat(context.Background(), HeartbeatInput{})
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
}

func TestHeartbeatValidation(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t)
	ctx := context.Background()
	over := 101.0

	cases := map[string]HeartbeatInput{
		"negative idle":     {Token: token, IdleSeconds: -1},
		"negative interval": {Token: token, IntervalSeconds: -5},
		"cpu over 100":      {Token: token, CPUPercent: &over},
		"future timestamp":  {Token: token, Timestamp: t0.Add(3 * time.Minute)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.srv.IngestHeartbeat(ctx, in)
			assert.True(t, gerrors.Is(err, gerrors.CodeInvalidSample), "got %v", err)
		})
	}

	// Within the skew allowance.
	_, err := f.srv.IngestHeartbeat(ctx, HeartbeatInput{Token: token, Timestamp: t0.Add(time.Minute)})
	assert.NoError(t, err)
}

func TestIdleFlagDrivesStatus(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)

	ack := f.beat(t, token, false)
	assert.Equal(t, models.StatusOnline, ack.Status)
	assert.Equal(t, status.Transition{MachineID: m.ID, From: models.StatusOffline, To: models.StatusOnline, At: t0}, f.events.lastTransition())

	f.clock.Advance(time.Minute)
	ack = f.beat(t, token, true)
	assert.Equal(t, models.StatusIdle, ack.Status)

	f.clock.Advance(time.Minute)
	ack = f.beat(t, token, false)
	assert.Equal(t, models.StatusOnline, ack.Status)
}

func TestTenIdleMinutesAccrueEnergy(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)

	for i := 0; i < 10; i++ {
		f.beat(t, token, true)
		f.clock.Advance(time.Minute)
	}

	got, err := f.srv.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	// 600 s / 3600 * 65 W / 1000
	assert.InDelta(t, 0.0108333, got.EnergyKWh, 1e-6)
	assert.InDelta(t, 0.0108333*0.386, got.CO2Kg, 1e-6)
	assert.InDelta(t, 0.0108333*0.12, got.CostTotal, 1e-6)
	assert.InDelta(t, 600, got.IdleSeconds, 1e-9)
	assert.Zero(t, got.ActiveSeconds)
}

func TestOutOfOrderSamplesAccrueButDoNotMoveFlag(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()

	f.clock.Advance(2 * time.Minute)
	f.beat(t, token, false) // newest: active

	// A delayed idle sample from a minute earlier.
	ack, err := f.srv.IngestHeartbeat(ctx, HeartbeatInput{
		Token:           token,
		Timestamp:       f.clock.Now().Add(-time.Minute),
		IntervalSeconds: 60,
		IdleSeconds:     60,
		Idle:            true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, ack.Status, "older sample must not set the flag")

	got, err := f.srv.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), got.LastSeen)
	assert.False(t, got.LastIdle)
	assert.InDelta(t, 60, got.IdleSeconds, 1e-9)
	assert.InDelta(t, 60, got.ActiveSeconds, 1e-9)
	assert.Greater(t, got.EnergyKWh, 0.0)
}

func TestResentSampleIsNotAccruedTwice(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()

	// The agent replays a sample whose ack it never received.
	sample := HeartbeatInput{
		Token:           token,
		Timestamp:       t0.Add(-10 * time.Second).Add(123 * time.Nanosecond),
		IntervalSeconds: 60,
		IdleSeconds:     60,
		Idle:            true,
	}
	first, err := f.srv.IngestHeartbeat(ctx, sample)
	require.NoError(t, err)
	again, err := f.srv.IngestHeartbeat(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	got, err := f.srv.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 60, got.IdleSeconds, 1e-9)
	assert.InDelta(t, energy.NewCalculator(energy.DefaultConstants).Delta(60).EnergyKWh, got.EnergyKWh, 1e-12)

	hbs, err := f.srv.ListHeartbeats(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Len(t, hbs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.srv.metrics.HeartbeatsTotal.WithLabelValues("duplicate")))
}

func TestCountersNeverDecreaseUnderAnyOrder(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()
	f.clock.Advance(10 * time.Minute)

	offsets := []int{3, 9, 1, 7, 2, 8, 0, 5, 6, 4}
	var prev models.Machine
	for _, off := range offsets {
		_, err := f.srv.IngestHeartbeat(ctx, HeartbeatInput{
			Token:           token,
			Timestamp:       t0.Add(time.Duration(off) * time.Minute),
			IntervalSeconds: 60,
			IdleSeconds:     float64(off * 6),
			Idle:            off%2 == 0,
		})
		require.NoError(t, err)

		cur, err := f.store.GetMachine(ctx, m.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cur.EnergyKWh, prev.EnergyKWh)
		assert.GreaterOrEqual(t, cur.CO2Kg, prev.CO2Kg)
		assert.GreaterOrEqual(t, cur.CostTotal, prev.CostTotal)
		assert.GreaterOrEqual(t, cur.IdleSeconds, prev.IdleSeconds)
		assert.GreaterOrEqual(t, cur.ActiveSeconds, prev.ActiveSeconds)
		assert.False(t, cur.LastSeen.Before(prev.LastSeen))
		prev = *cur
	}
	assert.Equal(t, t0.Add(9*time.Minute), prev.LastSeen)
	assert.False(t, prev.LastIdle, "flag follows the newest sample (offset 9, active)")
}

func TestHeartbeatClamp(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()

	ack, err := f.srv.IngestHeartbeat(ctx, HeartbeatInput{
		Token:           token,
		IntervalSeconds: 86400,
		IdleSeconds:     86400,
		Idle:            true,
	})
	require.NoError(t, err)
	assert.True(t, ack.Clamped)

	hbs, err := f.srv.ListHeartbeats(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, hbs, 1)
	assert.True(t, hbs[0].Clamped)
	assert.InDelta(t, 120, hbs[0].IntervalSeconds, 1e-9, "nominal 60 s times multiplier 2")
	assert.InDelta(t, 120, hbs[0].IdleSeconds, 1e-9)
	assert.InDelta(t, energy.NewCalculator(energy.DefaultConstants).Delta(120).EnergyKWh, hbs[0].EnergyDeltaKWh, 1e-12)

	// Idle time cannot exceed the interval it belongs to.
	f.clock.Advance(30 * time.Second)
	ack, err = f.srv.IngestHeartbeat(ctx, HeartbeatInput{Token: token, IntervalSeconds: 30, IdleSeconds: 50, Idle: true})
	require.NoError(t, err)
	assert.True(t, ack.Clamped)
}

func TestZeroTimestampAndIntervalUseDefaults(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()

	_, err := f.srv.IngestHeartbeat(ctx, HeartbeatInput{Token: token, IdleSeconds: 30, Idle: true})
	require.NoError(t, err)

	hbs, err := f.srv.ListHeartbeats(ctx, m.ID, 1)
	require.NoError(t, err)
	require.Len(t, hbs, 1)
	assert.Equal(t, t0, hbs[0].Timestamp)
	assert.InDelta(t, 60, hbs[0].IntervalSeconds, 1e-9)
	assert.InDelta(t, 30, hbs[0].IdleSeconds, 1e-9)
}

func TestConcurrentHeartbeatsLoseNoUpdates(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.srv.IngestHeartbeat(context.Background(), HeartbeatInput{
				Token:           token,
				Timestamp:       t0.Add(-time.Duration(i) * time.Second),
				IntervalSeconds: 60,
				IdleSeconds:     60,
				Idle:            true,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.srv.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	want := energy.NewCalculator(energy.DefaultConstants).Delta(60).EnergyKWh * n
	assert.InDelta(t, want, got.EnergyKWh, 1e-9)
	assert.InDelta(t, 60*n, got.IdleSeconds, 1e-6)

	hbs, err := f.srv.ListHeartbeats(context.Background(), m.ID, 1000)
	require.NoError(t, err)
	assert.Len(t, hbs, n)
}

func TestHeartbeatAckReportsPendingCommand(t *testing.T) {
	f := newFixture(t)
	m, token := f.idleMachine(t)
	cmd, err := f.srv.IssueCommand(context.Background(), operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	ack := f.beat(t, token, true)
	assert.True(t, ack.HasPendingCommand)
	assert.Equal(t, cmd.ID, ack.CommandID)

	f.clock.Advance(3 * time.Minute)
	ack = f.beat(t, token, true)
	assert.False(t, ack.HasPendingCommand, "overdue command is not advertised")
}

// ---------- offline sweep ----------

func TestOfflineAfterSilenceAndBack(t *testing.T) {
	f := newFixture(t)
	m, token := f.register(t)
	ctx := context.Background()
	f.beat(t, token, false)

	f.clock.Advance(5 * time.Minute)
	got, err := f.srv.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status, "exactly at the timeout is still online")

	f.clock.Advance(time.Second)
	got, err = f.srv.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status, "reads derive offline before any sweep")

	stored, err := f.store.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, stored.Status, "reads never persist")

	res, err := f.srv.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MachinesOffline)
	stored, err = f.store.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, stored.Status)
	assert.Equal(t, models.StatusOffline, f.events.lastTransition().To)

	res, err = f.srv.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.MachinesOffline, "sweep is idempotent")

	ack := f.beat(t, token, true)
	assert.Equal(t, models.StatusIdle, ack.Status)
	assert.Equal(t, status.Transition{MachineID: m.ID, From: models.StatusOffline, To: models.StatusIdle, At: f.clock.Now()}, f.events.lastTransition())
}

func TestSweepSkipsFreshMachinesAndExpiresCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)
	cmd, err := f.srv.IssueCommand(ctx, admin, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 10})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	f.beat(t, token, true)

	res, err := f.srv.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.MachinesOffline)
	assert.Equal(t, 1, res.CommandsExpired)

	got, err := f.srv.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Contains(t, f.events.commandStatuses(), models.CommandExpired)
}

func TestTriggerSweepRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.TriggerSweep(context.Background(), operator)
	assert.True(t, gerrors.Is(err, gerrors.CodeForbidden))
	_, err = f.srv.TriggerSweep(context.Background(), admin)
	assert.NoError(t, err)
}

// ---------- machine administration ----------

func TestListMachinesFiltersOnDerivedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle, _ := f.idleMachine(t)
	_, quiet := f.register(t)
	f.beat(t, quiet, false)

	list, err := f.srv.ListMachines(ctx, models.MachineFilter{Status: models.StatusIdle})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, idle.ID, list[0].ID)

	f.clock.Advance(10 * time.Minute)
	list, err = f.srv.ListMachines(ctx, models.MachineFilter{Status: models.StatusOffline})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.srv.ListMachines(ctx, models.MachineFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateNotesAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)

	_, err := f.srv.UpdateNotes(ctx, viewer, m.ID, "x")
	assert.True(t, gerrors.Is(err, gerrors.CodeForbidden))
	got, err := f.srv.UpdateNotes(ctx, operator, m.ID, "room 101")
	require.NoError(t, err)
	assert.Equal(t, "room 101", got.Notes)

	_, err = f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 5})
	require.NoError(t, err)

	assert.True(t, gerrors.Is(f.srv.DeleteMachine(ctx, operator, m.ID), gerrors.CodeForbidden))
	require.NoError(t, f.srv.DeleteMachine(ctx, admin, m.ID))

	_, err = f.srv.GetMachine(ctx, m.ID)
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
	_, err = f.srv.IngestHeartbeat(ctx, HeartbeatInput{Token: token})
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized), "tokens go with the machine")
	_, err = f.srv.ListHeartbeats(ctx, m.ID, 10)
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
}

func TestRevokeTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.register(t)
	f.beat(t, token, false)

	_, err := f.srv.RevokeTokens(ctx, operator, m.ID)
	assert.True(t, gerrors.Is(err, gerrors.CodeForbidden))

	n, err := f.srv.RevokeTokens(ctx, admin, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.srv.IngestHeartbeat(ctx, HeartbeatInput{Token: token})
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
}

func TestRevocationReachesEveryServerOnTheStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.register(t)
	peer := New(f.store, Options{Clock: f.clock, Logger: zaptest.NewLogger(t)})

	// Both instances have accepted the token before the revoke.
	f.beat(t, token, false)
	f.clock.Advance(time.Minute)
	_, err := peer.IngestHeartbeat(ctx, HeartbeatInput{Token: token, IntervalSeconds: 60})
	require.NoError(t, err)

	n, err := f.srv.RevokeTokens(ctx, admin, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Advance(time.Minute)
	_, err = peer.IngestHeartbeat(ctx, HeartbeatInput{Token: token, IntervalSeconds: 60})
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized), "peer instance: %v", err)
	_, err = peer.PollCommand(ctx, token)
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
}

func TestOpLocksAreReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("no-such-machine-%d", i)
		_, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: id, IdleThresholdMinutes: 15})
		assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
		_, err = f.srv.UpdateNotes(ctx, operator, id, "x")
		assert.Error(t, err)
	}
	_, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.beat(t, token, true)
	require.NoError(t, f.srv.DeleteMachine(ctx, admin, m.ID))

	f.srv.opMu.Lock()
	defer f.srv.opMu.Unlock()
	assert.Empty(t, f.srv.opLocks)
}
