package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/agentrpc"
	"github.com/devghori1264/greenops/internal/clock"
	gerrors "github.com/devghori1264/greenops/internal/errors"
)

// Transport is the agent's view of greenops.v1.AgentService. It is
// satisfied by *agentrpc.Client.
type Transport interface {
	Register(ctx context.Context, in *agentrpc.RegisterRequest) (*agentrpc.RegisterResponse, error)
	Heartbeat(ctx context.Context, token string, in *agentrpc.HeartbeatRequest) (*agentrpc.HeartbeatResponse, error)
	PollCommand(ctx context.Context, token string) (*agentrpc.PollCommandResponse, error)
	ReportResult(ctx context.Context, token string, in *agentrpc.ReportResultRequest) (*agentrpc.ReportResultResponse, error)
}

// Deps are the agent's collaborators. Nil Idle, Probe, Executor and Clock
// fall back to the real implementations.
type Deps struct {
	Transport Transport
	Idle      IdleSource
	Probe     Probe
	Executor  Executor
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Agent reports telemetry for one machine and carries out the commands the
// server hands it, after checking them against local idle time.
type Agent struct {
	cfg    *Config
	tr     Transport
	idle   IdleSource
	probe  Probe
	exec   Executor
	clock  clock.Clock
	logger *zap.Logger
	queue  *sampleQueue

	pollNow chan struct{}

	mu         sync.Mutex
	state      State
	lastSample time.Time
}

// New creates an agent. It does not contact the server.
func New(cfg *Config, deps Deps) (*Agent, error) {
	if deps.Transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Idle == nil {
		src, err := NewIdleSource(cfg, deps.Clock, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Idle = src
	}
	if deps.Probe == nil {
		deps.Probe = NewHostProbe()
	}
	if deps.Executor == nil {
		deps.Executor = NewShutdownExecutor(cfg.DryRun, deps.Logger)
	}

	return &Agent{
		cfg:     cfg,
		tr:      deps.Transport,
		idle:    deps.Idle,
		probe:   deps.Probe,
		exec:    deps.Executor,
		clock:   deps.Clock,
		logger:  deps.Logger,
		queue:   newSampleQueue(cfg.QueueSize),
		pollNow: make(chan struct{}, 1),
	}, nil
}

// Run registers if needed, then heartbeats and polls until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ensureRegistered(ctx); err != nil {
		return err
	}
	a.logger.Info("agent started",
		zap.String("machine_id", a.machineID()),
		zap.String("server", a.cfg.ServerAddr),
		zap.String("idle_source", a.idle.Name()),
		zap.Bool("dry_run", a.cfg.DryRun))

	hb := time.NewTicker(a.cfg.HeartbeatInterval)
	defer hb.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	_, _ = a.heartbeatOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping", zap.Int("queued_samples", a.queue.len()))
			return nil
		case <-hb.C:
			_, _ = a.heartbeatOnce(ctx)
		case <-poll.C:
			_ = a.pollOnce(ctx)
		case <-a.pollNow:
			_ = a.pollOnce(ctx)
		}
	}
}

func (a *Agent) machineID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.MachineID
}

func (a *Agent) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Token
}

func (a *Agent) ensureRegistered(ctx context.Context) error {
	st, err := loadState(a.cfg.StateFile)
	if err != nil {
		return err
	}
	if st.Token != "" {
		a.mu.Lock()
		a.state = st
		a.mu.Unlock()
		return nil
	}
	a.logger.Info("no credentials found, registering")
	return a.register(ctx)
}

func (a *Agent) register(ctx context.Context) error {
	id, err := a.probe.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read machine identity: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	resp, err := a.tr.Register(rctx, id)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	st := State{MachineID: resp.MachineID, Token: resp.Token}
	if err := saveState(a.cfg.StateFile, st); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = st
	a.mu.Unlock()

	a.logger.Info("registered",
		zap.String("machine_id", resp.MachineID),
		zap.String("mac_address", id.MACAddress),
		zap.Bool("created", resp.Created))
	return nil
}

// withAuth runs call with the current token. When the server no longer
// accepts the token the agent registers again and retries once.
func (a *Agent) withAuth(ctx context.Context, call func(ctx context.Context, token string) error) error {
	try := func() error {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		return call(rctx, a.token())
	}

	err := try()
	if !gerrors.Is(err, gerrors.CodeUnauthorized) {
		return err
	}
	a.logger.Warn("token rejected, registering again", zap.Error(err))
	if rerr := a.register(ctx); rerr != nil {
		return rerr
	}
	return try()
}

// retryable reports whether a failure was not a decision by the server,
// so the same request may succeed later.
func retryable(err error) bool {
	return err != nil && gerrors.CodeOf(err) == gerrors.CodeInternal
}

// sample measures the interval since the previous sample.
func (a *Agent) sample(ctx context.Context) *agentrpc.HeartbeatRequest {
	now := a.clock.Now()

	idle, err := a.idle.IdleDuration(ctx)
	if err != nil {
		a.logger.Warn("idle measurement failed", zap.String("source", a.idle.Name()), zap.Error(err))
		idle = 0
	}

	a.mu.Lock()
	elapsed := a.cfg.HeartbeatInterval
	if !a.lastSample.IsZero() {
		elapsed = now.Sub(a.lastSample)
	}
	a.lastSample = now
	a.mu.Unlock()

	cpuP, memP := a.probe.Usage(ctx)
	return &agentrpc.HeartbeatRequest{
		Timestamp:       now.UTC(),
		IntervalSeconds: elapsed.Seconds(),
		IdleSeconds:     min(idle, elapsed).Seconds(),
		Idle:            idle >= a.cfg.IdleFlagThreshold,
		CPUPercent:      cpuP,
		MemoryPercent:   memP,
	}
}

func (a *Agent) send(ctx context.Context, req *agentrpc.HeartbeatRequest) (*agentrpc.HeartbeatResponse, error) {
	var ack *agentrpc.HeartbeatResponse
	err := a.withAuth(ctx, func(ctx context.Context, token string) error {
		var err error
		ack, err = a.tr.Heartbeat(ctx, token, req)
		return err
	})
	return ack, err
}

// flush replays queued samples oldest first. It stops at the first
// retryable failure and reports whether the queue drained.
func (a *Agent) flush(ctx context.Context) bool {
	for hb := a.queue.peek(); hb != nil; hb = a.queue.peek() {
		_, err := a.send(ctx, hb)
		if retryable(err) {
			return false
		}
		if err != nil {
			a.logger.Warn("dropping queued sample", zap.Time("timestamp", hb.Timestamp), zap.Error(err))
		}
		a.queue.pop()
	}
	return true
}

func (a *Agent) enqueue(req *agentrpc.HeartbeatRequest) {
	if a.queue.push(req) {
		a.logger.Warn("offline queue full, dropped oldest sample")
	}
}

// heartbeatOnce takes a sample and delivers it behind any queued ones.
func (a *Agent) heartbeatOnce(ctx context.Context) (*agentrpc.HeartbeatResponse, error) {
	req := a.sample(ctx)

	if !a.flush(ctx) {
		a.enqueue(req)
		a.logger.Warn("server unreachable, sample queued", zap.Int("queued", a.queue.len()))
		return nil, errors.New("server unreachable")
	}

	ack, err := a.send(ctx, req)
	switch {
	case retryable(err):
		a.enqueue(req)
		a.logger.Warn("heartbeat failed, sample queued", zap.Int("queued", a.queue.len()), zap.Error(err))
		return nil, err
	case err != nil:
		a.logger.Error("heartbeat rejected", zap.Error(err))
		return nil, err
	}

	a.logger.Debug("heartbeat",
		zap.String("status", ack.Status),
		zap.Float64("idle_seconds", req.IdleSeconds),
		zap.Bool("idle", req.Idle),
		zap.Float64("energy_kwh", ack.EnergyKWh))
	if ack.HasPendingCommand {
		select {
		case a.pollNow <- struct{}{}:
		default:
		}
	}
	return ack, nil
}

// pollOnce fetches the pending command, if any, and handles it.
func (a *Agent) pollOnce(ctx context.Context) error {
	var resp *agentrpc.PollCommandResponse
	err := a.withAuth(ctx, func(ctx context.Context, token string) error {
		var err error
		resp, err = a.tr.PollCommand(ctx, token)
		return err
	})
	if err != nil {
		a.logger.Warn("command poll failed", zap.Error(err))
		return err
	}
	if resp.Command == nil {
		return nil
	}
	return a.handleCommand(ctx, resp.Command)
}

// handleCommand re-validates cmd locally, reports the decision and only
// then shuts down.
func (a *Agent) handleCommand(ctx context.Context, cmd *agentrpc.PendingCommand) error {
	idle, err := a.idle.IdleDuration(ctx)
	if err != nil {
		a.logger.Warn("idle measurement failed, treating machine as active", zap.Error(err))
		idle = 0
	}
	d := Decide(cmd, idle)
	a.logger.Info("command received",
		zap.String("command_id", cmd.CommandID),
		zap.String("type", cmd.Type),
		zap.Int("threshold_minutes", cmd.IdleThresholdMinutes),
		zap.Stringer("decision", d))

	idleMinutes := d.IdleMinutes
	req := &agentrpc.ReportResultRequest{
		CommandID:   cmd.CommandID,
		Outcome:     d.Outcome(),
		Reason:      d.Reason,
		IdleMinutes: &idleMinutes,
	}
	err = a.withAuth(ctx, func(ctx context.Context, token string) error {
		_, err := a.tr.ReportResult(ctx, token, req)
		return err
	})
	switch {
	case err == nil:
	case gerrors.Is(err, gerrors.CodeConflict), gerrors.Is(err, gerrors.CodeNotFound):
		a.logger.Warn("command no longer pending, aborting",
			zap.String("command_id", cmd.CommandID), zap.Error(err))
		return nil
	case !retryable(err) || !d.Execute:
		a.logger.Error("failed to report command result",
			zap.String("command_id", cmd.CommandID), zap.Error(err))
		return err
	default:
		// The server will expire the command on its own.
		a.logger.Error("failed to report command result, executing anyway",
			zap.String("command_id", cmd.CommandID), zap.Error(err))
	}

	if !d.Execute {
		return nil
	}
	if err := a.exec.Shutdown(ctx); err != nil {
		a.logger.Error("shutdown failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
		return err
	}
	return nil
}
