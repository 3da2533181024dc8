package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/auth"
	"github.com/devghori1264/greenops/internal/clock"
	"github.com/devghori1264/greenops/internal/config"
	"github.com/devghori1264/greenops/internal/energy"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/metrics"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
	"github.com/devghori1264/greenops/internal/storage"
	"github.com/devghori1264/greenops/internal/tracing"
)

// EventSink receives lifecycle events after the write that caused them
// has committed. Implementations must not block.
type EventSink interface {
	StatusChanged(ctx context.Context, t status.Transition)
	CommandChanged(ctx context.Context, cmd *models.Command, at time.Time)
}

type nopEvents struct{}

func (nopEvents) StatusChanged(context.Context, status.Transition) {}
func (nopEvents) CommandChanged(context.Context, *models.Command, time.Time) {}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Lifecycle config.LifecycleConfig
	Energy    energy.Constants
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Events    EventSink
}

// Server is the lifecycle engine: it ingests heartbeats, derives status,
// accrues energy and runs the command protocol.
type Server struct {
	store   storage.Store
	cfg     config.LifecycleConfig
	calc    *energy.Calculator
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  EventSink
	tracer  trace.Tracer

	// operations mutex per machine id; an entry lives while some caller
	// holds or waits for it
	opMu    sync.Mutex
	opLocks map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a new server instance.
func New(store storage.Store, opts Options) *Server {
	lc := opts.Lifecycle
	if lc.OfflineTimeout <= 0 {
		lc.OfflineTimeout = status.DefaultOfflineTimeout
	}
	if lc.HeartbeatInterval <= 0 {
		lc.HeartbeatInterval = time.Minute
	}
	if lc.ClampMultiplier < 1 {
		lc.ClampMultiplier = 2
	}
	if lc.CommandTTL <= 0 {
		lc.CommandTTL = 2 * time.Minute
	}
	if lc.MaxClockSkew < 0 {
		lc.MaxClockSkew = 0
	}
	if opts.Energy == (energy.Constants{}) {
		opts.Energy = energy.DefaultConstants
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = nopEvents{}
	}

	return &Server{
		store:   store,
		cfg:     lc,
		calc:    energy.NewCalculator(opts.Energy),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
		tracer:  tracing.Tracer(),
		opLocks: make(map[string]*opLock),
	}
}

// Lifecycle returns the effective timing configuration.
func (s *Server) Lifecycle() config.LifecycleConfig { return s.cfg }

func (s *Server) now() time.Time { return s.clock.Now().UTC() }

// AuthenticateAgent resolves a raw agent token to its machine ID. The
// token is read from the store on every call so a revocation committed by
// any server instance takes effect on the next request.
func (s *Server) AuthenticateAgent(ctx context.Context, rawToken string) (string, error) {
	if rawToken == "" {
		return "", gerrors.New(gerrors.CodeUnauthorized, "agent token required")
	}
	tok, err := s.store.LookupAgentToken(ctx, auth.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", gerrors.New(gerrors.CodeUnauthorized, "agent token is invalid")
		}
		return "", gerrors.Wrap(gerrors.CodeInternal, "token lookup failed", err)
	}
	if tok.Revoked {
		return "", gerrors.New(gerrors.CodeUnauthorized, "agent token has been revoked")
	}
	return tok.MachineID, nil
}

// storeErr maps storage failures onto the error taxonomy.
func storeErr(err error, what string) error {
	var ge *gerrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ge):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return gerrors.Newf(gerrors.CodeNotFound, "%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		return gerrors.Wrap(gerrors.CodeConflict, "concurrent update, retry", err)
	default:
		return gerrors.Wrap(gerrors.CodeInternal, what+" storage failure", err)
	}
}

// acquireOpLock ensures only one op per machine at a time.
func (s *Server) acquireOpLock(id string) {
	s.opMu.Lock()
	l, ok := s.opLocks[id]
	if !ok {
		l = &opLock{}
		s.opLocks[id] = l
	}
	l.refs++
	s.opMu.Unlock()
	l.mu.Lock()
}

// releaseOpLock releases the op lock and drops it once nobody else is
// waiting, so ids that are gone or never existed leave nothing behind.
func (s *Server) releaseOpLock(id string) {
	s.opMu.Lock()
	l, ok := s.opLocks[id]
	if !ok {
		s.opMu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(s.opLocks, id)
	}
	s.opMu.Unlock()
	l.mu.Unlock()
}

func (s *Server) recordTransition(ctx context.Context, t status.Transition) {
	if !t.Changed() {
		return
	}
	s.metrics.StatusTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	s.logger.Info("machine status changed",
		zap.String("machine_id", t.MachineID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)))
	s.events.StatusChanged(ctx, t)
}

func (s *Server) recordCommand(ctx context.Context, cmd *models.Command, at time.Time) {
	s.metrics.CommandsTotal.WithLabelValues(string(cmd.Status)).Inc()
	s.events.CommandChanged(ctx, cmd, at)
}
