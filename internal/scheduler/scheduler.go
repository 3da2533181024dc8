package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/server"
)

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (*server.SweepResult, error)
}

// Scheduler runs the offline sweep on a cron schedule.
type Scheduler struct {
	logger   *zap.Logger
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	entryID cron.EntryID
	lastRun time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates schedule and prepares a scheduler. Standard five-field
// expressions and descriptors such as "@every 5m" are accepted.
func New(sweeper Sweeper, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	return &Scheduler{
		logger:   logger,
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  time.Minute,
	}, nil
}

// Start schedules the sweep job and starts the cron loop. Jobs run with a
// context derived from ctx; cancelling it aborts a running sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID != 0 {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	id, err := s.cron.AddFunc(s.schedule, s.runOnce)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("sweep scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("sweep scheduler stopped")
}

// NextRun returns the next scheduled sweep, zero before Start.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// LastRun returns when the last sweep started.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	s.lastRun = time.Now()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
