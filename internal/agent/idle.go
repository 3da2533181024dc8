package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/clock"
)

const (
	IdleSourceAuto       = "auto"
	IdleSourceXprintidle = "xprintidle"
	IdleSourceCPU        = "cpu"
)

// IdleSource measures how long the machine has gone without user activity.
type IdleSource interface {
	Name() string
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// runFunc runs a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// xprintidleSource asks the X server for the time since the last input.
type xprintidleSource struct {
	run runFunc
}

func (x *xprintidleSource) Name() string { return IdleSourceXprintidle }

func (x *xprintidleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	out, err := x.run(ctx, "xprintidle")
	if err != nil {
		return 0, fmt.Errorf("xprintidle: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("xprintidle: unexpected output %q", strings.TrimSpace(string(out)))
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// percentFunc samples total CPU utilisation since the previous call.
type percentFunc func(ctx context.Context) (float64, error)

func cpuPercent(ctx context.Context) (float64, error) {
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return p[0], nil
}

// cpuIdleSource treats a machine as idle for as long as its CPU
// utilisation has stayed below the threshold. Headless machines have no
// input devices to ask.
type cpuIdleSource struct {
	percent   percentFunc
	threshold float64
	clock     clock.Clock

	mu        sync.Mutex
	quietFrom time.Time
}

func (c *cpuIdleSource) Name() string { return IdleSourceCPU }

func (c *cpuIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	p, err := c.percent(ctx)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if p >= c.threshold {
		c.quietFrom = time.Time{}
		return 0, nil
	}
	if c.quietFrom.IsZero() {
		c.quietFrom = now
	}
	return now.Sub(c.quietFrom), nil
}

// autoSource prefers xprintidle and falls back to the CPU heuristic once
// xprintidle has failed, e.g. on a machine without a display.
type autoSource struct {
	primary  IdleSource
	fallback IdleSource
	logger   *zap.Logger

	mu   sync.Mutex
	fell bool
}

func (a *autoSource) Name() string { return IdleSourceAuto }

func (a *autoSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	fell := a.fell
	a.mu.Unlock()

	if !fell {
		d, err := a.primary.IdleDuration(ctx)
		if err == nil {
			return d, nil
		}
		a.logger.Info("idle source unavailable, falling back",
			zap.String("source", a.primary.Name()),
			zap.String("fallback", a.fallback.Name()),
			zap.Error(err))
		a.mu.Lock()
		a.fell = true
		a.mu.Unlock()
	}
	return a.fallback.IdleDuration(ctx)
}

// NewIdleSource builds the idle source named by cfg.IdleSource.
func NewIdleSource(cfg *Config, clk clock.Clock, logger *zap.Logger) (IdleSource, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &xprintidleSource{run: execRun}
	c := &cpuIdleSource{percent: cpuPercent, threshold: cfg.CPUIdlePercent, clock: clk}

	switch cfg.IdleSource {
	case IdleSourceXprintidle:
		return x, nil
	case IdleSourceCPU:
		return c, nil
	case IdleSourceAuto, "":
		return &autoSource{primary: x, fallback: c, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown idle source %q", cfg.IdleSource)
	}
}
