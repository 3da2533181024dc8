package agent

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// Executor powers the machine off.
type Executor interface {
	Shutdown(ctx context.Context) error
}

type shutdownExecutor struct {
	dryRun bool
	goos   string
	run    runFunc
	logger *zap.Logger
}

// NewShutdownExecutor returns the platform shutdown executor. With dryRun
// it only logs.
func NewShutdownExecutor(dryRun bool, logger *zap.Logger) Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &shutdownExecutor{
		dryRun: dryRun,
		goos:   runtime.GOOS,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		logger: logger,
	}
}

func shutdownCommand(goos string) ([]string, error) {
	switch goos {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		return []string{"shutdown", "-h", "now"}, nil
	case "windows":
		return []string{"shutdown", "/s", "/f", "/t", "0"}, nil
	default:
		return nil, fmt.Errorf("shutdown is not supported on %s", goos)
	}
}

func (e *shutdownExecutor) Shutdown(ctx context.Context) error {
	argv, err := shutdownCommand(e.goos)
	if err != nil {
		return err
	}
	if e.dryRun {
		e.logger.Warn("dry run: skipping shutdown", zap.Strings("command", argv))
		return nil
	}

	e.logger.Warn("executing shutdown", zap.Strings("command", argv))
	if out, err := e.run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("shutdown failed: %w (output: %s)", err, out)
	}
	return nil
}
