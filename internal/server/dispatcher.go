package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/auth"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
	"github.com/devghori1264/greenops/internal/tracing"
)

const (
	MinIdleThresholdMinutes     = 1
	MaxIdleThresholdMinutes     = 1440
	DefaultIdleThresholdMinutes = 15

	maxReasonLen = 500
	maxNotesLen  = 1000
)

// IssueInput is an operator's shutdown request.
type IssueInput struct {
	MachineID            string
	IdleThresholdMinutes int
	Notes                string
}

// ResultInput is the agent's decision on a command.
type ResultInput struct {
	Token     string
	CommandID string
	// Outcome is CommandExecuted or CommandRejected.
	Outcome     models.CommandStatus
	Reason      string
	IdleMinutes *int
}

func expire(c *models.Command, now time.Time) {
	c.Status = models.CommandExpired
	c.ResolvedAt = &now
}

// IssueCommand creates a pending shutdown command for an idle machine. An
// overdue pending command is expired in the same transaction; a live one
// makes the call fail with Conflict.
func (s *Server) IssueCommand(ctx context.Context, op auth.Operator, in IssueInput) (*models.Command, error) {
	ctx, span := s.tracer.Start(ctx, "command.issue")
	defer span.End()
	span.SetAttributes(tracing.MachineAttr(in.MachineID))

	if !op.CanIssueCommands() {
		return nil, gerrors.Newf(gerrors.CodeForbidden, "operator %s may not issue commands", op.ID)
	}
	if in.IdleThresholdMinutes < MinIdleThresholdMinutes || in.IdleThresholdMinutes > MaxIdleThresholdMinutes {
		return nil, gerrors.Newf(gerrors.CodeInvalidSample,
			"idle_threshold_minutes must be within [%d, %d]", MinIdleThresholdMinutes, MaxIdleThresholdMinutes)
	}
	if len(in.Notes) > maxNotesLen {
		return nil, gerrors.Newf(gerrors.CodeInvalidSample, "notes exceed %d characters", maxNotesLen)
	}

	now := s.now()
	var expired *models.Command

	s.acquireOpLock(in.MachineID)
	cmd, err := s.store.CreateCommand(ctx, in.MachineID, func(m *models.Machine, pending *models.Command) (*models.Command, error) {
		expired = nil
		if pending != nil {
			if !pending.Overdue(now) {
				return nil, gerrors.Newf(gerrors.CodeConflict,
					"machine already has pending command %s", pending.ID)
			}
			expire(pending, now)
			expired = pending
		}
		if st := status.Of(m, now, s.cfg.OfflineTimeout); st != models.StatusIdle {
			return nil, gerrors.Newf(gerrors.CodeInvalidState,
				"shutdown is only allowed for idle machines, machine is %s", st)
		}
		return &models.Command{
			ID:                   uuid.NewString(),
			IssuedBy:             op.ID,
			Type:                 models.CommandShutdown,
			Status:               models.CommandPending,
			IdleThresholdMinutes: in.IdleThresholdMinutes,
			Notes:                in.Notes,
			IssuedAt:             now,
			ExpiresAt:            now.Add(s.cfg.CommandTTL),
		}, nil
	})
	s.releaseOpLock(in.MachineID)
	if err != nil {
		return nil, storeErr(err, "machine")
	}

	if expired != nil {
		s.logger.Info("pending command expired lazily on issue",
			zap.String("machine_id", in.MachineID),
			zap.String("command_id", expired.ID))
		s.recordCommand(ctx, expired, now)
	}
	s.recordCommand(ctx, cmd, now)
	s.logger.Info("shutdown issued",
		zap.String("machine_id", in.MachineID),
		zap.String("command_id", cmd.ID),
		zap.String("by", op.ID),
		zap.Int("idle_threshold_minutes", cmd.IdleThresholdMinutes))
	return cmd, nil
}

// PollCommand returns the agent's live pending command, or nil when there
// is none. It never writes: an overdue command is simply not returned.
func (s *Server) PollCommand(ctx context.Context, token string) (*models.Command, error) {
	ctx, span := s.tracer.Start(ctx, "command.poll")
	defer span.End()

	machineID, err := s.AuthenticateAgent(ctx, token)
	if err != nil {
		return nil, err
	}
	cmd, err := s.store.PendingCommand(ctx, machineID)
	if err != nil {
		if err = storeErr(err, "command"); gerrors.Is(err, gerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cmd.Overdue(s.now()) {
		return nil, nil
	}
	return cmd, nil
}

// ReportResult records the agent's decision. Reports are idempotent: a
// repeat of the stored outcome succeeds without writing. A report for a
// command that already expired, or that contradicts the stored outcome,
// fails with Conflict.
func (s *Server) ReportResult(ctx context.Context, in ResultInput) (*models.Command, error) {
	ctx, span := s.tracer.Start(ctx, "command.report")
	defer span.End()
	span.SetAttributes(tracing.CommandAttr(in.CommandID))

	machineID, err := s.AuthenticateAgent(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	if in.Outcome != models.CommandExecuted && in.Outcome != models.CommandRejected {
		return nil, gerrors.Newf(gerrors.CodeInvalidSample, "outcome must be %q or %q",
			models.CommandExecuted, models.CommandRejected)
	}
	if in.IdleMinutes != nil && *in.IdleMinutes < 0 {
		return nil, gerrors.New(gerrors.CodeInvalidSample, "idle_minutes must not be negative")
	}
	reason := truncate(in.Reason, maxReasonLen)
	if in.Outcome == models.CommandExecuted {
		reason = ""
	}

	now := s.now()
	var (
		lazilyExpired bool
		duplicate     bool
	)

	s.acquireOpLock(machineID)
	cmd, err := s.store.UpdateCommand(ctx, in.CommandID, func(c *models.Command) (bool, error) {
		lazilyExpired, duplicate = false, false
		if c.MachineID != machineID {
			return false, gerrors.New(gerrors.CodeNotFound, "command not found")
		}
		switch {
		case c.Status.Terminal():
			if c.Status == in.Outcome && (in.Outcome == models.CommandExecuted || c.RejectionReason == reason) {
				duplicate = true
				return false, nil
			}
			return false, gerrors.Newf(gerrors.CodeConflict, "command %s is already %s", c.ID, c.Status)
		case c.Overdue(now):
			expire(c, now)
			lazilyExpired = true
			return true, nil
		default:
			c.Status = in.Outcome
			c.ResolvedAt = &now
			c.IdleMinutesAtExecution = in.IdleMinutes
			if in.Outcome == models.CommandExecuted {
				c.ExecutedAt = &now
			} else {
				c.RejectionReason = reason
			}
			return true, nil
		}
	})
	s.releaseOpLock(machineID)
	if err != nil {
		return nil, storeErr(err, "command")
	}

	switch {
	case lazilyExpired:
		s.logger.Info("result reported for expired command",
			zap.String("machine_id", machineID),
			zap.String("command_id", cmd.ID),
			zap.String("outcome", string(in.Outcome)))
		s.recordCommand(ctx, cmd, now)
		return nil, gerrors.Newf(gerrors.CodeConflict, "command %s expired at %s",
			cmd.ID, cmd.ExpiresAt.Format(time.RFC3339))
	case duplicate:
		s.logger.Info("duplicate result report ignored",
			zap.String("machine_id", machineID),
			zap.String("command_id", cmd.ID),
			zap.String("status", string(cmd.Status)))
		return cmd, nil
	}

	s.recordCommand(ctx, cmd, now)
	s.logger.Info("command result",
		zap.String("machine_id", machineID),
		zap.String("command_id", cmd.ID),
		zap.String("status", string(cmd.Status)),
		zap.String("reason", cmd.RejectionReason))
	return cmd, nil
}

// ExpireOverdue marks every pending command past its TTL as expired and
// returns how many it changed.
func (s *Server) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.store.ListOverdueCommands(ctx, now)
	if err != nil {
		return 0, storeErr(err, "command")
	}

	var n int
	for _, c := range overdue {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var changed bool
		s.acquireOpLock(c.MachineID)
		cmd, err := s.store.UpdateCommand(ctx, c.ID, func(c *models.Command) (bool, error) {
			changed = c.Overdue(now)
			if changed {
				expire(c, now)
			}
			return changed, nil
		})
		s.releaseOpLock(c.MachineID)
		if err != nil {
			if gerrors.Is(storeErr(err, "command"), gerrors.CodeNotFound) {
				continue // machine deleted meanwhile
			}
			return n, storeErr(err, "command")
		}
		if changed {
			n++
			s.recordCommand(ctx, cmd, now)
			s.logger.Info("command expired",
				zap.String("machine_id", cmd.MachineID),
				zap.String("command_id", cmd.ID))
		}
	}
	return n, nil
}

// ListCommands returns a machine's commands, newest first.
func (s *Server) ListCommands(ctx context.Context, filter models.CommandFilter) ([]*models.Command, error) {
	if filter.MachineID != "" {
		if _, err := s.store.GetMachine(ctx, filter.MachineID); err != nil {
			return nil, storeErr(err, "machine")
		}
	}
	cmds, err := s.store.ListCommands(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "command")
	}
	return cmds, nil
}

// GetCommand returns one command.
func (s *Server) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil {
		return nil, storeErr(err, "command")
	}
	return cmd, nil
}
