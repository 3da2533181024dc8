package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/auth"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
)

// Read paths re-derive status at read time without persisting it, so an
// operator never sees a machine as online after its silence exceeded the
// offline timeout, even between sweeps.

// GetMachine returns a machine with its status evaluated now.
func (s *Server) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, storeErr(err, "machine")
	}
	m.Status = status.Of(m, s.now(), s.cfg.OfflineTimeout)
	return m, nil
}

// ListMachines filters on the status evaluated now, not the stored one.
func (s *Server) ListMachines(ctx context.Context, filter models.MachineFilter) ([]*models.Machine, error) {
	all, err := s.store.ListMachines(ctx, models.MachineFilter{Search: filter.Search})
	if err != nil {
		return nil, storeErr(err, "machine")
	}
	now := s.now()
	out := make([]*models.Machine, 0, len(all))
	for _, m := range all {
		m.Status = status.Of(m, now, s.cfg.OfflineTimeout)
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListHeartbeats returns a machine's samples, newest first.
func (s *Server) ListHeartbeats(ctx context.Context, machineID string, limit int) ([]*models.Heartbeat, error) {
	if _, err := s.store.GetMachine(ctx, machineID); err != nil {
		return nil, storeErr(err, "machine")
	}
	hbs, err := s.store.ListHeartbeats(ctx, machineID, limit)
	if err != nil {
		return nil, storeErr(err, "heartbeat")
	}
	return hbs, nil
}

// UpdateNotes replaces a machine's free-form notes.
func (s *Server) UpdateNotes(ctx context.Context, op auth.Operator, id, notes string) (*models.Machine, error) {
	if !op.CanIssueCommands() {
		return nil, gerrors.Newf(gerrors.CodeForbidden, "operator %s may not edit machines", op.ID)
	}
	if len(notes) > maxNotesLen {
		return nil, gerrors.Newf(gerrors.CodeInvalidSample, "notes exceed %d characters", maxNotesLen)
	}

	now := s.now()
	s.acquireOpLock(id)
	m, err := s.store.UpdateMachine(ctx, id, func(m *models.Machine) (bool, error) {
		if m.Notes == notes {
			return false, nil
		}
		m.Notes = notes
		m.Version++
		m.UpdatedAt = now
		return true, nil
	})
	s.releaseOpLock(id)
	if err != nil {
		return nil, storeErr(err, "machine")
	}
	m.Status = status.Of(m, now, s.cfg.OfflineTimeout)
	return m, nil
}

// DeleteMachine removes a machine with its heartbeats, commands and
// tokens. An in-flight command simply disappears; its agent's next report
// gets NotFound.
func (s *Server) DeleteMachine(ctx context.Context, op auth.Operator, id string) error {
	if !op.CanAdminister() {
		return gerrors.Newf(gerrors.CodeForbidden, "operator %s may not delete machines", op.ID)
	}
	s.acquireOpLock(id)
	err := s.store.DeleteMachine(ctx, id)
	s.releaseOpLock(id)
	if err != nil {
		return storeErr(err, "machine")
	}
	s.logger.Info("machine deleted", zap.String("machine_id", id), zap.String("by", op.ID))
	return nil
}

// RevokeTokens invalidates every agent token of a machine. The agent must
// register again.
func (s *Server) RevokeTokens(ctx context.Context, op auth.Operator, id string) (int, error) {
	if !op.CanAdminister() {
		return 0, gerrors.Newf(gerrors.CodeForbidden, "operator %s may not revoke tokens", op.ID)
	}
	n, err := s.store.RevokeAgentTokens(ctx, id)
	if err != nil {
		return 0, storeErr(err, "machine")
	}
	s.logger.Info("agent tokens revoked", zap.String("machine_id", id), zap.Int("count", n), zap.String("by", op.ID))
	return n, nil
}

// TriggerSweep runs a sweep on an operator's behalf.
func (s *Server) TriggerSweep(ctx context.Context, op auth.Operator) (*SweepResult, error) {
	if !op.CanAdminister() {
		return nil, gerrors.Newf(gerrors.CodeForbidden, "operator %s may not trigger sweeps", op.ID)
	}
	return s.Sweep(ctx)
}
