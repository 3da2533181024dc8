package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
)

// SweepResult reports what one sweep changed.
type SweepResult struct {
	MachinesOffline int           `json:"machines_offline"`
	CommandsExpired int           `json:"commands_expired"`
	Duration        time.Duration `json:"duration"`
}

// Sweep persists the offline transition of every machine that went silent
// past the offline timeout, then expires overdue commands. It is safe to
// run concurrently with ingestion: each machine is re-checked under its
// lock against the current record.
func (s *Server) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "sweep")
	defer span.End()

	start := time.Now()
	res := &SweepResult{}

	machines, err := s.store.ListMachines(ctx, models.MachineFilter{})
	if err != nil {
		return nil, storeErr(err, "machine")
	}

	now := s.now()
	for _, m := range machines {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if m.Status == models.StatusOffline || status.Of(m, now, s.cfg.OfflineTimeout) != models.StatusOffline {
			continue
		}
		t, err := s.markOffline(ctx, m.ID, now)
		if err != nil {
			s.logger.Warn("sweep: mark offline failed", zap.String("machine_id", m.ID), zap.Error(err))
			continue
		}
		if t.Changed() {
			res.MachinesOffline++
			s.recordTransition(ctx, t)
		}
	}

	expired, err := s.ExpireOverdue(ctx)
	res.CommandsExpired = expired
	res.Duration = time.Since(start)

	s.metrics.SweepDuration.Observe(res.Duration.Seconds())
	s.metrics.SweepMachinesOffline.Add(float64(res.MachinesOffline))
	s.metrics.SweepCommandsExpired.Add(float64(res.CommandsExpired))
	if err != nil {
		return res, err
	}

	s.logger.Info("sweep complete",
		zap.Int("machines_offline", res.MachinesOffline),
		zap.Int("commands_expired", res.CommandsExpired),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (s *Server) markOffline(ctx context.Context, id string, now time.Time) (status.Transition, error) {
	var t status.Transition
	s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	_, err := s.store.UpdateMachine(ctx, id, func(m *models.Machine) (bool, error) {
		// A heartbeat may have landed since the listing.
		if m.Status == models.StatusOffline || status.Of(m, now, s.cfg.OfflineTimeout) != models.StatusOffline {
			t = status.Transition{}
			return false, nil
		}
		t = status.Transition{MachineID: id, From: m.Status, To: models.StatusOffline, At: now}
		m.Status = models.StatusOffline
		m.Version++
		m.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return status.Transition{}, storeErr(err, "machine")
	}
	return t, nil
}
