package server

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/energy"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
	"github.com/devghori1264/greenops/internal/storage"
	"github.com/devghori1264/greenops/internal/tracing"
)

// HeartbeatInput is one telemetry sample as sent by an agent.
type HeartbeatInput struct {
	Token string
	// Timestamp is the agent's sample time. Zero means server receive time.
	Timestamp time.Time
	// IntervalSeconds is the span the sample covers. Zero means the
	// nominal heartbeat interval.
	IntervalSeconds float64
	// IdleSeconds is how much of the interval the machine was idle.
	IdleSeconds   float64
	Idle          bool
	CPUPercent    *float64
	MemoryPercent *float64
	IPAddress     string
}

// HeartbeatAck is returned to the agent.
type HeartbeatAck struct {
	MachineID         string
	Status            models.Status
	EnergyKWh         float64
	HasPendingCommand bool
	CommandID         string
	Clamped           bool
}

func invalidNumber(v float64) bool {
	return v < 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

func invalidPercent(p *float64) bool {
	return p != nil && (invalidNumber(*p) || *p > 100)
}

func (s *Server) validateSample(in *HeartbeatInput, now time.Time) error {
	if invalidNumber(in.IdleSeconds) {
		return gerrors.New(gerrors.CodeInvalidSample, "idle_seconds must be a non-negative number")
	}
	if invalidNumber(in.IntervalSeconds) {
		return gerrors.New(gerrors.CodeInvalidSample, "interval_seconds must be a non-negative number")
	}
	if invalidPercent(in.CPUPercent) {
		return gerrors.New(gerrors.CodeInvalidSample, "cpu_percent must be within [0, 100]")
	}
	if invalidPercent(in.MemoryPercent) {
		return gerrors.New(gerrors.CodeInvalidSample, "memory_percent must be within [0, 100]")
	}
	if !in.Timestamp.IsZero() && in.Timestamp.Sub(now) > s.cfg.MaxClockSkew {
		return gerrors.Newf(gerrors.CodeInvalidSample,
			"timestamp %s is ahead of server time by more than %s",
			in.Timestamp.Format(time.RFC3339), s.cfg.MaxClockSkew)
	}
	return nil
}

// IngestHeartbeat applies one sample to its machine: energy and time
// counters only grow, the newest sample by timestamp owns the idle flag,
// and status is re-derived before the write commits.
func (s *Server) IngestHeartbeat(ctx context.Context, in HeartbeatInput) (*HeartbeatAck, error) {
	ctx, span := s.tracer.Start(ctx, "heartbeat.ingest")
	defer span.End()

	machineID, err := s.AuthenticateAgent(ctx, in.Token)
	if err != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}
	span.SetAttributes(tracing.MachineAttr(machineID))

	now := s.now()
	if err := s.validateSample(&in, now); err != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("heartbeat rejected", zap.String("machine_id", machineID), zap.Error(err))
		return nil, err
	}
	ts := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		ts = now
	}
	// Sample time is the idempotency key of a heartbeat; truncate to what
	// every store can represent so a resent sample maps to the same key.
	ts = ts.Truncate(time.Microsecond)
	nominal := s.cfg.HeartbeatInterval.Seconds()
	reported := in.IntervalSeconds
	if reported == 0 {
		reported = nominal
	}

	var (
		transition status.Transition
		delta      energy.Delta
		clamped    bool
	)

	s.acquireOpLock(machineID)
	m, hb, created, err := s.store.RecordHeartbeat(ctx, machineID, ts, func(m *models.Machine) (*models.Heartbeat, error) {
		before := status.Of(m, now, s.cfg.OfflineTimeout)

		ceiling := m.ReportIntervalSeconds
		if ceiling <= 0 {
			ceiling = nominal
		}
		ceiling *= s.cfg.ClampMultiplier

		interval, intervalClamped := energy.Clamp(reported, ceiling)
		idle, idleClamped := energy.Clamp(in.IdleSeconds, ceiling)
		if idle > interval {
			idle, idleClamped = interval, true
		}
		clamped = intervalClamped || idleClamped
		delta = s.calc.Delta(idle)

		totals := energy.Totals{EnergyKWh: m.EnergyKWh, CO2Kg: m.CO2Kg, Cost: m.CostTotal}
		totals.Add(delta)
		m.EnergyKWh, m.CO2Kg, m.CostTotal = totals.EnergyKWh, totals.CO2Kg, totals.Cost
		if in.Idle {
			m.IdleSeconds += interval
		} else {
			m.ActiveSeconds += interval
		}

		// Only the newest sample may move the idle flag and the observed
		// cadence. Older samples still accrue.
		if !ts.Before(m.LastSeen) {
			if !m.LastSeen.IsZero() {
				if gap := ts.Sub(m.LastSeen).Seconds(); gap > 0 {
					m.ReportIntervalSeconds = math.Min(math.Max(gap, nominal), nominal*s.cfg.ClampMultiplier)
				}
			}
			m.LastIdle = in.Idle
			m.LastSeen = ts
		}
		if in.IPAddress != "" {
			m.IPAddress = truncate(in.IPAddress, maxIPLen)
		}

		after := status.Of(m, now, s.cfg.OfflineTimeout)
		m.Status = after
		m.Version++
		m.UpdatedAt = now
		transition = status.Transition{MachineID: m.ID, From: before, To: after, At: now}

		return &models.Heartbeat{
			ID:              uuid.NewString(),
			Timestamp:       ts,
			ReceivedAt:      now,
			IntervalSeconds: interval,
			IdleSeconds:     idle,
			CPUPercent:      in.CPUPercent,
			MemoryPercent:   in.MemoryPercent,
			Idle:            in.Idle,
			EnergyDeltaKWh:  delta.EnergyKWh,
			CO2DeltaKg:      delta.CO2Kg,
			CostDelta:       delta.Cost,
			Clamped:         clamped,
		}, nil
	})
	s.releaseOpLock(machineID)
	if err != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, storage.ErrNotFound) {
			// Token outlived its machine.
			return nil, gerrors.New(gerrors.CodeUnauthorized, "agent token is invalid")
		}
		return nil, storeErr(err, "machine")
	}
	if !created {
		// A resent sample, typically after its ack was lost. It was
		// already accrued, so only the ack is rebuilt.
		s.metrics.HeartbeatsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate heartbeat ignored",
			zap.String("machine_id", machineID),
			zap.String("heartbeat_id", hb.ID),
			zap.Time("timestamp", ts))
		return s.heartbeatAck(ctx, m, hb.Clamped, now), nil
	}

	s.metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	s.metrics.EnergyKWhTotal.Add(delta.EnergyKWh)
	if clamped {
		s.metrics.HeartbeatsClamped.Inc()
		s.logger.Warn("heartbeat clamped",
			zap.String("machine_id", machineID),
			zap.String("heartbeat_id", hb.ID),
			zap.Float64("reported_interval_seconds", reported),
			zap.Float64("reported_idle_seconds", in.IdleSeconds),
			zap.Float64("accrued_idle_seconds", hb.IdleSeconds))
	}
	s.recordTransition(ctx, transition)

	s.logger.Debug("heartbeat ingested",
		zap.String("machine_id", machineID),
		zap.Time("timestamp", ts),
		zap.Bool("idle", in.Idle),
		zap.Float64("energy_delta_kwh", delta.EnergyKWh),
		zap.String("status", string(m.Status)))
	return s.heartbeatAck(ctx, m, clamped, now), nil
}

func (s *Server) heartbeatAck(ctx context.Context, m *models.Machine, clamped bool, now time.Time) *HeartbeatAck {
	ack := &HeartbeatAck{
		MachineID: m.ID,
		Status:    status.Of(m, now, s.cfg.OfflineTimeout),
		EnergyKWh: m.EnergyKWh,
		Clamped:   clamped,
	}
	if cmd, err := s.store.PendingCommand(ctx, m.ID); err == nil && !cmd.Overdue(now) {
		ack.HasPendingCommand = true
		ack.CommandID = cmd.ID
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("pending command lookup failed", zap.String("machine_id", m.ID), zap.Error(err))
	}
	return ack
}
