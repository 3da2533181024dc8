// Package natsclient publishes lifecycle events to NATS.
package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
)

// Subjects, relative to the configured prefix.
const (
	SubjectStatusChanged   = "machines.status_changed"
	SubjectCommandIssued   = "commands.issued"
	SubjectCommandExecuted = "commands.executed"
	SubjectCommandRejected = "commands.rejected"
	SubjectCommandExpired  = "commands.expired"
)

// StatusChangedEvent is the body of SubjectStatusChanged.
type StatusChangedEvent struct {
	Event     string        `json:"event"`
	MachineID string        `json:"machine_id"`
	From      models.Status `json:"from"`
	To        models.Status `json:"to"`
	At        time.Time     `json:"at"`
}

// CommandEvent is the body of the commands.* subjects.
type CommandEvent struct {
	Event           string               `json:"event"`
	CommandID       string               `json:"command_id"`
	MachineID       string               `json:"machine_id"`
	Type            models.CommandType   `json:"type"`
	Status          models.CommandStatus `json:"status"`
	IssuedBy        string               `json:"issued_by"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	At              time.Time            `json:"at"`
}

// CommandSubject maps a command status to its subject suffix.
func CommandSubject(s models.CommandStatus) string {
	switch s {
	case models.CommandExecuted:
		return SubjectCommandExecuted
	case models.CommandRejected:
		return SubjectCommandRejected
	case models.CommandExpired:
		return SubjectCommandExpired
	default:
		return SubjectCommandIssued
	}
}

type Publisher struct {
	nc     *nats.Conn
	url    string
	prefix string
	logger *zap.Logger
}

func NewPublisher(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("greenopsd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url, prefix: prefix, logger: logger}, nil
}

// Subject joins the configured prefix and a relative subject.
func (p *Publisher) Subject(rel string) string {
	if p.prefix == "" {
		return rel
	}
	return p.prefix + "." + rel
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) publishJSON(ctx context.Context, rel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("encode event", zap.String("subject", rel), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, p.Subject(rel), payload); err != nil {
		p.logger.Warn("publish failed", zap.String("subject", rel), zap.Error(err))
	}
}

// StatusChanged publishes a machine status transition. Delivery is best
// effort; failures are logged.
func (p *Publisher) StatusChanged(ctx context.Context, t status.Transition) {
	p.publishJSON(ctx, SubjectStatusChanged, StatusChangedEvent{
		Event:     SubjectStatusChanged,
		MachineID: t.MachineID,
		From:      t.From,
		To:        t.To,
		At:        t.At,
	})
}

// CommandChanged publishes a command issuance or resolution.
func (p *Publisher) CommandChanged(ctx context.Context, cmd *models.Command, at time.Time) {
	rel := CommandSubject(cmd.Status)
	p.publishJSON(ctx, rel, CommandEvent{
		Event:           rel,
		CommandID:       cmd.ID,
		MachineID:       cmd.MachineID,
		Type:            cmd.Type,
		Status:          cmd.Status,
		IssuedBy:        cmd.IssuedBy,
		RejectionReason: cmd.RejectionReason,
		At:              at,
	})
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
