package server

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/auth"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/tracing"
)

var (
	macPattern      = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)
	hostnameInvalid = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)
)

const (
	maxHostnameLen = 255
	maxOSTypeLen   = 64
	maxOSVerLen    = 128
	maxAgentVerLen = 32
	maxIPLen       = 45
)

// RegisterInput identifies an agent's machine.
type RegisterInput struct {
	MACAddress   string
	Hostname     string
	OSType       string
	OSVersion    string
	AgentVersion string
	IPAddress    string
}

// RegisterResult carries the raw agent token. It is never stored and
// cannot be retrieved again.
type RegisterResult struct {
	Machine *models.Machine
	Token   string
	Created bool
}

// NormalizeMAC upper-cases a MAC address and converts dashes to colons.
func NormalizeMAC(mac string) (string, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if !macPattern.MatchString(n) {
		return "", gerrors.Newf(gerrors.CodeInvalidSample, "invalid MAC address %q", mac)
	}
	return n, nil
}

// SanitizeHostname strips characters outside [A-Za-z0-9-_.].
func SanitizeHostname(h string) (string, error) {
	s := hostnameInvalid.ReplaceAllString(strings.TrimSpace(h), "")
	if s == "" {
		return "", gerrors.New(gerrors.CodeInvalidSample, "invalid hostname")
	}
	return truncate(s, maxHostnameLen), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Register creates the machine for an unseen MAC or refreshes the identity
// of a known one. Either way a fresh agent token is issued and all older
// tokens of the machine stop working.
func (s *Server) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	ctx, span := s.tracer.Start(ctx, "agent.register")
	defer span.End()

	mac, err := NormalizeMAC(in.MACAddress)
	if err != nil {
		s.metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	hostname, err := SanitizeHostname(in.Hostname)
	if err != nil {
		s.metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	raw, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, gerrors.Wrap(gerrors.CodeInternal, "token generation failed", err)
	}

	now := s.now()
	candidate := &models.Machine{
		ID:           uuid.NewString(),
		MACAddress:   mac,
		Hostname:     hostname,
		OSType:       truncate(in.OSType, maxOSTypeLen),
		OSVersion:    truncate(in.OSVersion, maxOSVerLen),
		AgentVersion: truncate(in.AgentVersion, maxAgentVerLen),
		IPAddress:    truncate(in.IPAddress, maxIPLen),
		FirstSeen:    now,
		Status:       models.StatusOffline,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	token := &models.AgentToken{TokenHash: hash, CreatedAt: now}

	// Registration keys on the MAC, not an ID, so the per-machine lock is
	// taken on the MAC. Re-registrations of one endpoint still serialize.
	s.acquireOpLock("mac:" + mac)
	m, created, err := s.store.RegisterMachine(ctx, candidate, token)
	s.releaseOpLock("mac:" + mac)
	if err != nil {
		return nil, storeErr(err, "machine")
	}

	span.SetAttributes(tracing.MachineAttr(m.ID))

	outcome := "created"
	if !created {
		outcome = "re-registered"
	}
	s.metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
	s.logger.Info("agent registered",
		zap.String("machine_id", m.ID),
		zap.String("hostname", m.Hostname),
		zap.String("mac", m.MACAddress),
		zap.Bool("created", created))

	return &RegisterResult{Machine: m, Token: raw, Created: created}, nil
}
