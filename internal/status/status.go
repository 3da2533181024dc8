// Package status derives a machine's operational state from two signals:
// how long ago it was last heard from, and whether its newest sample
// reported the machine idle. There are no per-machine timers; the same
// inputs always produce the same state.
package status

import (
	"fmt"
	"time"

	"github.com/devghori1264/greenops/internal/models"
)

// DefaultOfflineTimeout is used when a caller passes a non-positive timeout.
const DefaultOfflineTimeout = 5 * time.Minute

// Derive returns the status of a machine last seen at lastSeen whose newest
// sample carried idle flag lastIdle, evaluated at now.
func Derive(now, lastSeen time.Time, lastIdle bool, offlineTimeout time.Duration) models.Status {
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	if lastSeen.IsZero() || now.Sub(lastSeen) > offlineTimeout {
		return models.StatusOffline
	}
	if lastIdle {
		return models.StatusIdle
	}
	return models.StatusOnline
}

// Of evaluates Derive for a stored machine record.
func Of(m *models.Machine, now time.Time, offlineTimeout time.Duration) models.Status {
	return Derive(now, m.LastSeen, m.LastIdle, offlineTimeout)
}

// Transition records a status change for events and metrics.
type Transition struct {
	MachineID string        `json:"machine_id"`
	From      models.Status `json:"from"`
	To        models.Status `json:"to"`
	At        time.Time     `json:"at"`
}

// Changed reports whether the transition moved the machine.
func (t Transition) Changed() bool { return t.From != t.To }

// Parse validates a status string from an API filter.
func Parse(s string) (models.Status, error) {
	switch models.Status(s) {
	case models.StatusOnline, models.StatusIdle, models.StatusOffline:
		return models.Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
