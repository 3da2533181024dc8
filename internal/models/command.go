package models

import "time"

// CommandType is the remote action a command asks the agent to perform.
type CommandType string

const (
	CommandShutdown CommandType = "shutdown"
)

// CommandStatus is the lifecycle phase of a command. Transitions are
// one-way out of pending.
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandExecuted CommandStatus = "executed"
	CommandRejected CommandStatus = "rejected"
	CommandExpired  CommandStatus = "expired"
)

// Reasons an agent gives when it rejects a command.
const (
	ReasonIdleThresholdNotMet = "idle_threshold_not_met"
	ReasonUnsupportedCommand  = "unsupported_command_type"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	return s == CommandExecuted || s == CommandRejected || s == CommandExpired
}

// Command is an operator-issued remote action targeting one machine.
type Command struct {
	ID        string        `json:"id"`
	MachineID string        `json:"machine_id"`
	IssuedBy  string        `json:"issued_by"`
	Type      CommandType   `json:"type"`
	Status    CommandStatus `json:"status"`

	IdleThresholdMinutes int    `json:"idle_threshold_minutes"`
	RejectionReason      string `json:"rejection_reason,omitempty"`
	Notes                string `json:"notes,omitempty"`

	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// IdleMinutesAtExecution is what the agent measured when it decided.
	IdleMinutesAtExecution *int `json:"idle_minutes_at_execution,omitempty"`
}

// Overdue reports whether a pending command has outlived its TTL at now.
func (c *Command) Overdue(now time.Time) bool {
	return c.Status == CommandPending && now.After(c.ExpiresAt)
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	MachineID string
	Status    CommandStatus
	Limit     int
}
