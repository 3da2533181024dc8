package agentrpc

import "time"

type RegisterRequest struct {
	MACAddress   string `json:"mac_address"`
	Hostname     string `json:"hostname"`
	OSType       string `json:"os_type"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
}

type RegisterResponse struct {
	MachineID string `json:"machine_id"`
	Token     string `json:"token"`
	Created   bool   `json:"created"`
}

type HeartbeatRequest struct {
	Timestamp       time.Time `json:"timestamp"`
	IntervalSeconds float64   `json:"interval_seconds"`
	IdleSeconds     float64   `json:"idle_seconds"`
	Idle            bool      `json:"idle"`
	CPUPercent      *float64  `json:"cpu_percent,omitempty"`
	MemoryPercent   *float64  `json:"memory_percent,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
}

type HeartbeatResponse struct {
	MachineID         string  `json:"machine_id"`
	Status            string  `json:"status"`
	EnergyKWh         float64 `json:"energy_kwh"`
	HasPendingCommand bool    `json:"has_pending_command"`
	CommandID         string  `json:"command_id,omitempty"`
}

type PollCommandRequest struct{}

// PendingCommand is what an agent needs to act on a command.
type PendingCommand struct {
	CommandID            string    `json:"command_id"`
	Type                 string    `json:"type"`
	IdleThresholdMinutes int       `json:"idle_threshold_minutes"`
	ExpiresAt            time.Time `json:"expires_at"`
}

type PollCommandResponse struct {
	// Command is nil when nothing is pending.
	Command *PendingCommand `json:"command,omitempty"`
}

type ReportResultRequest struct {
	CommandID   string `json:"command_id"`
	Outcome     string `json:"outcome"` // executed | rejected
	Reason      string `json:"reason,omitempty"`
	IdleMinutes *int   `json:"idle_minutes,omitempty"`
}

type ReportResultResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}
