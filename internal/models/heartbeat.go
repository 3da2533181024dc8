package models

import "time"

// Heartbeat is one telemetry sample. Immutable once written.
type Heartbeat struct {
	ID              string    `json:"id"`
	MachineID       string    `json:"machine_id"`
	Timestamp       time.Time `json:"timestamp"`
	ReceivedAt      time.Time `json:"received_at"`
	IntervalSeconds float64   `json:"interval_seconds"`
	IdleSeconds     float64   `json:"idle_seconds"`
	CPUPercent      *float64  `json:"cpu_percent,omitempty"`
	MemoryPercent   *float64  `json:"memory_percent,omitempty"`
	Idle            bool      `json:"idle"`
	EnergyDeltaKWh  float64   `json:"energy_delta_kwh"`
	CO2DeltaKg      float64   `json:"co2_delta_kg"`
	CostDelta       float64   `json:"cost_delta"`
	// Clamped is set when the reported interval exceeded the ceiling.
	Clamped bool `json:"clamped,omitempty"`
}

// AgentToken binds a hashed agent credential to a machine.
type AgentToken struct {
	MachineID string    `json:"machine_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	Revoked   bool      `json:"revoked"`
}
