package models

import "time"

// Status is the derived operational state of a machine.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Machine is the core domain object representing one monitored endpoint.
// Shared between the server and storage layers.
type Machine struct {
	ID           string `json:"id"`
	MACAddress   string `json:"mac_address"`
	Hostname     string `json:"hostname"`
	OSType       string `json:"os_type,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Status is a cache of the last evaluation of status.Derive. It is
	// only written by the ingestor and the sweeper.
	Status   Status `json:"status"`
	LastIdle bool   `json:"last_idle"`
	// ReportIntervalSeconds is the gap between the two newest in-order
	// samples, used to bound the next sample's contribution.
	ReportIntervalSeconds float64 `json:"report_interval_seconds"`

	IdleSeconds   float64 `json:"idle_seconds"`
	ActiveSeconds float64 `json:"active_seconds"`
	EnergyKWh     float64 `json:"energy_kwh"`
	CO2Kg         float64 `json:"co2_kg"`
	CostTotal     float64 `json:"cost_total"`

	Notes     string    `json:"notes,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a shallow copy safe to hand out of a cache.
func (m *Machine) Clone() *Machine {
	c := *m
	return &c
}

// MachineFilter narrows ListMachines.
type MachineFilter struct {
	Status Status
	Search string
	Limit  int
}
