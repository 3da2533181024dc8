package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    id UUID PRIMARY KEY,
    mac_address VARCHAR(17) UNIQUE NOT NULL,
    hostname VARCHAR(255) NOT NULL,
    os_type VARCHAR(50) NOT NULL DEFAULT '',
    os_version VARCHAR(100) NOT NULL DEFAULT '',
    agent_version VARCHAR(50) NOT NULL DEFAULT '',
    ip_address VARCHAR(45) NOT NULL DEFAULT '',
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen TIMESTAMPTZ NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'offline',
    last_idle BOOLEAN NOT NULL DEFAULT false,
    report_interval_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    idle_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    active_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    energy_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
    co2_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
    notes TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status);
CREATE INDEX IF NOT EXISTS idx_machines_last_seen ON machines(last_seen);
`

const createHeartbeatsTable = `
CREATE TABLE IF NOT EXISTS heartbeats (
    id UUID PRIMARY KEY,
    machine_id UUID NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
    ts TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    interval_seconds DOUBLE PRECISION NOT NULL,
    idle_seconds DOUBLE PRECISION NOT NULL,
    cpu_percent DOUBLE PRECISION,
    memory_percent DOUBLE PRECISION,
    idle BOOLEAN NOT NULL,
    energy_delta_kwh DOUBLE PRECISION NOT NULL CHECK (energy_delta_kwh >= 0),
    co2_delta_kg DOUBLE PRECISION NOT NULL,
    cost_delta DOUBLE PRECISION NOT NULL,
    clamped BOOLEAN NOT NULL DEFAULT false
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_heartbeats_machine_sample ON heartbeats(machine_id, ts DESC);
`

const createCommandsTable = `
CREATE TABLE IF NOT EXISTS commands (
    id UUID PRIMARY KEY,
    machine_id UUID NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
    issued_by VARCHAR(255) NOT NULL,
    command_type VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL,
    idle_threshold_minutes INTEGER NOT NULL,
    rejection_reason TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    issued_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    executed_at TIMESTAMPTZ,
    resolved_at TIMESTAMPTZ,
    idle_minutes_at_execution INTEGER
);

CREATE INDEX IF NOT EXISTS idx_commands_machine_id ON commands(machine_id);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_one_pending ON commands(machine_id) WHERE status = 'pending';
`

const createAgentTokensTable = `
CREATE TABLE IF NOT EXISTS agent_tokens (
    token_hash VARCHAR(64) PRIMARY KEY,
    machine_id UUID NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL,
    revoked BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_agent_tokens_machine_id ON agent_tokens(machine_id);
`

// RunMigrations creates the schema if it does not exist yet.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	s.logger.Info("running database migrations")

	steps := []struct {
		table string
		ddl   string
	}{
		{"machines", createMachinesTable},
		{"heartbeats", createHeartbeatsTable},
		{"commands", createCommandsTable},
		{"agent_tokens", createAgentTokensTable},
	}
	for _, step := range steps {
		if _, err := s.pool.Exec(ctx, step.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", step.table, err)
		}
		s.logger.Debug("table created/verified", zap.String("table", step.table))
	}

	s.logger.Info("migrations complete")
	return nil
}
