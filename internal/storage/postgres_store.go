package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/config"
	"github.com/devghori1264/greenops/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Per-machine serialization
// comes from SELECT ... FOR UPDATE on the machine row; the partial unique
// index on pending commands backs up the single-pending rule.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pool and runs migrations.
func NewPostgresStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("database connected",
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Int32("max_conns", poolConfig.MaxConns))

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.RunMigrations(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// validID rejects identifiers that cannot be a stored UUID, so lookups of
// garbage IDs read as not found instead of a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}

// inTx runs fn in a transaction and maps driver errors.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

const machineColumns = `id, mac_address, hostname, os_type, os_version, agent_version, ip_address,
	first_seen, last_seen, status, last_idle, report_interval_seconds,
	idle_seconds, active_seconds, energy_kwh, co2_kg, cost_total,
	notes, version, created_at, updated_at`

func scanMachine(row pgx.Row) (*models.Machine, error) {
	var m models.Machine
	err := row.Scan(
		&m.ID, &m.MACAddress, &m.Hostname, &m.OSType, &m.OSVersion, &m.AgentVersion, &m.IPAddress,
		&m.FirstSeen, &m.LastSeen, &m.Status, &m.LastIdle, &m.ReportIntervalSeconds,
		&m.IdleSeconds, &m.ActiveSeconds, &m.EnergyKWh, &m.CO2Kg, &m.CostTotal,
		&m.Notes, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &m, nil
}

func insertMachine(ctx context.Context, tx pgx.Tx, m *models.Machine) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO machines (`+machineColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		m.ID, m.MACAddress, m.Hostname, m.OSType, m.OSVersion, m.AgentVersion, m.IPAddress,
		m.FirstSeen, m.LastSeen, m.Status, m.LastIdle, m.ReportIntervalSeconds,
		m.IdleSeconds, m.ActiveSeconds, m.EnergyKWh, m.CO2Kg, m.CostTotal,
		m.Notes, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func saveMachine(ctx context.Context, tx pgx.Tx, m *models.Machine) error {
	_, err := tx.Exec(ctx, `
		UPDATE machines SET
			hostname = $2, os_type = $3, os_version = $4, agent_version = $5, ip_address = $6,
			last_seen = $7, status = $8, last_idle = $9, report_interval_seconds = $10,
			idle_seconds = $11, active_seconds = $12, energy_kwh = $13, co2_kg = $14, cost_total = $15,
			notes = $16, version = $17, updated_at = $18
		WHERE id = $1`,
		m.ID, m.Hostname, m.OSType, m.OSVersion, m.AgentVersion, m.IPAddress,
		m.LastSeen, m.Status, m.LastIdle, m.ReportIntervalSeconds,
		m.IdleSeconds, m.ActiveSeconds, m.EnergyKWh, m.CO2Kg, m.CostTotal,
		m.Notes, m.Version, m.UpdatedAt,
	)
	return err
}

func lockMachine(ctx context.Context, tx pgx.Tx, id string) (*models.Machine, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return scanMachine(tx.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1 FOR UPDATE`, id))
}

// ---------- machines ----------

func (s *PostgresStore) RegisterMachine(ctx context.Context, m *models.Machine, token *models.AgentToken) (*models.Machine, bool, error) {
	var (
		out     *models.Machine
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanMachine(tx.QueryRow(ctx,
			`SELECT `+machineColumns+` FROM machines WHERE mac_address = $1 FOR UPDATE`, m.MACAddress))
		switch {
		case errors.Is(err, ErrNotFound):
			fresh := m.Clone()
			if err := insertMachine(ctx, tx, fresh); err != nil {
				return err
			}
			out, created = fresh, true
		case err != nil:
			return err
		default:
			existing.Hostname = m.Hostname
			existing.OSType = m.OSType
			existing.OSVersion = m.OSVersion
			existing.AgentVersion = m.AgentVersion
			if m.IPAddress != "" {
				existing.IPAddress = m.IPAddress
			}
			existing.Version++
			existing.UpdatedAt = m.UpdatedAt
			if err := saveMachine(ctx, tx, existing); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE agent_tokens SET revoked = true WHERE machine_id = $1 AND NOT revoked`, existing.ID); err != nil {
				return err
			}
			out = existing
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO agent_tokens (token_hash, machine_id, created_at, revoked) VALUES ($1, $2, $3, false)`,
			token.TokenHash, out.ID, token.CreatedAt)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	token.MachineID = out.ID
	return out, created, nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return scanMachine(s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id))
}

func (s *PostgresStore) GetMachineByMAC(ctx context.Context, mac string) (*models.Machine, error) {
	return scanMachine(s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE mac_address = $1`, mac))
}

func (s *PostgresStore) ListMachines(ctx context.Context, filter models.MachineFilter) ([]*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR hostname ILIKE '%' || $2 || '%' OR ip_address ILIKE '%' || $2 || '%' OR mac_address ILIKE '%' || $2 || '%')
		ORDER BY last_seen DESC`
	args := []any{string(filter.Status), filter.Search}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var out []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMachine(ctx context.Context, id string, fn MachineMutation) (*models.Machine, error) {
	var out *models.Machine
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMachine(ctx, tx, id)
		if err != nil {
			return err
		}
		write, err := fn(m)
		if err != nil {
			return err
		}
		out = m
		if !write {
			return nil
		}
		return saveMachine(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) DeleteMachine(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM machines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete machine: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- heartbeats ----------

const heartbeatColumns = `id, machine_id, ts, received_at, interval_seconds, idle_seconds,
	cpu_percent, memory_percent, idle, energy_delta_kwh, co2_delta_kg, cost_delta, clamped`

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, machineID string, ts time.Time, fn HeartbeatMutation) (*models.Machine, *models.Heartbeat, bool, error) {
	var (
		outM    *models.Machine
		outH    *models.Heartbeat
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMachine(ctx, tx, machineID)
		if err != nil {
			return err
		}
		existing, err := scanHeartbeat(tx.QueryRow(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats
			WHERE machine_id = $1 AND ts = $2`, machineID, ts))
		switch {
		case err == nil:
			outM, outH, created = m, existing, false
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		hb, err := fn(m)
		if err != nil {
			return err
		}
		hb.MachineID = machineID
		hb.Timestamp = ts
		if _, err := tx.Exec(ctx, `
			INSERT INTO heartbeats (`+heartbeatColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			hb.ID, hb.MachineID, hb.Timestamp, hb.ReceivedAt, hb.IntervalSeconds, hb.IdleSeconds,
			hb.CPUPercent, hb.MemoryPercent, hb.Idle, hb.EnergyDeltaKWh, hb.CO2DeltaKg, hb.CostDelta, hb.Clamped,
		); err != nil {
			return err
		}
		if err := saveMachine(ctx, tx, m); err != nil {
			return err
		}
		outM, outH, created = m, hb, true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return outM, outH, created, nil
}

func (s *PostgresStore) ListHeartbeats(ctx context.Context, machineID string, limit int) ([]*models.Heartbeat, error) {
	if !validID(machineID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats
		WHERE machine_id = $1 ORDER BY ts DESC LIMIT $2`, machineID, defaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*models.Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

func scanHeartbeat(row pgx.Row) (*models.Heartbeat, error) {
	var hb models.Heartbeat
	if err := row.Scan(
		&hb.ID, &hb.MachineID, &hb.Timestamp, &hb.ReceivedAt, &hb.IntervalSeconds, &hb.IdleSeconds,
		&hb.CPUPercent, &hb.MemoryPercent, &hb.Idle, &hb.EnergyDeltaKWh, &hb.CO2DeltaKg, &hb.CostDelta, &hb.Clamped,
	); err != nil {
		return nil, mapPgError(err)
	}
	return &hb, nil
}

// ---------- tokens ----------

func (s *PostgresStore) LookupAgentToken(ctx context.Context, hash string) (*models.AgentToken, error) {
	var tok models.AgentToken
	err := s.pool.QueryRow(ctx,
		`SELECT machine_id, token_hash, created_at, revoked FROM agent_tokens WHERE token_hash = $1`, hash,
	).Scan(&tok.MachineID, &tok.TokenHash, &tok.CreatedAt, &tok.Revoked)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &tok, nil
}

func (s *PostgresStore) RevokeAgentTokens(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockMachine(ctx, tx, machineID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE agent_tokens SET revoked = true WHERE machine_id = $1 AND NOT revoked`, machineID)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// ---------- commands ----------

const commandColumns = `id, machine_id, issued_by, command_type, status, idle_threshold_minutes,
	rejection_reason, notes, issued_at, expires_at, executed_at, resolved_at, idle_minutes_at_execution`

func scanCommand(row pgx.Row) (*models.Command, error) {
	var c models.Command
	err := row.Scan(
		&c.ID, &c.MachineID, &c.IssuedBy, &c.Type, &c.Status, &c.IdleThresholdMinutes,
		&c.RejectionReason, &c.Notes, &c.IssuedAt, &c.ExpiresAt, &c.ExecutedAt, &c.ResolvedAt, &c.IdleMinutesAtExecution,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &c, nil
}

func saveCommand(ctx context.Context, tx pgx.Tx, c *models.Command) error {
	_, err := tx.Exec(ctx, `
		UPDATE commands SET status = $2, rejection_reason = $3, notes = $4,
			executed_at = $5, resolved_at = $6, idle_minutes_at_execution = $7
		WHERE id = $1`,
		c.ID, c.Status, c.RejectionReason, c.Notes, c.ExecutedAt, c.ResolvedAt, c.IdleMinutesAtExecution,
	)
	return err
}

func (s *PostgresStore) CreateCommand(ctx context.Context, machineID string, fn IssueFunc) (*models.Command, error) {
	var out *models.Command
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMachine(ctx, tx, machineID)
		if err != nil {
			return err
		}
		pending, err := scanCommand(tx.QueryRow(ctx,
			`SELECT `+commandColumns+` FROM commands WHERE machine_id = $1 AND status = 'pending' FOR UPDATE`, machineID))
		if errors.Is(err, ErrNotFound) {
			pending = nil
		} else if err != nil {
			return err
		}

		cmd, err := fn(m, pending)
		if err != nil {
			return err
		}
		if pending != nil {
			if pending.Status == models.CommandPending {
				return ErrConflict
			}
			if err := saveCommand(ctx, tx, pending); err != nil {
				return err
			}
		}

		cmd.MachineID = machineID
		if _, err := tx.Exec(ctx, `
			INSERT INTO commands (`+commandColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			cmd.ID, cmd.MachineID, cmd.IssuedBy, cmd.Type, cmd.Status, cmd.IdleThresholdMinutes,
			cmd.RejectionReason, cmd.Notes, cmd.IssuedAt, cmd.ExpiresAt, cmd.ExecutedAt, cmd.ResolvedAt, cmd.IdleMinutesAtExecution,
		); err != nil {
			return err
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return scanCommand(s.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
}

func (s *PostgresStore) PendingCommand(ctx context.Context, machineID string) (*models.Command, error) {
	if !validID(machineID) {
		return nil, ErrNotFound
	}
	return scanCommand(s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE machine_id = $1 AND status = 'pending'`, machineID))
}

func (s *PostgresStore) queryCommands(ctx context.Context, query string, args ...any) ([]*models.Command, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []*models.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCommands(ctx context.Context, filter models.CommandFilter) ([]*models.Command, error) {
	if filter.MachineID != "" && !validID(filter.MachineID) {
		return nil, nil
	}
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE ($1 = '' OR machine_id::text = $1) AND ($2 = '' OR status = $2)
		ORDER BY issued_at DESC`
	args := []any{filter.MachineID, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	return s.queryCommands(ctx, query, args...)
}

func (s *PostgresStore) ListOverdueCommands(ctx context.Context, now time.Time) ([]*models.Command, error) {
	return s.queryCommands(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at`, now)
}

func (s *PostgresStore) UpdateCommand(ctx context.Context, id string, fn CommandMutation) (*models.Command, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var out *models.Command
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCommand(tx.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		write, err := fn(c)
		if err != nil {
			return err
		}
		out = c
		if !write {
			return nil
		}
		return saveCommand(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
