package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/config"
	"github.com/devghori1264/greenops/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a transaction lost a race it could not
	// retry away, or a uniqueness rule (one pending command per machine)
	// rejected a write.
	ErrConflict = errors.New("conflict")
)

// MachineMutation edits m in place inside a transaction. Returning false
// skips the write; returning an error aborts the transaction.
type MachineMutation func(m *models.Machine) (bool, error)

// HeartbeatMutation edits m and returns the heartbeat row to insert in the
// same transaction.
type HeartbeatMutation func(m *models.Machine) (*models.Heartbeat, error)

// CommandMutation edits c in place inside a transaction. Same contract as
// MachineMutation.
type CommandMutation func(c *models.Command) (bool, error)

// IssueFunc decides, with the machine and its current pending command (nil
// when there is none) read in the same transaction, which command to
// create. It may mark pending as expired; the store persists that change
// and frees the pending slot before inserting the new command.
type IssueFunc func(m *models.Machine, pending *models.Command) (*models.Command, error)

// Store is the persistence contract of the lifecycle engine. Every method
// that takes a mutation runs it under a transaction that serializes
// against other writers of the same machine or command, and never against
// writers of other machines.
type Store interface {
	// RegisterMachine creates m, or updates the identity fields of the
	// machine already holding m.MACAddress. Existing agent tokens of that
	// machine are revoked and token is stored in their place. Returns the
	// stored machine and whether it was created.
	RegisterMachine(ctx context.Context, m *models.Machine, token *models.AgentToken) (*models.Machine, bool, error)
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	GetMachineByMAC(ctx context.Context, mac string) (*models.Machine, error)
	ListMachines(ctx context.Context, filter models.MachineFilter) ([]*models.Machine, error)
	UpdateMachine(ctx context.Context, id string, fn MachineMutation) (*models.Machine, error)
	// DeleteMachine removes the machine with its heartbeats, commands and
	// tokens.
	DeleteMachine(ctx context.Context, id string) error

	// RecordHeartbeat stores the heartbeat fn returns under the key
	// (machineID, ts), together with fn's edits of the machine. When that
	// key is already taken fn is not called: the current machine and the
	// stored heartbeat are returned with created false.
	RecordHeartbeat(ctx context.Context, machineID string, ts time.Time, fn HeartbeatMutation) (m *models.Machine, hb *models.Heartbeat, created bool, err error)
	// ListHeartbeats returns a machine's samples newest first.
	ListHeartbeats(ctx context.Context, machineID string, limit int) ([]*models.Heartbeat, error)

	LookupAgentToken(ctx context.Context, hash string) (*models.AgentToken, error)
	RevokeAgentTokens(ctx context.Context, machineID string) (int, error)

	CreateCommand(ctx context.Context, machineID string, fn IssueFunc) (*models.Command, error)
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	// PendingCommand returns the machine's pending command or ErrNotFound.
	// It does not filter out overdue commands.
	PendingCommand(ctx context.Context, machineID string) (*models.Command, error)
	ListCommands(ctx context.Context, filter models.CommandFilter) ([]*models.Command, error)
	// ListOverdueCommands returns pending commands whose expiry is before now.
	ListOverdueCommands(ctx context.Context, now time.Time) ([]*models.Command, error)
	UpdateCommand(ctx context.Context, id string, fn CommandMutation) (*models.Command, error)

	Close() error
}

// maxTxnRetries bounds optimistic transaction retries.
const maxTxnRetries = 10

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return NewBadgerStore(cfg.BadgerPath)
	case "postgres":
		return NewPostgresStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
