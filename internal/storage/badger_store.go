package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/greenops/internal/models"
)

// Key layout:
//
//	machine:<id>                       Machine JSON
//	mac:<MAC>                          machine id
//	hb:<machine>:<unix nanos>          Heartbeat JSON
//	cmd:<id>                           Command JSON
//	mcmd:<machine>:<command>           index, empty value
//	pending:<machine>                  id of the machine's pending command
//	token:<hash>                       AgentToken JSON
//	mtoken:<machine>:<hash>            index, empty value
func machineKey(id string) []byte { return []byte("machine:" + id) }
func macKey(mac string) []byte    { return []byte("mac:" + mac) }
func heartbeatPrefix(machineID string) []byte {
	return []byte("hb:" + machineID + ":")
}
func heartbeatKey(machineID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("hb:%s:%020d", machineID, ts.UnixNano()))
}
func commandKey(id string) []byte { return []byte("cmd:" + id) }
func machineCommandPrefix(machineID string) []byte {
	return []byte("mcmd:" + machineID + ":")
}
func machineCommandKey(machineID, commandID string) []byte {
	return []byte("mcmd:" + machineID + ":" + commandID)
}
func pendingKey(machineID string) []byte { return []byte("pending:" + machineID) }
func tokenKey(hash string) []byte         { return []byte("token:" + hash) }
func machineTokenPrefix(machineID string) []byte {
	return []byte("mtoken:" + machineID + ":")
}
func machineTokenKey(machineID, hash string) []byte {
	return []byte("mtoken:" + machineID + ":" + hash)
}

// BadgerStore implements Store with Badger DB. Badger transactions are
// optimistic: a transaction that read a key another transaction committed
// meanwhile fails with ErrConflict and is retried.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	return openBadger(opts)
}

// NewInMemoryBadgerStore opens a store that lives only as long as the
// process.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// keysWithPrefix collects keys under prefix. Keys are copied so they stay
// valid after the iterator moves.
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// ---------- machines ----------

func (s *BadgerStore) RegisterMachine(ctx context.Context, m *models.Machine, token *models.AgentToken) (*models.Machine, bool, error) {
	var (
		out     *models.Machine
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, macKey(m.MACAddress))
		switch {
		case errors.Is(err, ErrNotFound):
			fresh := m.Clone()
			if err := setJSON(txn, machineKey(fresh.ID), fresh); err != nil {
				return err
			}
			if err := txn.Set(macKey(fresh.MACAddress), []byte(fresh.ID)); err != nil {
				return err
			}
			out, created = fresh, true
		case err != nil:
			return err
		default:
			var existing models.Machine
			if err := getJSON(txn, machineKey(id), &existing); err != nil {
				return err
			}
			existing.Hostname = m.Hostname
			existing.OSType = m.OSType
			existing.OSVersion = m.OSVersion
			existing.AgentVersion = m.AgentVersion
			if m.IPAddress != "" {
				existing.IPAddress = m.IPAddress
			}
			existing.Version++
			existing.UpdatedAt = m.UpdatedAt
			if err := setJSON(txn, machineKey(existing.ID), &existing); err != nil {
				return err
			}
			if _, err := revokeTokensTxn(txn, existing.ID); err != nil {
				return err
			}
			out, created = &existing, false
		}

		tok := *token
		tok.MachineID = out.ID
		if err := setJSON(txn, tokenKey(tok.TokenHash), &tok); err != nil {
			return err
		}
		return txn.Set(machineTokenKey(out.ID, tok.TokenHash), nil)
	})
	if err != nil {
		return nil, false, err
	}
	token.MachineID = out.ID
	return out, created, nil
}

func (s *BadgerStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	var out models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, machineKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) GetMachineByMAC(ctx context.Context, mac string) (*models.Machine, error) {
	var out models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, macKey(mac))
		if err != nil {
			return err
		}
		return getJSON(txn, machineKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListMachines(ctx context.Context, filter models.MachineFilter) ([]*models.Machine, error) {
	var out []*models.Machine
	search := strings.ToLower(filter.Search)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("machine:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m models.Machine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			if filter.Status != "" && m.Status != filter.Status {
				continue
			}
			if search != "" && !matchesSearch(&m, search) {
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesSearch(m *models.Machine, needle string) bool {
	return strings.Contains(strings.ToLower(m.Hostname), needle) ||
		strings.Contains(strings.ToLower(m.IPAddress), needle) ||
		strings.Contains(strings.ToLower(m.MACAddress), needle)
}

func (s *BadgerStore) UpdateMachine(ctx context.Context, id string, fn MachineMutation) (*models.Machine, error) {
	var out *models.Machine
	err := s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(id), &m); err != nil {
			return err
		}
		write, err := fn(&m)
		if err != nil {
			return err
		}
		out = &m
		if !write {
			return nil
		}
		return setJSON(txn, machineKey(id), &m)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteMachine(ctx context.Context, id string) error {
	// Large fleets can exceed one transaction's size limit, so heartbeats
	// are removed in batches before the final transaction drops the rest.
	if err := s.dropPrefix(ctx, heartbeatPrefix(id)); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(id), &m); err != nil {
			return err
		}
		var del [][]byte
		del = append(del, machineKey(id), macKey(m.MACAddress), pendingKey(id))
		for _, k := range keysWithPrefix(txn, machineCommandPrefix(id)) {
			cmdID := bytes.TrimPrefix(k, machineCommandPrefix(id))
			del = append(del, k, commandKey(string(cmdID)))
		}
		for _, k := range keysWithPrefix(txn, machineTokenPrefix(id)) {
			hash := bytes.TrimPrefix(k, machineTokenPrefix(id))
			del = append(del, k, tokenKey(string(hash)))
		}
		del = append(del, keysWithPrefix(txn, heartbeatPrefix(id))...)
		for _, k := range del {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) dropPrefix(ctx context.Context, prefix []byte) error {
	const batch = 1000
	for {
		var n int
		err := s.update(ctx, func(txn *badger.Txn) error {
			keys := keysWithPrefix(txn, prefix)
			if len(keys) > batch {
				keys = keys[:batch]
			}
			n = len(keys)
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if n < batch {
			return nil
		}
	}
}

// ---------- heartbeats ----------

func (s *BadgerStore) RecordHeartbeat(ctx context.Context, machineID string, ts time.Time, fn HeartbeatMutation) (*models.Machine, *models.Heartbeat, bool, error) {
	var (
		outM    *models.Machine
		outH    *models.Heartbeat
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(machineID), &m); err != nil {
			return err
		}
		key := heartbeatKey(machineID, ts)
		var existing models.Heartbeat
		switch err := getJSON(txn, key, &existing); {
		case err == nil:
			outM, outH, created = &m, &existing, false
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		hb, err := fn(&m)
		if err != nil {
			return err
		}
		hb.MachineID = machineID
		hb.Timestamp = ts
		if err := setJSON(txn, key, hb); err != nil {
			return err
		}
		if err := setJSON(txn, machineKey(machineID), &m); err != nil {
			return err
		}
		outM, outH, created = &m, hb, true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return outM, outH, created, nil
}

func (s *BadgerStore) ListHeartbeats(ctx context.Context, machineID string, limit int) ([]*models.Heartbeat, error) {
	limit = defaultLimit(limit, 100)
	var out []*models.Heartbeat
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := heartbeatPrefix(machineID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var hb models.Heartbeat
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &hb)
			}); err != nil {
				return err
			}
			out = append(out, &hb)
		}
		return nil
	})
	return out, err
}

// ---------- tokens ----------

func (s *BadgerStore) LookupAgentToken(ctx context.Context, hash string) (*models.AgentToken, error) {
	var out models.AgentToken
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, tokenKey(hash), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) RevokeAgentTokens(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, machineKey(machineID), &models.Machine{}); err != nil {
			return err
		}
		var err error
		n, err = revokeTokensTxn(txn, machineID)
		return err
	})
	return n, err
}

func revokeTokensTxn(txn *badger.Txn, machineID string) (int, error) {
	var n int
	for _, k := range keysWithPrefix(txn, machineTokenPrefix(machineID)) {
		hash := string(bytes.TrimPrefix(k, machineTokenPrefix(machineID)))
		var tok models.AgentToken
		if err := getJSON(txn, tokenKey(hash), &tok); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		if tok.Revoked {
			continue
		}
		tok.Revoked = true
		if err := setJSON(txn, tokenKey(hash), &tok); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ---------- commands ----------

func (s *BadgerStore) CreateCommand(ctx context.Context, machineID string, fn IssueFunc) (*models.Command, error) {
	var out *models.Command
	err := s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(machineID), &m); err != nil {
			return err
		}

		// Reading the pending slot registers it in this transaction's read
		// set, so two concurrent issuers cannot both commit.
		var pending *models.Command
		pendingID, err := getString(txn, pendingKey(machineID))
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			var c models.Command
			if err := getJSON(txn, commandKey(pendingID), &c); err != nil {
				return err
			}
			pending = &c
		}

		var before models.CommandStatus
		if pending != nil {
			before = pending.Status
		}
		cmd, err := fn(&m, pending)
		if err != nil {
			return err
		}
		if pending != nil && pending.Status != before {
			if err := setJSON(txn, commandKey(pending.ID), pending); err != nil {
				return err
			}
		}
		if pending != nil && pending.Status == models.CommandPending {
			return ErrConflict
		}

		cmd.MachineID = machineID
		if err := setJSON(txn, commandKey(cmd.ID), cmd); err != nil {
			return err
		}
		if err := txn.Set(machineCommandKey(machineID, cmd.ID), nil); err != nil {
			return err
		}
		if cmd.Status == models.CommandPending {
			if err := txn.Set(pendingKey(machineID), []byte(cmd.ID)); err != nil {
				return err
			}
		} else if err := txn.Delete(pendingKey(machineID)); err != nil {
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

func (s *BadgerStore) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	var out models.Command
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, commandKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PendingCommand(ctx context.Context, machineID string) (*models.Command, error) {
	var out models.Command
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, pendingKey(machineID))
		if err != nil {
			return err
		}
		return getJSON(txn, commandKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListCommands(ctx context.Context, filter models.CommandFilter) ([]*models.Command, error) {
	var out []*models.Command
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.MachineID != "" {
			prefix := machineCommandPrefix(filter.MachineID)
			for _, k := range keysWithPrefix(txn, prefix) {
				var c models.Command
				if err := getJSON(txn, commandKey(string(bytes.TrimPrefix(k, prefix))), &c); err != nil {
					return err
				}
				out = append(out, &c)
			}
			return nil
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("cmd:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c models.Command
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Status != "" {
		kept := out[:0]
		for _, c := range out {
			if c.Status == filter.Status {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *BadgerStore) ListOverdueCommands(ctx context.Context, now time.Time) ([]*models.Command, error) {
	var out []*models.Command
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("pending:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var c models.Command
			if err := getJSON(txn, commandKey(string(id)), &c); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if c.Overdue(now) {
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) UpdateCommand(ctx context.Context, id string, fn CommandMutation) (*models.Command, error) {
	var out *models.Command
	err := s.update(ctx, func(txn *badger.Txn) error {
		var c models.Command
		if err := getJSON(txn, commandKey(id), &c); err != nil {
			return err
		}
		before := c.Status
		write, err := fn(&c)
		if err != nil {
			return err
		}
		out = &c
		if !write {
			return nil
		}
		if err := setJSON(txn, commandKey(id), &c); err != nil {
			return err
		}
		if before == models.CommandPending && c.Status != models.CommandPending {
			current, err := getString(txn, pendingKey(c.MachineID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if current == c.ID {
				return txn.Delete(pendingKey(c.MachineID))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
