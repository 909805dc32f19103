// Package engine implements the per-client query-engine state machine
// (spec.md C9): request buffering, prepared-statement rewriting, router
// dispatch, pooling-mode release policy, and two-phase commit across shards.
// Grounded on the donor's server-connection handling loop (now pkg/server)
// for the cooperative single-goroutine-per-client shape, generalized from
// one backend to N.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// TxnStore is the narrow put/delete/scan interface spec.md §6 promises for
// the 2PC manager's durable record of in-flight prepared transactions, so a
// crash-restart can resume cleanup_phase.
type TxnStore interface {
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (map[string]string, error)
}

// EtcdTxnStore implements TxnStore over etcd, the same store pkg/catalog
// uses for shard topology.
type EtcdTxnStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdTxnStore(client *clientv3.Client) *EtcdTxnStore {
	return &EtcdTxnStore{client: client, prefix: "/2pc/"}
}

func (s *EtcdTxnStore) Put(ctx context.Context, key, value string) error {
	_, err := s.client.Put(ctx, s.prefix+key, value)
	return err
}

func (s *EtcdTxnStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, s.prefix+key)
	return err
}

func (s *EtcdTxnStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.prefix+prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), s.prefix)] = string(kv.Value)
	}
	return out, nil
}

// MemTxnStore is an in-memory TxnStore for tests and single-node setups
// without etcd.
type MemTxnStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemTxnStore() *MemTxnStore { return &MemTxnStore{data: make(map[string]string)} }

func (s *MemTxnStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemTxnStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemTxnStore) Scan(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

// PreparedTxnState records one in-flight cross-shard prepared transaction.
type PreparedTxnState struct {
	ID     string // pgdog-<uuid>
	Shards []int  // shards the transaction touched
	Phase  string // "preparing" | "prepared" | "committing" | "rolling_back" | "done"
}

// TwoPhaseManager coordinates PREPARE TRANSACTION / COMMIT PREPARED /
// ROLLBACK PREPARED across the shards a transaction touched, and durably
// records state so cleanup_phase can resume after a crash.
type TwoPhaseManager struct {
	store  TxnStore
	logger *zap.Logger
}

func NewTwoPhaseManager(store TxnStore, logger *zap.Logger) *TwoPhaseManager {
	return &TwoPhaseManager{store: store, logger: logger}
}

// NewID returns a fresh prepared-transaction identifier.
func (m *TwoPhaseManager) NewID() string {
	return fmt.Sprintf("pgdog-%s", uuid.NewString())
}

// Execute runs PREPARE TRANSACTION on every shard, then COMMIT PREPARED on
// all if every PREPARE succeeded, else ROLLBACK PREPARED on all. exec is
// supplied by the caller so this package never talks to pkg/server directly.
func (m *TwoPhaseManager) Execute(ctx context.Context, id string, shards []int, exec func(shard int, sql string) error) error {
	state := PreparedTxnState{ID: id, Shards: shards, Phase: "preparing"}
	if err := m.save(ctx, state); err != nil {
		return err
	}

	prepareFailed := false
	for _, shard := range shards {
		sql := fmt.Sprintf("PREPARE TRANSACTION '%s'", id)
		if err := exec(shard, sql); err != nil {
			m.logger.Warn("2pc prepare failed", zap.String("txn", id), zap.Int("shard", shard), zap.Error(err))
			prepareFailed = true
			break
		}
	}

	if prepareFailed {
		state.Phase = "rolling_back"
		m.save(ctx, state)
		m.rollbackAll(shards, id, exec)
		return m.done(ctx, state)
	}

	state.Phase = "committing"
	m.save(ctx, state)
	for _, shard := range shards {
		sql := fmt.Sprintf("COMMIT PREPARED '%s'", id)
		if err := exec(shard, sql); err != nil {
			m.logger.Error("2pc commit prepared failed, manual intervention required",
				zap.String("txn", id), zap.Int("shard", shard), zap.Error(err))
		}
	}
	return m.done(ctx, state)
}

func (m *TwoPhaseManager) rollbackAll(shards []int, id string, exec func(shard int, sql string) error) {
	sql := fmt.Sprintf("ROLLBACK PREPARED '%s'", id)
	for _, shard := range shards {
		if err := exec(shard, sql); err != nil {
			m.logger.Warn("2pc rollback prepared failed", zap.String("txn", id), zap.Int("shard", shard), zap.Error(err))
		}
	}
}

func (m *TwoPhaseManager) save(ctx context.Context, state PreparedTxnState) error {
	return m.store.Put(ctx, state.ID, encodeState(state))
}

func (m *TwoPhaseManager) done(ctx context.Context, state PreparedTxnState) error {
	return m.store.Delete(ctx, state.ID)
}

// CleanupPhase scans the store for prepared transactions left behind by a
// crash and resolves each: commits ones already past "committing",
// rolls back everything still "preparing". Run once at startup.
func (m *TwoPhaseManager) CleanupPhase(ctx context.Context, exec func(shard int, sql string) error) error {
	entries, err := m.store.Scan(ctx, "")
	if err != nil {
		return err
	}
	for key, raw := range entries {
		state, err := decodeState(raw)
		if err != nil {
			m.logger.Warn("2pc cleanup: undecodable state entry", zap.String("key", key), zap.Error(err))
			continue
		}
		state.ID = key
		switch state.Phase {
		case "committing", "prepared":
			for _, shard := range state.Shards {
				exec(shard, fmt.Sprintf("COMMIT PREPARED '%s'", state.ID))
			}
		default:
			m.rollbackAll(state.Shards, state.ID, exec)
		}
		m.done(ctx, state)
	}
	return nil
}

func encodeState(s PreparedTxnState) string {
	shardStr := ""
	for i, sh := range s.Shards {
		if i > 0 {
			shardStr += ","
		}
		shardStr += fmt.Sprint(sh)
	}
	return s.Phase + "|" + shardStr
}

func decodeState(raw string) (PreparedTxnState, error) {
	var phase string
	var shardStr string
	for i := 0; i < len(raw); i++ {
		if raw[i] == '|' {
			phase = raw[:i]
			shardStr = raw[i+1:]
			break
		}
	}
	if phase == "" {
		return PreparedTxnState{}, fmt.Errorf("engine: malformed 2pc state %q", raw)
	}
	var shards []int
	cur := 0
	started := false
	for i := 0; i <= len(shardStr); i++ {
		if i == len(shardStr) || shardStr[i] == ',' {
			if started {
				shards = append(shards, cur)
			}
			cur, started = 0, false
			continue
		}
		cur = cur*10 + int(shardStr[i]-'0')
		started = true
	}
	return PreparedTxnState{Phase: phase, Shards: shards}, nil
}
