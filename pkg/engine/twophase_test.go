package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestCleanupPhaseResolvesPreparedTxnByStoredID(t *testing.T) {
	store := NewMemTxnStore()
	mgr := NewTwoPhaseManager(store, zap.NewNop())

	ctx := context.Background()
	state := PreparedTxnState{ID: "pgdog-abc123", Shards: []int{0, 1}, Phase: "prepared"}
	if err := mgr.save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	var resolved []string
	err := mgr.CleanupPhase(ctx, func(shard int, sql string) error {
		resolved = append(resolved, sql)
		return nil
	})
	if err != nil {
		t.Fatalf("CleanupPhase: %v", err)
	}

	for _, sql := range resolved {
		if sql != "COMMIT PREPARED 'pgdog-abc123'" {
			t.Fatalf("expected commit against the stored txn id, got %q", sql)
		}
	}
	if len(resolved) != 2 {
		t.Fatalf("expected one COMMIT PREPARED per shard, got %d", len(resolved))
	}

	remaining, err := store.Scan(ctx, "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected cleanup to delete the resolved entry, %d left", len(remaining))
	}
}
