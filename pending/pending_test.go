package pending

import (
	"testing"

	"chainctl/types"
)

func tx(write ...string) *types.SignedTransaction {
	return &types.SignedTransaction{WriteScope: write}
}

func TestCycleStateSchedulesDisjointScopesToDifferentShards(t *testing.T) {
	c := newCycleState()
	if idx := c.schedule(tx("a")); idx != 0 {
		t.Fatalf("first tx shard = %d, want 0", idx)
	}
	if idx := c.schedule(tx("b")); idx != 1 {
		t.Fatalf("disjoint-scope tx shard = %d, want 1 (new shard)", idx)
	}
}

func TestCycleStateReusesShardForSameScope(t *testing.T) {
	c := newCycleState()
	c.schedule(tx("a"))
	if idx := c.schedule(tx("a")); idx != 0 {
		t.Fatalf("second tx touching scope a shard = %d, want 0", idx)
	}
}

func TestCycleStateRejectsCrossShardScopeConflict(t *testing.T) {
	c := newCycleState()
	c.schedule(tx("a"))
	c.schedule(tx("b"))
	if idx := c.schedule(tx("a", "b")); idx != -1 {
		t.Fatalf("tx spanning two shards' scopes = %d, want -1", idx)
	}
}

func TestBuilderStateMachine(t *testing.T) {
	b := NewBuilder()
	if b.State() != Idle {
		t.Fatal("new builder should be idle")
	}
	if err := b.StartPendingBlock(nil, 1, "prev", "p0"); err != nil {
		t.Fatalf("StartPendingBlock failed: %v", err)
	}
	if b.State() != HasBlock {
		t.Fatal("builder should be HasBlock after start")
	}
	if err := b.StartPendingBlock(nil, 1, "prev", "p0"); err == nil {
		t.Fatal("starting twice should fail")
	}

	idx, err := b.ScheduleTransaction(tx("a"))
	if err != nil {
		t.Fatalf("ScheduleTransaction failed: %v", err)
	}
	if err := b.RecordReceipt(idx, types.TransactionReceipt{ID: "tx1", Status: types.ReceiptExecuted}, nil, tx("a")); err != nil {
		t.Fatalf("RecordReceipt failed: %v", err)
	}
	if len(b.InputTransactions()) != 1 {
		t.Fatalf("input txs = %d, want 1", len(b.InputTransactions()))
	}

	if err := b.ClearPending(); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	if b.State() != Idle {
		t.Fatal("builder should be idle after clear")
	}
}
