package forkdb

import (
	"errors"
	"testing"

	"chainctl/chainerr"
	"chainctl/types"
)

func item(id, prev string, num uint64) *types.ForkItem {
	return &types.ForkItem{ID: id, PreviousID: prev, Num: num}
}

func TestPushBlockAndHead(t *testing.T) {
	db, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := db.PushBlock(item("g", "", 0)); err != nil {
		t.Fatalf("push genesis failed: %v", err)
	}
	if err := db.PushBlock(item("b1", "g", 1)); err != nil {
		t.Fatalf("push b1 failed: %v", err)
	}
	if head := db.Head(); head == nil || head.ID != "b1" {
		t.Fatalf("head = %v, want b1", head)
	}
}

func TestPushBlockUnknownParent(t *testing.T) {
	db, _ := New(16)
	err := db.PushBlock(item("orphan", "missing", 1))
	if !errors.Is(err, chainerr.ErrUnknownBlock) {
		t.Fatalf("err = %v, want ErrUnknownBlock", err)
	}
}

func TestFetchBranchFromFindsCommonAncestor(t *testing.T) {
	db, _ := New(16)
	mustPush := func(i *types.ForkItem) {
		if err := db.PushBlock(i); err != nil {
			t.Fatalf("push %s failed: %v", i.ID, err)
		}
	}
	mustPush(item("g", "", 0))
	mustPush(item("a1", "g", 1))
	mustPush(item("a2", "a1", 2))
	mustPush(item("b1", "g", 1))
	mustPush(item("b2", "b1", 2))

	branchA, branchB, err := db.FetchBranchFrom("a2", "b2")
	if err != nil {
		t.Fatalf("FetchBranchFrom failed: %v", err)
	}
	if len(branchA) != 2 || branchA[0].ID != "a2" || branchA[1].ID != "a1" {
		t.Errorf("branchA = %+v, want [a2 a1]", branchA)
	}
	if len(branchB) != 2 || branchB[0].ID != "b2" || branchB[1].ID != "b1" {
		t.Errorf("branchB = %+v, want [b2 b1]", branchB)
	}
}

func TestPopBlock(t *testing.T) {
	db, _ := New(16)
	db.PushBlock(item("g", "", 0))
	db.PushBlock(item("b1", "g", 1))

	popped, err := db.PopBlock()
	if err != nil {
		t.Fatalf("PopBlock failed: %v", err)
	}
	if popped.ID != "b1" {
		t.Errorf("popped = %s, want b1", popped.ID)
	}
	if head := db.Head(); head == nil || head.ID != "g" {
		t.Fatalf("head after pop = %v, want g", head)
	}
	if _, ok := db.Get("b1"); ok {
		t.Error("b1 should no longer be present after pop")
	}
}

func TestPopEmptyChain(t *testing.T) {
	db, _ := New(16)
	_, err := db.PopBlock()
	if !errors.Is(err, chainerr.ErrPopEmptyChain) {
		t.Fatalf("err = %v, want ErrPopEmptyChain", err)
	}
}

func TestPruneBelow(t *testing.T) {
	db, _ := New(16)
	db.PushBlock(item("g", "", 0))
	db.PushBlock(item("b1", "g", 1))
	db.PushBlock(item("b2", "b1", 2))

	db.PruneBelow(1)
	if _, ok := db.Get("g"); ok {
		t.Error("genesis should be pruned")
	}
	if _, ok := db.Get("b1"); ok {
		t.Error("b1 should be pruned")
	}
	if _, ok := db.Get("b2"); !ok {
		t.Error("b2 should survive prune")
	}
}
