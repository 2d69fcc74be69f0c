package blockapply

import (
	"fmt"
	"testing"
	"time"

	"chainctl/blocklog"
	"chainctl/config"
	"chainctl/forkdb"
	"chainctl/merkle"
	"chainctl/store"
	"chainctl/txapply"
	"chainctl/types"
)

func newTestApplier(t *testing.T) (*Applier, *ChainState) {
	t.Helper()
	return newTestApplierWithRegistry(t, txapply.NewRegistry())
}

func newTestApplierWithRegistry(t *testing.T, registry *txapply.Registry) (*Applier, *ChainState) {
	t.Helper()
	mgr, err := store.Open(t.TempDir(), config.DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	fdb, err := forkdb.New(1024)
	if err != nil {
		t.Fatalf("forkdb.New failed: %v", err)
	}
	log := blocklog.Open(mgr)
	txApplier := txapply.NewApplier(registry, func(string) bool { return true }, nil, nil, 3, time.Hour)

	verifySig := func(pubKey, digest, sig []byte) bool { return true }
	producerKey := func(string) ([]byte, bool) { return []byte("key"), true }

	a := New(mgr, fdb, log, txApplier, producerKey, verifySig, []byte("test-chain"), Config{
		BlocksPerRound:               12,
		ProducerRepetitions:          1,
		IrreversibleThresholdPercent: 67,
		Percent100:                   100,
		GenesisTime:                  time.Unix(1700000000, 0).UTC(),
		BlockInterval:                500 * time.Millisecond,
	})

	state := &ChainState{
		Global:      &types.GlobalProperties{},
		Dynamic:     &types.DynamicGlobalProperties{},
		Ring:        types.NewBlockSummaryRing(""),
		BlockMerkle: merkle.NewIncremental(),
	}
	return a, state
}

func block(height uint64, prev, producer string, ts time.Time) *types.Block {
	return &types.Block{
		Header: types.BlockHeader{
			Height:     height,
			PreviousID: prev,
			Timestamp:  ts,
			Producer:   producer,
		},
	}
}

func allSkips() SkipFlags {
	return SkipFlags{
		ProducerSignature:     true,
		ProducerScheduleCheck: true,
		MerkleCheck:           true,
		TransactionSignatures: true,
		TransactionDupeCheck:  true,
		TaposCheck:            true,
		AuthorityCheck:        true,
	}
}

func TestPushBlockExtendsHead(t *testing.T) {
	a, state := newTestApplier(t)
	base := time.Unix(1700000100, 0).UTC()

	b1 := block(1, "", "p0", base)
	switched, err := a.PushBlock(state, b1, allSkips())
	if err != nil {
		t.Fatalf("push block 1 failed: %v", err)
	}
	if switched {
		t.Fatal("first block should not report a fork switch")
	}
	id1 := state.Dynamic.HeadBlockID
	if state.Dynamic.HeadBlockNumber != 1 {
		t.Fatalf("head number = %d, want 1", state.Dynamic.HeadBlockNumber)
	}

	b2 := block(2, id1, "p0", base.Add(time.Second))
	if _, err := a.PushBlock(state, b2, allSkips()); err != nil {
		t.Fatalf("push block 2 failed: %v", err)
	}
	if state.Dynamic.HeadBlockNumber != 2 {
		t.Fatalf("head number = %d, want 2", state.Dynamic.HeadBlockNumber)
	}
}

func TestPushBlockRejectsWrongPrevious(t *testing.T) {
	a, state := newTestApplier(t)
	base := time.Unix(1700000100, 0).UTC()

	b1 := block(1, "", "p0", base)
	if _, err := a.PushBlock(state, b1, allSkips()); err != nil {
		t.Fatalf("push block 1 failed: %v", err)
	}

	bad := block(2, "bogus-parent", "p0", base.Add(time.Second))
	if _, err := a.PushBlock(state, bad, allSkips()); err == nil {
		t.Fatal("expected rejection of block with unknown previous_id")
	}
}

func TestPushBlockForkSwitch(t *testing.T) {
	a, state := newTestApplier(t)
	base := time.Unix(1700000100, 0).UTC()

	b1 := block(1, "", "p0", base)
	if _, err := a.PushBlock(state, b1, allSkips()); err != nil {
		t.Fatalf("push block 1 failed: %v", err)
	}
	id1 := state.Dynamic.HeadBlockID

	b2a := block(2, id1, "p0", base.Add(time.Second))
	if _, err := a.PushBlock(state, b2a, allSkips()); err != nil {
		t.Fatalf("push block 2a failed: %v", err)
	}
	headAfter2a := state.Dynamic.HeadBlockID

	b2b := block(2, id1, "p1", base.Add(2*time.Second))
	if switched, err := a.PushBlock(state, b2b, allSkips()); err != nil {
		t.Fatalf("push block 2b failed: %v", err)
	} else if switched {
		t.Fatal("equal-height competing block should not itself switch")
	}
	if state.Dynamic.HeadBlockID != headAfter2a {
		t.Fatal("head should remain on the 2a branch after an equal-height sibling")
	}
	id2b := merkle.BlockID(&b2b.Header)

	b3b := block(3, id2b, "p1", base.Add(3*time.Second))
	switched, err := a.PushBlock(state, b3b, allSkips())
	if err != nil {
		t.Fatalf("push block 3b failed: %v", err)
	}
	if !switched {
		t.Fatal("longer branch should trigger a fork switch")
	}
	if state.Dynamic.HeadBlockNumber != 3 {
		t.Fatalf("head number after switch = %d, want 3", state.Dynamic.HeadBlockNumber)
	}
	if state.Dynamic.CurrentProducer != "p1" {
		t.Fatalf("current producer after switch = %q, want p1", state.Dynamic.CurrentProducer)
	}
}

func TestPushBlockForkSwitchRollbackOnFailure(t *testing.T) {
	registry := txapply.NewRegistry()
	registry.Register("test", "test", "fail", func(ctx *txapply.ApplyContext) error {
		return fmt.Errorf("boom")
	})
	a, state := newTestApplierWithRegistry(t, registry)
	base := time.Unix(1700000100, 0).UTC()

	b1 := block(1, "", "p0", base)
	if _, err := a.PushBlock(state, b1, allSkips()); err != nil {
		t.Fatalf("push block 1 failed: %v", err)
	}
	id1 := state.Dynamic.HeadBlockID

	b2a := block(2, id1, "p0", base.Add(time.Second))
	if _, err := a.PushBlock(state, b2a, allSkips()); err != nil {
		t.Fatalf("push block 2a failed: %v", err)
	}
	headBeforeSwitch := state.Dynamic.HeadBlockID
	numberBeforeSwitch := state.Dynamic.HeadBlockNumber

	b2b := block(2, id1, "p1", base.Add(2*time.Second))
	if _, err := a.PushBlock(state, b2b, allSkips()); err != nil {
		t.Fatalf("push block 2b failed: %v", err)
	}
	id2b := merkle.BlockID(&b2b.Header)

	failTx := &types.SignedTransaction{
		Expiration: base.Add(3 * time.Second).Add(time.Minute),
		WriteScope: []string{"test"},
		Actions: []types.Action{{
			Scope:         "test",
			Name:          "fail",
			Authorization: []types.PermissionLevel{{Actor: "alice", Permission: "active"}},
		}},
	}
	txID := merkle.TransactionID(failTx)

	b3b := block(3, id2b, "p1", base.Add(3*time.Second))
	b3b.InputTransactions = []*types.SignedTransaction{failTx}
	b3b.Regions = []types.Region{{
		RegionID: 0,
		CyclesSummary: []types.Cycle{{
			Shards: []types.Shard{{
				Receipts: []types.TransactionReceipt{{ID: txID, Status: types.ReceiptExecuted}},
			}},
		}},
	}}

	if _, err := a.PushBlock(state, b3b, allSkips()); err == nil {
		t.Fatal("expected the failing block to reject the fork switch")
	}

	if state.Dynamic.HeadBlockID != headBeforeSwitch {
		t.Fatalf("head id after failed switch = %q, want restored %q", state.Dynamic.HeadBlockID, headBeforeSwitch)
	}
	if state.Dynamic.HeadBlockNumber != numberBeforeSwitch {
		t.Fatalf("head number after failed switch = %d, want restored %d", state.Dynamic.HeadBlockNumber, numberBeforeSwitch)
	}
	if state.Dynamic.CurrentProducer != "p0" {
		t.Fatalf("current producer after failed switch = %q, want restored p0", state.Dynamic.CurrentProducer)
	}
}

func TestAdvanceIrreversibility(t *testing.T) {
	a, state := newTestApplier(t)
	base := time.Unix(1700000100, 0).UTC()

	state.Global.ActiveProducers = types.ProducerSchedule{
		Version: 1,
		Producers: []types.ProducerKey{
			{ProducerName: "p0", SigningKey: []byte("k0")},
			{ProducerName: "p1", SigningKey: []byte("k1")},
			{ProducerName: "p2", SigningKey: []byte("k2")},
		},
	}

	prev := ""
	for h := uint64(1); h <= 5; h++ {
		b := block(h, prev, "p0", base.Add(time.Duration(h)*time.Second))
		if _, err := a.PushBlock(state, b, allSkips()); err != nil {
			t.Fatalf("push block %d failed: %v", h, err)
		}
		prev = state.Dynamic.HeadBlockID
	}

	confirmed := map[string]uint32{"p0": 5, "p1": 4, "p2": 3}
	if err := a.AdvanceIrreversibility(state, confirmed); err != nil {
		t.Fatalf("AdvanceIrreversibility failed: %v", err)
	}
	if state.Dynamic.LastIrreversibleBlockNum == 0 {
		t.Fatal("expected LIB to advance past genesis")
	}

	got, ok, err := a.log.LatestHeight()
	if err != nil {
		t.Fatalf("LatestHeight failed: %v", err)
	}
	if !ok {
		t.Fatal("expected block log to have received newly-irreversible blocks")
	}
	if got != state.Dynamic.LastIrreversibleBlockNum {
		t.Fatalf("block log head = %d, want %d", got, state.Dynamic.LastIrreversibleBlockNum)
	}
}
