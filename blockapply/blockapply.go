// Package blockapply validates, applies, and replays blocks, and drives
// fork switches (spec.md §4.H). Grounded on the teacher's
// consensus/realBlockStore.go: its finalize/commit discipline
// (finalizeMu serializing commit) and dual id/height indexing are
// generalized here to region/cycle/shard replay with full
// fork-switch-and-restore, which the teacher's flatter single-chain model
// does not need.
package blockapply

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"chainctl/chainerr"
	"chainctl/forkdb"
	"chainctl/logs"
	"chainctl/merkle"
	"chainctl/scheduler"
	"chainctl/store"
	"chainctl/txapply"
	"chainctl/types"
)

// SkipFlags mirrors the controller-wide skip bitfield (spec.md §6).
type SkipFlags struct {
	ProducerSignature      bool
	TransactionSignatures  bool
	TransactionDupeCheck   bool
	ForkDB                 bool
	TaposCheck             bool
	AuthorityCheck         bool
	MerkleCheck            bool
	ProducerScheduleCheck  bool
	ScopeCheck             bool
	ReceivedBlock          bool
}

// Everything describes the "skip everything" checkpoint-gated mode
// (spec.md §4.H: "if any checkpoint is >= block_num, set skip to
// everything").
func Everything() SkipFlags {
	return SkipFlags{
		ProducerSignature:     true,
		TransactionSignatures: true,
		TransactionDupeCheck:  true,
		TaposCheck:            true,
		AuthorityCheck:        true,
		MerkleCheck:           true,
		ProducerScheduleCheck: true,
		ScopeCheck:            true,
	}
}

// ProducerKeyLookup resolves a producer name to its registered signing
// key.
type ProducerKeyLookup func(name string) ([]byte, bool)

// SignatureVerifier verifies sig over digest was produced by the key
// behind pubKey.
type SignatureVerifier func(pubKey, digest, sig []byte) bool

// MissedProducerRecorder is called once per slot skipped by the block
// actually produced, naming the producer who should have produced that
// slot (spec.md §4.E; chain_controller.cpp's update_global_dynamic_data
// bumps that producer's total_missed). Producer bookkeeping lives outside
// blockapply's own state (it is part of the external producer/voting
// registry, spec.md §1/§6), so this is a caller-supplied hook rather than
// a mutation blockapply performs directly; a nil hook simply means missed
// slots are not tracked.
type MissedProducerRecorder func(name string)

// ProducerConfirmationRecorder is called once per applied block with the
// signing producer's name, its new last-confirmed absolute slot, and the
// block height it signed (chain_controller.cpp's update_signing_producer).
// Like MissedProducerRecorder, the producer registry itself is external;
// a nil hook means confirmations are not tracked.
type ProducerConfirmationRecorder func(name string, lastAbsoluteSlot uint64, blockNum uint64)

// GeneratedTransactionRecorder is called from applyBlock with every
// deferred transaction an externally-sourced block's actions generated, in
// trace order (spec.md §4.F: "emits deferred transactions into the
// generated-transaction table"). A self-produced block's deferred
// transactions are recorded by the controller directly, since they're
// collected from the pending builder rather than re-derived from action
// traces; this hook only covers the PushBlock path. A nil hook means
// generated transactions from externally-sourced blocks are computed and
// discarded.
type GeneratedTransactionRecorder func(txs []*types.SignedTransaction)

// Applier validates and applies blocks against the store, fork DB, and
// block log (spec.md §4.H).
type Applier struct {
	mgr         *store.Manager
	forkDB      *forkdb.ForkDB
	log         BlockLog
	txApplier   *txapply.Applier
	producerKey ProducerKeyLookup
	verifySig   SignatureVerifier

	chainID []byte

	blocksPerRound               uint32
	producerRepetitions          uint32
	irreversibleThresholdPercent int
	percent100                   int

	genesisTime   time.Time
	blockInterval time.Duration

	recordMissedProducer    MissedProducerRecorder
	recordProducerConfirmed ProducerConfirmationRecorder
	recordGeneratedTxs      GeneratedTransactionRecorder

	// participation is the observability-only long-window tracker layered
	// on top of the consensus-critical recent_slots_filled bitmap (spec.md
	// §3, SPEC_FULL.md §3 supplement); finalizeBlock feeds it every applied
	// block's slot/missed-count, the same inputs it uses to advance
	// state.Dynamic.RecentSlotsFilled itself.
	participation *scheduler.Participation

	checkpoints map[uint64]string

	replaying bool

	revMu            sync.Mutex
	revisionAtHeight map[uint64]uint64 // block height -> the store revision its apply session was pushed at
}

// BlockLog is the subset of blocklog.Log the applier needs, named here to
// avoid a hard dependency cycle and to let tests use a fake.
type BlockLog interface {
	Append(block *types.Block) (string, error)
	LatestHeight() (uint64, bool, error)
	GetByHeight(height uint64) (*types.Block, bool, error)
}

// Config bundles the consensus-critical constants the applier needs,
// mirroring config.ChainConfig's fields so the controller can pass them
// straight through.
type Config struct {
	BlocksPerRound               uint32
	ProducerRepetitions          uint32
	IrreversibleThresholdPercent int
	Percent100                   int
	GenesisTime                  time.Time
	BlockInterval                time.Duration

	RecordMissedProducer    MissedProducerRecorder
	RecordProducerConfirmed ProducerConfirmationRecorder
	RecordGeneratedTxs      GeneratedTransactionRecorder
}

// New constructs an Applier.
func New(mgr *store.Manager, forkDB *forkdb.ForkDB, log BlockLog, txApplier *txapply.Applier, producerKey ProducerKeyLookup, verifySig SignatureVerifier, chainID []byte, cfg Config) *Applier {
	return &Applier{
		mgr:                          mgr,
		forkDB:                       forkDB,
		log:                          log,
		txApplier:                    txApplier,
		producerKey:                  producerKey,
		verifySig:                    verifySig,
		chainID:                      chainID,
		blocksPerRound:               cfg.BlocksPerRound,
		producerRepetitions:          cfg.ProducerRepetitions,
		irreversibleThresholdPercent: cfg.IrreversibleThresholdPercent,
		percent100:                   cfg.Percent100,
		genesisTime:                  cfg.GenesisTime,
		blockInterval:                cfg.BlockInterval,
		recordMissedProducer:         cfg.RecordMissedProducer,
		recordProducerConfirmed:      cfg.RecordProducerConfirmed,
		recordGeneratedTxs:           cfg.RecordGeneratedTxs,
		participation:                scheduler.NewParticipation(),
		checkpoints:                  make(map[uint64]string),
		revisionAtHeight:             make(map[uint64]uint64),
	}
}

// ParticipationRate returns the fraction of the last 64 slots that
// produced a block, for operational monitoring (SPEC_FULL.md §3
// supplement).
func (a *Applier) ParticipationRate() float64 {
	return a.participation.ParticipationRate()
}

// AddCheckpoints merges a set of known-good block ids by height into the
// checkpoint table (spec.md §6).
func (a *Applier) AddCheckpoints(cps map[uint64]string) {
	for h, id := range cps {
		a.checkpoints[h] = id
	}
}

// ChainState is everything PushBlock/applyBlock read and mutate outside
// the store itself: the dynamic/global properties, the producer
// schedule, and the block-summary ring. The controller owns this state
// and passes a pointer in so blockapply stays free of any notion of "the"
// chain singleton.
type ChainState struct {
	Global      *types.GlobalProperties
	Dynamic     *types.DynamicGlobalProperties
	Ring        *types.BlockSummaryRing
	BlockMerkle *merkle.Incremental // dynamic properties' block-Merkle (DESIGN.md, Merkle)
}

// PushBlock feeds b into the fork DB and, if it extends the current head,
// applies it; otherwise it may trigger a fork switch (spec.md §4.H).
// Returns true iff a fork switch occurred.
func (a *Applier) PushBlock(state *ChainState, b *types.Block, skip SkipFlags) (bool, error) {
	id := merkle.BlockID(&b.Header)
	item := &types.ForkItem{Block: b, ID: id, Num: b.Header.Height, PreviousID: b.Header.PreviousID}

	if !skip.ForkDB {
		if err := a.forkDB.PushBlock(item); err != nil {
			return false, err
		}
	}

	currentHead := state.Dynamic.HeadBlockID
	if item.PreviousID == currentHead {
		session := a.mgr.StartUndoSession(true)
		if err := a.applyBlock(session, state, b, skip); err != nil {
			a.forkDB.Remove(id)
			session.Undo()
			return false, err
		}
		rev := session.Revision()
		if err := session.Push(); err != nil {
			return false, err
		}
		a.recordRevision(b.Header.Height, rev)
		return false, nil
	}

	if item.Num > headNum(state) {
		return true, a.switchFork(state, currentHead, id, skip)
	}
	return false, nil // shorter branch, no-op
}

func headNum(state *ChainState) uint64 { return state.Dynamic.HeadBlockNumber }

// recordRevision remembers which store revision height's apply session
// was pushed at, so AdvanceIrreversibility can later mgr.Commit() exactly
// the right sessions instead of conflating a block height with a session
// revision counter (spec.md §4.C — the two are unrelated in general: a
// fork switch or replay can interleave far more sessions than blocks).
func (a *Applier) recordRevision(height, revision uint64) {
	a.revMu.Lock()
	defer a.revMu.Unlock()
	a.revisionAtHeight[height] = revision
}

func (a *Applier) revisionForHeight(height uint64) (uint64, bool) {
	a.revMu.Lock()
	defer a.revMu.Unlock()
	rev, ok := a.revisionAtHeight[height]
	return rev, ok
}

func (a *Applier) forgetRevision(height uint64) {
	a.revMu.Lock()
	defer a.revMu.Unlock()
	delete(a.revisionAtHeight, height)
}

func (a *Applier) forgetRevisionsBelow(height uint64) {
	a.revMu.Lock()
	defer a.revMu.Unlock()
	for h := range a.revisionAtHeight {
		if h <= height {
			delete(a.revisionAtHeight, h)
		}
	}
}

// switchFork implements the fork-switch-and-restore algorithm of
// spec.md §4.H.
func (a *Applier) switchFork(state *ChainState, oldHeadID, newHeadID string, skip SkipFlags) error {
	branchNew, branchOld, err := a.forkDB.FetchBranchFrom(newHeadID, oldHeadID)
	if err != nil {
		return err
	}

	// Unwind the old branch: branchOld is tip-first, the same order its
	// trunk-level sessions sit on mgr's undo history, so mgr.Undo()
	// reverts its store writes block by block (spec.md §4.C) while this
	// loop retreats the in-memory chain state and strips it from the fork
	// db directly by id — not via forkDB.PopBlock(), which pops whatever
	// the fork db's own highest-height pointer currently is, already
	// moved to a block in branchNew by the time a longer branch triggers
	// this switch.
	poppedCount := len(branchOld)
	for _, item := range branchOld {
		if err := a.mgr.Undo(); err != nil {
			return fmt.Errorf("blockapply: fork switch: undo old branch block %s: %w", item.ID, err)
		}
		a.forkDB.Remove(item.ID)
		state.Dynamic.HeadBlockNumber--
	}
	for _, item := range branchOld {
		a.forgetRevision(item.Num)
	}
	if len(branchOld) > 0 {
		state.Dynamic.HeadBlockID = branchOld[len(branchOld)-1].PreviousID
	}

	// Apply branchNew parent -> child (branchNew is tip-first; reverse it).
	// Each block's session is pushed at trunk level as it succeeds, so a
	// later failure must unwind those already-pushed sessions via
	// mgr.Undo() (spec.md §4.C) before rollbackFailedSwitch reapplies the
	// old branch — otherwise the partially-applied new branch's store
	// writes would survive the rollback.
	applied := 0
	var appliedHeights []uint64
	for i := len(branchNew) - 1; i >= 0; i-- {
		item := branchNew[i]
		session := a.mgr.StartUndoSession(true)
		if err := a.applyBlock(session, state, item.Block, skip); err != nil {
			session.Undo()
			for n := 0; n < applied; n++ {
				if uerr := a.mgr.Undo(); uerr != nil {
					logs.Error("[blockapply] fork switch: undo partial branch apply: %v", uerr)
					break
				}
			}
			for _, h := range appliedHeights {
				a.forgetRevision(h)
			}
			a.rollbackFailedSwitch(state, branchNew, branchOld, i)
			return fmt.Errorf("blockapply: fork switch failed applying %s: %w", item.ID, err)
		}
		rev := session.Revision()
		if err := session.Push(); err != nil {
			return err
		}
		a.recordRevision(item.Num, rev)
		appliedHeights = append(appliedHeights, item.Num)
		applied++
	}

	if err := a.forkDB.SetHead(newHeadID); err != nil {
		return err
	}
	logs.Info("[blockapply] fork switch complete: popped %d, applied %d", poppedCount, applied)
	return nil
}

// rollbackFailedSwitch purges the unapplied remainder of branchNew,
// resets the fork head to branchOld's root, pops back to the common
// parent, and reapplies branchOld in child order (spec.md §4.H).
func (a *Applier) rollbackFailedSwitch(state *ChainState, branchNew, branchOld []*types.ForkItem, failedAt int) {
	for i := 0; i <= failedAt; i++ {
		a.forkDB.Remove(branchNew[i].ID)
	}
	if len(branchOld) == 0 {
		return
	}
	// branchOld's blocks were already stripped from the fork db by
	// switchFork's initial unwind; reinsert them parent-first before the
	// fork db will accept SetHead or recognize them as known parents.
	for i := len(branchOld) - 1; i >= 0; i-- {
		if err := a.forkDB.PushBlock(branchOld[i]); err != nil {
			logs.Error("[blockapply] restore of original branch failed to reinsert %s: %v", branchOld[i].ID, err)
			return
		}
	}
	a.forkDB.SetHead(branchOld[0].ID)
	// The store writes of the partial new branch are already undone; pop
	// the in-memory head back to the common parent as well, so branchOld's
	// root validates against its real predecessor.
	root := branchOld[len(branchOld)-1]
	state.Dynamic.HeadBlockID = root.PreviousID
	state.Dynamic.HeadBlockNumber = root.Num - 1
	if parent, ok := a.forkDB.Get(root.PreviousID); ok {
		state.Dynamic.Time = parent.Block.Header.Timestamp.Unix()
	} else if root.PreviousID == "" {
		state.Dynamic.Time = 0
	}
	for i := len(branchOld) - 1; i >= 0; i-- {
		session := a.mgr.StartUndoSession(true)
		if err := a.applyBlock(session, state, branchOld[i].Block, Everything()); err != nil {
			logs.Error("[blockapply] restore of original branch failed at %s: %v", branchOld[i].ID, err)
			session.Undo()
			return
		}
		rev := session.Revision()
		if err := session.Push(); err != nil {
			logs.Error("[blockapply] restore of original branch failed to push %s: %v", branchOld[i].ID, err)
			return
		}
		a.recordRevision(branchOld[i].Num, rev)
	}
}

// applyBlock is _apply_block: checkpoint gate, header validation, replay
// of every region/cycle/shard through the transaction applier, then
// finalization (spec.md §4.H).
func (a *Applier) applyBlock(session *store.Session, state *ChainState, b *types.Block, skip SkipFlags) error {
	if cpID, ok := a.checkpoints[b.Header.Height]; ok {
		wantID := merkle.BlockID(&b.Header)
		if cpID != wantID {
			return fmt.Errorf("blockapply: checkpoint mismatch at height %d: %w", b.Header.Height, chainerr.ErrCheckpointMismatch)
		}
	}
	for h := range a.checkpoints {
		if h >= b.Header.Height {
			skip = Everything()
			break
		}
	}

	if err := a.validateBlockHeader(state, b, skip); err != nil {
		return err
	}

	txIndex := make(map[string]*types.SignedTransaction, len(b.InputTransactions))
	for _, tx := range b.InputTransactions {
		txIndex[merkle.TransactionID(tx)] = tx
	}

	var regionTraces [][]*types.ActionTrace
	var lastRegion int32 = -1
	for _, region := range b.Regions {
		if int32(region.RegionID) <= lastRegion {
			return fmt.Errorf("blockapply: regions out of order: %w", chainerr.ErrBlockValidate)
		}
		lastRegion = int32(region.RegionID)

		for cycleIdx, cycle := range region.CyclesSummary {
			for shardIdx, shard := range cycle.Shards {
				var shardTraces []*types.ActionTrace
				for _, receipt := range shard.Receipts {
					if receipt.Status != types.ReceiptExecuted {
						continue
					}
					tx, ok := txIndex[receipt.ID]
					if !ok {
						return fmt.Errorf("blockapply: receipt references unknown transaction %s: %w", receipt.ID, chainerr.ErrBlockValidate)
					}
					txSkip := txapply.SkipFlags{
						AuthorityCheck:       skip.AuthorityCheck,
						TransactionDupeCheck: skip.TransactionDupeCheck,
						TaposCheck:           skip.TaposCheck,
					}
					trace, err := a.txApplier.Apply(session, a.chainID, state.Ring, b.Header.Timestamp, region.RegionID, uint32(cycleIdx), uint32(shardIdx), tx, txSkip)
					if err != nil {
						return fmt.Errorf("blockapply: apply transaction %s: %w", receipt.ID, err)
					}
					for i := range trace.ActionTraces {
						shardTraces = append(shardTraces, &trace.ActionTraces[i])
					}
				}
				regionTraces = append(regionTraces, shardTraces)
			}
		}
	}

	if !skip.MerkleCheck {
		gotActionRoot := actionMRootOf(regionTraces)
		if !bytesEqual(gotActionRoot[:], b.Header.ActionMRoot) {
			return fmt.Errorf("blockapply: action_mroot mismatch: %w", chainerr.ErrBlockValidate)
		}
	}

	if a.recordGeneratedTxs != nil {
		if deferred := deferredTransactionsOf(regionTraces); len(deferred) > 0 {
			a.recordGeneratedTxs(deferred)
		}
	}

	a.finalizeBlock(state, b)
	return nil
}

// deferredTransactionsOf flattens every action trace's generated
// transactions, in shard/trace order.
func deferredTransactionsOf(regionTraces [][]*types.ActionTrace) []*types.SignedTransaction {
	var out []*types.SignedTransaction
	for _, shardTraces := range regionTraces {
		for _, t := range shardTraces {
			out = append(out, t.GeneratedTransactions...)
		}
	}
	return out
}

func actionMRootOf(shardTraces [][]*types.ActionTrace) merkle.Hash {
	roots := make([]merkle.Hash, len(shardTraces))
	for i, traces := range shardTraces {
		roots[i] = merkle.ShardActionRoot(traces)
	}
	return merkle.RootOfHashes(roots)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validateBlockHeader implements spec.md §4.H's validate_block_header.
func (a *Applier) validateBlockHeader(state *ChainState, b *types.Block, skip SkipFlags) error {
	if b.Header.PreviousID != state.Dynamic.HeadBlockID {
		return fmt.Errorf("blockapply: previous_id mismatch: %w", chainerr.ErrBlockValidate)
	}
	if state.Dynamic.HeadBlockNumber > 0 && !b.Header.Timestamp.After(time.Unix(state.Dynamic.Time, 0).UTC()) {
		return fmt.Errorf("blockapply: non-increasing timestamp: %w", chainerr.ErrBlockValidate)
	}
	startOfRound := b.Header.Height%uint64(a.blocksPerRound) == 0
	if b.Header.NewProducers != nil && !startOfRound {
		return fmt.Errorf("blockapply: new_producers outside start-of-round: %w", chainerr.ErrBlockValidate)
	}

	if !skip.ProducerScheduleCheck {
		slot := scheduler.GetSlotAtTime(state.Dynamic, a.genesisTime, a.blockInterval, b.Header.Timestamp)
		expected, ok := scheduler.GetScheduledProducer(state.Dynamic, &state.Global.ActiveProducers, a.blocksPerRound, a.producerRepetitions, slot)
		if !ok || expected != b.Header.Producer {
			return fmt.Errorf("blockapply: producer %q not scheduled for this slot: %w", b.Header.Producer, chainerr.ErrBlockValidate)
		}
	}

	if !skip.ProducerSignature {
		key, ok := a.producerKey(b.Header.Producer)
		if !ok {
			return fmt.Errorf("blockapply: unknown producer %q: %w", b.Header.Producer, chainerr.ErrUnknownAccount)
		}
		digest := merkle.BlockHeaderHash(&b.Header)
		if !a.verifySig(key, digest[:], b.Header.Signature) {
			return fmt.Errorf("blockapply: producer signature invalid: %w", chainerr.ErrBlockValidate)
		}
	}

	if !skip.MerkleCheck {
		gotRoot := merkle.TransactionMRoot(b.InputTransactions)
		if !bytesEqual(gotRoot[:], b.Header.TransactionMRoot) {
			return fmt.Errorf("blockapply: transaction_mroot mismatch: %w", chainerr.ErrBlockValidate)
		}
		wantBlockRoot := state.BlockMerkle.Root()
		if !bytesEqual(wantBlockRoot[:], b.Header.BlockMRoot) {
			return fmt.Errorf("blockapply: block_mroot mismatch: %w", chainerr.ErrBlockValidate)
		}
	}
	return nil
}

// finalizeBlock updates global/dynamic properties, refreshes the block
// summary ring, and prunes expired dedup entries (spec.md §4.H
// _finalize_block; pruning is SPEC_FULL.md §9 Open Question (b)).
func (a *Applier) finalizeBlock(state *ChainState, b *types.Block) {
	digest := merkle.BlockHeaderHash(&b.Header)
	id := hex.EncodeToString(digest[:])

	// missedBlocks counts slots skipped between the old head and this
	// block, relative to the *pre-update* schedule state (mirrors
	// chain_controller.cpp's update_global_dynamic_data: missed_blocks is
	// computed, and missed producers charged, before current_absolute_slot
	// itself advances).
	rawSlot := uint64(1)
	if state.Dynamic.HeadBlockNumber > 0 {
		rawSlot = scheduler.GetSlotAtTime(state.Dynamic, a.genesisTime, a.blockInterval, b.Header.Timestamp)
	}
	if rawSlot == 0 {
		rawSlot = 1
	}
	missedBlocks := rawSlot - 1

	for i := uint64(0); i < missedBlocks; i++ {
		missedName, ok := scheduler.GetScheduledProducer(state.Dynamic, &state.Global.ActiveProducers, a.blocksPerRound, a.producerRepetitions, i+1)
		if ok && missedName != b.Header.Producer && a.recordMissedProducer != nil {
			a.recordMissedProducer(missedName)
		}
	}

	state.Dynamic.HeadBlockNumber = b.Header.Height
	state.Dynamic.HeadBlockID = id
	state.Dynamic.Time = b.Header.Timestamp.Unix()
	state.Dynamic.CurrentProducer = b.Header.Producer
	state.Dynamic.CurrentAbsoluteSlot += missedBlocks + 1

	// recent_slots_filled: shift in a 1 for this produced slot, then a 0
	// for each missed slot before it; a gap too large for the bitmap just
	// resets it, matching the original's sizeof(recent_slots_filled)*8
	// guard.
	if missedBlocks < 64 {
		state.Dynamic.RecentSlotsFilled <<= 1
		state.Dynamic.RecentSlotsFilled++
		state.Dynamic.RecentSlotsFilled <<= missedBlocks
	} else {
		state.Dynamic.RecentSlotsFilled = 0
	}

	a.participation.RecordSlot(state.Dynamic.CurrentAbsoluteSlot, missedBlocks)

	state.Ring.Set(b.Header.Height, id)

	root := state.BlockMerkle.Append(digest)
	state.Dynamic.BlockMerkleRoot = root[:]

	if a.recordProducerConfirmed != nil {
		a.recordProducerConfirmed(b.Header.Producer, state.Dynamic.CurrentAbsoluteSlot, b.Header.Height)
	}

	if b.Header.NewProducers != nil {
		recordPendingSchedule(state.Global, b.Header.Height, *b.Header.NewProducers)
	}

	a.txApplier.PruneExpired(b.Header.Timestamp.Add(-2 * a.forkingWindow()))

	if !a.replaying {
		logs.Info("[blockapply] applied block %d (%s) by %s", b.Header.Height, id, b.Header.Producer)
	}
}

// recordPendingSchedule enqueues a block's new_producers header field onto
// global.PendingActiveProducers, activated later by AdvanceIrreversibility
// once the block carrying it passes last_irreversible_block_num (spec.md
// §4.H; grounded on chain_controller.cpp's update_global_dynamic_data,
// which updates the tail entry in place if it already targets this block
// number rather than pushing a duplicate).
func recordPendingSchedule(global *types.GlobalProperties, height uint64, schedule types.ProducerSchedule) {
	n := len(global.PendingActiveProducers)
	if n > 0 && global.PendingActiveProducers[n-1].ActivationBlock == height {
		global.PendingActiveProducers[n-1].Schedule = schedule
		return
	}
	global.PendingActiveProducers = append(global.PendingActiveProducers, types.PendingProducerSchedule{
		ActivationBlock: height,
		Schedule:        schedule,
	})
}

// FinalizeGenerated finalizes a block this node produced itself: the same
// global/dynamic property update finalizeBlock performs for an externally
// applied block, without re-executing any transaction (a self-generated
// block's transactions were already executed and squashed into the
// pending-block session one at a time as they were pushed; replaying them
// again here would double-apply their side effects and reject them as
// duplicates). Grounded on chain_controller.cpp's generate_block, which
// calls _finalize_block directly rather than routing back through
// _apply_block.
func (a *Applier) FinalizeGenerated(state *ChainState, b *types.Block, revision uint64) {
	a.finalizeBlock(state, b)
	a.recordRevision(b.Header.Height, revision)
}

func (a *Applier) forkingWindow() time.Duration {
	return time.Duration(a.blocksPerRound) * a.blockInterval
}

// AdvanceIrreversibility recomputes last_irreversible_block_num from the
// confirmation heights of the active producer set, appends newly
// irreversible blocks to the block log, commits the store, activates any
// pending schedule whose activation height has passed, and resizes the
// fork DB window (spec.md §4.H "Irreversibility").
func (a *Applier) AdvanceIrreversibility(state *ChainState, lastConfirmed map[string]uint32) error {
	l := len(state.Global.ActiveProducers.Producers)
	if l == 0 {
		return nil
	}
	confirmations := make([]uint32, 0, l)
	for _, p := range state.Global.ActiveProducers.Producers {
		confirmations = append(confirmations, lastConfirmed[p.ProducerName])
	}
	sortUint32(confirmations)

	idx := (a.percent100 - a.irreversibleThresholdPercent) * l / a.percent100
	if idx >= len(confirmations) {
		idx = len(confirmations) - 1
	}
	newLIB := uint64(confirmations[idx])
	if newLIB <= state.Dynamic.LastIrreversibleBlockNum {
		return nil
	}

	for h := state.Dynamic.LastIrreversibleBlockNum + 1; h <= newLIB; h++ {
		item, ok := a.forkDB.Get(blockIDAtHeight(a.forkDB, h))
		if !ok {
			continue
		}
		if _, err := a.log.Append(item.Block); err != nil {
			return err
		}
	}
	state.Dynamic.LastIrreversibleBlockNum = newLIB
	if rev, ok := a.revisionForHeight(newLIB); ok {
		a.mgr.Commit(rev)
	} else {
		logs.Error("[blockapply] advance irreversibility: no recorded store revision for height %d, store history left undiscarded", newLIB)
	}
	a.forgetRevisionsBelow(newLIB)

	var activated *types.PendingProducerSchedule
	remaining := state.Global.PendingActiveProducers[:0:0]
	for _, p := range state.Global.PendingActiveProducers {
		if p.ActivationBlock < newLIB {
			sched := p
			activated = &sched
		} else {
			remaining = append(remaining, p)
		}
	}
	if activated != nil {
		state.Global.ActiveProducers = activated.Schedule
	}
	state.Global.PendingActiveProducers = remaining

	a.forkDB.PruneBelow(newLIB)
	return nil
}

func blockIDAtHeight(fdb *forkdb.ForkDB, height uint64) string {
	items := fdb.BlocksAtHeight(height)
	if len(items) == 0 {
		return ""
	}
	return items[0].ID
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Replay reapplies every block from the block log from height 1 through
// its head, with aggressive skips, bringing the in-memory chain state up
// to date on process restart (spec.md §4.H "Replay").
func (a *Applier) Replay(state *ChainState, headHeight uint64) error {
	a.replaying = true
	defer func() { a.replaying = false }()

	logHead, ok, err := a.log.LatestHeight()
	if err != nil {
		return err
	}
	if !ok || logHead <= headHeight {
		return nil
	}
	logs.Info("[blockapply] replaying blocks %d..%d", headHeight+1, logHead)
	for h := headHeight + 1; h <= logHead; h++ {
		b, ok, err := a.log.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("blockapply: replay read height %d: %w", h, err)
		}
		if !ok {
			return fmt.Errorf("blockapply: replay: missing block at height %d: %w", h, chainerr.ErrCorruptLog)
		}
		session := a.mgr.StartUndoSession(true)
		if err := a.applyBlock(session, state, b, Everything()); err != nil {
			session.Undo()
			return fmt.Errorf("blockapply: replay block %d: %w", h, err)
		}
		if err := session.Push(); err != nil {
			return err
		}
		id := merkle.BlockID(&b.Header)
		item := &types.ForkItem{Block: b, ID: id, Num: b.Header.Height, PreviousID: b.Header.PreviousID}
		if err := a.forkDB.PushBlock(item); err != nil {
			return fmt.Errorf("blockapply: replay forkdb insert at %d: %w", h, err)
		}
		if err := a.forkDB.SetHead(id); err != nil {
			return fmt.Errorf("blockapply: replay forkdb set head at %d: %w", h, err)
		}
	}
	if logHead > state.Dynamic.LastIrreversibleBlockNum {
		state.Dynamic.LastIrreversibleBlockNum = logHead // everything replayed came from the durable log, so it is irreversible by construction
	}
	logs.Info("[blockapply] replay complete at height %d", logHead)
	return nil
}

// SetReplaying directly toggles the _currently_replaying_blocks flag,
// exposed for the controller to suppress per-block logging around any
// block application it drives outside of Replay itself.
func (a *Applier) SetReplaying(v bool) { a.replaying = v }

// IsReplaying reports whether the applier is currently suppressing
// verbose applied-block logging.
func (a *Applier) IsReplaying() bool { return a.replaying }
