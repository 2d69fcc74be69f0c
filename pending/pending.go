// Package pending assembles the in-progress block: cycles, shards, and
// action traces, plus the scheduling discipline that decides which shard
// a transaction's scopes may land in (spec.md §4.F). Grounded on the
// teacher's consensus/pending_block_buffer.go mutex-guarded-state-struct
// style, repurposed from inbound inter-block buffering to outbound
// intra-block cycle/shard scheduling.
package pending

import (
	"fmt"
	"sync"

	"chainctl/merkle"
	"chainctl/store"
	"chainctl/types"
)

// State names the pending-builder's position in the spec's state machine.
type State int

const (
	Idle State = iota
	HasBlock
)

// cycleState accumulates shards for one cycle in progress.
type cycleState struct {
	shards        []shardState
	writeScopeOf  map[string]int // scope -> shard index that owns it
}

type shardState struct {
	receipts []types.TransactionReceipt
	traces   []*types.ActionTrace
}

func newCycleState() *cycleState {
	return &cycleState{writeScopeOf: make(map[string]int)}
}

// schedule places a transaction's scopes into a shard, per spec.md §4.F:
// write-scopes are exclusive across shards in a cycle, read-scopes are
// shared. Returns the shard index, or -1 if placement requires a new
// cycle (a write-scope collision with an existing shard other than the
// one the rest of this transaction's scopes already committed to).
func (c *cycleState) schedule(tx *types.SignedTransaction) int {
	target := -1
	for _, scope := range tx.WriteScope {
		if shardIdx, used := c.writeScopeOf[scope]; used {
			if target == -1 {
				target = shardIdx
			} else if target != shardIdx {
				return -1
			}
		}
	}
	if target == -1 {
		target = len(c.shards)
		c.shards = append(c.shards, shardState{})
	}
	for _, scope := range tx.WriteScope {
		if _, used := c.writeScopeOf[scope]; !used {
			c.writeScopeOf[scope] = target
		} else if c.writeScopeOf[scope] != target {
			return -1
		}
	}
	return target
}

// regionState accumulates cycles for one region.
type regionState struct {
	regionID uint32
	cycles   []types.Cycle
}

// Builder holds the single in-progress block and its assembly state.
type Builder struct {
	mu sync.Mutex

	state   State
	session *store.Session

	height     uint64
	previousID string
	producer   string

	regions     []regionState
	curRegion   int
	curCycle    *cycleState
	inputTxs    []*types.SignedTransaction
	deferredTxs []*types.SignedTransaction

	blockTrace []types.Cycle // cycle summaries finalized so far, current region

	// cycleActionRoots holds one per-shard root slice per finalized cycle
	// in the current region, kept alongside regions/cycles so the
	// controller can roll them up into the block's action_mroot once the
	// trailing cycle is finalized, without re-deriving traces already
	// discarded by finalizeCycleLocked.
	cycleActionRoots [][]merkle.Hash
}

// NewBuilder returns an idle pending builder.
func NewBuilder() *Builder {
	return &Builder{state: Idle}
}

// State returns the builder's current state-machine position.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StartPendingBlock opens a new in-progress block nested under session,
// transitioning IDLE -> HAS_BLOCK(cycle=0, shard=0).
func (b *Builder) StartPendingBlock(session *store.Session, height uint64, previousID, producer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Idle {
		return fmt.Errorf("pending: start_pending_block called while a block is already in progress")
	}
	b.session = session
	b.height = height
	b.previousID = previousID
	b.producer = producer
	b.regions = []regionState{{regionID: 0}}
	b.curRegion = 0
	b.curCycle = newCycleState()
	b.inputTxs = nil
	b.deferredTxs = nil
	b.blockTrace = nil
	b.cycleActionRoots = nil
	b.state = HasBlock
	return nil
}

// Height returns the height of the in-progress block, or 0 if idle.
func (b *Builder) Height() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height
}

// Session returns the open pending-block session, or nil if idle.
func (b *Builder) Session() *store.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// ScheduleTransaction places tx into the current cycle, finalizing and
// starting a new cycle first if placement requires it (spec.md §4.F: the
// controller responds to -1 by finalizing the current cycle and
// restarting scheduling).
func (b *Builder) ScheduleTransaction(tx *types.SignedTransaction) (shardIndex int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HasBlock {
		return 0, fmt.Errorf("pending: schedule_transaction called with no pending block")
	}

	idx := b.curCycle.schedule(tx)
	if idx == -1 {
		if err := b.finalizeCycleLocked(); err != nil {
			return 0, err
		}
		b.curCycle = newCycleState()
		idx = b.curCycle.schedule(tx)
		if idx == -1 {
			return 0, fmt.Errorf("pending: transaction cannot be scheduled even in a fresh cycle")
		}
	}
	return idx, nil
}

// RecordReceipt appends receipt and its action traces to shardIndex of the
// current cycle, and keeps the transaction in the block's input list.
func (b *Builder) RecordReceipt(shardIndex int, receipt types.TransactionReceipt, traces []*types.ActionTrace, tx *types.SignedTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HasBlock {
		return fmt.Errorf("pending: record_receipt called with no pending block")
	}
	if shardIndex < 0 || shardIndex >= len(b.curCycle.shards) {
		return fmt.Errorf("pending: record_receipt: shard index %d out of range", shardIndex)
	}
	shard := &b.curCycle.shards[shardIndex]
	shard.receipts = append(shard.receipts, receipt)
	shard.traces = append(shard.traces, traces...)
	b.inputTxs = append(b.inputTxs, tx)
	for _, t := range traces {
		b.deferredTxs = append(b.deferredTxs, t.GeneratedTransactions...)
	}
	return nil
}

// finalizeCycleLocked computes each shard's action Merkle root, appends
// the cycle summary to the current region, and emits deferred
// transactions — the caller must hold b.mu.
func (b *Builder) finalizeCycleLocked() error {
	if len(b.curCycle.shards) == 0 {
		return nil
	}
	cycle := types.Cycle{Shards: make([]types.Shard, len(b.curCycle.shards))}
	roots := make([]merkle.Hash, len(b.curCycle.shards))
	for i, s := range b.curCycle.shards {
		cycle.Shards[i] = types.Shard{Receipts: append([]types.TransactionReceipt(nil), s.receipts...)}
		roots[i] = merkle.ShardActionRoot(s.traces)
	}
	b.regions[b.curRegion].cycles = append(b.regions[b.curRegion].cycles, cycle)
	b.cycleActionRoots = append(b.cycleActionRoots, roots)
	return nil
}

// ActionRoots returns the per-shard action-trace roots of every finalized
// cycle in the current region, in cycle order — the input GenerateBlock
// rolls up via merkle.ActionMRoot into the block's action_mroot.
func (b *Builder) ActionRoots() [][]merkle.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]merkle.Hash(nil), b.cycleActionRoots...)
}

// CycleIndex returns the index the currently open (not yet finalized)
// cycle will have once finalized, i.e. the count of cycles already
// finalized in the current region.
func (b *Builder) CycleIndex() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(len(b.regions[b.curRegion].cycles))
}

// RegionID returns the region id transactions are currently being
// scheduled into.
func (b *Builder) RegionID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regions[b.curRegion].regionID
}

// FinalizeCycle finalizes the currently open cycle (used by
// GenerateBlock/finalize_block, which always closes out the trailing
// cycle even if it was never forced open by a scope conflict).
func (b *Builder) FinalizeCycle() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalizeCycleLocked()
}

// Regions returns the finalized region/cycle summaries assembled so far.
func (b *Builder) Regions() []types.Region {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Region, len(b.regions))
	for i, r := range b.regions {
		out[i] = types.Region{RegionID: r.regionID, CyclesSummary: append([]types.Cycle(nil), r.cycles...)}
	}
	return out
}

// InputTransactions returns every transaction accepted into the pending
// block so far, in acceptance order.
func (b *Builder) InputTransactions() []*types.SignedTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.SignedTransaction(nil), b.inputTxs...)
}

// ShardTraces returns the action traces recorded for one shard of the
// currently open cycle, used by the caller to compute the block's
// action_mroot once every cycle has been finalized.
func (b *Builder) ShardTraces() [][]*types.ActionTrace {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]*types.ActionTrace, len(b.curCycle.shards))
	for i, s := range b.curCycle.shards {
		out[i] = s.traces
	}
	return out
}

// ClearPending rolls back to IDLE, undoing the pending-block session.
func (b *Builder) ClearPending() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Idle {
		return nil
	}
	var err error
	if b.session != nil {
		err = b.session.Undo()
	}
	b.reset()
	return err
}

// FinalizeBlock commits the pending-block session (the caller is
// responsible for pushing it into the trunk's undo history beforehand via
// Session.Push) and transitions back to IDLE.
func (b *Builder) FinalizeBlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Builder) reset() {
	b.state = Idle
	b.session = nil
	b.curCycle = nil
	b.regions = nil
	b.inputTxs = nil
	b.deferredTxs = nil
}

// DeferredTransactions returns every transaction generated during
// execution of the pending block so far (spec.md §4.F: "emits deferred
// transactions into the generated-transaction table"). The caller (the
// controller, on GenerateBlock) persists these into its own
// generated-transaction table; SPEC_FULL.md §9 Open Question (a) still
// stands for scheduling, though: a deferred transaction is recorded, not
// re-injected into this builder's own cycle scheduling, matching the
// original source's own unresolved TODO.
func (b *Builder) DeferredTransactions() []*types.SignedTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.SignedTransaction(nil), b.deferredTxs...)
}
