// Package controller is the chain controller's public API: the single
// write-locked entry point that wires the block log, fork DB, versioned
// store, authority checker, scheduler, pending-block builder, transaction
// applier, and block applier into one coherent object (spec.md §4.I).
// Grounded on the teacher's consensus/realManager.go ConsensusNodeManager:
// a struct holding a reference to every subsystem, behind a flat set of
// lifecycle methods and read accessors, with every mutating call going
// through the same write-lock discipline.
package controller

import (
	"encoding/hex"
	"fmt"
	"time"

	"chainctl/authority"
	"chainctl/blockapply"
	"chainctl/blocklog"
	"chainctl/chainerr"
	"chainctl/config"
	"chainctl/crypto"
	"chainctl/forkdb"
	"chainctl/logs"
	"chainctl/merkle"
	"chainctl/pending"
	"chainctl/scheduler"
	"chainctl/stats"
	"chainctl/store"
	"chainctl/txapply"
	"chainctl/types"
	"chainctl/wire"
)

// SkipFlags is the controller-wide skip bitfield (spec.md §6), narrowed to
// the subsets blockapply and txapply each actually consume at the call
// sites below. TransactionSignatures has no effect distinct from
// AuthorityCheck in this implementation: txapply recovers signer keys and
// checks authorization in the same step, so skipping one skips both — a
// simplification over the spec's finer-grained bit, recorded in
// DESIGN.md.
type SkipFlags struct {
	ProducerSignature     bool
	TransactionSignatures bool
	TransactionDupeCheck  bool
	ForkDB                bool
	TaposCheck            bool
	AuthorityCheck        bool
	MerkleCheck           bool
	ProducerScheduleCheck bool
	ScopeCheck            bool
	ReceivedBlock         bool
}

func (s SkipFlags) toBlockApply() blockapply.SkipFlags {
	return blockapply.SkipFlags{
		ProducerSignature:     s.ProducerSignature,
		TransactionSignatures: s.TransactionSignatures,
		TransactionDupeCheck:  s.TransactionDupeCheck,
		ForkDB:                s.ForkDB,
		TaposCheck:            s.TaposCheck,
		AuthorityCheck:        s.AuthorityCheck || s.TransactionSignatures,
		MerkleCheck:           s.MerkleCheck,
		ProducerScheduleCheck: s.ProducerScheduleCheck,
		ScopeCheck:            s.ScopeCheck,
		ReceivedBlock:         s.ReceivedBlock,
	}
}

func (s SkipFlags) toTxApply() txapply.SkipFlags {
	return txapply.SkipFlags{
		AuthorityCheck:       s.AuthorityCheck || s.TransactionSignatures,
		TransactionDupeCheck: s.TransactionDupeCheck,
		TaposCheck:           s.TaposCheck,
	}
}

// ProducerVotesLookup returns the current stake-weighted vote tally for
// every producer candidate. On-chain staking/voting is an explicit
// out-of-scope collaborator (spec.md §1/§6); the controller only consumes
// the tallies it's handed at start-of-round, it never computes them. A
// nil lookup disables schedule recalculation — the active schedule simply
// never changes.
type ProducerVotesLookup func() []scheduler.VoteTally

// Genesis seeds the very first block's predecessor state.
type Genesis struct {
	Time      time.Time
	Producers types.ProducerSchedule
}

// Deps bundles the collaborators New needs beyond cfg/chainID/genesis:
// the transaction handler registry and the authority/account lookups
// transactions are checked against (spec.md §4.D/§4.G), plus the optional
// producer-vote source GenerateBlock consults at start-of-round.
type Deps struct {
	Registry      *txapply.Registry
	AccountExists txapply.AccountLookup
	PermLookup    authority.PermissionLookup
	Links         []types.PermissionLink
	ProducerVotes ProducerVotesLookup

	// RecordMissedProducer and RecordProducerConfirmed are optional hooks
	// into the external producer/voting registry (spec.md §1/§6), fired by
	// blockapply on every finalized block to keep a producer's
	// total_missed/last_confirmed_block_num/last_aslot bookkeeping current.
	// Nil disables the corresponding bookkeeping.
	RecordMissedProducer    blockapply.MissedProducerRecorder
	RecordProducerConfirmed blockapply.ProducerConfirmationRecorder
}

// Controller orchestrates every chain-controller subsystem behind a single
// write-locked public API (spec.md §4.I, §5).
type Controller struct {
	mgr       *store.Manager
	forkDB    *forkdb.ForkDB
	log       *blocklog.Log
	txApplier *txapply.Applier
	applier   *blockapply.Applier
	pending   *pending.Builder

	// generatedTxs is the generated-transaction table (spec.md §4.F): every
	// deferred transaction produced during block application or generation
	// lands here, keyed by its own transaction id. Grounded on the
	// teacher's db.Manager-backed tables, generalized via store.Table.
	generatedTxs *store.Table[types.SignedTransaction]

	state *blockapply.ChainState

	chainID  []byte
	chainCfg config.ChainConfig

	permLookup    authority.PermissionLookup
	maxAuthDepth  int
	producerVotes ProducerVotesLookup

	genesisTime   time.Time
	blockInterval time.Duration

	callStats *stats.Stats

	// OnPendingTransaction is an optional, best-effort notification hook
	// fired after a transaction is accepted into the pending block
	// (spec.md §6's on_pending_transaction signal). The controller never
	// depends on it for correctness.
	OnPendingTransaction func(*types.TransactionTrace)
}

// New wires every subsystem (A-H) into a Controller and replays any
// blocks the durable log holds beyond the in-memory chain state's head,
// bringing a restarted process back up to date (spec.md §4.H "Replay"),
// mirroring the teacher's InitConsensusManagerWithSimulation constructing
// and assembling every subsystem in one place.
func New(mgr *store.Manager, cfg *config.Config, chainID []byte, genesis Genesis, deps Deps) (*Controller, error) {
	fdb, err := forkdb.New(cfg.ForkDB.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("controller: new fork db: %w", err)
	}
	log := blocklog.Open(mgr)
	txApplier := txapply.NewApplier(deps.Registry, deps.AccountExists, deps.PermLookup, deps.Links, cfg.Chain.MaxAuthorityDepth, cfg.Chain.MaxTransactionLifetime)

	c := &Controller{
		mgr:           mgr,
		forkDB:        fdb,
		log:           log,
		txApplier:     txApplier,
		pending:       pending.NewBuilder(),
		chainID:       chainID,
		chainCfg:      cfg.Chain,
		permLookup:    deps.PermLookup,
		maxAuthDepth:  cfg.Chain.MaxAuthorityDepth,
		producerVotes: deps.ProducerVotes,
		genesisTime:   genesis.Time,
		blockInterval: time.Duration(cfg.Chain.BlockIntervalMS) * time.Millisecond,
		callStats:     stats.NewStats(),
		state: &blockapply.ChainState{
			Global:      &types.GlobalProperties{ActiveProducers: genesis.Producers},
			Dynamic:     &types.DynamicGlobalProperties{},
			Ring:        types.NewBlockSummaryRing(""),
			BlockMerkle: merkle.NewIncremental(),
		},
	}

	c.generatedTxs = store.NewTable(mgr, "generated_tx", store.Codec[types.SignedTransaction]{
		Encode: func(tx *types.SignedTransaction) []byte {
			raw, err := wire.EncodeGeneratedTransaction(tx)
			if err != nil {
				// Encode only fails on a gob-incompatible value, which never
				// happens for a plain data struct; treat it the same way the
				// teacher's codecs treat an impossible encode error.
				panic(fmt.Sprintf("controller: encode generated transaction: %v", err))
			}
			return raw
		},
		Decode: wire.DecodeGeneratedTransaction,
	}, merkle.TransactionID)

	c.applier = blockapply.New(mgr, fdb, log, txApplier, c.producerKey, c.verifySig, chainID, blockapply.Config{
		BlocksPerRound:               cfg.Chain.BlocksPerRound,
		ProducerRepetitions:          cfg.Chain.ProducerRepetitions,
		IrreversibleThresholdPercent: cfg.Chain.IrreversibleThresholdPercent,
		Percent100:                   cfg.Chain.Percent100,
		GenesisTime:                  genesis.Time,
		BlockInterval:                c.blockInterval,
		RecordMissedProducer:         deps.RecordMissedProducer,
		RecordProducerConfirmed:      deps.RecordProducerConfirmed,
		RecordGeneratedTxs:           c.recordGeneratedTransactions,
	})

	if err := c.applier.Replay(c.state, c.state.Dynamic.HeadBlockNumber); err != nil {
		return nil, fmt.Errorf("controller: replay at startup: %w", err)
	}
	return c, nil
}

// producerKey resolves a producer name against the currently active
// schedule, the ProducerKeyLookup blockapply needs for signature checks.
func (c *Controller) producerKey(name string) ([]byte, bool) {
	for _, p := range c.state.Global.ActiveProducers.Producers {
		if p.ProducerName == name {
			return p.SigningKey, true
		}
	}
	return nil, false
}

// verifySig adapts crypto's recover-then-compare primitive into the
// SignatureVerifier shape blockapply needs: these are recoverable
// signatures, so "verify" means recovering the signer and checking it
// against the claimed key, not a separate verification primitive.
func (c *Controller) verifySig(pubKey, digest, sig []byte) bool {
	recovered, err := crypto.RecoverCompact(sig, digest)
	if err != nil {
		return false
	}
	return bytesEqual(recovered, pubKey)
}

// recordGeneratedTransactions persists every deferred transaction produced
// by a finalized block into the generated-transaction table, upserting so a
// replay that regenerates the same transaction id doesn't fail on the
// table's duplicate-primary-key check (spec.md §4.F).
func (c *Controller) recordGeneratedTransactions(txs []*types.SignedTransaction) {
	for _, tx := range txs {
		if err := c.generatedTxs.Insert(tx); err != nil {
			if err := c.generatedTxs.Modify(tx); err != nil {
				logs.Error("[controller] record generated transaction %s: %v", merkle.TransactionID(tx), err)
			}
		}
	}
}

// GeneratedTransaction looks up a previously recorded deferred transaction
// by its id (spec.md §4.F).
func (c *Controller) GeneratedTransaction(id string) (*types.SignedTransaction, bool, error) {
	return c.generatedTxs.Get(id)
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

// startPendingBlockLocked opens a new pending block nested under a fresh
// trunk-level session, transitioning IDLE -> HAS_BLOCK (spec.md §4.F). The
// caller must already hold the write lock.
func (c *Controller) startPendingBlockLocked() error {
	session := c.mgr.StartUndoSession(true)
	if err := c.pending.StartPendingBlock(session, c.state.Dynamic.HeadBlockNumber+1, c.state.Dynamic.HeadBlockID, ""); err != nil {
		session.Undo()
		return err
	}
	return nil
}

// PushBlock applies an externally-sourced block, switching forks if it
// extends a longer branch (spec.md §4.H). Grounded on
// chain_controller.cpp's push_block wrapping ("without_pending_transactions"):
// any pending block in progress is discarded first — it was assembled
// against chain state this external block may now invalidate — and is not
// reconstructed afterward; the node simply starts a fresh pending block
// the next time it needs one (DESIGN.md, Open Question (d)).
func (c *Controller) PushBlock(b *types.Block, skip SkipFlags) (bool, error) {
	c.callStats.RecordAPICall("push_block")
	var switched bool
	err := c.mgr.WithWriteLock(func() error {
		if c.pending.State() != pending.Idle {
			if err := c.pending.ClearPending(); err != nil {
				return err
			}
		}
		var err error
		switched, err = c.applier.PushBlock(c.state, b, skip.toBlockApply())
		return err
	})
	return switched, err
}

// PushTransaction runs the 7-step push_transaction workflow of spec.md
// §4.G: auto-starting a pending block if none is open, scheduling the
// transaction into a shard, executing it under a nested session, and on
// success folding that session into the pending block's session and
// recording its receipt; on failure the nested session is rolled back and
// the error propagated with no receipt recorded, while the shard placement
// made when the transaction was scheduled stays in the pending block.
func (c *Controller) PushTransaction(tx *types.SignedTransaction, skip SkipFlags) (*types.TransactionTrace, error) {
	c.callStats.RecordAPICall("push_transaction")
	var trace *types.TransactionTrace
	err := c.mgr.WithWriteLock(func() error {
		if c.pending.State() == pending.Idle {
			if err := c.startPendingBlockLocked(); err != nil {
				return err
			}
		}

		shardIdx, err := c.pending.ScheduleTransaction(tx)
		if err != nil {
			return err
		}

		regionID := c.pending.RegionID()
		cycleIdx := c.pending.CycleIndex()
		temp := c.mgr.StartUndoSession(true)
		t, applyErr := c.txApplier.Apply(temp, c.chainID, c.state.Ring, time.Now().UTC(), regionID, cycleIdx, uint32(shardIdx), tx, skip.toTxApply())
		if applyErr != nil {
			if uerr := temp.Undo(); uerr != nil {
				return uerr
			}
			return applyErr
		}
		if err := temp.Squash(); err != nil {
			return err
		}

		traces := make([]*types.ActionTrace, len(t.ActionTraces))
		for i := range t.ActionTraces {
			traces[i] = &t.ActionTraces[i]
		}
		if err := c.pending.RecordReceipt(shardIdx, types.TransactionReceipt{ID: t.ID, Status: t.Status}, traces, tx); err != nil {
			return err
		}

		trace = t
		if c.OnPendingTransaction != nil {
			c.OnPendingTransaction(t)
		}
		return nil
	})
	return trace, err
}

// GenerateBlock assembles and signs a new block from the pending block's
// accumulated cycles/shards (spec.md §4.H "Generation"). Unlike PushBlock,
// it does not replay transactions through the block applier: they were
// already executed and committed one at a time as PushTransaction accepted
// them, so GenerateBlock only finalizes global/dynamic state the same way
// applying this block from the outside would (blockapply.FinalizeGenerated).
func (c *Controller) GenerateBlock(when time.Time, producer string, signer *crypto.PrivateKey, skip SkipFlags) (*types.Block, error) {
	c.callStats.RecordAPICall("generate_block")
	var block *types.Block
	err := c.mgr.WithWriteLock(func() error {
		if !skip.ProducerScheduleCheck {
			slot := scheduler.GetSlotAtTime(c.state.Dynamic, c.genesisTime, c.blockInterval, when)
			expected, ok := scheduler.GetScheduledProducer(c.state.Dynamic, &c.state.Global.ActiveProducers, c.chainCfg.BlocksPerRound, c.chainCfg.ProducerRepetitions, slot)
			if !ok || expected != producer {
				return fmt.Errorf("controller: generate_block: %q is not scheduled to produce this slot: %w", producer, chainerr.ErrBlockValidate)
			}
		}

		if c.pending.State() == pending.Idle {
			if err := c.startPendingBlockLocked(); err != nil {
				return err
			}
		}
		if err := c.pending.FinalizeCycle(); err != nil {
			return err
		}

		height := c.pending.Height()
		header := types.BlockHeader{
			Height:     height,
			PreviousID: c.state.Dynamic.HeadBlockID,
			Timestamp:  when,
			Producer:   producer,
		}

		actionRoot := merkle.ActionMRoot([][][]merkle.Hash{c.pending.ActionRoots()})
		header.ActionMRoot = actionRoot[:]

		inputTxs := c.pending.InputTransactions()
		txRoot := merkle.TransactionMRoot(inputTxs)
		header.TransactionMRoot = txRoot[:]

		blockRoot := c.state.BlockMerkle.Root()
		header.BlockMRoot = blockRoot[:]

		if height%uint64(c.chainCfg.BlocksPerRound) == 0 && c.producerVotes != nil {
			next := scheduler.CalculateProducerSchedule(c.state.Global.ActiveProducers, c.producerVotes(), c.chainCfg.ProducerCount)
			if next.Version != c.state.Global.ActiveProducers.Version {
				header.NewProducers = &next
			}
		}

		if !skip.ProducerSignature {
			if signer == nil {
				return fmt.Errorf("controller: generate_block: producer signature required but no signing key supplied")
			}
			digest := merkle.BlockHeaderHash(&header)
			sig, err := signer.Sign(digest[:])
			if err != nil {
				return fmt.Errorf("controller: generate_block: sign header: %w", err)
			}
			header.Signature = sig
		}

		block = &types.Block{
			Header:            header,
			Regions:           c.pending.Regions(),
			InputTransactions: inputTxs,
		}

		session := c.pending.Session()
		if session == nil {
			return fmt.Errorf("controller: generate_block: no pending session to finalize")
		}
		revision := session.Revision()
		// Recorded while the pending-block session is still the innermost
		// open session, so these writes are journaled into it and unwound
		// by PopBlock the same as every other store mutation this block
		// made (spec.md §4.F).
		c.recordGeneratedTransactions(c.pending.DeferredTransactions())
		if err := session.Push(); err != nil {
			return err
		}
		c.pending.FinalizeBlock()

		if !skip.ForkDB {
			id := merkle.BlockID(&header)
			item := &types.ForkItem{Block: block, ID: id, Num: height, PreviousID: header.PreviousID}
			if err := c.forkDB.PushBlock(item); err != nil {
				return err
			}
			if err := c.forkDB.SetHead(id); err != nil {
				return err
			}
		}

		c.applier.FinalizeGenerated(c.state, block, revision)
		return nil
	})
	return block, err
}

// PopBlock un-applies the current head block, restoring the chain to its
// parent (spec.md §4.H "pop_block"). Any pending block in progress is
// discarded first, since it was built on top of the block being popped.
func (c *Controller) PopBlock() error {
	c.callStats.RecordAPICall("pop_block")
	return c.mgr.WithWriteLock(func() error {
		if c.pending.State() != pending.Idle {
			if err := c.pending.ClearPending(); err != nil {
				return err
			}
		}
		item, err := c.forkDB.PopBlock()
		if err != nil {
			return err
		}
		if err := c.mgr.Undo(); err != nil {
			return err
		}

		c.state.Dynamic.HeadBlockNumber = item.Num - 1
		c.state.Dynamic.HeadBlockID = item.PreviousID
		if item.PreviousID == "" {
			c.state.Dynamic.Time = 0
			c.state.Dynamic.CurrentProducer = ""
			return nil
		}
		if parent, ok := c.forkDB.Get(item.PreviousID); ok {
			c.state.Dynamic.Time = parent.Block.Header.Timestamp.Unix()
			c.state.Dynamic.CurrentProducer = parent.Block.Header.Producer
		}
		return nil
	})
}

// ClearPending rolls the in-progress pending block back to IDLE without
// touching anything already irreversible (spec.md §4.F).
func (c *Controller) ClearPending() error {
	return c.mgr.WithWriteLock(func() error {
		return c.pending.ClearPending()
	})
}

// Replay catches the in-memory chain state up to the durable block log's
// head, used after an external restore of the log (spec.md §4.H).
func (c *Controller) Replay() error {
	return c.mgr.WithWriteLock(func() error {
		return c.applier.Replay(c.state, c.state.Dynamic.HeadBlockNumber)
	})
}

// AddCheckpoints merges a set of known-good block ids by height, forcing
// Everything() skips at or below the highest checkpoint (spec.md §6).
func (c *Controller) AddCheckpoints(cps map[uint64]string) {
	c.applier.AddCheckpoints(cps)
}

// AdvanceIrreversibility recomputes last_irreversible_block_num from each
// active producer's last confirmed height and commits/prunes accordingly
// (spec.md §4.H "Irreversibility").
func (c *Controller) AdvanceIrreversibility(lastConfirmed map[string]uint32) error {
	return c.mgr.WithWriteLock(func() error {
		return c.applier.AdvanceIrreversibility(c.state, lastConfirmed)
	})
}

// APICallStats returns the number of times each mutating entry point
// (push_block, push_transaction, generate_block, pop_block) has been
// called, for operational monitoring. Grounded on the teacher's api_stats
// call-counter, repurposed from HTTP endpoint names to controller entry
// points.
func (c *Controller) APICallStats() map[string]uint64 {
	return c.callStats.GetAPICallStats()
}

// ParticipationRate returns the fraction of the last 64 slots that
// produced a block (SPEC_FULL.md §3 supplement).
func (c *Controller) ParticipationRate() float64 {
	return c.applier.ParticipationRate()
}

// HeadBlockNum returns the current head's height.
func (c *Controller) HeadBlockNum() uint64 { return c.state.Dynamic.HeadBlockNumber }

// HeadBlockID returns the current head's content-address.
func (c *Controller) HeadBlockID() string { return c.state.Dynamic.HeadBlockID }

// HeadBlockTime returns the current head's timestamp.
func (c *Controller) HeadBlockTime() time.Time {
	return time.Unix(c.state.Dynamic.Time, 0).UTC()
}

// HeadBlockProducer returns the name of the head block's producer.
func (c *Controller) HeadBlockProducer() string { return c.state.Dynamic.CurrentProducer }

// LastIrreversibleBlockNum returns the highest height guaranteed never to
// be popped by a fork switch.
func (c *Controller) LastIrreversibleBlockNum() uint64 {
	return c.state.Dynamic.LastIrreversibleBlockNum
}

// FetchBlockByID looks up a block by content-address, checking the fork
// DB (for anything not yet irreversible) before falling back to the
// durable log.
func (c *Controller) FetchBlockByID(id string) (*types.Block, bool, error) {
	if item, ok := c.forkDB.Get(id); ok {
		return item.Block, true, nil
	}
	return c.log.GetByID(id)
}

// FetchBlockByNumber looks up a block on the canonical branch by height:
// the durable log directly if it is already irreversible, otherwise by
// walking the fork DB back from the current head.
func (c *Controller) FetchBlockByNumber(height uint64) (*types.Block, bool, error) {
	if height <= c.state.Dynamic.LastIrreversibleBlockNum {
		return c.log.GetByHeight(height)
	}
	id := c.state.Dynamic.HeadBlockID
	for id != "" {
		item, ok := c.forkDB.Get(id)
		if !ok || item.Num < height {
			return nil, false, nil
		}
		if item.Num == height {
			return item.Block, true, nil
		}
		id = item.PreviousID
	}
	return nil, false, nil
}

// IsKnownBlock reports whether id names a block held in the fork DB or
// already written to the durable log.
func (c *Controller) IsKnownBlock(id string) bool {
	if _, ok := c.forkDB.Get(id); ok {
		return true
	}
	known, _ := c.log.Exists(id)
	return known
}

// IsKnownTransaction reports whether id is currently recorded in the
// duplicate-rejection index.
func (c *Controller) IsKnownTransaction(id string) bool {
	return c.txApplier.IsKnown(id)
}

// GetRequiredKeys checks that candidateKeys satisfy every authorization tx
// declares and returns each candidate key that matched a key of an
// evaluated authority (spec.md §6). The result is not reduced to a minimal
// set: a key is returned even when the threshold was met without it. It is
// the
// query wallets use to decide which keys to sign a transaction with
// before submitting it. It does not require every candidate key to be
// used (unlike checkTransactionAuthorization's AllKeysUsed enforcement at
// apply time) since the caller is asking "what would be sufficient", not
// submitting a transaction already signed with a fixed key set.
func (c *Controller) GetRequiredKeys(tx *types.SignedTransaction, candidateKeys [][]byte) ([][]byte, error) {
	checker := authority.NewChecker(c.permLookup, c.maxAuthDepth, candidateKeys, nil)
	for _, act := range tx.Actions {
		for _, decl := range act.Authorization {
			ok, err := checker.Satisfied(types.PermissionLevel{Actor: decl.Actor, Permission: decl.Permission})
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("controller: get_required_keys: %s@%s cannot be satisfied by the candidate keys: %w", decl.Actor, decl.Permission, chainerr.ErrTxIrrelevantAuth)
			}
		}
	}

	used := make(map[string]bool, len(candidateKeys))
	for _, k := range checker.UsedKeys() {
		used[k] = true
	}
	var out [][]byte
	for _, k := range candidateKeys {
		if used[hex.EncodeToString(k)] {
			out = append(out, k)
		}
	}
	return out, nil
}
