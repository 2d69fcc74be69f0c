// Package txapply validates and executes a single transaction against the
// store (spec.md §4.G). Grounded on execution/manage_tx_execution.go's
// Storage interface plus ExecuteAnyTx's type-switch dispatch, generalized
// from a fixed set of transaction kinds to the spec's open-ended
// (receiver, scope, action) handler registry.
package txapply

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"chainctl/authority"
	"chainctl/chainerr"
	"chainctl/crypto"
	"chainctl/merkle"
	"chainctl/store"
	"chainctl/types"
	"chainctl/wire"
)

// ApplyContext is the per-action execution environment handlers receive
// (spec.md §6 Execution Interface): read/modify/create/remove over store
// indices via Session, a console buffer, a deferred-transactions sink, and
// the region/cycle/shard coordinates of the action being applied.
type ApplyContext struct {
	Session    *store.Session
	ChainID    []byte
	Receiver   string
	Action     types.Action
	RegionID   uint32
	CycleIndex uint32
	ShardIndex uint32

	console  strings.Builder
	deferred []*types.SignedTransaction
}

// Console appends s to the action's console output.
func (c *ApplyContext) Console(s string) { c.console.WriteString(s) }

// Defer queues trx to be emitted as a generated transaction once this
// cycle finalizes.
func (c *ApplyContext) Defer(trx *types.SignedTransaction) { c.deferred = append(c.deferred, trx) }

// Handler is a registered contract entry point.
type Handler func(ctx *ApplyContext) error

type registryKey struct{ Receiver, Scope, Action string }

// Registry maps (receiver, scope, action) to a Handler. A native handler
// registered for Action == "" matches any action on that (receiver, scope)
// that has no more specific entry, the same "contract-wide default" rule
// permission links use (spec.md §4.D), applied here to dispatch instead of
// authorization.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
}

// NewRegistry returns an empty handler table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]Handler)}
}

// Register installs h for (receiver, scope, action). A native table
// registration short-circuits user-code lookup per spec.md §6.
func (r *Registry) Register(receiver, scope, action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey{receiver, scope, action}] = h
}

func (r *Registry) lookup(receiver, scope, action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[registryKey{receiver, scope, action}]; ok {
		return h, true
	}
	h, ok := r.handlers[registryKey{receiver, scope, ""}]
	return h, ok
}

// AccountLookup reports whether account exists (built-in scopes are exempt
// from this check per spec.md §4.G step 2).
type AccountLookup func(account string) bool

// Applier validates and executes transactions (spec.md §4.G).
type Applier struct {
	registry      *Registry
	accountExists AccountLookup
	permLookup    authority.PermissionLookup
	links         []types.PermissionLink
	maxAuthDepth  int
	maxLifetime   time.Duration

	dedupMu sync.Mutex
	dedup   map[string]time.Time // tx id -> expiration, for pruning
}

// NewApplier constructs an Applier. permLookup and links resolve
// authorities and permission requirements respectively; accountExists
// gates validate_referenced_accounts.
func NewApplier(registry *Registry, accountExists AccountLookup, permLookup authority.PermissionLookup, links []types.PermissionLink, maxAuthDepth int, maxLifetime time.Duration) *Applier {
	return &Applier{
		registry:      registry,
		accountExists: accountExists,
		permLookup:    permLookup,
		links:         links,
		maxAuthDepth:  maxAuthDepth,
		maxLifetime:   maxLifetime,
		dedup:         make(map[string]time.Time),
	}
}

var builtinScopes = map[string]bool{"chainctl": true}

// validateReferencedAccounts asserts every scope and every authorization
// actor names an existing account (spec.md §4.G step 2).
func (a *Applier) validateReferencedAccounts(tx *types.SignedTransaction) error {
	check := func(name string) error {
		if builtinScopes[name] || a.accountExists(name) {
			return nil
		}
		return fmt.Errorf("txapply: unknown account %q: %w", name, chainerr.ErrUnknownAccount)
	}
	for _, s := range tx.ReadScope {
		if err := check(s); err != nil {
			return err
		}
	}
	for _, s := range tx.WriteScope {
		if err := check(s); err != nil {
			return err
		}
	}
	for _, act := range tx.Actions {
		for _, auth := range act.Authorization {
			if err := check(auth.Actor); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkTransactionAuthorization recovers signer keys from the
// transaction's signatures and asserts every declared authorization is
// satisfied and the minimum required permission is met, and that no
// signature went unused (spec.md §4.G step 3).
func (a *Applier) checkTransactionAuthorization(chainID []byte, tx *types.SignedTransaction) error {
	if len(tx.Signatures) == 0 {
		return fmt.Errorf("txapply: %w", chainerr.ErrTxMissingSigs)
	}
	digest := crypto.ChainDigest(chainID, wire.EncodeTransaction(tx))
	var providedKeys [][]byte
	for _, sig := range tx.Signatures {
		pub, err := crypto.RecoverCompact(sig, digest)
		if err != nil {
			return fmt.Errorf("txapply: recover signer: %w", err)
		}
		providedKeys = append(providedKeys, pub)
	}

	checker := authority.NewChecker(a.permLookup, a.maxAuthDepth, providedKeys, nil)
	for _, act := range tx.Actions {
		for _, decl := range act.Authorization {
			required := authority.LookupMinimumPermission(a.links, decl.Actor, act.Scope, act.Name)
			ok, err := checker.Satisfied(types.PermissionLevel{Actor: decl.Actor, Permission: decl.Permission})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("txapply: authorization %s@%s unsatisfied: %w", decl.Actor, decl.Permission, chainerr.ErrTxIrrelevantAuth)
			}
			if !permissionAtLeast(decl.Permission, required) {
				return fmt.Errorf("txapply: %s@%s does not meet minimum permission %q: %w", decl.Actor, decl.Permission, required, chainerr.ErrTxIrrelevantAuth)
			}
		}
	}
	if !checker.AllKeysUsed() {
		return fmt.Errorf("txapply: %w", chainerr.ErrTxIrrelevantSig)
	}
	return nil
}

// permissionAtLeast is a simplified same-or-"active" check: "active" is
// always sufficient since permission trees route everything through it,
// any other declared permission must match the required name exactly.
func permissionAtLeast(declared, required string) bool {
	return declared == required || declared == "active"
}

// validateUniqueness rejects a transaction already recorded in the dedup
// index (spec.md §4.G step 4).
func (a *Applier) validateUniqueness(id string) error {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	if _, dup := a.dedup[id]; dup {
		return fmt.Errorf("txapply: %w", chainerr.ErrTxDuplicate)
	}
	return nil
}

// IsKnown reports whether id is currently recorded in the dedup index,
// backing the controller's is_known_transaction accessor (spec.md §6).
func (a *Applier) IsKnown(id string) bool {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	_, dup := a.dedup[id]
	return dup
}

func (a *Applier) recordUniqueness(id string, expiration time.Time) {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	a.dedup[id] = expiration
}

// PruneExpired removes dedup entries whose expiration has passed, called
// from block finalization (spec.md §4.H, SPEC_FULL.md §9 Open Question
// (b)).
func (a *Applier) PruneExpired(now time.Time) {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	for id, exp := range a.dedup {
		if now.After(exp) {
			delete(a.dedup, id)
		}
	}
}

// validateTapos asserts ref_block_num/ref_block_prefix match the block
// summary ring (TaPoS, spec.md §3, §4.G step 4).
func validateTapos(ring *types.BlockSummaryRing, tx *types.SignedTransaction) error {
	expected := ring.Get(uint64(tx.RefBlockNum))
	prefix := tapPrefix(expected)
	if prefix != tx.RefBlockPrefix {
		return fmt.Errorf("txapply: tapos mismatch at ref block %d: %w", tx.RefBlockNum, chainerr.ErrTransaction)
	}
	return nil
}

// tapPrefix derives the 32-bit TaPoS prefix from a block id the same way
// every node must: the first 4 bytes of its hash, reused here instead of
// a second hash since merkle.BlockID already returns a cryptographic
// digest.
func tapPrefix(blockID string) uint32 {
	if len(blockID) < 8 {
		return 0
	}
	var v uint32
	for i := 0; i < 8; i++ {
		v = v<<4 | uint32(hexNibble(blockID[i]))
	}
	return v
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

func validateExpiration(now time.Time, maxLifetime time.Duration, tx *types.SignedTransaction) error {
	if tx.Expiration.Before(now) {
		return fmt.Errorf("txapply: transaction expired: %w", chainerr.ErrTransaction)
	}
	if tx.Expiration.After(now.Add(maxLifetime)) {
		return fmt.Errorf("txapply: expiration too far in the future: %w", chainerr.ErrTransaction)
	}
	return nil
}

// Apply runs the full push_transaction workflow (spec.md §4.G) against a
// session the caller has already nested under the pending-block session.
// On error the caller must roll session back via session.Undo(); on
// success the caller squashes it into the enclosing session. Apply itself
// never resolves the session, matching the spec's framing of steps 6/7 as
// the controller's responsibility.
func (a *Applier) Apply(session *store.Session, chainID []byte, ring *types.BlockSummaryRing, now time.Time, regionID, cycleIndex, shardIndex uint32, tx *types.SignedTransaction, skip SkipFlags) (*types.TransactionTrace, error) {
	id := merkle.TransactionID(tx)

	if err := a.validateReferencedAccounts(tx); err != nil {
		return nil, err
	}
	if !skip.AuthorityCheck {
		if err := a.checkTransactionAuthorization(chainID, tx); err != nil {
			return nil, err
		}
	}
	if !skip.TransactionDupeCheck {
		if err := a.validateUniqueness(id); err != nil {
			return nil, err
		}
	}
	if !skip.TaposCheck {
		if err := validateTapos(ring, tx); err != nil {
			return nil, err
		}
	}
	if err := validateExpiration(now, a.maxLifetime, tx); err != nil {
		return nil, err
	}

	trace := &types.TransactionTrace{ID: id, Status: types.ReceiptExecuted}
	for _, act := range tx.Actions {
		// One apply_context/exec per action, independent of how many
		// authorizations it declares (spec.md §4.G step 5;
		// chain_controller.cpp's _apply_transaction calls context.exec()
		// exactly once per act). The authorization list is checked
		// separately in checkTransactionAuthorization and never re-drives
		// execution.
		ctx := &ApplyContext{
			Session:    session,
			ChainID:    chainID,
			Receiver:   act.Scope,
			Action:     act,
			RegionID:   regionID,
			CycleIndex: cycleIndex,
			ShardIndex: shardIndex,
		}
		h, ok := a.registry.lookup(act.Scope, act.Scope, act.Name)
		if ok {
			if err := h(ctx); err != nil {
				trace.Status = types.ReceiptHardFail
				return trace, fmt.Errorf("txapply: action %s::%s failed: %w", act.Scope, act.Name, err)
			}
		}
		at := types.ActionTrace{
			Receiver:              act.Scope,
			Action:                act,
			Console:               ctx.console.String(),
			GeneratedTransactions: ctx.deferred,
			RegionID:              regionID,
			CycleIndex:            cycleIndex,
			ShardIndex:            shardIndex,
		}
		trace.ActionTraces = append(trace.ActionTraces, at)
	}

	if !skip.TransactionDupeCheck {
		a.recordUniqueness(id, tx.Expiration)
	}
	return trace, nil
}

// SkipFlags mirrors the controller-wide skip bitfield (spec.md §6), scoped
// to the checks this package performs.
type SkipFlags struct {
	AuthorityCheck       bool
	TransactionDupeCheck bool
	TaposCheck           bool
}
