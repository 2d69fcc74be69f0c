// Package forkdb is the in-memory fork database (spec.md §4.B): every
// block not yet irreversible, kept as a DAG keyed by block id with a
// height index, so the controller can enumerate branches and find the
// common ancestor when switching forks. Grounded on the teacher's
// consensus/realBlockStore.go in-memory indexing style (blockCache
// map[string]*types.Block, heightIndex map[uint64][]*types.Block),
// generalized from a flat cache into a proper parent-linked DAG, with a
// size-bounded golang-lru recency cache of touched items alongside it.
package forkdb

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"chainctl/chainerr"
	"chainctl/types"
)

// ForkDB holds every known, not-yet-irreversible block.
type ForkDB struct {
	mu sync.RWMutex

	byID     map[string]*types.ForkItem
	byHeight map[uint64][]string // ids at that height, insertion order

	head *types.ForkItem

	cache *lru.Cache // recently touched items, id -> *types.ForkItem
}

// New creates an empty fork database. maxSize bounds the recency cache
// only; byID/byHeight hold every block until Remove, PopBlock or
// PruneBelow drop it
// (spec.md §4.B: the fork db window is bounded by irreversibility, not by
// a fixed cache size).
func New(maxSize int) (*ForkDB, error) {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("forkdb: new lru cache: %w", err)
	}
	return &ForkDB{
		byID:     make(map[string]*types.ForkItem),
		byHeight: make(map[uint64][]string),
		cache:    c,
	}, nil
}

// SetMaxSize resizes the recency cache.
func (f *ForkDB) SetMaxSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := lru.New(n)
	if err != nil {
		return
	}
	f.cache = c
}

// PushBlock adds a block to the fork database as a child of its
// PreviousID. The genesis block (empty PreviousID) is accepted
// unconditionally; every other block's parent must already be known.
func (f *ForkDB) PushBlock(item *types.ForkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if item.PreviousID != "" {
		if _, ok := f.byID[item.PreviousID]; !ok {
			return fmt.Errorf("forkdb: push block %s: %w", item.ID, chainerr.ErrUnknownBlock)
		}
	}
	if _, exists := f.byID[item.ID]; exists {
		return nil // idempotent re-push of an already-known block
	}

	f.byID[item.ID] = item
	f.byHeight[item.Num] = append(f.byHeight[item.Num], item.ID)
	f.cache.Add(item.ID, item)

	// spec.md §4.B: ties at the same height are broken by lowest id, so two
	// nodes that receive same-height competing blocks in different order
	// still converge on the same head.
	if f.head == nil || item.Num > f.head.Num || (item.Num == f.head.Num && item.ID < f.head.ID) {
		f.head = item
	}
	return nil
}

// Get looks up a block by id.
func (f *ForkDB) Get(id string) (*types.ForkItem, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	item, ok := f.byID[id]
	if ok {
		f.cache.Add(id, item)
	}
	return item, ok
}

// Head returns the highest-height block known (the current best head,
// before irreversibility is considered).
func (f *ForkDB) Head() *types.ForkItem {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.head
}

// SetHead forcibly sets the head pointer, used after a fork switch
// (spec.md §4.H) once the new branch has been validated and applied.
func (f *ForkDB) SetHead(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("forkdb: set head %s: %w", id, chainerr.ErrUnknownBlock)
	}
	f.head = item
	return nil
}

// FetchBranchFrom returns the two branches from first and second back to
// their common ancestor, each ordered tip-first: the named tip comes first
// and the child of the fork point last (spec.md §4.H "fetch_branch_from").
// The common ancestor itself
// is not included in either returned slice.
func (f *ForkDB) FetchBranchFrom(first, second string) (branch1, branch2 []*types.ForkItem, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	path := func(id string) ([]*types.ForkItem, error) {
		var p []*types.ForkItem
		for id != "" {
			item, ok := f.byID[id]
			if !ok {
				return nil, fmt.Errorf("forkdb: fetch branch: %w", chainerr.ErrUnknownBlock)
			}
			p = append(p, item)
			id = item.PreviousID
		}
		return p, nil
	}

	p1, err := path(first)
	if err != nil {
		return nil, nil, err
	}
	p2, err := path(second)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]int, len(p2))
	for i, item := range p2 {
		seen[item.ID] = i
	}

	var ancestorIdx1 = -1
	var ancestorIdx2 = -1
	for i, item := range p1 {
		if j, ok := seen[item.ID]; ok {
			ancestorIdx1 = i
			ancestorIdx2 = j
			break
		}
	}
	if ancestorIdx1 < 0 {
		return nil, nil, fmt.Errorf("forkdb: fetch branch %s/%s: %w", first, second, chainerr.ErrNoCommonAncestor)
	}
	return p1[:ancestorIdx1], p2[:ancestorIdx2], nil
}

// Remove deletes a block and detaches it from the height index, used once
// a branch is abandoned or a block has been made irreversible and moved
// into the block log.
func (f *ForkDB) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *ForkDB) removeLocked(id string) {
	item, ok := f.byID[id]
	if !ok {
		return
	}
	delete(f.byID, id)
	f.cache.Remove(id)
	ids := f.byHeight[item.Num]
	for i, candidate := range ids {
		if candidate == id {
			f.byHeight[item.Num] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(f.byHeight[item.Num]) == 0 {
		delete(f.byHeight, item.Num)
	}
}

// PopBlock removes the current head and returns it, resetting head to its
// parent. Controller.PopBlock uses it to un-apply the head block (spec.md
// §4.H "pop_block"); a block that fails application is dropped with Remove
// instead.
func (f *ForkDB) PopBlock() (*types.ForkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == nil {
		return nil, fmt.Errorf("forkdb: pop block: %w", chainerr.ErrPopEmptyChain)
	}
	popped := f.head
	var parent *types.ForkItem
	if popped.PreviousID != "" {
		parent = f.byID[popped.PreviousID]
	}
	f.removeLocked(popped.ID)
	f.head = parent
	return popped, nil
}

// PruneBelow permanently forgets every block at or below height, called
// after the controller advances last_irreversible_block_num and commits
// those blocks into the block log (spec.md §4.H).
func (f *ForkDB) PruneBelow(height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, ids := range f.byHeight {
		if h > height {
			continue
		}
		for _, id := range append([]string(nil), ids...) {
			f.removeLocked(id)
		}
	}
}

// BlocksAtHeight returns every known block at the given height (more than
// one means a fork at that height).
func (f *ForkDB) BlocksAtHeight(height uint64) []*types.ForkItem {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := f.byHeight[height]
	out := make([]*types.ForkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.byID[id])
	}
	return out
}
