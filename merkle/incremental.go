package merkle

// Incremental is an append-only merkle accumulator over a growing sequence
// of block ids (DESIGN.md, Merkle: dynamic properties' block
// merkle, grounded on original_source/libraries/chain/chain_controller.cpp's
// `dynamic_global_property_object.block_merkle_root`, an
// `incremental_merkle` that is read via get_root() before a block is
// assigned its block_mroot and appended to once that block is finalized).
// Unlike Root/RootOfHashes, which rehash every leaf from scratch, Incremental
// keeps one hash per complete subtree ("peak") so both Append and Root run
// in O(log n) rather than O(n).
type Incremental struct {
	peaks []Hash // peaks[i] covers 2^i leaves; valid iff bit i of count is set
	count uint64
}

// NewIncremental returns an empty accumulator, matching the all-irreversible
// state at genesis.
func NewIncremental() *Incremental {
	return &Incremental{}
}

// Append folds leaf in as the next block id and returns the new root.
func (m *Incremental) Append(leaf Hash) Hash {
	h := leaf
	size := m.count
	i := 0
	for size&1 == 1 {
		h = hashPair(m.peaks[i], h)
		size >>= 1
		i++
	}
	if i == len(m.peaks) {
		m.peaks = append(m.peaks, h)
	} else {
		m.peaks[i] = h
	}
	m.count++
	return m.Root()
}

// Root returns the current accumulated root, the value block_mroot must
// equal for the next block to be generated/validated against. An empty
// accumulator roots to the same empty-leaf-set digest as Root(nil), keeping
// the two merkle constructions consistent before any block exists.
func (m *Incremental) Root() Hash {
	if m.count == 0 {
		return hashLeaf(nil)
	}
	var acc Hash
	started := false
	for i := 0; i < len(m.peaks); i++ {
		if m.count&(1<<uint(i)) == 0 {
			continue
		}
		if !started {
			acc = m.peaks[i]
			started = true
			continue
		}
		acc = hashPair(m.peaks[i], acc)
	}
	return acc
}

// Count returns the number of leaves appended so far.
func (m *Incremental) Count() uint64 { return m.count }
