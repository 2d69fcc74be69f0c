package merkle

import (
	"encoding/hex"

	"chainctl/types"
	"chainctl/wire"
)

// TransactionID returns the content-address of a transaction: the hash of
// its canonical encoding, excluding signatures (spec.md §4.G: signatures
// are recovered from, not included in, the hashed payload).
func TransactionID(tx *types.SignedTransaction) string {
	h := hashLeaf(wire.EncodeTransaction(tx))
	return hex.EncodeToString(h[:])
}

// BlockHeaderHash returns the raw digest of a block header, excluding the
// signature field itself — the payload a producer signs (spec.md
// invariant 1: head_block_id = hash(head_block_header)).
func BlockHeaderHash(h *types.BlockHeader) Hash {
	return hashLeaf(wire.EncodeBlockHeader(h))
}

// BlockID returns the content-address of a block header as a hex string,
// for use as a map key / store key.
func BlockID(h *types.BlockHeader) string {
	digest := BlockHeaderHash(h)
	return hex.EncodeToString(digest[:])
}

// TransactionMRoot recomputes the transaction merkle root over a block's
// input transactions, in order.
func TransactionMRoot(txs []*types.SignedTransaction) Hash {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		leaves[i] = wire.EncodeTransaction(tx)
	}
	return Root(leaves)
}

// ShardActionRoot computes one shard's action-trace merkle root.
func ShardActionRoot(traces []*types.ActionTrace) Hash {
	leaves := make([][]byte, len(traces))
	for i, t := range traces {
		leaves[i] = wire.EncodeActionTrace(t)
	}
	return Root(leaves)
}

// ActionMRoot combines already-computed per-shard roots, grouped by region
// then cycle, into the single action_mroot spec.md invariant 3 requires:
// one merkle root over every shard root of the block, taken in region,
// cycle, shard order (the same flat construction block validation uses).
func ActionMRoot(regionCycleShardRoots [][][]Hash) Hash {
	var shardRoots []Hash
	for _, region := range regionCycleShardRoots {
		for _, cycle := range region {
			shardRoots = append(shardRoots, cycle...)
		}
	}
	return RootOfHashes(shardRoots)
}
