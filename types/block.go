// Package types holds the wire/consensus data model shared by every
// component of the chain controller: blocks, transactions, permissions,
// producers, and the chain's two property records.
package types

import "time"

// BlockSummaryRingSize is the fixed number of slots in the block-summary
// ring (spec.md §3, invariant 6): exactly 0x10000 entries from genesis.
const BlockSummaryRingSize = 1 << 16

// ReceiptStatus is the outcome recorded for one transaction inside a shard.
type ReceiptStatus int

const (
	ReceiptExecuted ReceiptStatus = iota
	ReceiptSoftFail
	ReceiptHardFail
	ReceiptDelayed
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptExecuted:
		return "executed"
	case ReceiptSoftFail:
		return "soft_fail"
	case ReceiptHardFail:
		return "hard_fail"
	case ReceiptDelayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// TransactionReceipt is one entry in a shard: which transaction, and how it
// resolved.
type TransactionReceipt struct {
	ID     string
	Status ReceiptStatus
}

// Shard is an ordered sequence of transaction receipts whose write-scopes
// never intersect with another shard's in the same cycle.
type Shard struct {
	Receipts []TransactionReceipt
}

// Cycle is an ordered sequence of shards.
type Cycle struct {
	Shards []Shard
}

// Region groups an ordered sequence of cycles under a strictly increasing
// RegionID within a block.
type Region struct {
	RegionID      uint32
	CyclesSummary []Cycle
}

// BlockHeader is the signed portion of a block. Height is carried
// explicitly (the original encodes it in the high bits of the block id;
// we keep it as its own field since Go has no sub-byte id packing idiom
// worth emulating here).
type BlockHeader struct {
	Height           uint64
	PreviousID       string
	Timestamp        time.Time
	Producer         string
	TransactionMRoot []byte
	ActionMRoot      []byte
	BlockMRoot       []byte
	NewProducers     *ProducerSchedule // only set at start-of-round
	Signature        []byte
}

// Block is a header plus a body of regions and the full signed transactions
// referenced by the receipts inside those regions.
type Block struct {
	Header            BlockHeader
	Regions           []Region
	InputTransactions []*SignedTransaction
}
