package types

// Producer is one registered block producer candidate.
type Producer struct {
	Owner                 string
	SigningKey            []byte
	LastConfirmedBlockNum uint32
	LastASlot             uint64
	TotalMissed           uint64
}

// ProducerKey names one slot in an active schedule.
type ProducerKey struct {
	ProducerName string
	SigningKey   []byte
}

// ProducerSchedule is a versioned, ordered producer rotation.
type ProducerSchedule struct {
	Version   uint32
	Producers []ProducerKey
}

// PendingProducerSchedule activates a schedule once the chain reaches
// ActivationBlock.
type PendingProducerSchedule struct {
	ActivationBlock uint64
	Schedule        ProducerSchedule
}

// GlobalProperties holds chain configuration and the producer schedule
// state.
type GlobalProperties struct {
	ActiveProducers        ProducerSchedule
	PendingActiveProducers []PendingProducerSchedule // ordered by ActivationBlock
}

// DynamicGlobalProperties holds the fast-changing head-of-chain state.
type DynamicGlobalProperties struct {
	HeadBlockNumber          uint64
	HeadBlockID              string
	Time                     int64 // unix seconds, avoids re-deriving monotonic clock semantics across nodes
	CurrentProducer          string
	CurrentAbsoluteSlot      uint64
	RecentSlotsFilled        uint64 // 64-bit participation bitmap, see scheduler.Participation
	LastIrreversibleBlockNum uint64
	BlockMerkleRoot          []byte
}

// BlockSummaryRing is a fixed 65,536-slot ring of recently seen block ids,
// used for TaPoS validation (spec.md §3).
type BlockSummaryRing struct {
	slots [BlockSummaryRingSize]string
}

// NewBlockSummaryRing returns a ring with all slots populated from genesis
// (spec.md invariant 6: the ring always contains 0x10000 entries).
func NewBlockSummaryRing(genesisID string) *BlockSummaryRing {
	r := &BlockSummaryRing{}
	for i := range r.slots {
		r.slots[i] = genesisID
	}
	return r
}

// Set records the id of the block at the given height.
func (r *BlockSummaryRing) Set(blockNum uint64, id string) {
	r.slots[blockNum&(BlockSummaryRingSize-1)] = id
}

// Get returns the id recorded for the given height's ring slot. It does not
// itself prove the block at that exact height produced it (the ring wraps);
// callers compare against the height they expect.
func (r *BlockSummaryRing) Get(blockNum uint64) string {
	return r.slots[blockNum&(BlockSummaryRingSize-1)]
}
