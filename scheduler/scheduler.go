// Package scheduler implements producer rotation and participation
// tracking (spec.md §4.E). Slot/time math is grounded on the teacher's
// plain arithmetic style throughout consensus/*.go; participation and
// stake-weighted schedule selection are grounded on
// db/miner_index_manager.go's roaring-bitmap active-set pattern
// generalized from "active miner set" to "participation over the last 64
// slots", plus matching/*.go's decimal stake arithmetic generalized from
// price comparison to vote-weight comparison.
package scheduler

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/shopspring/decimal"

	"chainctl/types"
)

// GetScheduledProducer returns the name of the producer scheduled for
// slotNum slots after the current head (spec.md §4.E). slotNum == 0 is
// invalid since slot 0 is "now", not a schedulable future slot.
func GetScheduledProducer(dgp *types.DynamicGlobalProperties, sched *types.ProducerSchedule, blocksPerRound uint32, producerRepetitions uint32, slotNum uint64) (string, bool) {
	if slotNum == 0 || len(sched.Producers) == 0 || producerRepetitions == 0 {
		return "", false
	}
	index := ((dgp.CurrentAbsoluteSlot + slotNum) % uint64(blocksPerRound)) / uint64(producerRepetitions)
	if index >= uint64(len(sched.Producers)) {
		return "", false
	}
	return sched.Producers[index].ProducerName, true
}

// GetSlotTime returns the wall-clock time of slotNum slots from now
// (spec.md §4.E). Before the chain has a head block, slots are counted
// from genesisTime; afterwards, from the head block's own timestamp.
func GetSlotTime(dgp *types.DynamicGlobalProperties, genesisTime time.Time, blockInterval time.Duration, slotNum uint64) time.Time {
	if dgp == nil || dgp.HeadBlockNumber == 0 {
		return genesisTime.Add(time.Duration(slotNum) * blockInterval)
	}
	headTime := time.Unix(dgp.Time, 0).UTC()
	return headTime.Add(time.Duration(slotNum) * blockInterval)
}

// GetSlotAtTime is the inverse of GetSlotTime: the slot number containing
// t, or 0 if t precedes the first slot.
func GetSlotAtTime(dgp *types.DynamicGlobalProperties, genesisTime time.Time, blockInterval time.Duration, t time.Time) uint64 {
	first := GetSlotTime(dgp, genesisTime, blockInterval, 1)
	if t.Before(first) {
		return 0
	}
	return uint64(t.Sub(first)/blockInterval) + 1
}

// VoteTally pairs a producer with its stake-weighted vote total.
type VoteTally struct {
	Producer   types.Producer
	VoteWeight decimal.Decimal
}

// CalculateProducerSchedule selects the top producerCount producers by
// descending vote weight, skipping any with a zero-length signing key,
// and bumps the schedule version if the resulting ordered set of producer
// names differs from current (spec.md §4.E).
func CalculateProducerSchedule(current types.ProducerSchedule, tallies []VoteTally, producerCount int) types.ProducerSchedule {
	eligible := make([]VoteTally, 0, len(tallies))
	for _, t := range tallies {
		if len(t.Producer.SigningKey) == 0 {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].VoteWeight.GreaterThan(eligible[j].VoteWeight)
	})
	if len(eligible) > producerCount {
		eligible = eligible[:producerCount]
	}

	keys := make([]types.ProducerKey, len(eligible))
	for i, t := range eligible {
		keys[i] = types.ProducerKey{ProducerName: t.Producer.Owner, SigningKey: t.Producer.SigningKey}
	}

	next := types.ProducerSchedule{Version: current.Version, Producers: keys}
	if !sameProducers(current.Producers, keys) {
		next.Version = current.Version + 1
	}
	return next
}

func sameProducers(a, b []types.ProducerKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProducerName != b[i].ProducerName {
			return false
		}
	}
	return true
}

// Participation tracks whether each of the last 64 slots produced a
// block as a 64-bit word, and also adds every produced slot to a roaring
// bitmap. It is an observability helper, separate from the chain state's
// recent_slots_filled, which blockapply maintains on its own; nothing in
// consensus reads it. ParticipationRate uses only the 64-bit word; the
// roaring bitmap is written but not read.
type Participation struct {
	window    uint64 // last 64 slots, newest in the low bit
	longIndex *roaring.Bitmap
	slot      uint64
}

// NewParticipation starts a tracker with every recent slot marked filled,
// matching the spec's initial state at genesis.
func NewParticipation() *Participation {
	return &Participation{window: ^uint64(0), longIndex: roaring.New()}
}

// RecordSlot shifts the window forward by missedSlots (each a zero bit)
// and then records the current slot as produced in the low bit.
func (p *Participation) RecordSlot(absoluteSlot uint64, missedSlots uint64) {
	if missedSlots >= 64 {
		p.window = 0
	} else {
		p.window <<= missedSlots
	}
	p.window = (p.window << 1) | 1
	p.slot = absoluteSlot
	p.longIndex.Add(uint32(absoluteSlot % (1 << 31)))
}

// Window returns the tracker's 64-bit window of the last 64 slots.
func (p *Participation) Window() uint64 { return p.window }

// ParticipationRate returns the fraction of the last 64 slots that
// produced a block (popcount of the consensus-critical window).
func (p *Participation) ParticipationRate() float64 {
	return float64(popcount64(p.window)) / 64.0
}

func popcount64(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}
