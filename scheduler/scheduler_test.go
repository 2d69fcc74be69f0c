package scheduler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chainctl/types"
)

func schedule(names ...string) *types.ProducerSchedule {
	keys := make([]types.ProducerKey, len(names))
	for i, n := range names {
		keys[i] = types.ProducerKey{ProducerName: n, SigningKey: []byte{0x02}}
	}
	return &types.ProducerSchedule{Version: 1, Producers: keys}
}

func TestGetScheduledProducerRotates(t *testing.T) {
	sched := schedule("p0", "p1", "p2")
	dgp := &types.DynamicGlobalProperties{CurrentAbsoluteSlot: 0}

	name, ok := GetScheduledProducer(dgp, sched, 6, 2, 1)
	if !ok || name != "p0" {
		t.Fatalf("slot 1 producer = %q, %v, want p0", name, ok)
	}
	name, ok = GetScheduledProducer(dgp, sched, 6, 2, 3)
	if !ok || name != "p1" {
		t.Fatalf("slot 3 producer = %q, %v, want p1", name, ok)
	}
}

func TestGetScheduledProducerRejectsSlotZero(t *testing.T) {
	sched := schedule("p0")
	dgp := &types.DynamicGlobalProperties{}
	if _, ok := GetScheduledProducer(dgp, sched, 6, 2, 0); ok {
		t.Fatal("slot 0 should be invalid")
	}
}

func TestGetSlotTimeBeforeAndAfterHead(t *testing.T) {
	genesis := time.Unix(1700000000, 0).UTC()
	interval := 500 * time.Millisecond

	noHead := &types.DynamicGlobalProperties{HeadBlockNumber: 0}
	got := GetSlotTime(noHead, genesis, interval, 2)
	want := genesis.Add(2 * interval)
	if !got.Equal(want) {
		t.Errorf("pre-head slot time = %v, want %v", got, want)
	}

	withHead := &types.DynamicGlobalProperties{HeadBlockNumber: 5, Time: genesis.Add(10 * interval).Unix()}
	got = GetSlotTime(withHead, genesis, interval, 1)
	want = genesis.Add(10 * interval).Add(interval)
	if !got.Equal(want) {
		t.Errorf("post-head slot time = %v, want %v", got, want)
	}
}

func TestGetSlotAtTimeIsInverse(t *testing.T) {
	genesis := time.Unix(1700000000, 0).UTC()
	interval := 500 * time.Millisecond
	noHead := &types.DynamicGlobalProperties{}

	before := genesis
	if slot := GetSlotAtTime(noHead, genesis, interval, before); slot != 0 {
		t.Errorf("slot before first slot = %d, want 0", slot)
	}

	at := GetSlotTime(noHead, genesis, interval, 3)
	if slot := GetSlotAtTime(noHead, genesis, interval, at); slot != 3 {
		t.Errorf("slot at = %d, want 3", slot)
	}
}

func TestCalculateProducerScheduleSkipsZeroKeyAndBumpsVersion(t *testing.T) {
	current := types.ProducerSchedule{Version: 1, Producers: []types.ProducerKey{{ProducerName: "old"}}}
	tallies := []VoteTally{
		{Producer: types.Producer{Owner: "alice", SigningKey: []byte{0x02}}, VoteWeight: decimal.NewFromInt(100)},
		{Producer: types.Producer{Owner: "bob", SigningKey: nil}, VoteWeight: decimal.NewFromInt(200)},
		{Producer: types.Producer{Owner: "carol", SigningKey: []byte{0x03}}, VoteWeight: decimal.NewFromInt(50)},
	}
	next := CalculateProducerSchedule(current, tallies, 2)
	if next.Version != 2 {
		t.Errorf("version = %d, want 2 (schedule changed)", next.Version)
	}
	if len(next.Producers) != 2 || next.Producers[0].ProducerName != "alice" || next.Producers[1].ProducerName != "carol" {
		t.Fatalf("producers = %+v, want [alice carol] (bob skipped, zero key)", next.Producers)
	}
}

func TestParticipationWindowAndRate(t *testing.T) {
	p := NewParticipation()
	if rate := p.ParticipationRate(); rate != 1.0 {
		t.Fatalf("initial rate = %v, want 1.0", rate)
	}
	p.RecordSlot(1, 1) // missed one slot before this one
	if p.Window()&1 == 0 {
		t.Error("most recent slot should be marked filled")
	}
	if rate := p.ParticipationRate(); rate >= 1.0 {
		t.Errorf("rate after a miss = %v, want < 1.0", rate)
	}
}
