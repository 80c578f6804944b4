package tuner

import (
	"math/rand"
	"testing"

	"gorrent/internal/resources"
)

func newTestTuner() (*Tuner, *resources.Manager) {
	rm := resources.New(resources.Limits{
		resources.PeerConnection: 100,
		resources.DiskRead:       20,
		resources.DiskWrite:      20,
		resources.Reserve:        10,
	})
	tu := New(rm)
	tu.SetRandSource(rand.New(rand.NewSource(1)))
	return tu, rm
}

func TestTickConservesTotalPermits(t *testing.T) {
	tu, rm := newTestTuner()
	before := rm.Limits().Sum()

	for i := 0; i < 20; i++ {
		tu.RecordThroughputSample(1000 + float64(i))
		tu.RecordSeekCostSample(0.5)
		tu.Tick()
		if after := rm.Limits().Sum(); after != before {
			t.Fatalf("tick %d: total permits changed from %d to %d", i, before, after)
		}
	}
}

func TestTickNeverDrainsBelowFloor(t *testing.T) {
	tu, rm := newTestTuner()
	for i := 0; i < 200; i++ {
		tu.RecordThroughputSample(500)
		tu.RecordSeekCostSample(0.1)
		tu.Tick()
	}
	limits := rm.Limits()
	if limits[resources.PeerConnection] < MinPeers {
		t.Fatalf("PeerConnection fell below floor: %d", limits[resources.PeerConnection])
	}
	if limits[resources.DiskRead] < MinDisk {
		t.Fatalf("DiskRead fell below floor: %d", limits[resources.DiskRead])
	}
	if limits[resources.DiskWrite] < MinDisk {
		t.Fatalf("DiskWrite fell below floor: %d", limits[resources.DiskWrite])
	}
	if limits[resources.Reserve] < MinReserve {
		t.Fatalf("Reserve fell below floor: %d", limits[resources.Reserve])
	}
}

func TestRevertsToBestLimitsWhenScoreDrops(t *testing.T) {
	tu, rm := newTestTuner()

	tu.RecordThroughputSample(10000)
	tu.RecordSeekCostSample(0.1)
	tu.Tick()
	best := rm.Limits().Clone()

	// A much worse score next tick should cause a revert to best_limits
	// before the trade is applied (so the post-tick state equals
	// best_limits plus exactly one trade away).
	tu.RecordThroughputSample(1)
	tu.RecordSeekCostSample(0.1)
	tu.Tick()

	if rm.Limits().Sum() != best.Sum() {
		t.Fatalf("expected total to still equal best_limits' total after revert+trade")
	}
}

func TestPercentile95Empty(t *testing.T) {
	if got := percentile95(nil); got != 0 {
		t.Fatalf("expected 0 for empty window, got %v", got)
	}
}

func TestPercentile95NearestRank(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got := percentile95(samples)
	if got != 10 {
		t.Fatalf("expected the 95th percentile of 1..10 to be 10, got %v", got)
	}
}

func TestMeanOfEmptyIsZero(t *testing.T) {
	if got := mean(nil); got != 0 {
		t.Fatalf("expected 0 mean for empty window, got %v", got)
	}
}

func TestRecordThroughputSampleWindowCaps(t *testing.T) {
	tu, _ := newTestTuner()
	for i := 0; i < rawScoreWindow+10; i++ {
		tu.RecordThroughputSample(float64(i))
	}
	if len(tu.throughput) != rawScoreWindow {
		t.Fatalf("expected window capped at %d, got %d", rawScoreWindow, len(tu.throughput))
	}
	// Oldest samples should have been evicted: the window should now
	// start at index 10.
	if tu.throughput[0] != 10 {
		t.Fatalf("expected oldest samples evicted, got first=%v", tu.throughput[0])
	}
}
