// Package tuner implements the adaptive permit-reallocation loop of
// §4.I: every tick it scores the current resource split against recent
// throughput and seek-cost history, keeps the best-scoring split found
// so far, and nudges the split with a small random trade between two
// resource kinds.
package tuner

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gorrent/internal/resources"
)

// Tick constants from §4.I.
const (
	TickInterval      = 90 * time.Second
	rawScoreWindow    = 60
	seekCostWindow    = 1000
	staleScoreFloor   = 10000.0
	staleMultiplier   = 2.0
	emaAlpha          = 0.1
	maxTradeAttempts  = 5
	stepMin           = 0.01
	stepMax           = 0.10
	adaptiveMaxFloor  = 1.0
)

// Trade floors from §4.I's step 6 (distinct from resources.InitialLimits'
// own startup floors — these bound how far a trade may drain a kind).
const (
	MinPeers   = 20
	MinDisk    = 2
	MinReserve = 0
)

func minFor(kind resources.ResourceType) int {
	switch kind {
	case resources.PeerConnection:
		return MinPeers
	case resources.DiskRead, resources.DiskWrite:
		return MinDisk
	default:
		return MinReserve
	}
}

// Tuner owns the 90s scoring/trading loop for one resources.Manager.
type Tuner struct {
	rm           *resources.Manager
	tickInterval time.Duration
	rng          *rand.Rand

	mu               sync.Mutex
	throughput       []float64 // ring of last 60 one-second samples
	seekCost         []float64 // ring of last 1000 non-trivial samples
	lastSeekCost     float64
	baseline         float64
	hasBaseline      bool
	bestScore        float64
	bestLimits       resources.Limits
	hasBestLimits    bool
}

// New constructs a Tuner bound to rm. The first Tick takes rm's limits
// at that moment as the initial best_limits.
func New(rm *resources.Manager) *Tuner {
	return &Tuner{
		rm:           rm,
		tickInterval: TickInterval,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetTickInterval overrides the tick period for tests; production relies
// on the 90s default.
func (t *Tuner) SetTickInterval(d time.Duration) { t.tickInterval = d }

// SetRandSource overrides the trade's random source for deterministic tests.
func (t *Tuner) SetRandSource(r *rand.Rand) { t.rng = r }

// RecordThroughputSample appends one second's worth of the relevant
// rate (download speed while leeching, upload speed while seeding —
// the caller decides which, per §4.I step 1) to the rolling window.
func (t *Tuner) RecordThroughputSample(bytesPerSecond float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throughput = append(t.throughput, bytesPerSecond)
	if len(t.throughput) > rawScoreWindow {
		t.throughput = t.throughput[len(t.throughput)-rawScoreWindow:]
	}
}

// RecordSeekCostSample appends one second's global seek-cost-per-byte
// sample. Zero/negative samples are "trivial" (no ops that second) and
// are excluded from the percentile window per §4.I step 3, but still
// become the most recent value for the penalty calculation in step 2.
func (t *Tuner) RecordSeekCostSample(costPerByte float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeekCost = costPerByte
	if costPerByte <= 0 {
		return
	}
	t.seekCost = append(t.seekCost, costPerByte)
	if len(t.seekCost) > seekCostWindow {
		t.seekCost = t.seekCost[len(t.seekCost)-seekCostWindow:]
	}
}

// Run ticks every tickInterval until ctx is cancelled.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs one full cycle of §4.I's algorithm: score, commit-or-revert
// against best_limits (resetting a stale best_score on revert), then
// apply one random trade.
func (t *Tuner) Tick() {
	t.mu.Lock()
	rawScore := mean(t.throughput)
	adaptiveMax := percentile95(t.seekCost)
	if adaptiveMax < adaptiveMaxFloor {
		adaptiveMax = adaptiveMaxFloor
	}
	penalty := math.Max(0, t.lastSeekCost/adaptiveMax-1)
	score := rawScore / (1 + penalty)

	if !t.hasBaseline {
		t.baseline = score
		t.hasBaseline = true
	} else {
		t.baseline += emaAlpha * (score - t.baseline)
	}
	baseline := t.baseline
	t.mu.Unlock()

	current := t.rm.Limits()

	t.mu.Lock()
	if !t.hasBestLimits || score > t.bestScore {
		t.bestScore = score
		t.bestLimits = current.Clone()
		t.hasBestLimits = true
	} else {
		revert := t.bestLimits.Clone()
		t.mu.Unlock()
		t.rm.UpdateLimits(revert)
		t.mu.Lock()
		if t.bestScore > staleScoreFloor && t.bestScore > staleMultiplier*baseline {
			log.Debug().Float64("best_score", t.bestScore).Float64("baseline", baseline).Msg("resetting stale best_score")
			t.bestScore = baseline
		}
	}
	t.mu.Unlock()

	t.applyRandomTrade()
}

// applyRandomTrade picks two distinct resource kinds and moves a small
// fraction of one into the other, retrying up to 5 times to find a
// trade that respects the source's floor.
func (t *Tuner) applyRandomTrade() {
	limits := t.rm.Limits()
	for attempt := 0; attempt < maxTradeAttempts; attempt++ {
		src, dst := t.pickDistinctKinds()
		step := stepMin + t.rng.Float64()*(stepMax-stepMin)
		amount := int(math.Ceil(float64(limits[src]) * step))
		if amount <= 0 {
			continue
		}
		if limits[src]-amount < minFor(src) {
			continue
		}
		next := limits.Clone()
		next[src] -= amount
		next[dst] += amount
		t.rm.UpdateLimits(next)
		return
	}
}

func (t *Tuner) pickDistinctKinds() (resources.ResourceType, resources.ResourceType) {
	src := resources.AllTypes[t.rng.Intn(len(resources.AllTypes))]
	dst := resources.AllTypes[t.rng.Intn(len(resources.AllTypes))]
	for dst == src {
		dst = resources.AllTypes[t.rng.Intn(len(resources.AllTypes))]
	}
	return src, dst
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// percentile95 returns the 95th percentile of samples (nearest-rank),
// or 0 for an empty window.
func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
