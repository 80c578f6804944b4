// Package telemetry implements the per-second/minute aggregation bus of
// §4.J: bytes read/written into bps, completed ops into IOPS, op-start
// timestamps into a latency EMA, seek-cost scoring over the disk
// executor's ring buffers, and windowed retention for the dashboard's
// graph display.
package telemetry

import (
	"context"
	"sync"
	"time"

	"gorrent/internal/diskio"
	"gorrent/internal/model"
)

const (
	tickInterval     = time.Second
	rollupInterval   = 60 * time.Second
	latencyEMAPeriod = 10
	secondRetention  = 3600
	minuteRetention  = 48 * 60 // 48h of 1-minute samples
)

// WindowMode mirrors the original client's graph display windows, kept
// here as the dashboard's selectable retention granularity.
type WindowMode int

const (
	Window1m WindowMode = iota
	Window5m
	Window10m
	Window30m
	Window1h
	Window3h
	Window12h
	Window24h
)

// Duration returns the wall-clock span a WindowMode covers.
func (w WindowMode) Duration() time.Duration {
	switch w {
	case Window1m:
		return time.Minute
	case Window5m:
		return 5 * time.Minute
	case Window10m:
		return 10 * time.Minute
	case Window30m:
		return 30 * time.Minute
	case Window1h:
		return time.Hour
	case Window3h:
		return 3 * time.Hour
	case Window12h:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Sample is one second-resolution aggregate point.
type Sample struct {
	At              time.Time
	BytesRead       int64
	BytesWritten    int64
	ReadsCompleted  int
	WritesCompleted int
	LatencyEMAms    float64
	ThrashScore     uint64
	SeekCostPerByte float64
	MaxBackoff      time.Duration
}

// MinuteRollup is a minute-resolution summary, retained for 48h.
type MinuteRollup struct {
	At              time.Time
	AvgBytesRead    float64
	AvgBytesWritten float64
	AvgIOPS         float64
	AvgLatencyEMAms float64
}

// perTorrentState tracks the running counters and EMA for one info-hash
// between ticks.
type perTorrentState struct {
	latencyEMA float64
	hasEMA     bool
}

// Bus aggregates diskio.Executor events into second/minute telemetry,
// keyed by info-hash plus a global series.
type Bus struct {
	disk *diskio.Executor

	mu            sync.Mutex
	perTorrent    map[model.InfoHash][]Sample
	perTorrentRoll map[model.InfoHash][]MinuteRollup
	global        []Sample
	globalRoll    []MinuteRollup

	states map[model.InfoHash]*perTorrentState
	globalState perTorrentState

	pendingReadBytes  map[model.InfoHash]int64
	pendingWriteBytes map[model.InfoHash]int64
	pendingReads      map[model.InfoHash]int
	pendingWrites     map[model.InfoHash]int
	pendingLatencies  map[model.InfoHash][]float64

	globalPendingReadBytes  int64
	globalPendingWriteBytes int64
	globalPendingReads      int
	globalPendingWrites     int
	globalPendingLatencies  []float64
	globalMaxBackoff        time.Duration
}

// New constructs a Bus watching disk's event stream.
func New(disk *diskio.Executor) *Bus {
	return &Bus{
		disk:              disk,
		perTorrent:        make(map[model.InfoHash][]Sample),
		perTorrentRoll:    make(map[model.InfoHash][]MinuteRollup),
		states:            make(map[model.InfoHash]*perTorrentState),
		pendingReadBytes:  make(map[model.InfoHash]int64),
		pendingWriteBytes: make(map[model.InfoHash]int64),
		pendingReads:      make(map[model.InfoHash]int),
		pendingWrites:     make(map[model.InfoHash]int),
		pendingLatencies:  make(map[model.InfoHash][]float64),
	}
}

// Run drains disk events and ticks the per-second/per-minute rollups
// until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	secondTicker := time.NewTicker(tickInterval)
	defer secondTicker.Stop()
	minuteTicker := time.NewTicker(rollupInterval)
	defer minuteTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.disk.Events():
			if !ok {
				return
			}
			b.observe(ev)
		case now := <-secondTicker.C:
			b.tickSecond(now)
		case now := <-minuteTicker.C:
			b.tickMinute(now)
		}
	}
}

func (b *Bus) observe(ev diskio.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case diskio.EventReadFinished:
		if ev.Err == nil && ev.Op != nil {
			b.pendingReadBytes[ev.InfoHash] += ev.Op.Length
			b.pendingReads[ev.InfoHash]++
			b.globalPendingReadBytes += ev.Op.Length
			b.globalPendingReads++
			lat := float64(time.Since(ev.Op.StartedAt).Milliseconds())
			b.pendingLatencies[ev.InfoHash] = append(b.pendingLatencies[ev.InfoHash], lat)
			b.globalPendingLatencies = append(b.globalPendingLatencies, lat)
		}
	case diskio.EventWriteFinished:
		if ev.Err == nil && ev.Op != nil {
			b.pendingWriteBytes[ev.InfoHash] += ev.Op.Length
			b.pendingWrites[ev.InfoHash]++
			b.globalPendingWriteBytes += ev.Op.Length
			b.globalPendingWrites++
			lat := float64(time.Since(ev.Op.StartedAt).Milliseconds())
			b.pendingLatencies[ev.InfoHash] = append(b.pendingLatencies[ev.InfoHash], lat)
			b.globalPendingLatencies = append(b.globalPendingLatencies, lat)
		}
	case diskio.EventBackoff:
		if ev.Backoff > b.globalMaxBackoff {
			b.globalMaxBackoff = ev.Backoff
		}
	}
}

func (b *Bus) tickSecond(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for infoHash := range unionKeys(b.pendingReadBytes, b.pendingWriteBytes) {
		sample := b.buildSample(infoHash, now)
		b.perTorrent[infoHash] = appendCapped(b.perTorrent[infoHash], sample, secondRetention)
		b.resetPending(infoHash)
	}

	globalOps := b.disk.RecentGlobalOps()
	globalSample := Sample{
		At:              now,
		BytesRead:       b.globalPendingReadBytes,
		BytesWritten:    b.globalPendingWriteBytes,
		ReadsCompleted:  b.globalPendingReads,
		WritesCompleted: b.globalPendingWrites,
		LatencyEMAms:    updateEMA(&b.globalState, mean(b.globalPendingLatencies)),
		ThrashScore:     diskio.ThrashScore(globalOps),
		SeekCostPerByte: diskio.SeekCostPerByte(globalOps),
		MaxBackoff:      b.globalMaxBackoff,
	}
	b.global = appendCapped(b.global, globalSample, secondRetention)

	b.globalPendingReadBytes = 0
	b.globalPendingWriteBytes = 0
	b.globalPendingReads = 0
	b.globalPendingWrites = 0
	b.globalPendingLatencies = nil
	b.globalMaxBackoff = 0
}

func (b *Bus) buildSample(infoHash model.InfoHash, now time.Time) Sample {
	state, ok := b.states[infoHash]
	if !ok {
		state = &perTorrentState{}
		b.states[infoHash] = state
	}
	ops := b.disk.RecentOps(infoHash)
	return Sample{
		At:              now,
		BytesRead:       b.pendingReadBytes[infoHash],
		BytesWritten:    b.pendingWriteBytes[infoHash],
		ReadsCompleted:  b.pendingReads[infoHash],
		WritesCompleted: b.pendingWrites[infoHash],
		LatencyEMAms:    updateEMA(state, mean(b.pendingLatencies[infoHash])),
		ThrashScore:     diskio.ThrashScore(ops),
		SeekCostPerByte: diskio.SeekCostPerByte(ops),
	}
}

func (b *Bus) resetPending(infoHash model.InfoHash) {
	delete(b.pendingReadBytes, infoHash)
	delete(b.pendingWriteBytes, infoHash)
	delete(b.pendingReads, infoHash)
	delete(b.pendingWrites, infoHash)
	delete(b.pendingLatencies, infoHash)
}

func (b *Bus) tickMinute(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for infoHash, samples := range b.perTorrent {
		window := lastMinute(samples, now)
		if len(window) == 0 {
			continue
		}
		roll := rollupWindow(now, window)
		b.perTorrentRoll[infoHash] = appendCapped(b.perTorrentRoll[infoHash], roll, minuteRetention)
	}
	if window := lastMinute(b.global, now); len(window) > 0 {
		roll := rollupWindow(now, window)
		b.globalRoll = appendCapped(b.globalRoll, roll, minuteRetention)
	}
}

// Samples returns the second-resolution series for infoHash; the global
// series is returned by GlobalSamples.
func (b *Bus) Samples(infoHash model.InfoHash) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sample(nil), b.perTorrent[infoHash]...)
}

// GlobalSamples returns the second-resolution global series.
func (b *Bus) GlobalSamples() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sample(nil), b.global...)
}

// Rollups returns the minute-resolution series for infoHash, trimmed to
// the requested window.
func (b *Bus) Rollups(infoHash model.InfoHash, window WindowMode) []MinuteRollup {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.perTorrentRoll[infoHash]
	cutoff := time.Now().Add(-window.Duration())
	var out []MinuteRollup
	for _, r := range all {
		if r.At.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func lastMinute(samples []Sample, now time.Time) []Sample {
	cutoff := now.Add(-rollupInterval)
	var out []Sample
	for _, s := range samples {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func rollupWindow(now time.Time, samples []Sample) MinuteRollup {
	var sumRead, sumWrite, sumLatency float64
	var sumOps int
	for _, s := range samples {
		sumRead += float64(s.BytesRead)
		sumWrite += float64(s.BytesWritten)
		sumLatency += s.LatencyEMAms
		sumOps += s.ReadsCompleted + s.WritesCompleted
	}
	n := float64(len(samples))
	return MinuteRollup{
		At:              now,
		AvgBytesRead:    sumRead / n,
		AvgBytesWritten: sumWrite / n,
		AvgIOPS:         float64(sumOps) / n,
		AvgLatencyEMAms: sumLatency / n,
	}
}

func updateEMA(state *perTorrentState, latest float64) float64 {
	if !state.hasEMA {
		state.latencyEMA = latest
		state.hasEMA = true
		return state.latencyEMA
	}
	alpha := 2.0 / float64(latencyEMAPeriod+1)
	state.latencyEMA += alpha * (latest - state.latencyEMA)
	return state.latencyEMA
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

func appendCapped[T any](series []T, next T, cap int) []T {
	series = append(series, next)
	if len(series) > cap {
		series = series[len(series)-cap:]
	}
	return series
}

func unionKeys(a, b map[model.InfoHash]int64) map[model.InfoHash]struct{} {
	out := make(map[model.InfoHash]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
