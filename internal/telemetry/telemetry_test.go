package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorrent/internal/diskio"
	"gorrent/internal/metainfo"
	"gorrent/internal/model"
	"gorrent/internal/resources"
)

func newTestExecutor(t *testing.T) *diskio.Executor {
	t.Helper()
	rm := resources.New(resources.Limits{
		resources.PeerConnection: 10,
		resources.DiskRead:       4,
		resources.DiskWrite:      4,
		resources.Reserve:        0,
	})
	return diskio.New(rm, 2)
}

func TestObserveAccumulatesWriteBytesIntoPendingGlobal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	os.WriteFile(path, make([]byte, 64), 0644)

	exec := newTestExecutor(t)
	defer exec.Shutdown()
	bus := New(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	var infoHash model.InfoHash
	file := &metainfo.File{Path: "f.bin", Length: 64}
	extents := []metainfo.Extent{{File: file, FileOffset: 0, Length: 32}}
	op := diskio.NewWrite(infoHash, 0, dir, extents, make([]byte, 32))
	if err := <-exec.SubmitWrite(op); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if samples := bus.GlobalSamples(); len(samples) > 0 {
			found := false
			for _, s := range samples {
				if s.BytesWritten > 0 {
					found = true
				}
			}
			if found {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a global sample with BytesWritten > 0 within the deadline")
}

func TestRollupWindowAverages(t *testing.T) {
	now := time.Now()
	samples := []Sample{
		{At: now, BytesRead: 100, BytesWritten: 0, ReadsCompleted: 1, LatencyEMAms: 10},
		{At: now, BytesRead: 300, BytesWritten: 0, ReadsCompleted: 1, LatencyEMAms: 20},
	}
	roll := rollupWindow(now, samples)
	if roll.AvgBytesRead != 200 {
		t.Fatalf("expected avg bytes read 200, got %v", roll.AvgBytesRead)
	}
	if roll.AvgLatencyEMAms != 15 {
		t.Fatalf("expected avg latency 15, got %v", roll.AvgLatencyEMAms)
	}
	if roll.AvgIOPS != 1 {
		t.Fatalf("expected avg IOPS 1, got %v", roll.AvgIOPS)
	}
}

func TestUpdateEMASeedsOnFirstSample(t *testing.T) {
	state := &perTorrentState{}
	got := updateEMA(state, 50)
	if got != 50 {
		t.Fatalf("expected EMA to seed at the first sample, got %v", got)
	}
	next := updateEMA(state, 0)
	if next <= 0 || next >= 50 {
		t.Fatalf("expected EMA to move toward 0 without jumping there, got %v", next)
	}
}

func TestAppendCappedEvictsOldest(t *testing.T) {
	var series []int
	for i := 0; i < 5; i++ {
		series = appendCapped(series, i, 3)
	}
	if len(series) != 3 {
		t.Fatalf("expected length capped at 3, got %d", len(series))
	}
	if series[0] != 2 {
		t.Fatalf("expected oldest entries evicted, got first=%d", series[0])
	}
}

func TestWindowModeDuration(t *testing.T) {
	if Window1m.Duration() != time.Minute {
		t.Fatalf("expected Window1m to be one minute")
	}
	if Window24h.Duration() != 24*time.Hour {
		t.Fatalf("expected Window24h to be 24 hours")
	}
}
