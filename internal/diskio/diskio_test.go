package diskio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorrent/internal/metainfo"
	"gorrent/internal/model"
	"gorrent/internal/resources"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	rm := resources.New(resources.Limits{
		resources.PeerConnection: 10,
		resources.DiskRead:       4,
		resources.DiskWrite:      4,
		resources.Reserve:        0,
	})
	return New(rm, 2)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "piece.bin")
	if err := os.WriteFile(path, make([]byte, 32), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	e := newTestExecutor(t)
	defer e.Shutdown()

	var infoHash model.InfoHash
	file := &metainfo.File{Path: "piece.bin", Length: 32}
	extents := []metainfo.Extent{{File: file, FileOffset: 0, Length: 32}}

	data := []byte("0123456789abcdef0123456789abcdef"[:32])
	writeOp := NewWrite(infoHash, 0, dir, extents, data)
	if err := <-e.SubmitWrite(writeOp); err != nil {
		t.Fatalf("write: %v", err)
	}

	dest := make([]byte, 32)
	readOp := NewRead(infoHash, 0, dir, extents, dest)
	if err := <-e.SubmitRead(readOp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(dest) != string(data) {
		t.Fatalf("round-trip mismatch: got %q want %q", dest, data)
	}
}

func TestStartedThenFinishedEventOrdering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	os.WriteFile(path, make([]byte, 16), 0644)

	e := newTestExecutor(t)

	var infoHash model.InfoHash
	file := &metainfo.File{Path: "f.bin", Length: 16}
	extents := []metainfo.Extent{{File: file, FileOffset: 0, Length: 16}}
	op := NewWrite(infoHash, 0, dir, extents, make([]byte, 16))

	done := make(chan struct{})
	var events []Event
	go func() {
		for ev := range e.Events() {
			events = append(events, ev)
		}
		close(done)
	}()

	if err := <-e.SubmitWrite(op); err != nil {
		t.Fatalf("write: %v", err)
	}
	e.Shutdown()
	<-done

	if len(events) < 2 {
		t.Fatalf("expected at least start+finish events, got %d", len(events))
	}
	if events[0].Kind != EventWriteStarted {
		t.Fatalf("expected first event Started, got %v", events[0].Kind)
	}
	foundFinished := false
	for _, ev := range events[1:] {
		if ev.Kind == EventWriteFinished {
			foundFinished = true
		}
	}
	if !foundFinished {
		t.Fatalf("expected a Finished event after Started")
	}
}

func TestThrashScoreAndSeekCost(t *testing.T) {
	ops := []Op{
		{Offset: 0, Length: 100},
		{Offset: 100, Length: 100}, // contiguous, 0 seek
		{Offset: 500, Length: 100}, // seek of 300
	}
	// ring stores most-recent-last; ThrashScore/SeekCostPerByte iterate
	// forward assuming chronological order.
	if got := ThrashScore(ops); got != 150 {
		t.Fatalf("expected thrash score 150, got %d", got)
	}
	cost := SeekCostPerByte(ops)
	if cost <= 0 {
		t.Fatalf("expected positive seek cost, got %f", cost)
	}
}

func TestThrashScoreInsufficientData(t *testing.T) {
	if ThrashScore(nil) != 0 {
		t.Fatalf("expected 0 for empty history")
	}
	if ThrashScore([]Op{{Offset: 0, Length: 10}}) != 0 {
		t.Fatalf("expected 0 for single op")
	}
}

func TestSubmitAfterShutdownReturnsErr(t *testing.T) {
	e := newTestExecutor(t)
	e.Shutdown()

	dir := t.TempDir()
	file := &metainfo.File{Path: "x.bin", Length: 4}
	op := NewWrite(model.InfoHash{}, 0, dir, []metainfo.Extent{{File: file, Length: 4}}, make([]byte, 4))

	select {
	case err := <-e.SubmitWrite(op):
		if err == nil {
			t.Fatalf("expected error after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatalf("submit after shutdown never returned")
	}
}
