package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScanClassifiesEachCommandKind(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.torrent"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "b.magnet"), []byte("magnet:?xt=urn:btih:abc\n"), 0644)
	os.WriteFile(filepath.Join(dir, "c.path"), []byte("/tmp/some.torrent\n"), 0644)
	os.WriteFile(filepath.Join(dir, "shutdown.cmd"), []byte(""), 0644)
	os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte(""), 0644)

	w := New(dir)
	w.SetInterval(10 * time.Millisecond)
	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	seen := make(map[CommandKind]Command)
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case cmd := <-w.Commands():
			seen[cmd.Kind] = cmd
		case <-deadline:
			t.Fatalf("timed out waiting for commands, got %d", len(seen))
		}
	}

	if seen[CommandAddMagnet].Body != "magnet:?xt=urn:btih:abc" {
		t.Fatalf("expected trimmed magnet body, got %q", seen[CommandAddMagnet].Body)
	}
	if seen[CommandAddPath].Body != "/tmp/some.torrent" {
		t.Fatalf("expected trimmed path body, got %q", seen[CommandAddPath].Body)
	}
}

func TestDebounceSuppressesDuplicateWithinWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.torrent")
	os.WriteFile(path, []byte("x"), 0644)

	w := New(dir)
	now := time.Now()
	if w.debounced(path, now) {
		t.Fatalf("first observation should not be debounced")
	}
	if !w.debounced(path, now.Add(100*time.Millisecond)) {
		t.Fatalf("observation within 500ms should be debounced")
	}
	if w.debounced(path, now.Add(600*time.Millisecond)) {
		t.Fatalf("observation after 500ms should not be debounced")
	}
}
