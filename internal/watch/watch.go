// Package watch polls the watch_folder of §6 for new command files
// (*.torrent, *.magnet, *.path, shutdown.cmd), debouncing duplicate
// notifications for the same path by 500ms. Grounded on the teacher's
// plain ticker-based polling style (no fsnotify in the teacher's
// go.mod, so this stays consistent with the pack's stdlib-polling
// approach rather than pulling in a filesystem-watch library).
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	pollInterval = 500 * time.Millisecond
	debounce     = 500 * time.Millisecond
)

// CommandKind distinguishes the four command-file shapes of §6.
type CommandKind int

const (
	CommandAddTorrentFile CommandKind = iota
	CommandAddMagnet
	CommandAddPath
	CommandShutdown
)

// Command is one observed, debounced command-file event.
type Command struct {
	Kind CommandKind
	Path string
	// Body is the file's trimmed contents for *.magnet (the magnet URI)
	// and *.path (the target .torrent file's path); empty otherwise.
	Body string
}

// Watcher polls a directory for command files.
type Watcher struct {
	dir      string
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	commands chan Command
}

// New constructs a Watcher over dir.
func New(dir string) *Watcher {
	return &Watcher{
		dir:      dir,
		interval: pollInterval,
		lastSeen: make(map[string]time.Time),
		commands: make(chan Command, 16),
	}
}

// SetInterval overrides the poll interval for tests.
func (w *Watcher) SetInterval(d time.Duration) { w.interval = d }

// Commands is the channel of debounced, classified command files.
func (w *Watcher) Commands() <-chan Command { return w.commands }

// Run polls until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			close(w.commands)
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", w.dir).Msg("watch folder scan failed")
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.debounced(path, now) {
			continue
		}
		if cmd, ok := classify(path, entry.Name()); ok {
			select {
			case w.commands <- cmd:
			default:
				log.Warn().Str("path", path).Msg("dropping command, channel full")
			}
		}
	}
}

func (w *Watcher) debounced(path string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < debounce {
		return true
	}
	w.lastSeen[path] = now
	return false
}

func classify(path, name string) (Command, bool) {
	switch {
	case name == "shutdown.cmd":
		return Command{Kind: CommandShutdown, Path: path}, true
	case strings.HasSuffix(name, ".torrent"):
		return Command{Kind: CommandAddTorrentFile, Path: path}, true
	case strings.HasSuffix(name, ".magnet"):
		body, err := readTrimmed(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to read magnet command file")
			return Command{}, false
		}
		return Command{Kind: CommandAddMagnet, Path: path, Body: body}, true
	case strings.HasSuffix(name, ".path"):
		body, err := readTrimmed(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to read path command file")
			return Command{}, false
		}
		return Command{Kind: CommandAddPath, Path: path, Body: body}, true
	default:
		return Command{}, false
	}
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
