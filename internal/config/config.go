// Package config holds process bootstrap (environment-derived, loaded
// once at startup) and the persisted client settings of §6, extending
// the teacher's config/app.go bootstrap pattern.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Bootstrap is the environment-derived process configuration, loaded
// once at startup the way the teacher's NewAppConfig does.
type Bootstrap struct {
	CacheDir    string
	DownloadDir string
	DBPath      string
	ListenPort  uint16
}

// LoadBootstrap reads a .env file if present (ignoring its absence, like
// the teacher's bare `_ = godotenv.Load()`), then falls back to sane
// defaults for anything unset.
func LoadBootstrap() *Bootstrap {
	_ = godotenv.Load()

	b := &Bootstrap{
		CacheDir:    envOr("CACHE_DIR", "storage/cache"),
		DownloadDir: envOr("DOWNLOAD_DIR", "storage/downloads"),
		DBPath:      envOr("DB_PATH", "storage/state.db"),
		ListenPort:  6881,
	}
	if p := os.Getenv("CLIENT_PORT"); p != "" {
		if port, err := parsePort(p); err == nil {
			b.ListenPort = port
		}
	}
	return b
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// ControlState mirrors torrentmgr.ControlState for the persisted torrent
// entry — kept as its own type here (rather than importing torrentmgr)
// to avoid a config → torrentmgr → config import cycle.
type ControlState string

const (
	Running  ControlState = "Running"
	Paused   ControlState = "Paused"
	Deleting ControlState = "Deleting"
)

// ValidationStatus tracks whether a resumed torrent's on-disk pieces
// have been re-verified yet.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationVerified ValidationStatus = "verified"
	ValidationFailed   ValidationStatus = "failed"
)

// TorrentEntry is one persisted torrent row, per §6's torrents[] field.
type TorrentEntry struct {
	TorrentOrMagnet string
	Name            string
	ValidationStatus ValidationStatus
	DownloadPath    string
	ControlState    ControlState
}

// Settings is the persisted client configuration of §6: consumed at
// init; it is written back only through db.SaveSettings, which serve
// does not call at shutdown.
type Settings struct {
	ClientPort            uint16
	DefaultDownloadFolder string
	WatchFolder           string
	GlobalDownloadLimitBps float64
	GlobalUploadLimitBps   float64
	ResourceLimitOverride int
	LifetimeDownloaded    int64
	LifetimeUploaded      int64
	Torrents              []TorrentEntry
	TorrentSort           string
	PeerSort              string
	BootstrapNodes        []string
}

// DefaultSettings returns the settings a first-run client starts with.
func DefaultSettings(bootstrap *Bootstrap) *Settings {
	return &Settings{
		ClientPort:            bootstrap.ListenPort,
		DefaultDownloadFolder: bootstrap.DownloadDir,
		WatchFolder:           filepath.Join(bootstrap.DownloadDir, "watch"),
		TorrentSort:           "name",
		PeerSort:              "download_rate",
	}
}

// MostCommonDownloadPath returns the parent directory most frequently
// used across the persisted torrents' download paths, ported from
// find_most_common_download_path in the original client: it is offered
// as the default for a newly added torrent. Ties break on the
// lexicographically smallest path for determinism.
func (s *Settings) MostCommonDownloadPath() string {
	counts := make(map[string]int)
	for _, t := range s.Torrents {
		parent := filepath.Dir(t.DownloadPath)
		if parent == "" || parent == "." {
			continue
		}
		counts[parent]++
	}

	var best string
	bestCount := 0
	for path, count := range counts {
		if count > bestCount || (count == bestCount && (best == "" || path < best)) {
			best = path
			bestCount = count
		}
	}
	if best == "" {
		return s.DefaultDownloadFolder
	}
	return best
}
