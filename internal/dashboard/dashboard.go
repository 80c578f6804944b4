// Package dashboard renders the CLI status view: one progress bar per
// active torrent plus a colorized summary line, grounded on the
// teacher's plain `println`/zerolog status reporting but upgraded to
// the progress-bar and color libraries already in its go.mod
// (schollz/progressbar and mitchellh/colorstring), which the teacher
// imports but — per its go.mod — never actually calls from its own
// one-shot CLI.
package dashboard

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"gorrent/internal/model"
)

// TorrentStatus is the subset of a torrent's live state the dashboard
// renders for one row.
type TorrentStatus struct {
	InfoHash       model.InfoHash
	Name           string
	TotalBytes     int64
	DownloadedBytes int64
	DownloadRate   float64 // bytes/sec
	UploadRate     float64 // bytes/sec
	Peers          int
	Paused         bool
}

// Dashboard owns one progress bar per torrent and redraws them to Out.
type Dashboard struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[model.InfoHash]*progressbar.ProgressBar
}

// New constructs a Dashboard writing to out.
func New(out io.Writer) *Dashboard {
	return &Dashboard{out: out, bars: make(map[model.InfoHash]*progressbar.ProgressBar)}
}

// Render draws one frame: a sorted-by-name progress bar per torrent,
// plus a colorized summary line of aggregate rates.
func (d *Dashboard) Render(statuses []TorrentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sorted := make([]TorrentStatus, len(statuses))
	copy(sorted, statuses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var totalDown, totalUp float64
	for _, s := range sorted {
		bar := d.barFor(s)
		bar.Describe(describe(s))
		_ = bar.Set64(s.DownloadedBytes)
		totalDown += s.DownloadRate
		totalUp += s.UploadRate
	}

	summary := fmt.Sprintf(
		"[green]down[reset] %s/s  [cyan]up[reset] %s/s  [yellow]%d[reset] torrents",
		formatRate(totalDown), formatRate(totalUp), len(sorted),
	)
	fmt.Fprintln(d.out, colorstring.Color(summary))
}

func (d *Dashboard) barFor(s TorrentStatus) *progressbar.ProgressBar {
	bar, ok := d.bars[s.InfoHash]
	if !ok {
		bar = progressbar.DefaultBytes(s.TotalBytes, s.Name)
		d.bars[s.InfoHash] = bar
	}
	return bar
}

// Remove drops a torrent's progress bar, called once it's deleted.
func (d *Dashboard) Remove(infoHash model.InfoHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bars, infoHash)
}

func describe(s TorrentStatus) string {
	state := "[green]running[reset]"
	if s.Paused {
		state = "[yellow]paused[reset]"
	}
	return colorstring.Color(fmt.Sprintf("%s %s (%d peers)", s.Name, state, s.Peers))
}

func formatRate(bytesPerSecond float64) string {
	const (
		kb = 1024.0
		mb = 1024 * kb
	)
	switch {
	case bytesPerSecond >= mb:
		return fmt.Sprintf("%.2f MB", bytesPerSecond/mb)
	case bytesPerSecond >= kb:
		return fmt.Sprintf("%.2f KB", bytesPerSecond/kb)
	default:
		return fmt.Sprintf("%.0f B", bytesPerSecond)
	}
}
