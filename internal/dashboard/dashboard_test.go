package dashboard

import (
	"bytes"
	"strings"
	"testing"

	"gorrent/internal/model"
)

func TestRenderWritesColorizedSummaryLine(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)

	statuses := []TorrentStatus{
		{InfoHash: model.InfoHash{1}, Name: "alpha", TotalBytes: 100, DownloadedBytes: 50, DownloadRate: 2048, UploadRate: 512, Peers: 3},
	}
	d.Render(statuses)

	out := buf.String()
	if !strings.Contains(out, "torrents") {
		t.Fatalf("expected summary line mentioning torrent count, got %q", out)
	}
	if strings.Contains(out, "[green]") || strings.Contains(out, "[reset]") {
		t.Fatalf("expected color tags to be resolved, got raw tags in %q", out)
	}
}

func TestRenderReusesBarAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)
	ih := model.InfoHash{2}

	d.Render([]TorrentStatus{{InfoHash: ih, Name: "beta", TotalBytes: 100, DownloadedBytes: 10}})
	first := d.barFor(TorrentStatus{InfoHash: ih, Name: "beta", TotalBytes: 100})

	d.Render([]TorrentStatus{{InfoHash: ih, Name: "beta", TotalBytes: 100, DownloadedBytes: 20}})
	second := d.barFor(TorrentStatus{InfoHash: ih, Name: "beta", TotalBytes: 100})

	if first != second {
		t.Fatalf("expected the same progress bar instance to be reused across renders")
	}
}

func TestRemoveDropsBar(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)
	ih := model.InfoHash{3}
	d.Render([]TorrentStatus{{InfoHash: ih, Name: "gamma", TotalBytes: 10}})
	d.Remove(ih)
	if _, ok := d.bars[ih]; ok {
		t.Fatalf("expected bar to be removed")
	}
}

func TestFormatRateUnits(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{500, "500 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
	}
	for _, c := range cases {
		if got := formatRate(c.in); got != c.want {
			t.Fatalf("formatRate(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
