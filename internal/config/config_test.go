package config

import "testing"

func TestMostCommonDownloadPathPicksMostFrequentParent(t *testing.T) {
	s := &Settings{
		DefaultDownloadFolder: "/default",
		Torrents: []TorrentEntry{
			{DownloadPath: "/mnt/media/movie1"},
			{DownloadPath: "/mnt/media/movie2"},
			{DownloadPath: "/mnt/books/book1"},
		},
	}
	if got := s.MostCommonDownloadPath(); got != "/mnt/media" {
		t.Fatalf("expected /mnt/media, got %q", got)
	}
}

func TestMostCommonDownloadPathFallsBackToDefault(t *testing.T) {
	s := &Settings{DefaultDownloadFolder: "/default"}
	if got := s.MostCommonDownloadPath(); got != "/default" {
		t.Fatalf("expected default fallback, got %q", got)
	}
}

func TestMostCommonDownloadPathTieBreaksLexicographically(t *testing.T) {
	s := &Settings{
		DefaultDownloadFolder: "/default",
		Torrents: []TorrentEntry{
			{DownloadPath: "/z/one"},
			{DownloadPath: "/a/one"},
		},
	}
	if got := s.MostCommonDownloadPath(); got != "/a" {
		t.Fatalf("expected /a to win the tie, got %q", got)
	}
}

func TestParsePort(t *testing.T) {
	port, err := parsePort("6881")
	if err != nil {
		t.Fatalf("parsePort: %v", err)
	}
	if port != 6881 {
		t.Fatalf("expected 6881, got %d", port)
	}
	if _, err := parsePort("not-a-port"); err == nil {
		t.Fatalf("expected an error for non-numeric input")
	}
}
