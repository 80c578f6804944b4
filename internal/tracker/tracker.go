// Package tracker implements the HTTP and UDP tracker protocols. It is
// one concrete peer-source; the core engine (§6) only ever sees the
// opaque contract in internal/peersource — next_announce_in and a peer
// set in, (uploaded, downloaded, left) out.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"gorrent/internal/model"
)

// AnnounceRequest carries what a tracker needs to know about this client
// and torrent to hand back peers.
type AnnounceRequest struct {
	InfoHash   model.InfoHash
	PeerID     model.PeerID
	IP         string
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string // "started", "stopped", "completed", or ""
}

// AnnounceResult is what the tracker gave back.
type AnnounceResult struct {
	Peers       []model.PeerAddress
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int
	Leechers    int
}

// Tracker is the interface common to HTTP and UDP trackers.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error)
	URL() string
	LastError() error
}

// New dispatches on the announce URL's scheme to construct the right
// tracker client.
func New(announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTracker(announce), nil
	case "udp":
		return newUDPTracker(announce), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %q", u.Scheme)
	}
}
