// Package peersource presents trackers, DHT, and PEX as a single opaque
// peer-source contract to the core engine (§6): the core hands over
// (bytes_uploaded, bytes_downloaded, bytes_left) and gets back a peer set
// plus a next_announce_in duration. DHT and PEX are genuinely opaque here
// — DHTSource is a narrow adapter around "whatever implements the same
// client_port convention as the TCP listener", and PEXSource returns the
// peer batches handed to it through Offer; it does not parse Extended(20)
// PEX messages itself.
package peersource

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"gorrent/internal/model"
	"gorrent/internal/tracker"
)

// Stats is what the engine reports to the peer-source on each poll.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
}

// Result is what a poll returns.
type Result struct {
	Peers          []model.PeerAddress
	NextAnnounceIn time.Duration
}

const (
	defaultAnnounceInterval = 1800 * time.Second
	minRetryInterval        = 30 * time.Second
)

// Source is one contributing peer-source (an announce tracker, DHT, or PEX).
type Source interface {
	Poll(ctx context.Context, infoHash model.InfoHash, peerID model.PeerID, port uint16, stats Stats) (*Result, error)
	Name() string
}

// TrackerSource adapts a tracker.Tracker to the Source contract.
type TrackerSource struct {
	t tracker.Tracker
}

func NewTrackerSource(t tracker.Tracker) *TrackerSource {
	return &TrackerSource{t: t}
}

func (s *TrackerSource) Name() string { return s.t.URL() }

func (s *TrackerSource) Poll(ctx context.Context, infoHash model.InfoHash, peerID model.PeerID, port uint16, stats Stats) (*Result, error) {
	res, err := s.t.Announce(ctx, tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerID:     peerID,
		Port:       port,
		Uploaded:   stats.Uploaded,
		Downloaded: stats.Downloaded,
		Left:       stats.Left,
		Event:      stats.Event,
	})
	if err != nil {
		return nil, err
	}
	interval := res.Interval
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	return &Result{Peers: res.Peers, NextAnnounceIn: interval}, nil
}

// DHTSource is an opaque adapter over a DHT client operating on the same
// client_port as the TCP listener (§6). The concrete DHT implementation
// is out of scope for this engine; this adapter exists so
// internal/torrentmgr only ever depends on the Source interface.
type DHTSource struct {
	Lookup func(ctx context.Context, infoHash model.InfoHash) ([]model.PeerAddress, error)
}

func (s *DHTSource) Name() string { return "dht" }

func (s *DHTSource) Poll(ctx context.Context, infoHash model.InfoHash, _ model.PeerID, _ uint16, _ Stats) (*Result, error) {
	if s.Lookup == nil {
		return &Result{NextAnnounceIn: defaultAnnounceInterval}, nil
	}
	peers, err := s.Lookup(ctx, infoHash)
	if err != nil {
		return nil, fmt.Errorf("dht lookup: %w", err)
	}
	return &Result{Peers: peers, NextAnnounceIn: defaultAnnounceInterval}, nil
}

// PEXSource surfaces peers handed to it through Offer; it never dials out
// and does not decode Extended(20) PEX messages, it merely drains
// whatever has been pushed into its channel.
type PEXSource struct {
	peers chan []model.PeerAddress
}

func NewPEXSource() *PEXSource {
	return &PEXSource{peers: make(chan []model.PeerAddress, 64)}
}

func (s *PEXSource) Name() string { return "pex" }

// Offer queues a batch of peers for the next Poll.
func (s *PEXSource) Offer(peers []model.PeerAddress) {
	select {
	case s.peers <- peers:
	default:
		// drop under backpressure; PEX is opportunistic
	}
}

func (s *PEXSource) Poll(ctx context.Context, _ model.InfoHash, _ model.PeerID, _ uint16, _ Stats) (*Result, error) {
	var merged []model.PeerAddress
	for {
		select {
		case batch := <-s.peers:
			merged = append(merged, batch...)
		default:
			return &Result{Peers: merged, NextAnnounceIn: defaultAnnounceInterval}, nil
		}
	}
}

// Aggregator polls every configured Source and merges their peer sets,
// honoring the shortest requested next_announce_in (with a floor of
// min_interval on error, per §4.H).
type Aggregator struct {
	sources []Source
}

func NewAggregator(sources ...Source) *Aggregator {
	return &Aggregator{sources: sources}
}

// Poll queries every source, logging and skipping ones that error, and
// returns the merged peer set plus the minimum next_announce_in observed.
func (a *Aggregator) Poll(ctx context.Context, infoHash model.InfoHash, peerID model.PeerID, port uint16, stats Stats) (*Result, error) {
	merged := &Result{NextAnnounceIn: defaultAnnounceInterval}
	seen := make(map[string]bool)
	anySucceeded := false

	for _, src := range a.sources {
		res, err := src.Poll(ctx, infoHash, peerID, port, stats)
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Str("info_hash", infoHash.String()).Msg("peer-source poll failed")
			continue
		}
		anySucceeded = true
		for _, p := range res.Peers {
			key := p.Key()
			if !seen[key] {
				seen[key] = true
				merged.Peers = append(merged.Peers, p)
			}
		}
		if res.NextAnnounceIn > 0 && res.NextAnnounceIn < merged.NextAnnounceIn {
			merged.NextAnnounceIn = res.NextAnnounceIn
		}
	}

	if !anySucceeded && len(a.sources) > 0 {
		merged.NextAnnounceIn = minRetryInterval
	}
	return merged, nil
}
