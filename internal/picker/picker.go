// Package picker implements the block selection policy of §4.E: partial
// pieces first (minimize variance), then rarest-first among what a peer
// has and we're missing, ascending piece index as the tie-break, with
// an endgame phase once under 2% of blocks remain outstanding.
package picker

import (
	"gorrent/internal/model"
)

// endgameThreshold matches §4.E's "missing-blocks < 2% of total".
const endgameThreshold = 0.02

// BlockSource supplies the blocks still missing within one piece, at a
// given block size — piecestore.Store satisfies this.
type BlockSource interface {
	MissingBlocks(piece uint32, blockSize uint32) []model.BlockRef
}

// Picker tracks piece-level bookkeeping (missing set, partial set, peer
// availability) needed to pick the next blocks to request. It is
// single-owner, driven from the owning TorrentManager goroutine.
type Picker struct {
	numPieces     int
	totalBlocks   uint32
	missingBlocks uint32

	missing      map[uint32]bool
	partial      map[uint32]bool
	availability map[uint32]int

	// requestedBy tracks, per block, which peers currently have it
	// outstanding — used for endgame duplicate-request cancellation.
	requestedBy map[model.BlockRef]map[model.PeerID]bool
}

// New constructs a Picker. totalBlocks is the swarm-wide block count,
// used for the endgame threshold.
func New(numPieces int, totalBlocks uint32) *Picker {
	p := &Picker{
		numPieces:     numPieces,
		totalBlocks:   totalBlocks,
		missingBlocks: totalBlocks,
		missing:       make(map[uint32]bool, numPieces),
		partial:       make(map[uint32]bool),
		availability:  make(map[uint32]int, numPieces),
		requestedBy:   make(map[model.BlockRef]map[model.PeerID]bool),
	}
	for i := 0; i < numPieces; i++ {
		p.missing[uint32(i)] = true
	}
	return p
}

// SetHave marks a piece as no longer missing (it has been Persisted),
// removing it from partial tracking too.
func (p *Picker) SetHave(piece uint32) {
	delete(p.missing, piece)
	delete(p.partial, piece)
}

// SetPartial marks a piece as having outstanding partial delivery, so
// it is preferred by future selections until complete.
func (p *Picker) SetPartial(piece uint32, partial bool) {
	if partial {
		p.partial[piece] = true
	} else {
		delete(p.partial, piece)
	}
}

// AddPeerHave increases a piece's availability count (a peer announced
// it via Bitfield or Have).
func (p *Picker) AddPeerHave(piece uint32) {
	p.availability[piece]++
}

// RemovePeerHave decreases a piece's availability count (peer
// disconnected or its bitfield was corrected).
func (p *Picker) RemovePeerHave(piece uint32) {
	if p.availability[piece] > 0 {
		p.availability[piece]--
	}
}

// InEndgame reports whether fewer than 2% of blocks remain outstanding.
func (p *Picker) InEndgame() bool {
	if p.totalBlocks == 0 {
		return false
	}
	return float64(p.missingBlocks) < endgameThreshold*float64(p.totalBlocks)
}

// HasInteresting reports whether the peer holds any piece we're
// missing — the trigger for Interested vs NotInterested (§4.D).
func (p *Picker) HasInteresting(peerHas func(piece uint32) bool) bool {
	for piece := range p.missing {
		if peerHas(piece) {
			return true
		}
	}
	return false
}

// candidatePieces returns missing pieces the peer has, preferring the
// partial set first, each internally sorted by ascending piece index.
func (p *Picker) candidatePieces(peerHas func(uint32) bool) []uint32 {
	var partial, rest []uint32
	for piece := range p.missing {
		if !peerHas(piece) {
			continue
		}
		if p.partial[piece] {
			partial = append(partial, piece)
		} else {
			rest = append(rest, piece)
		}
	}
	sortAscending(partial)
	sortAscending(rest)

	if len(partial) > 0 {
		return partial
	}

	// Rarest-first: order `rest` by ascending availability, ascending
	// piece index as the tie-break among equal rarity.
	sortByRarity(rest, p.availability)
	return rest
}

// NextBlocks selects up to max blocks to request from a peer, given the
// peer's bitfield, its already-outstanding blocks (to avoid duplicate
// requests to the same peer), and the source of per-piece missing
// blocks. In endgame it will also return blocks already outstanding to
// other peers.
func (p *Picker) NextBlocks(peerHas func(piece uint32) bool, alreadyOutstandingToPeer func(model.BlockRef) bool, blocks BlockSource, blockSize uint32, max int) []model.BlockRef {
	var out []model.BlockRef
	endgame := p.InEndgame()

	for _, piece := range p.candidatePieces(peerHas) {
		missing := blocks.MissingBlocks(piece, blockSize)
		for _, b := range missing {
			if len(out) >= max {
				return out
			}
			if alreadyOutstandingToPeer(b) {
				continue
			}
			if len(p.requestedBy[b]) > 0 && !endgame {
				continue
			}
			out = append(out, b)
		}
		if len(out) >= max {
			break
		}
	}
	return out
}

// OnBlockRequested records that peer now has block outstanding.
func (p *Picker) OnBlockRequested(block model.BlockRef, peer model.PeerID) {
	if p.requestedBy[block] == nil {
		p.requestedBy[block] = make(map[model.PeerID]bool)
	}
	p.requestedBy[block][peer] = true
}

// OnBlockDelivered clears a block's outstanding-request bookkeeping and
// returns the other peers it was (in endgame) also requested from, so
// the caller can send them Cancel.
func (p *Picker) OnBlockDelivered(block model.BlockRef, from model.PeerID) []model.PeerID {
	var others []model.PeerID
	for peer := range p.requestedBy[block] {
		if peer != from {
			others = append(others, peer)
		}
	}
	delete(p.requestedBy, block)
	if p.missingBlocks > 0 {
		p.missingBlocks--
	}
	return others
}

// OnRequestTimedOut clears one peer's outstanding claim on a block
// (§4.D: requeue after 60s without a Piece), without affecting others.
func (p *Picker) OnRequestTimedOut(block model.BlockRef, peer model.PeerID) {
	if m := p.requestedBy[block]; m != nil {
		delete(m, peer)
		if len(m) == 0 {
			delete(p.requestedBy, block)
		}
	}
}

// OnPieceReverted undoes delivery bookkeeping for every block of a
// piece that failed verification, so its blocks count as missing again.
func (p *Picker) OnPieceReverted(piece uint32, blockSize uint32, blocks BlockSource) {
	for _, b := range blocks.MissingBlocks(piece, blockSize) {
		delete(p.requestedBy, b)
		p.missingBlocks++
	}
	p.partial[piece] = false
}

func sortAscending(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func sortByRarity(s []uint32, availability map[uint32]int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			if availability[a] < availability[b] {
				break
			}
			if availability[a] == availability[b] && a < b {
				break
			}
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
