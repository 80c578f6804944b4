// Package piecestore holds pieces under construction, verifies completed
// pieces against the torrent's info-hash, and tracks which pieces have
// been persisted to disk (§4.F). A Store is single-owner: per §5 and §9,
// all mutation is routed through the owning TorrentManager's goroutine,
// so the type itself does no internal locking.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"sort"

	"gorrent/internal/model"
)

type pieceBuffer struct {
	length       int64
	received     int64
	blocks       map[uint32][]byte // offset -> data
	contributors map[uint32]model.PeerID
}

func newPieceBuffer(length int64) *pieceBuffer {
	return &pieceBuffer{
		length:       length,
		blocks:       make(map[uint32][]byte),
		contributors: make(map[uint32]model.PeerID),
	}
}

// assembled concatenates blocks in ascending offset order, per §3's
// invariant that verification digests that exact ordering.
func (pb *pieceBuffer) assembled() []byte {
	offsets := make([]uint32, 0, len(pb.blocks))
	for off := range pb.blocks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]byte, 0, pb.length)
	for _, off := range offsets {
		out = append(out, pb.blocks[off]...)
	}
	return out
}

// Store holds all pieces of one torrent in their various lifecycle
// states (§3 PieceState).
type Store struct {
	infoHash    model.InfoHash
	numPieces   int
	pieceLength func(uint32) int64
	pieceHash   func(uint32) [20]byte

	states  []model.PieceState
	buffers map[uint32]*pieceBuffer

	// invalidCounts tracks per-peer invalid-piece contributions across
	// the session (see InvalidCount); the blacklist itself is enforced
	// by the peer session's own counter.
	invalidCounts map[model.PeerID]int
}

// New constructs a Store. pieceLength and pieceHash are closures over the
// torrent's Metadata so this package has no import-time dependency on it.
func New(infoHash model.InfoHash, numPieces int, pieceLength func(uint32) int64, pieceHash func(uint32) [20]byte) *Store {
	return &Store{
		infoHash:      infoHash,
		numPieces:     numPieces,
		pieceLength:   pieceLength,
		pieceHash:     pieceHash,
		states:        make([]model.PieceState, numPieces),
		buffers:       make(map[uint32]*pieceBuffer),
		invalidCounts: make(map[model.PeerID]int),
	}
}

// State reports the current lifecycle state of a piece.
func (s *Store) State(piece uint32) model.PieceState { return s.states[piece] }

// MarkHaveFromDisk seeds the store's state for a piece already verified
// and present on disk before this run started (resumed torrents).
func (s *Store) MarkHaveFromDisk(piece uint32) {
	s.states[piece] = model.PiecePersisted
}

// Bitfield reports, for every piece, whether it is Persisted.
func (s *Store) Bitfield() []bool {
	out := make([]bool, s.numPieces)
	for i, st := range s.states {
		out[i] = st == model.PiecePersisted
	}
	return out
}

// Missing returns indices of pieces not yet Persisted.
func (s *Store) Missing() []uint32 {
	var out []uint32
	for i, st := range s.states {
		if st != model.PiecePersisted {
			out = append(out, uint32(i))
		}
	}
	return out
}

// DeliverResult tells the caller what to do next with a delivered block.
type DeliverResult struct {
	Duplicate     bool
	ReadyToVerify bool
}

// Deliver records a received block. Duplicate deliveries for bytes
// already held by this piece are dropped silently, per §3's invariant.
func (s *Store) Deliver(piece uint32, offset uint32, data []byte, from model.PeerID) DeliverResult {
	if s.states[piece] == model.PiecePersisted {
		return DeliverResult{Duplicate: true}
	}

	buf, ok := s.buffers[piece]
	if !ok {
		buf = newPieceBuffer(s.pieceLength(piece))
		s.buffers[piece] = buf
		s.states[piece] = model.PieceRequested
	}

	if _, exists := buf.blocks[offset]; exists {
		return DeliverResult{Duplicate: true}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	buf.blocks[offset] = cp
	buf.contributors[offset] = from
	buf.received += int64(len(data))

	if buf.received >= buf.length {
		s.states[piece] = model.PiecePendingVerify
		return DeliverResult{ReadyToVerify: true}
	}
	return DeliverResult{}
}

// VerifyResult is the outcome of hashing a fully-received piece.
type VerifyResult struct {
	OK           bool
	Assembled    []byte
	Contributors []model.PeerID
}

// Verify hashes the concatenation of piece's blocks (ascending offset
// order) and compares against the metadata's piece digest. On mismatch,
// the piece's bytes are dropped and its state reverts to Missing; the
// caller is expected to penalize the returned contributors.
func (s *Store) Verify(piece uint32) (VerifyResult, error) {
	buf, ok := s.buffers[piece]
	if !ok {
		return VerifyResult{}, fmt.Errorf("piece %d has no buffer to verify", piece)
	}

	assembled := buf.assembled()
	got := sha1.Sum(assembled)
	want := s.pieceHash(piece)

	contributors := make([]model.PeerID, 0, len(buf.contributors))
	seen := make(map[model.PeerID]bool)
	for _, c := range buf.contributors {
		if !seen[c] {
			seen[c] = true
			contributors = append(contributors, c)
		}
	}

	if got != want {
		for _, c := range contributors {
			s.invalidCounts[c]++
		}
		delete(s.buffers, piece)
		s.states[piece] = model.PieceMissing
		return VerifyResult{OK: false, Contributors: contributors}, nil
	}

	return VerifyResult{OK: true, Assembled: assembled, Contributors: contributors}, nil
}

// MarkComplete transitions a verified piece to Complete (hash matched,
// disk write not yet confirmed).
func (s *Store) MarkComplete(piece uint32) {
	s.states[piece] = model.PieceComplete
}

// MarkPersisted transitions a Complete piece to Persisted once its disk
// write has finished, and frees its in-memory buffer.
func (s *Store) MarkPersisted(piece uint32) {
	s.states[piece] = model.PiecePersisted
	delete(s.buffers, piece)
}

// MissingBlocks reports, for a piece not yet Persisted, the blocks that
// have not been delivered, at the given block size. Pieces with no
// buffer yet (nothing delivered) report every block as missing. This is
// the bridge the picker (§4.E) uses to avoid re-requesting bytes a
// partially-downloaded piece already holds.
func (s *Store) MissingBlocks(piece uint32, blockSize uint32) []model.BlockRef {
	if s.states[piece] == model.PiecePersisted {
		return nil
	}
	length := s.pieceLength(piece)
	buf := s.buffers[piece]

	var out []model.BlockRef
	for offset := int64(0); offset < length; offset += int64(blockSize) {
		if buf != nil {
			if _, have := buf.blocks[uint32(offset)]; have {
				continue
			}
		}
		blen := int64(blockSize)
		if offset+blen > length {
			blen = length - offset
		}
		out = append(out, model.BlockRef{Piece: piece, Offset: uint32(offset), Length: uint32(blen)})
	}
	return out
}

// InvalidCount reports how many pieces a given peer has contributed
// invalid blocks to, for the anti-abuse blacklist.
func (s *Store) InvalidCount(peer model.PeerID) int {
	return s.invalidCounts[peer]
}

// Progress reports the fraction of pieces Persisted, for telemetry/UI.
func (s *Store) Progress() float64 {
	if s.numPieces == 0 {
		return 0
	}
	done := 0
	for _, st := range s.states {
		if st == model.PiecePersisted {
			done++
		}
	}
	return float64(done) / float64(s.numPieces)
}
