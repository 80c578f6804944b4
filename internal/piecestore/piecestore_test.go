package piecestore

import (
	"crypto/sha1"
	"testing"

	"gorrent/internal/model"
)

const testPieceLength = 8

func newTestStore(t *testing.T, numPieces int, data [][]byte) *Store {
	t.Helper()
	hashes := make(map[uint32][20]byte, numPieces)
	for i, d := range data {
		hashes[uint32(i)] = sha1.Sum(d)
	}
	return New(model.InfoHash{}, numPieces,
		func(uint32) int64 { return testPieceLength },
		func(p uint32) [20]byte { return hashes[p] },
	)
}

func TestDeliverDuplicateBlockDropped(t *testing.T) {
	piece := []byte("abcdefgh")
	s := newTestStore(t, 1, [][]byte{piece})

	peer := model.PeerID{1}
	r1 := s.Deliver(0, 0, piece[:4], peer)
	if r1.Duplicate || r1.ReadyToVerify {
		t.Fatalf("unexpected first result: %+v", r1)
	}
	r2 := s.Deliver(0, 0, piece[:4], peer)
	if !r2.Duplicate {
		t.Fatalf("expected duplicate delivery to be dropped")
	}
	r3 := s.Deliver(0, 4, piece[4:], peer)
	if !r3.ReadyToVerify {
		t.Fatalf("expected piece to become ready to verify, got %+v", r3)
	}
}

func TestVerifyAssemblesAscendingOffsetOrder(t *testing.T) {
	piece := []byte("abcdefgh")
	s := newTestStore(t, 1, [][]byte{piece})

	peer := model.PeerID{1}
	// Deliver out of order; verification must still assemble ascending.
	s.Deliver(0, 4, piece[4:], peer)
	res := s.Deliver(0, 0, piece[:4], peer)
	if !res.ReadyToVerify {
		t.Fatalf("expected ready to verify")
	}

	vr, err := s.Verify(0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !vr.OK {
		t.Fatalf("expected verify to succeed")
	}
	if string(vr.Assembled) != string(piece) {
		t.Fatalf("assembled mismatch: got %q want %q", vr.Assembled, piece)
	}

	s.MarkComplete(0)
	if s.State(0) != model.PieceComplete {
		t.Fatalf("expected Complete after verify, got %v", s.State(0))
	}
	s.MarkPersisted(0)
	if s.State(0) != model.PiecePersisted {
		t.Fatalf("expected Persisted, got %v", s.State(0))
	}
}

func TestVerifyMismatchRevertsToMissingAndPenalizesContributors(t *testing.T) {
	piece := []byte("abcdefgh")
	s := newTestStore(t, 1, [][]byte{piece})

	peer := model.PeerID{9}
	s.Deliver(0, 0, []byte("XXXXXXXX"), peer)
	vr, err := s.Verify(0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if vr.OK {
		t.Fatalf("expected verify to fail for corrupted data")
	}
	if s.State(0) != model.PieceMissing {
		t.Fatalf("expected piece to revert to Missing, got %v", s.State(0))
	}
	if s.InvalidCount(peer) != 1 {
		t.Fatalf("expected invalid count 1 for contributing peer, got %d", s.InvalidCount(peer))
	}

	// Piece can be re-delivered after reverting.
	r := s.Deliver(0, 0, piece[:4], peer)
	if r.Duplicate {
		t.Fatalf("expected fresh delivery after revert to not be duplicate")
	}
}

func TestDeliverAfterPersistedIsDuplicate(t *testing.T) {
	piece := []byte("abcdefgh")
	s := newTestStore(t, 1, [][]byte{piece})
	s.MarkHaveFromDisk(0)

	r := s.Deliver(0, 0, piece[:4], model.PeerID{2})
	if !r.Duplicate {
		t.Fatalf("expected delivery to an already-persisted piece to be a no-op duplicate")
	}
}

func TestProgressAndMissing(t *testing.T) {
	s := newTestStore(t, 3, [][]byte{{1}, {2}, {3}})
	if got := s.Progress(); got != 0 {
		t.Fatalf("expected 0 progress, got %f", got)
	}
	s.MarkHaveFromDisk(1)
	if got := s.Progress(); got < 0.33 || got > 0.34 {
		t.Fatalf("expected ~1/3 progress, got %f", got)
	}
	missing := s.Missing()
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing pieces, got %d", len(missing))
	}
}
