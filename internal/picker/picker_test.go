package picker

import (
	"testing"

	"gorrent/internal/model"
)

type fakeBlocks struct {
	delivered map[model.BlockRef]bool
	pieceLen  uint32
}

func (f *fakeBlocks) MissingBlocks(piece uint32, blockSize uint32) []model.BlockRef {
	var out []model.BlockRef
	for off := uint32(0); off < f.pieceLen; off += blockSize {
		b := model.BlockRef{Piece: piece, Offset: off, Length: blockSize}
		if !f.delivered[b] {
			out = append(out, b)
		}
	}
	return out
}

func allHave(uint32) bool { return true }

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	p := New(3, 3*4) // 3 pieces, 12 blocks total for the endgame count (fakeBlocks yields 1 block per piece: pieceLen==blockSize)
	p.AddPeerHave(0)
	p.AddPeerHave(0)
	p.AddPeerHave(1) // piece 1 is rarer
	// piece 2 has zero availability recorded but peer "has" it per allHave;
	// availability tracks distinct peers announcing Have/Bitfield, so a
	// piece nobody announced stays at 0 (rarest).

	blocks := &fakeBlocks{delivered: map[model.BlockRef]bool{}, pieceLen: 4}
	got := p.NextBlocks(allHave, func(model.BlockRef) bool { return false }, blocks, 4, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got))
	}
	if got[0].Piece != 2 {
		t.Fatalf("expected rarest piece 2 first, got piece %d", got[0].Piece)
	}
}

func TestPartialPiecesPreferredOverRarity(t *testing.T) {
	p := New(2, 2*4)
	p.AddPeerHave(0) // piece 0 common
	p.SetPartial(1, true)

	blocks := &fakeBlocks{delivered: map[model.BlockRef]bool{}, pieceLen: 4}
	got := p.NextBlocks(allHave, func(model.BlockRef) bool { return false }, blocks, 4, 1)
	if len(got) != 1 || got[0].Piece != 1 {
		t.Fatalf("expected partial piece 1 to be preferred, got %+v", got)
	}
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	p := New(1, 100) // totalBlocks large so normally not in endgame
	// force endgame by draining missingBlocks below 2% of 100 = 2
	p.missingBlocks = 1

	block := model.BlockRef{Piece: 0, Offset: 0, Length: 4}
	p.OnBlockRequested(block, model.PeerID{1})

	if !p.InEndgame() {
		t.Fatalf("expected endgame with missingBlocks=1, total=100")
	}

	blocks := &fakeBlocks{delivered: map[model.BlockRef]bool{}, pieceLen: 4}
	got := p.NextBlocks(allHave, func(model.BlockRef) bool { return false }, blocks, 4, 5)
	if len(got) != 1 {
		t.Fatalf("expected the single outstanding block offered again in endgame, got %d", len(got))
	}
}

func TestOnBlockDeliveredReturnsOthersToCancel(t *testing.T) {
	p := New(1, 10)
	block := model.BlockRef{Piece: 0, Offset: 0, Length: 4}
	peerA, peerB, peerC := model.PeerID{1}, model.PeerID{2}, model.PeerID{3}
	p.OnBlockRequested(block, peerA)
	p.OnBlockRequested(block, peerB)
	p.OnBlockRequested(block, peerC)

	others := p.OnBlockDelivered(block, peerA)
	if len(others) != 2 {
		t.Fatalf("expected 2 other peers to cancel, got %d", len(others))
	}
	for _, o := range others {
		if o == peerA {
			t.Fatalf("deliverer should not appear in cancel list")
		}
	}
}

func TestHasInterestingFalseWhenNothingMissing(t *testing.T) {
	p := New(1, 4)
	p.SetHave(0)
	if p.HasInteresting(allHave) {
		t.Fatalf("expected no interesting pieces once the only piece is Have")
	}
}

func TestOnRequestTimedOutClearsOnlyThatPeer(t *testing.T) {
	p := New(1, 10)
	block := model.BlockRef{Piece: 0, Offset: 0, Length: 4}
	peerA, peerB := model.PeerID{1}, model.PeerID{2}
	p.OnBlockRequested(block, peerA)
	p.OnBlockRequested(block, peerB)

	p.OnRequestTimedOut(block, peerA)
	if len(p.requestedBy[block]) != 1 {
		t.Fatalf("expected peerB still outstanding, got %d entries", len(p.requestedBy[block]))
	}
}
