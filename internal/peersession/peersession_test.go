package peersession

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"gorrent/internal/coreerrors"
	"gorrent/internal/model"
	"gorrent/internal/wire"
)

func testAddr() model.PeerAddress {
	return model.PeerAddress{IP: net.ParseIP("127.0.0.1"), Port: 6881}
}

func TestHandshakeMismatchIsProtocolViolation(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	wantHash := model.InfoHash{0x02}
	s := newSession(c1, testAddr(), wantHash, model.PeerID{1}, nil)

	done := make(chan error, 1)
	go func() { done <- s.handshakeOutbound() }()

	if _, err := wire.ReadHandshake(c2); err != nil {
		t.Fatalf("bob read handshake: %v", err)
	}
	mismatched := &wire.Handshake{InfoHash: model.InfoHash{0x01}, PeerID: model.PeerID{9}}
	if _, err := c2.Write(mismatched.Serialize()); err != nil {
		t.Fatalf("bob write handshake: %v", err)
	}

	err := <-done
	var pv *coreerrors.ProtocolViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestRequestBlockRespectsPipelineAndChoke(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go io.Copy(io.Discard, c2)

	s := newSession(c1, testAddr(), model.InfoHash{}, model.PeerID{1}, nil)
	s.state = Active
	s.amInterested = true

	block := model.BlockRef{Piece: 0, Offset: 0, Length: 16384}
	if err := s.RequestBlock(block); err == nil {
		t.Fatalf("expected request to fail while peer is choking")
	}

	s.mu.Lock()
	s.peerChoking = false
	s.mu.Unlock()

	for i := 0; i < MaxPipeline; i++ {
		b := model.BlockRef{Piece: 0, Offset: uint32(i * 16384), Length: 16384}
		if err := s.RequestBlock(b); err != nil {
			t.Fatalf("request %d should have succeeded: %v", i, err)
		}
	}
	overflow := model.BlockRef{Piece: 1, Offset: 0, Length: 16384}
	if err := s.RequestBlock(overflow); err == nil {
		t.Fatalf("expected pipeline-full error on the 65th request")
	}
	if depth := s.PipelineDepth(); depth != MaxPipeline {
		t.Fatalf("expected pipeline depth %d, got %d", MaxPipeline, depth)
	}
}

func TestChokeClearsOutstandingAndEmitsEvent(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := newSession(c1, testAddr(), model.InfoHash{}, model.PeerID{1}, nil)
	s.state = Active
	block := model.BlockRef{Piece: 0, Offset: 0, Length: 16384}
	s.mu.Lock()
	s.outstanding[block] = time.Now()
	s.mu.Unlock()

	if err := s.handleMessage(&wire.Message{ID: wire.Choke}); err != nil {
		t.Fatalf("handleMessage(Choke): %v", err)
	}

	select {
	case ev := <-s.events:
		if ev.Kind != EvPeerChoked {
			t.Fatalf("expected EvPeerChoked, got %v", ev.Kind)
		}
		if len(ev.Blocks) != 1 || ev.Blocks[0] != block {
			t.Fatalf("expected cleared block in event, got %+v", ev.Blocks)
		}
	default:
		t.Fatalf("expected an event to be emitted")
	}

	if s.PipelineDepth() != 0 {
		t.Fatalf("expected outstanding requests cleared on Choke")
	}
}

func TestAntiAbuseBlacklistAfterThreshold(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := newSession(c1, testAddr(), model.InfoHash{}, model.PeerID{1}, nil)
	for i := 0; i < DefaultMaxInvalid-1; i++ {
		if s.NoteInvalidPiece() {
			t.Fatalf("should not be blacklisted before threshold, iteration %d", i)
		}
	}
	if !s.NoteInvalidPiece() {
		t.Fatalf("expected blacklisting at the Nth invalid piece")
	}
	if !s.Blacklisted() {
		t.Fatalf("expected Blacklisted() true after threshold reached")
	}
}

func TestRunClosesOnSilenceTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	s := newSession(c1, testAddr(), model.InfoHash{}, model.PeerID{1}, nil)
	s.state = Active
	s.SetTickInterval(10 * time.Millisecond)
	s.SetTimeouts(20*time.Millisecond, 30*time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Drain whatever keep-alives get sent so Run's writes don't block.
	go io.Copy(io.Discard, c2)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected Run to return an error on silence timeout")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after silence timeout")
	}
}

func TestHaveUpdatesRemoteBitfield(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := newSession(c1, testAddr(), model.InfoHash{}, model.PeerID{1}, nil)
	s.remoteBitfield = wire.NewBitfield(8)

	if err := s.handleMessage(&wire.Message{ID: wire.Have, Payload: wire.HavePayload(3)}); err != nil {
		t.Fatalf("handleMessage(Have): %v", err)
	}
	if !s.HasPiece(3) {
		t.Fatalf("expected piece 3 marked available after Have")
	}
	<-s.events
}
