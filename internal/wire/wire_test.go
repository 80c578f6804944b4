package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	rand.Read(infoHash[:])
	rand.Read(peerID[:])

	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	buf := h.Serialize()
	if len(buf) != 68 {
		t.Fatalf("expected 68-byte handshake, got %d", len(buf))
	}

	got, err := ReadHandshake(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Payload: HavePayload(42)},
		{ID: BitfieldMsg, Payload: []byte{0xff, 0x00, 0x1a}},
		{ID: Request, Payload: RequestPayload(1, 2, 3)},
		{ID: Piece, Payload: PiecePayload(1, 2, []byte{1, 2, 3, 4})},
		{ID: Cancel, Payload: RequestPayload(1, 2, 3)},
		{ID: Port, Payload: PortPayload(6881)},
		{ID: Extended, Payload: ExtendedPayload(ExtMetadata, []byte("d1:ade"))},
	}

	for _, m := range cases {
		buf := m.Serialize()
		got, err := ReadMessage(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("ReadMessage(%v): %v", m.ID, err)
		}
		if got.ID != m.ID || !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("round-trip mismatch for %v: got %+v", m.ID, got)
		}
	}
}

func TestKeepAlive(t *testing.T) {
	buf := SerializeKeepAlive()
	got, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil message for keep-alive, got %+v", got)
	}
}

func TestUnknownMessageIDDecodesWithoutError(t *testing.T) {
	m := &Message{ID: MessageID(99), Payload: []byte{1, 2, 3}}
	got, err := ReadMessage(bytes.NewReader(m.Serialize()))
	if err != nil {
		t.Fatalf("unknown id should decode, not error: %v", err)
	}
	if got.ID != MessageID(99) {
		t.Fatalf("expected id 99, got %v", got.ID)
	}
}

func TestOversizeFrameIsProtocolViolation(t *testing.T) {
	buf := make([]byte, 4)
	oversized := uint32(16*1024 + 14)
	buf[0] = byte(oversized >> 24)
	buf[1] = byte(oversized >> 16)
	buf[2] = byte(oversized >> 8)
	buf[3] = byte(oversized)

	_, err := ReadMessage(bytes.NewReader(buf))
	if err == nil {
		t.Fatalf("expected ProtocolViolation for oversize frame")
	}
}

func TestBitfieldSetAndHas(t *testing.T) {
	bf := NewBitfield(10)
	bf.SetPiece(0)
	bf.SetPiece(9)
	if !bf.HasPiece(0) || !bf.HasPiece(9) {
		t.Fatalf("expected pieces 0 and 9 set")
	}
	if bf.HasPiece(1) || bf.HasPiece(8) {
		t.Fatalf("unexpected piece set")
	}
	if bf.HasPiece(100) {
		t.Fatalf("out-of-range piece should be false, not panic")
	}
}

func TestValidateRequestBounds(t *testing.T) {
	if err := ValidateRequestBounds(0, 16384, 32768); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if err := ValidateRequestBounds(32000, 16384, 32768); err == nil {
		t.Fatalf("expected ProtocolViolation for out-of-range request")
	}
}
