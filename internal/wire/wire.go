// Package wire implements the BitTorrent peer-wire codec (§4.C): the
// fixed handshake and the typed length-prefixed message framing built on
// top of it. It is a total function over the message variant set — every
// defined msg_id round-trips through Encode/Decode, and unknown ids are
// discarded without killing the connection.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"gorrent/internal/coreerrors"
)

// ProtocolIdentifier is the fixed pstr of the BitTorrent handshake.
const ProtocolIdentifier = "BitTorrent protocol"

// BlockSize is the conventional block size for piece requests.
const BlockSize = 16 * 1024

// maxMessageLength bounds a post-handshake frame at 16 KiB of payload plus
// the 13-byte Piece message header (index, begin, plus msg id and length
// prefix), per §4.C's failure modes.
const maxMessageLength = 16*1024 + 13

// MessageID identifies the type of a typed peer-wire message.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

// Message is a decoded post-handshake frame. KeepAlive is represented as
// a nil Message (length-0 frame).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Handshake is the 68-byte fixed preamble:
// [19]["BitTorrent protocol"][8 reserved][20 info_hash][20 peer_id].
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize renders the handshake to its 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 0, 49+len(ProtocolIdentifier))
	buf = append(buf, byte(len(ProtocolIdentifier)))
	buf = append(buf, ProtocolIdentifier...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake parses a handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var pstrlenBuf [1]byte
	if _, err := io.ReadFull(r, pstrlenBuf[:]); err != nil {
		return nil, err
	}
	pstrlen := int(pstrlenBuf[0])
	if pstrlen == 0 {
		return nil, fmt.Errorf("pstrlen cannot be 0")
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	h := &Handshake{}
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+8+20])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// Serialize renders a typed message to its length-prefixed wire form:
// the 4-byte length, the id byte, then the payload. Keep-alive frames
// come from SerializeKeepAlive.
func (m *Message) Serialize() []byte {
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// SerializeKeepAlive renders the zero-length keep-alive frame.
func SerializeKeepAlive() []byte {
	return make([]byte, 4)
}

// ReadMessage reads one frame from r. A nil Message with a nil error
// signals a keep-alive. A frame whose declared length exceeds the
// maximum legal size is a ProtocolViolation.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, coreerrors.NewProtocolViolation("", fmt.Sprintf("frame length %d exceeds maximum %d", length, maxMessageLength))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// RequestPayload encodes the (index, begin, length) triple shared by
// Request and Cancel messages.
func RequestPayload(index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// ParseRequest decodes a Request/Cancel payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = coreerrors.NewProtocolViolation("", fmt.Sprintf("request payload wrong length: %d", len(payload)))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// PiecePayload encodes a Piece message payload.
func PiecePayload(index, begin uint32, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], data)
	return buf
}

// ParsePiece decodes a Piece message payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		err = coreerrors.NewProtocolViolation("", fmt.Sprintf("piece payload too short: %d", len(payload)))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// HavePayload encodes a Have message payload.
func HavePayload(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// ParseHave decodes a Have message payload.
func ParseHave(payload []byte) (index uint32, err error) {
	if len(payload) != 4 {
		err = coreerrors.NewProtocolViolation("", fmt.Sprintf("have payload wrong length: %d", len(payload)))
		return
	}
	index = binary.BigEndian.Uint32(payload)
	return
}

// PortPayload encodes a Port message payload (DHT listen port).
func PortPayload(port uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return buf
}

// ParsePort decodes a Port message payload.
func ParsePort(payload []byte) (port uint16, err error) {
	if len(payload) != 2 {
		err = coreerrors.NewProtocolViolation("", fmt.Sprintf("port payload wrong length: %d", len(payload)))
		return
	}
	port = binary.BigEndian.Uint16(payload)
	return
}

// ExtendedPayload builds an Extended (id 20) message payload: a one-byte
// extension sub-id followed by a bencoded dictionary, carrying PEX and
// the ut_metadata extension per §4.C.
func ExtendedPayload(subID byte, bencoded []byte) []byte {
	buf := make([]byte, 1+len(bencoded))
	buf[0] = subID
	copy(buf[1:], bencoded)
	return buf
}

// ParseExtended splits an Extended message payload into its sub-id and
// bencoded body.
func ParseExtended(payload []byte) (subID byte, body []byte, err error) {
	if len(payload) < 1 {
		err = coreerrors.NewProtocolViolation("", "extended payload empty")
		return
	}
	return payload[0], payload[1:], nil
}

// Extension sub-message ids used by the opaque extension exchange.
const (
	ExtHandshake = 0
	ExtMetadata  = 1
	ExtPEX       = 2
)

// Bitfield represents the pieces a peer claims to have, MSB-first per byte.
type Bitfield []byte

// NewBitfield allocates a bitfield sized for numPieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece reports whether index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-uint(index%8))&1 != 0
}

// SetPiece marks index as available.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - uint(index%8))
}

// ValidateRequestBounds enforces that a requested block lies entirely
// within its declared piece, per §4.C's ProtocolViolation on out-of-range
// requests.
func ValidateRequestBounds(begin, length, pieceLength uint32) error {
	if uint64(begin)+uint64(length) > uint64(pieceLength) {
		return coreerrors.NewProtocolViolation("", fmt.Sprintf("request [%d,%d) exceeds piece length %d", begin, begin+length, pieceLength))
	}
	return nil
}
