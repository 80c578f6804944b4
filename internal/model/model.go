// Package model holds the small value types shared by the engine's
// packages: the data model of §3 that would otherwise create import
// cycles between metainfo, wire, piecestore, and peersession.
package model

import (
	"encoding/hex"
	"fmt"
	"net"
)

// InfoHash is the 20-byte SHA-1 of the bencoded info dictionary — the
// primary key for a torrent.
type InfoHash [20]byte

func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

// PeerID is the 20-byte identifier learned during handshake.
type PeerID [20]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// PeerAddress is an IP + port pair identifying a remote peer.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// Key returns a value usable as a map key (net.IP doesn't compare well as
// a map key across representations, so this normalizes to a string).
func (a PeerAddress) Key() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// BlockRef identifies a sub-range of a piece: the unit of wire transfer.
type BlockRef struct {
	Piece  uint32
	Offset uint32
	Length uint32
}

// PieceState is the lifecycle state of one piece under construction.
type PieceState int

const (
	PieceMissing PieceState = iota
	PieceRequested
	PiecePendingVerify
	PieceComplete
	PiecePersisted
)

func (s PieceState) String() string {
	switch s {
	case PieceMissing:
		return "Missing"
	case PieceRequested:
		return "Requested"
	case PiecePendingVerify:
		return "Pending-Verify"
	case PieceComplete:
		return "Complete"
	case PiecePersisted:
		return "Persisted"
	default:
		return "Unknown"
	}
}

// DiskOpKind distinguishes a read from a write in a DiskIoOperation.
type DiskOpKind int

const (
	DiskRead DiskOpKind = iota
	DiskWrite
)

func (k DiskOpKind) String() string {
	if k == DiskRead {
		return "Read"
	}
	return "Write"
}
