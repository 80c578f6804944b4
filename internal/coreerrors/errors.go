// Package coreerrors defines the typed error kinds that cross component
// boundaries in the engine, per the error handling design: transient
// errors are recovered at the component that saw them, invariant-breaking
// errors propagate up to the TorrentManager.
package coreerrors

import (
	"errors"
	"fmt"
)

// ErrShutdownRequested is returned by any suspension point once the
// broadcast shutdown signal has fired.
var ErrShutdownRequested = errors.New("shutdown requested")

// ErrOverloaded is returned by ResourceManager.Acquire for DiskRead/DiskWrite
// when the bounded wait queue is full.
var ErrOverloaded = errors.New("resource overloaded")

// ErrMetadataUnavailable indicates a magnet torrent has no peer offering
// the metadata extension yet.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// ProtocolViolation means a peer sent a malformed frame, a mismatched
// info-hash, or an out-of-range block request. The session closes and
// does not retry.
type ProtocolViolation struct {
	Peer   string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation from %s: %s", e.Peer, e.Reason)
}

func NewProtocolViolation(peer, reason string) *ProtocolViolation {
	return &ProtocolViolation{Peer: peer, Reason: reason}
}

// PeerUnreachable means connect timed out or was refused. The torrent
// manager skips the peer and may dial it again on a later announce
// round; no per-peer redial backoff is kept.
type PeerUnreachable struct {
	Peer string
	Err  error
}

func (e *PeerUnreachable) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *PeerUnreachable) Unwrap() error { return e.Err }

// InvalidPiece means a completed piece's SHA-1 did not match the metadata
// hash. Contributors are penalized; a peer session blacklists its peer
// once that peer's invalid-piece count reaches the session threshold
// (peersession.DefaultMaxInvalid, 5, unless overridden).
type InvalidPiece struct {
	Piece uint32
}

func (e *InvalidPiece) Error() string {
	return fmt.Sprintf("invalid piece %d: hash mismatch", e.Piece)
}

// DiskTransient covers EMFILE/ENFILE/EAGAIN: the disk executor retries
// with backoff, emits an EventBackoff, and logs a warning for every
// backoff.
type DiskTransient struct {
	Op  string
	Err error
}

func (e *DiskTransient) Error() string {
	return fmt.Sprintf("transient disk error during %s: %v", e.Op, e.Err)
}

func (e *DiskTransient) Unwrap() error { return e.Err }

// DiskFatal covers ENOSPC, EACCES, ENOENT. The disk executor does not
// retry it; the torrent manager logs the failed operation and the
// torrent is not paused.
type DiskFatal struct {
	Op  string
	Err error
}

func (e *DiskFatal) Error() string {
	return fmt.Sprintf("fatal disk error during %s: %v", e.Op, e.Err)
}

func (e *DiskFatal) Unwrap() error { return e.Err }
