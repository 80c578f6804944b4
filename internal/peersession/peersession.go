// Package peersession implements the per-connection finite state machine
// of §4.D: handshake, choke/interest bookkeeping, the request pipeline,
// and the timeout/anti-abuse rules, grounded on the teacher's
// download_manager.go peer loop and generalized from a one-shot
// downloader into a long-lived bidirectional session.
package peersession

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gorrent/internal/coreerrors"
	"gorrent/internal/model"
	"gorrent/internal/resources"
	"gorrent/internal/wire"
)

// State is the session's position in its handshake/active/closing lifecycle.
type State int32

const (
	Dialing State = iota
	Handshaking
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "Dialing"
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Defaults from §4.D.
const (
	MaxPipeline          = 64
	KeepAliveInterval    = 120 * time.Second
	SilenceTimeout       = 180 * time.Second
	RequestTimeout       = 60 * time.Second
	DefaultMaxInvalid    = 5
	dialTimeout          = 10 * time.Second
	handshakeReadTimeout = 10 * time.Second
)

// EventKind tags a decoded or derived occurrence a Session reports to its
// owning TorrentManager.
type EventKind int

const (
	EvBitfield EventKind = iota
	EvHave
	EvPeerChoked    // peer choked us; carries the blocks that were outstanding
	EvPeerUnchoked
	EvPeerInterested
	EvPeerNotInterested
	EvBlock
	EvPeerRequest
	EvPeerCancel
	EvPort
	EvExtended
	EvRequestTimedOut
	EvBlacklisted
)

// Event is what Run delivers on its Events channel.
type Event struct {
	Kind     EventKind
	Piece    uint32
	Block    model.BlockRef
	Data     []byte
	Bitfield wire.Bitfield
	Blocks   []model.BlockRef // for EvPeerChoked: requests that must be rescheduled
	Port     uint16
	ExtSubID byte
	ExtBody  []byte
}

// Session is one peer-wire connection's state machine.
type Session struct {
	Addr         model.PeerAddress
	InfoHash     model.InfoHash
	LocalPeerID  model.PeerID
	RemotePeerID model.PeerID

	conn   net.Conn
	permit *resources.Permit

	maxInvalid int

	keepAliveInterval time.Duration
	silenceTimeout    time.Duration
	requestTimeout    time.Duration
	tickInterval      time.Duration

	mu            sync.Mutex
	state         State
	amChoking     bool
	amInterested  bool
	peerChoking   bool
	peerInterested bool
	remoteBitfield wire.Bitfield
	outstanding   map[model.BlockRef]time.Time
	invalidCount  int
	blacklisted   bool
	downloaded    int64
	uploaded      int64
	lastMessageAt time.Time

	writeMu sync.Mutex
	events  chan Event
}

// Dial connects to addr, performs the handshake as the initiating side,
// and returns an Active session. The caller must already hold the
// PeerConnection permit it passes in; Session takes ownership and
// releases it on Close.
func Dial(ctx context.Context, addr model.PeerAddress, infoHash model.InfoHash, localPeerID model.PeerID, permit *resources.Permit) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, &coreerrors.PeerUnreachable{Peer: addr.String(), Err: err}
	}

	s := newSession(conn, addr, infoHash, localPeerID, permit)
	if err := s.handshakeOutbound(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Accept wraps an already-connected, already-handshake-verified inbound
// conn (the listener does the handshake read since it must learn
// info_hash before it knows which torrent's permit to charge).
func Accept(conn net.Conn, addr model.PeerAddress, infoHash model.InfoHash, localPeerID, remotePeerID model.PeerID, permit *resources.Permit) *Session {
	s := newSession(conn, addr, infoHash, localPeerID, permit)
	s.RemotePeerID = remotePeerID
	s.state = Active
	return s
}

func newSession(conn net.Conn, addr model.PeerAddress, infoHash model.InfoHash, localPeerID model.PeerID, permit *resources.Permit) *Session {
	return &Session{
		Addr:          addr,
		InfoHash:      infoHash,
		LocalPeerID:   localPeerID,
		conn:          conn,
		permit:        permit,
		maxInvalid:    DefaultMaxInvalid,
		keepAliveInterval: KeepAliveInterval,
		silenceTimeout:    SilenceTimeout,
		requestTimeout:    RequestTimeout,
		amChoking:     true,
		peerChoking:   true,
		outstanding:   make(map[model.BlockRef]time.Time),
		lastMessageAt: time.Now(),
		events:        make(chan Event, 64),
		state:         Dialing,
	}
}

// SetMaxInvalidPieces overrides the anti-abuse blacklist threshold
// (default 5, per §4.D).
func (s *Session) SetMaxInvalidPieces(n int) { s.maxInvalid = n }

// SetTimeouts overrides the keep-alive/silence/request timeouts for
// testing; production code relies on the package defaults.
func (s *Session) SetTimeouts(keepAlive, silence, request time.Duration) {
	s.keepAliveInterval = keepAlive
	s.silenceTimeout = silence
	s.requestTimeout = request
}

// SetTickInterval overrides the timeout-check tick interval for tests
// (production relies on the 1s default).
func (s *Session) SetTickInterval(d time.Duration) { s.tickInterval = d }

// Events is the channel the owning TorrentManager drains.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) handshakeOutbound() error {
	s.state = Handshaking
	hs := &wire.Handshake{InfoHash: s.InfoHash, PeerID: s.LocalPeerID}
	if err := s.conn.SetWriteDeadline(time.Now().Add(handshakeReadTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(hs.Serialize()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout)); err != nil {
		return err
	}
	remote, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if remote.InfoHash != s.InfoHash {
		return coreerrors.NewProtocolViolation(s.Addr.String(), "info-hash mismatch on handshake")
	}
	s.conn.SetReadDeadline(time.Time{})
	s.RemotePeerID = remote.PeerID
	s.state = Active
	return nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats reports the cumulative bytes downloaded from and uploaded to
// this peer since the session started; the choking algorithm (§4.H)
// ranks peers by these totals.
func (s *Session) Stats() (downloaded, uploaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded, s.uploaded
}

func (s *Session) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

func (s *Session) HasPiece(piece int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteBitfield == nil {
		return false
	}
	return s.remoteBitfield.HasPiece(piece)
}

// PipelineDepth reports the number of outstanding requests toward this peer.
func (s *Session) PipelineDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Run drives the session's read loop and timeout ticks until ctx is
// cancelled or an unrecoverable error occurs; it always closes the
// connection and releases the permit before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	incoming := make(chan *wire.Message, 8)
	readErrCh := make(chan error, 1)
	go s.readLoop(incoming, readErrCh)

	tickInterval := s.tickInterval
	if tickInterval == 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(Closing)
			return ctx.Err()
		case err := <-readErrCh:
			s.setState(Closing)
			return err
		case msg := <-incoming:
			s.mu.Lock()
			s.lastMessageAt = time.Now()
			s.mu.Unlock()
			if msg == nil {
				continue // keep-alive
			}
			if err := s.handleMessage(msg); err != nil {
				s.setState(Closing)
				return err
			}
		case now := <-ticker.C:
			if err := s.onTick(now); err != nil {
				s.setState(Closing)
				return err
			}
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) readLoop(incoming chan<- *wire.Message, errCh chan<- error) {
	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			errCh <- err
			return
		}
		incoming <- msg
	}
}

func (s *Session) onTick(now time.Time) error {
	s.mu.Lock()
	silence := now.Sub(s.lastMessageAt)
	s.mu.Unlock()

	if silence > s.silenceTimeout {
		return fmt.Errorf("peer %s silent for %s, closing", s.Addr, silence)
	}
	if silence > s.keepAliveInterval {
		if err := s.sendRaw(wire.SerializeKeepAlive()); err != nil {
			return fmt.Errorf("send keep-alive: %w", err)
		}
	}

	s.requeueExpiredRequests(now)
	return nil
}

func (s *Session) requeueExpiredRequests(now time.Time) {
	s.mu.Lock()
	var expired []model.BlockRef
	for block, sentAt := range s.outstanding {
		if now.Sub(sentAt) > s.requestTimeout {
			expired = append(expired, block)
			delete(s.outstanding, block)
		}
	}
	s.mu.Unlock()

	for _, block := range expired {
		s.emit(Event{Kind: EvRequestTimedOut, Block: block})
	}
}

func (s *Session) handleMessage(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		var cleared []model.BlockRef
		for block := range s.outstanding {
			cleared = append(cleared, block)
		}
		s.outstanding = make(map[model.BlockRef]time.Time)
		s.mu.Unlock()
		s.emit(Event{Kind: EvPeerChoked, Blocks: cleared})

	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.emit(Event{Kind: EvPeerUnchoked})

	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		s.emit(Event{Kind: EvPeerInterested})

	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
		s.emit(Event{Kind: EvPeerNotInterested})

	case wire.Have:
		piece, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.remoteBitfield != nil {
			s.remoteBitfield.SetPiece(int(piece))
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EvHave, Piece: piece})

	case wire.BitfieldMsg:
		bf := make(wire.Bitfield, len(msg.Payload))
		copy(bf, msg.Payload)
		s.mu.Lock()
		s.remoteBitfield = bf
		s.mu.Unlock()
		s.emit(Event{Kind: EvBitfield, Bitfield: bf})

	case wire.Request:
		index, begin, length, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		choking := s.amChoking
		s.mu.Unlock()
		if choking {
			log.Debug().Str("peer", s.Addr.String()).Msg("ignoring request while choking peer")
			return nil
		}
		s.emit(Event{Kind: EvPeerRequest, Block: model.BlockRef{Piece: index, Offset: begin, Length: length}})

	case wire.Piece:
		index, begin, data, err := wire.ParsePiece(msg.Payload)
		if err != nil {
			return err
		}
		block := model.BlockRef{Piece: index, Offset: begin, Length: uint32(len(data))}
		s.mu.Lock()
		delete(s.outstanding, block)
		s.downloaded += int64(len(data))
		s.mu.Unlock()
		s.emit(Event{Kind: EvBlock, Block: block, Data: data})

	case wire.Cancel:
		index, begin, length, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			return err
		}
		s.emit(Event{Kind: EvPeerCancel, Block: model.BlockRef{Piece: index, Offset: begin, Length: length}})

	case wire.Port:
		port, err := wire.ParsePort(msg.Payload)
		if err != nil {
			return err
		}
		s.emit(Event{Kind: EvPort, Port: port})

	case wire.Extended:
		subID, body, err := wire.ParseExtended(msg.Payload)
		if err != nil {
			return err
		}
		s.emit(Event{Kind: EvExtended, ExtSubID: subID, ExtBody: body})

	default:
		log.Debug().Str("peer", s.Addr.String()).Uint8("msg_id", uint8(msg.ID)).Msg("discarding unknown message id")
	}
	return nil
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("peer", s.Addr.String()).Msg("session event channel full, dropping event")
	}
}

func (s *Session) sendRaw(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := s.conn.Write(frame)
	return err
}

func (s *Session) send(id wire.MessageID, payload []byte) error {
	return s.sendRaw((&wire.Message{ID: id, Payload: payload}).Serialize())
}

// SendChoke sends Choke and sets am_choking.
func (s *Session) SendChoke() error {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	return s.send(wire.Choke, nil)
}

// SendUnchoke sends Unchoke and clears am_choking.
func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	return s.send(wire.Unchoke, nil)
}

// SendInterested sends Interested and sets am_interested.
func (s *Session) SendInterested() error {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	return s.send(wire.Interested, nil)
}

// SendNotInterested sends NotInterested and clears am_interested.
func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	return s.send(wire.NotInterested, nil)
}

// SendHave announces a newly persisted piece.
func (s *Session) SendHave(piece uint32) error {
	return s.send(wire.Have, wire.HavePayload(piece))
}

// SendBitfield announces the full local bitfield, immediately after handshake.
func (s *Session) SendBitfield(bf wire.Bitfield) error {
	return s.send(wire.BitfieldMsg, bf)
}

// SendPort announces the DHT listen port.
func (s *Session) SendPort(port uint16) error {
	return s.send(wire.Port, wire.PortPayload(port))
}

// RequestBlock sends a Request if the pipeline has room, unchoked, and
// interested; it records the block as outstanding for timeout tracking.
func (s *Session) RequestBlock(block model.BlockRef) error {
	s.mu.Lock()
	if s.peerChoking {
		s.mu.Unlock()
		return fmt.Errorf("cannot request block %+v: peer is choking", block)
	}
	if !s.amInterested {
		s.mu.Unlock()
		return fmt.Errorf("cannot request block %+v: not interested in peer", block)
	}
	if len(s.outstanding) >= MaxPipeline {
		s.mu.Unlock()
		return fmt.Errorf("cannot request block %+v: pipeline full (%d)", block, MaxPipeline)
	}
	s.outstanding[block] = time.Now()
	s.mu.Unlock()

	if err := s.send(wire.Request, wire.RequestPayload(block.Piece, block.Offset, block.Length)); err != nil {
		s.mu.Lock()
		delete(s.outstanding, block)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SendCancel cancels an outstanding request (used for endgame duplicate
// cancellation once another peer delivers the block first).
func (s *Session) SendCancel(block model.BlockRef) error {
	s.mu.Lock()
	delete(s.outstanding, block)
	s.mu.Unlock()
	return s.send(wire.Cancel, wire.RequestPayload(block.Piece, block.Offset, block.Length))
}

// SendPiece serves a block to this peer (seeding path).
func (s *Session) SendPiece(index, begin uint32, data []byte) error {
	s.mu.Lock()
	s.uploaded += int64(len(data))
	s.mu.Unlock()
	return s.send(wire.Piece, wire.PiecePayload(index, begin, data))
}

// NoteInvalidPiece records one invalid-piece contribution from this
// peer; returns true once the anti-abuse threshold is reached, in which
// case the caller must close and blacklist the session for the rest of
// this run (§4.D/§7).
func (s *Session) NoteInvalidPiece() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidCount++
	if s.invalidCount >= s.maxInvalid {
		s.blacklisted = true
	}
	return s.blacklisted
}

func (s *Session) Blacklisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklisted
}

func (s *Session) close() {
	s.conn.Close()
	if s.permit != nil {
		s.permit.Release()
	}
	close(s.events)
}
