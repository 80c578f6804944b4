// Package torrentmgr implements the per-torrent manager of §4.H: it owns
// the peer set and piece store for one info-hash, runs the announce
// loop against the opaque peer-source, and runs the choking algorithm.
// Per §9's cyclic-ownership note, sessions never hold a back-pointer to
// their manager; all coordination happens through the manager's event
// dispatch loop, keyed by info_hash.
package torrentmgr

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gorrent/internal/diskio"
	"gorrent/internal/metainfo"
	"gorrent/internal/model"
	"gorrent/internal/peersession"
	"gorrent/internal/peersource"
	"gorrent/internal/picker"
	"gorrent/internal/piecestore"
	"gorrent/internal/resources"
	"gorrent/internal/tokenbucket"
	"gorrent/internal/wire"
)

// Timing constants from §4.H.
const (
	ChokeInterval      = 10 * time.Second
	OptimisticInterval = 30 * time.Second
	ChokeTopK          = 4
	PauseLinger        = 30 * time.Second
)

// ControlState mirrors the persisted torrent_control_state of §6.
type ControlState int

const (
	Running ControlState = iota
	Paused
	Deleting
)

// FairShare computes one torrent's per-torrent connection cap as its
// share of the global max_connected_peers, divided evenly across the
// currently active torrents, floored at 1 so a lone torrent is never
// starved to zero.
func FairShare(globalMax, activeTorrents int) int {
	if activeTorrents <= 0 {
		return globalMax
	}
	share := globalMax / activeTorrents
	if share < 1 {
		share = 1
	}
	return share
}

// DeletionResult reports the outcome of Delete, emitted as
// DeletionComplete(info_hash, result) per §4.H.
type DeletionResult struct {
	InfoHash      model.InfoHash
	FilesRemoved  bool
	Err           error
}

// Event is what Manager reports upward (to the dashboard/telemetry
// collaborators, which are out of core scope but need a feed).
type Event struct {
	Kind     string
	InfoHash model.InfoHash
	Piece    uint32
	Deletion *DeletionResult
}

type sessionEntry struct {
	sess   *peersession.Session
	cancel context.CancelFunc
}

// Manager owns one torrent's swarm, piece store, and disk executor.
type Manager struct {
	infoHash    model.InfoHash
	meta        *metainfo.Metadata
	baseDir     string
	localPeerID model.PeerID

	store  *piecestore.Store
	pick   *picker.Picker
	disk   *diskio.Executor
	rm     *resources.Manager
	source *peersource.Aggregator

	dlBucket *tokenbucket.TokenBucket
	ulBucket *tokenbucket.TokenBucket

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	control  ControlState

	connectionCap int
	events        chan Event
}

// New constructs a Manager for one torrent. baseDir is where the
// metadata's file layout is materialized on disk.
func New(meta *metainfo.Metadata, baseDir string, localPeerID model.PeerID, rm *resources.Manager, source *peersource.Aggregator, diskWorkers int, dlBucket, ulBucket *tokenbucket.TokenBucket) *Manager {
	blockSize := uint32(wire.BlockSize)
	totalBlocks := uint32(0)
	for p := 0; p < meta.NumPieces(); p++ {
		totalBlocks += uint32((meta.PieceLen(uint32(p)) + int64(blockSize) - 1) / int64(blockSize))
	}

	m := &Manager{
		infoHash:    meta.InfoHash,
		meta:        meta,
		baseDir:     baseDir,
		localPeerID: localPeerID,
		store: piecestore.New(meta.InfoHash, meta.NumPieces(),
			func(p uint32) int64 { return meta.PieceLen(p) },
			func(p uint32) [20]byte { return meta.PieceHashes[p] },
		),
		pick:          picker.New(meta.NumPieces(), totalBlocks),
		disk:          diskio.New(rm, diskWorkers),
		rm:            rm,
		source:        source,
		dlBucket:      dlBucket,
		ulBucket:      ulBucket,
		sessions:      make(map[string]*sessionEntry),
		connectionCap: 50,
		events:        make(chan Event, 64),
	}
	return m
}

// Events exposes manager-level occurrences (Have broadcasts, deletion
// completion) to external collaborators such as the dashboard.
func (m *Manager) Events() <-chan Event { return m.events }

// SetConnectionCap updates the per-torrent peer cap, normally called by
// the owning engine whenever the set of active torrents changes
// (FairShare of the global max).
func (m *Manager) SetConnectionCap(n int) {
	m.mu.Lock()
	m.connectionCap = n
	m.mu.Unlock()
}

// Progress reports the download completion fraction.
func (m *Manager) Progress() float64 { return m.store.Progress() }

// Disk exposes the manager's disk executor so the telemetry bus can
// observe its events without this package depending on telemetry.
func (m *Manager) Disk() *diskio.Executor { return m.disk }

// Stats reports the torrent's current downloaded/uploaded/left byte
// counts, for external status collaborators such as the dashboard.
func (m *Manager) Stats() (downloaded, uploaded, left int64) {
	return m.transferStats()
}

// TotalLength is the torrent's total byte size across all files.
func (m *Manager) TotalLength() int64 {
	var total int64
	for _, f := range m.meta.Files {
		total += f.Length
	}
	return total
}

// Run drives the disk-event pump, announce loop, and choking loop until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); m.pumpDiskEvents(ctx) }()
	go func() { defer wg.Done(); m.announceLoop(ctx) }()
	go func() { defer wg.Done(); m.chokingLoop(ctx) }()
	go func() { defer wg.Done(); m.optimisticUnchokeLoop(ctx) }()
	wg.Wait()
}

func (m *Manager) pumpDiskEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.disk.Events():
			if !ok {
				return
			}
			if ev.Kind == diskio.EventWriteFinished && ev.Err == nil {
				m.onWriteFinished(ev)
			}
		}
	}
}

func (m *Manager) onWriteFinished(ev diskio.Event) {
	// The disk op's base offset identifies the piece: offset / piece_length.
	piece := uint32(ev.Op.Offset / m.meta.PieceLength)
	m.store.MarkPersisted(piece)
	m.pick.SetHave(piece)
	m.broadcastHave(piece)
	m.events <- Event{Kind: "Have", InfoHash: m.infoHash, Piece: piece}
}

func (m *Manager) broadcastHave(piece uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.sessions {
		if err := entry.sess.SendHave(piece); err != nil {
			log.Warn().Err(err).Str("peer", entry.sess.Addr.String()).Msg("failed to send Have")
		}
	}
}

func (m *Manager) announceLoop(ctx context.Context) {
	interval := 5 * time.Second // fire quickly the first time
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		m.mu.Lock()
		paused := m.control != Running
		m.mu.Unlock()
		if paused {
			interval = 30 * time.Second
			continue
		}

		downloaded, uploaded, left := m.transferStats()
		result, err := m.source.Poll(ctx, m.infoHash, m.localPeerID, 0, peersource.Stats{
			Downloaded: downloaded,
			Uploaded:   uploaded,
			Left:       left,
		})
		if err != nil {
			log.Warn().Err(err).Str("info_hash", m.infoHash.String()).Msg("peer-source poll failed")
			interval = 30 * time.Second
			continue
		}
		m.admitPeers(ctx, result.Peers)
		if result.NextAnnounceIn > 0 {
			interval = result.NextAnnounceIn
		}
	}
}

func (m *Manager) transferStats() (downloaded, uploaded, left int64) {
	total := int64(0)
	for _, f := range m.meta.Files {
		total += f.Length
	}
	fraction := m.store.Progress()
	downloaded = int64(fraction * float64(total))
	left = total - downloaded
	m.mu.Lock()
	for _, e := range m.sessions {
		_, up := e.sess.Stats()
		uploaded += up
	}
	m.mu.Unlock()
	return
}

func (m *Manager) admitPeers(ctx context.Context, peers []model.PeerAddress) {
	m.mu.Lock()
	cap := m.connectionCap
	have := len(m.sessions)
	m.mu.Unlock()

	for _, addr := range peers {
		if have >= cap {
			return
		}
		key := addr.Key()
		m.mu.Lock()
		_, exists := m.sessions[key]
		m.mu.Unlock()
		if exists {
			continue
		}

		permit, err := m.rm.Acquire(ctx, resources.PeerConnection)
		if err != nil {
			return
		}
		sess, err := peersession.Dial(ctx, addr, m.infoHash, m.localPeerID, permit)
		if err != nil {
			log.Debug().Err(err).Str("peer", addr.String()).Msg("dial failed")
			permit.Release()
			continue
		}
		m.addSession(ctx, sess)
		have++
	}
}

func (m *Manager) addSession(ctx context.Context, sess *peersession.Session) {
	sessCtx, cancel := context.WithCancel(ctx)
	entry := &sessionEntry{sess: sess, cancel: cancel}

	m.mu.Lock()
	m.sessions[sess.Addr.Key()] = entry
	m.mu.Unlock()

	go m.forwardEvents(sess)
	go func() {
		err := sess.Run(sessCtx)
		log.Debug().Err(err).Str("peer", sess.Addr.String()).Msg("session ended")
		m.removeSession(sess.Addr.Key())
	}()

	bf := wire.NewBitfield(m.meta.NumPieces())
	for i := 0; i < m.meta.NumPieces(); i++ {
		if m.store.State(uint32(i)) == model.PiecePersisted {
			bf.SetPiece(i)
		}
	}
	_ = sess.SendBitfield(bf)
}

func (m *Manager) removeSession(key string) {
	m.mu.Lock()
	entry, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

func (m *Manager) forwardEvents(sess *peersession.Session) {
	for ev := range sess.Events() {
		m.handlePeerEvent(sess, ev)
	}
}

func (m *Manager) handlePeerEvent(sess *peersession.Session, ev peersession.Event) {
	switch ev.Kind {
	case peersession.EvBitfield:
		for i := 0; i < m.meta.NumPieces(); i++ {
			if ev.Bitfield.HasPiece(i) {
				m.pick.AddPeerHave(uint32(i))
			}
		}
		m.maybeDeclareInterest(sess)

	case peersession.EvHave:
		m.pick.AddPeerHave(ev.Piece)
		m.maybeDeclareInterest(sess)

	case peersession.EvPeerChoked:
		for _, b := range ev.Blocks {
			m.pick.OnRequestTimedOut(b, sess.RemotePeerID)
		}

	case peersession.EvPeerUnchoked:
		m.fillPipeline(sess)

	case peersession.EvPeerInterested, peersession.EvPeerNotInterested:
		// choking loop reads PeerInterested() directly; nothing to do here.

	case peersession.EvBlock:
		m.onBlockDelivered(sess, ev.Block, ev.Data)

	case peersession.EvPeerRequest:
		m.serveSeedingRequest(sess, ev.Block)

	case peersession.EvRequestTimedOut:
		m.pick.OnRequestTimedOut(ev.Block, sess.RemotePeerID)
		m.fillPipeline(sess)

	case peersession.EvExtended:
		// PEX/metadata extension payloads are opaque per §1; a real PEX
		// decoder would call m.source's PEXSource.Offer here.
	}
}

func (m *Manager) maybeDeclareInterest(sess *peersession.Session) {
	interesting := m.pick.HasInteresting(func(p uint32) bool { return sess.HasPiece(int(p)) })
	if interesting {
		_ = sess.SendInterested()
	} else {
		_ = sess.SendNotInterested()
	}
}

func (m *Manager) fillPipeline(sess *peersession.Session) {
	m.mu.Lock()
	running := m.control == Running
	m.mu.Unlock()
	if !running {
		return
	}
	room := peersession.MaxPipeline - sess.PipelineDepth()
	if room <= 0 {
		return
	}
	blocks := m.pick.NextBlocks(
		func(p uint32) bool { return sess.HasPiece(int(p)) },
		func(model.BlockRef) bool { return false },
		m.store, uint32(wire.BlockSize), room,
	)
	for _, b := range blocks {
		if m.dlBucket != nil {
			if err := m.dlBucket.Consume(context.Background(), int(b.Length)); err != nil {
				return
			}
		}
		if err := sess.RequestBlock(b); err != nil {
			continue
		}
		m.pick.OnBlockRequested(b, sess.RemotePeerID)
	}
}

func (m *Manager) onBlockDelivered(sess *peersession.Session, block model.BlockRef, data []byte) {
	others := m.pick.OnBlockDelivered(block, sess.RemotePeerID)
	m.cancelOthers(block, others)

	result := m.store.Deliver(block.Piece, block.Offset, data, sess.RemotePeerID)
	if result.Duplicate {
		return
	}
	m.pick.SetPartial(block.Piece, true)
	if !result.ReadyToVerify {
		return
	}

	vr, err := m.store.Verify(block.Piece)
	if err != nil {
		log.Warn().Err(err).Uint32("piece", block.Piece).Msg("verify failed unexpectedly")
		return
	}
	if !vr.OK {
		m.pick.OnPieceReverted(block.Piece, uint32(wire.BlockSize), m.store)
		for _, contributor := range vr.Contributors {
			m.penalizeContributor(contributor)
		}
		return
	}

	m.store.MarkComplete(block.Piece)
	extents := m.meta.ExtentsForPiece(block.Piece)
	offset := int64(block.Piece) * m.meta.PieceLength
	op := diskio.NewWrite(m.infoHash, offset, m.baseDir, extents, vr.Assembled)
	go func() {
		if err := <-m.disk.SubmitWrite(op); err != nil {
			log.Error().Err(err).Uint32("piece", block.Piece).Msg("piece write failed")
		}
		// onWriteFinished (driven by pumpDiskEvents) performs the
		// Persisted transition and Have broadcast once the executor's
		// event fires, preserving the write-before-Have ordering of §5.
	}()
}

func (m *Manager) cancelOthers(block model.BlockRef, peers []model.PeerID) {
	if len(peers) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.sessions {
		for _, p := range peers {
			if entry.sess.RemotePeerID == p {
				_ = entry.sess.SendCancel(block)
			}
		}
	}
}

func (m *Manager) penalizeContributor(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.sessions {
		if entry.sess.RemotePeerID != peer {
			continue
		}
		if entry.sess.NoteInvalidPiece() {
			entry.cancel()
		}
	}
}

func (m *Manager) serveSeedingRequest(sess *peersession.Session, block model.BlockRef) {
	if m.store.State(block.Piece) != model.PiecePersisted {
		return
	}
	extents := m.meta.ExtentsForPiece(block.Piece)
	dest := make([]byte, block.Length)
	offset := int64(block.Piece)*m.meta.PieceLength + int64(block.Offset)
	op := diskio.NewRead(m.infoHash, offset, m.baseDir, extents, dest)
	go func() {
		if err := <-m.disk.SubmitRead(op); err != nil {
			log.Warn().Err(err).Uint32("piece", block.Piece).Msg("seeding read failed")
			return
		}
		if m.ulBucket != nil {
			if err := m.ulBucket.Consume(context.Background(), int(block.Length)); err != nil {
				return
			}
		}
		if err := sess.SendPiece(block.Piece, block.Offset, dest); err != nil {
			log.Warn().Err(err).Str("peer", sess.Addr.String()).Msg("failed to send piece")
		}
	}()
}

// chokingLoop implements the top-K unchoke algorithm of §4.H: every 10s,
// unchoke the 4 peers with the highest session byte totals (downloaded
// while leeching, uploaded while seeding; cumulative counts, not
// windowed rates); choke the rest.
func (m *Manager) chokingLoop(ctx context.Context) {
	ticker := time.NewTicker(ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChokingRound()
		}
	}
}

func (m *Manager) runChokingRound() {
	m.mu.Lock()
	paused := m.control != Running
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	if paused {
		return
	}

	seeding := m.store.Progress() >= 1.0
	top := topKByRate(entries, ChokeTopK, seeding)
	unchoke := make(map[string]bool, len(top))
	for _, e := range top {
		unchoke[e.sess.Addr.Key()] = true
	}

	for _, e := range entries {
		if unchoke[e.sess.Addr.Key()] {
			_ = e.sess.SendUnchoke()
		} else {
			_ = e.sess.SendChoke()
		}
	}
}

func topKByRate(entries []*sessionEntry, k int, seeding bool) []*sessionEntry {
	rated := make([]*sessionEntry, len(entries))
	copy(rated, entries)
	for i := 1; i < len(rated); i++ {
		for j := i; j > 0 && rate(rated[j-1], seeding) < rate(rated[j], seeding); j-- {
			rated[j-1], rated[j] = rated[j], rated[j-1]
		}
	}
	if len(rated) > k {
		rated = rated[:k]
	}
	return rated
}

func rate(e *sessionEntry, seeding bool) int64 {
	down, up := e.sess.Stats()
	if seeding {
		return up
	}
	return down
}

// optimisticUnchokeLoop implements §4.H's every-30s random unchoke of
// one choked-but-interested peer, to give new peers a chance to prove
// their rate.
func (m *Manager) optimisticUnchokeLoop(ctx context.Context) {
	ticker := time.NewTicker(OptimisticInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOptimisticUnchoke()
		}
	}
}

func (m *Manager) runOptimisticUnchoke() {
	m.mu.Lock()
	var candidates []*sessionEntry
	for _, e := range m.sessions {
		if e.sess.PeerInterested() {
			candidates = append(candidates, e)
		}
	}
	m.mu.Unlock()
	if len(candidates) == 0 {
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	_ = chosen.sess.SendUnchoke()
}

// Pause sends Choke+NotInterested to every peer and stops requesting
// new blocks; sockets linger for PauseLinger before being closed.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.control = Paused
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		_ = e.sess.SendChoke()
		_ = e.sess.SendNotInterested()
	}

	go func(linger []*sessionEntry) {
		time.Sleep(PauseLinger)
		m.mu.Lock()
		stillPaused := m.control == Paused
		m.mu.Unlock()
		if !stillPaused {
			return
		}
		for _, e := range linger {
			e.cancel()
		}
	}(entries)
}

// Resume reactivates announce/choking/request machinery.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.control = Running
	m.mu.Unlock()
}

// Delete drains outstanding disk ops, releases every permit, empties
// the peer table, optionally removes file contents, and returns the
// DeletionComplete result of §4.H.
func (m *Manager) Delete(deleteFiles bool) DeletionResult {
	m.mu.Lock()
	m.control = Deleting
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for k, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	m.disk.Shutdown()

	var removeErr error
	if deleteFiles {
		removeErr = os.RemoveAll(m.baseDir)
	}

	result := DeletionResult{InfoHash: m.infoHash, FilesRemoved: deleteFiles, Err: removeErr}
	m.events <- Event{Kind: "DeletionComplete", InfoHash: m.infoHash, Deletion: &result}
	return result
}
