// Package diskio implements the disk I/O executor (§4.G): reads and
// writes run under ResourceManager permits, emit timing events for the
// telemetry bus, and back off exponentially on file-descriptor
// exhaustion.
package diskio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"gorrent/internal/coreerrors"
	"gorrent/internal/metainfo"
	"gorrent/internal/model"
	"gorrent/internal/resources"
)

const (
	ringCapacityPerTorrent = 50
	ringCapacityGlobal     = 100
	maxBackoff             = 5 * time.Second
	backoffHalfLife        = 60 * time.Second
)

// Op describes one disk operation spanning the extents of a single piece.
type Op struct {
	ID       string
	InfoHash model.InfoHash
	Kind     model.DiskOpKind
	// Offset is the virtual byte offset of this op within the torrent's
	// concatenation, used for seek-cost scoring.
	Offset    int64
	Length    int64
	BaseDir   string
	Extents   []metainfo.Extent
	Data      []byte // write payload, len == Length
	Dest      []byte // pre-allocated read destination, len == Length
	StartedAt time.Time

	result chan error
}

// newOp allocates an Op with a fresh id and result channel.
func newOp(infoHash model.InfoHash, kind model.DiskOpKind, offset, length int64, baseDir string, extents []metainfo.Extent) *Op {
	id, _ := uuid.NewV4()
	return &Op{
		ID:       id.String(),
		InfoHash: infoHash,
		Kind:     kind,
		Offset:   offset,
		Length:   length,
		BaseDir:  baseDir,
		Extents:  extents,
		result:   make(chan error, 1),
	}
}

// NewWrite builds a write op carrying data to persist across extents.
func NewWrite(infoHash model.InfoHash, offset int64, baseDir string, extents []metainfo.Extent, data []byte) *Op {
	op := newOp(infoHash, model.DiskWrite, offset, int64(len(data)), baseDir, extents)
	op.Data = data
	return op
}

// NewRead builds a read op that fills dest from extents.
func NewRead(infoHash model.InfoHash, offset int64, baseDir string, extents []metainfo.Extent, dest []byte) *Op {
	op := newOp(infoHash, model.DiskRead, offset, int64(len(dest)), baseDir, extents)
	op.Dest = dest
	return op
}

// EventKind identifies a disk-executor lifecycle event.
type EventKind int

const (
	EventReadStarted EventKind = iota
	EventReadFinished
	EventWriteStarted
	EventWriteFinished
	EventBackoff
)

// Event is emitted on acquisition, completion, and backoff.
type Event struct {
	Kind     EventKind
	Op       *Op
	Err      error
	Backoff  time.Duration
	At       time.Time
	InfoHash model.InfoHash
}

type ring struct {
	mu       sync.Mutex
	capacity int
	ops      []Op // most recent last
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

func (r *ring) push(op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if len(r.ops) > r.capacity {
		r.ops = r.ops[len(r.ops)-r.capacity:]
	}
}

func (r *ring) snapshot() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.ops))
	copy(out, r.ops)
	return out
}

// ThrashScore is the average seek distance (bytes) between consecutive
// ops in chronological order — a display-oriented integer score, ported
// from the original client's calculate_thrash_score.
func ThrashScore(ops []Op) uint64 {
	if len(ops) < 2 {
		return 0
	}
	var totalSeek uint64
	var lastEnd int64
	haveLast := false
	for _, op := range ops {
		if haveLast {
			totalSeek += absDiff64(op.Offset, lastEnd)
		}
		lastEnd = op.Offset + op.Length
		haveLast = true
	}
	return totalSeek / uint64(len(ops)-1)
}

// SeekCostPerByte is the tuner-facing float score, ported from the
// original client's calculate_thrash_score_seek_cost_f64.
func SeekCostPerByte(ops []Op) float64 {
	if len(ops) < 2 {
		return 0
	}
	var totalSeek uint64
	var totalBytes uint64
	var lastEnd int64
	haveLast := false
	for _, op := range ops {
		if haveLast {
			totalSeek += absDiff64(op.Offset, lastEnd)
		}
		lastEnd = op.Offset + op.Length
		haveLast = true
		totalBytes += uint64(op.Length)
	}
	if totalBytes == 0 {
		return 0
	}
	return float64(totalSeek) / float64(totalBytes)
}

func absDiff64(a, b int64) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

type backoffState struct {
	mu           sync.Mutex
	failures     float64
	lastFailure  time.Time
	backoffCount int
}

func (b *backoffState) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if !b.lastFailure.IsZero() {
		elapsed := now.Sub(b.lastFailure).Seconds()
		decay := math.Pow(0.5, elapsed/backoffHalfLife.Seconds())
		b.failures *= decay
	}
	b.failures++
	b.lastFailure = now
	b.backoffCount++

	dur := time.Duration(math.Pow(2, b.failures-1) * float64(time.Second))
	if dur > maxBackoff {
		dur = maxBackoff
	}
	return dur
}

func (b *backoffState) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoffCount
}

// Executor runs reads and writes under ResourceManager permits.
type Executor struct {
	rm *resources.Manager

	events chan Event

	readQueue  chan *Op
	writeQueue chan *Op

	globalRing   *ring
	torrentRings sync.Map // model.InfoHash -> *ring

	backoff *backoffState

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Executor with numWorkers goroutines servicing each
// of the read and write queues.
func New(rm *resources.Manager, numWorkers int) *Executor {
	if numWorkers < 1 {
		numWorkers = 1
	}
	e := &Executor{
		rm:         rm,
		events:     make(chan Event, 256),
		readQueue:  make(chan *Op, 4096),
		writeQueue: make(chan *Op, 4096),
		globalRing: newRing(ringCapacityGlobal),
		backoff:    &backoffState{},
		shutdown:   make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(2)
		go e.readWorker()
		go e.writeWorker()
	}
	return e
}

// Events exposes the event stream for the telemetry bus.
func (e *Executor) Events() <-chan Event { return e.events }

// Shutdown stops accepting new work and waits (briefly) for workers to drain.
func (e *Executor) Shutdown() {
	close(e.shutdown)
	e.wg.Wait()
	close(e.events)
}

// SubmitRead enqueues a read op and returns its completion channel.
func (e *Executor) SubmitRead(op *Op) <-chan error {
	select {
	case <-e.shutdown:
		op.result <- coreerrors.ErrShutdownRequested
		return op.result
	default:
	}
	select {
	case e.readQueue <- op:
	case <-e.shutdown:
		op.result <- coreerrors.ErrShutdownRequested
	}
	return op.result
}

// SubmitWrite enqueues a write op and returns its completion channel.
// Callers that need the "Write completes before Have broadcast" ordering
// guarantee of §5 must receive from this channel before broadcasting.
func (e *Executor) SubmitWrite(op *Op) <-chan error {
	select {
	case <-e.shutdown:
		op.result <- coreerrors.ErrShutdownRequested
		return op.result
	default:
	}
	select {
	case e.writeQueue <- op:
	case <-e.shutdown:
		op.result <- coreerrors.ErrShutdownRequested
	}
	return op.result
}

func (e *Executor) torrentRing(infoHash model.InfoHash) *ring {
	v, _ := e.torrentRings.LoadOrStore(infoHash, newRing(ringCapacityPerTorrent))
	return v.(*ring)
}

// RecentOps returns the per-torrent ring snapshot for seek-cost scoring.
func (e *Executor) RecentOps(infoHash model.InfoHash) []Op {
	return e.torrentRing(infoHash).snapshot()
}

// RecentGlobalOps returns the global ring snapshot.
func (e *Executor) RecentGlobalOps() []Op {
	return e.globalRing.snapshot()
}

// BackoffCount reports how many DiskIoBackoff events have fired, for tests.
func (e *Executor) BackoffCount() int { return e.backoff.count() }

func (e *Executor) readWorker() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.readQueue:
			e.runWithBackoff(op, resources.DiskRead)
		case <-e.shutdown:
			return
		}
	}
}

func (e *Executor) writeWorker() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.writeQueue:
			e.runWithBackoff(op, resources.DiskWrite)
		case <-e.shutdown:
			return
		}
	}
}

func (e *Executor) runWithBackoff(op *Op, kind resources.ResourceType) {
	for {
		permit, err := e.rm.Acquire(context.Background(), kind)
		if err != nil {
			op.result <- err
			return
		}

		op.StartedAt = time.Now()
		e.emitStart(op)

		var ioErr error
		if kind == resources.DiskRead {
			ioErr = e.doRead(op)
		} else {
			ioErr = e.doWrite(op)
		}

		e.emitFinish(op, ioErr)
		permit.Release()

		if ioErr != nil && isFDExhaustion(ioErr) {
			dur := e.backoff.next()
			e.events <- Event{Kind: EventBackoff, Backoff: dur, At: time.Now(), InfoHash: op.InfoHash}
			log.Warn().Err(ioErr).Dur("backoff", dur).Msg("disk i/o backoff: fd exhaustion")
			t := time.NewTimer(dur)
			select {
			case <-t.C:
			case <-e.shutdown:
				t.Stop()
				op.result <- coreerrors.ErrShutdownRequested
				return
			}
			continue // retry the same op
		}

		e.recordOp(op)
		op.result <- ioErr
		return
	}
}

func (e *Executor) recordOp(op *Op) {
	e.globalRing.push(*op)
	e.torrentRing(op.InfoHash).push(*op)
}

func (e *Executor) emitStart(op *Op) {
	kind := EventReadStarted
	if op.Kind == model.DiskWrite {
		kind = EventWriteStarted
	}
	select {
	case e.events <- Event{Kind: kind, Op: op, At: op.StartedAt, InfoHash: op.InfoHash}:
	default:
	}
}

func (e *Executor) emitFinish(op *Op, err error) {
	kind := EventReadFinished
	if op.Kind == model.DiskWrite {
		kind = EventWriteFinished
	}
	select {
	case e.events <- Event{Kind: kind, Op: op, Err: err, At: time.Now(), InfoHash: op.InfoHash}:
	default:
	}
}

func (e *Executor) doWrite(op *Op) error {
	var written int64
	for _, ext := range op.Extents {
		path := filepath.Join(op.BaseDir, ext.File.Path)
		f, err := os.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			return classifyFSError("open", err)
		}
		if _, err := f.Seek(ext.FileOffset, os.SEEK_SET); err != nil {
			f.Close()
			return classifyFSError("seek", err)
		}
		chunk := op.Data[written : written+ext.Length]
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return classifyFSError("write", err)
		}
		if err := f.Close(); err != nil {
			return classifyFSError("close", err)
		}
		written += ext.Length
	}
	return nil
}

func (e *Executor) doRead(op *Op) error {
	var read int64
	for _, ext := range op.Extents {
		path := filepath.Join(op.BaseDir, ext.File.Path)
		f, err := os.OpenFile(path, os.O_RDONLY, 0644)
		if err != nil {
			return classifyFSError("open", err)
		}
		if _, err := f.Seek(ext.FileOffset, os.SEEK_SET); err != nil {
			f.Close()
			return classifyFSError("seek", err)
		}
		chunk := op.Dest[read : read+ext.Length]
		if _, err := f.Read(chunk); err != nil {
			f.Close()
			return classifyFSError("read", err)
		}
		if err := f.Close(); err != nil {
			return classifyFSError("close", err)
		}
		read += ext.Length
	}
	return nil
}

func isFDExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) || errors.Is(err, unix.EAGAIN)
}

// classifyFSError wraps an OS error into the typed DiskTransient/DiskFatal
// kinds of §7, so the TorrentManager can decide whether to retry or pause.
func classifyFSError(op string, err error) error {
	if isFDExhaustion(err) {
		return &coreerrors.DiskTransient{Op: op, Err: err}
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, unix.ENOSPC) {
		return &coreerrors.DiskFatal{Op: op, Err: err}
	}
	return fmt.Errorf("disk %s: %w", op, err)
}
