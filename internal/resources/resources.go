// Package resources implements the process-wide typed semaphore over
// peer-connection slots and disk I/O permits (§4.B). It is one of the two
// process-wide singletons in the design (the other being the token
// buckets); everything else reaches it by explicit reference, not via a
// global.
package resources

import (
	"context"
	"sync"
	"sync/atomic"

	"gorrent/internal/coreerrors"
)

// ResourceType names one of the four permit classes.
type ResourceType int

const (
	Reserve ResourceType = iota
	PeerConnection
	DiskRead
	DiskWrite
)

func (k ResourceType) String() string {
	switch k {
	case Reserve:
		return "Reserve"
	case PeerConnection:
		return "PeerConnection"
	case DiskRead:
		return "DiskRead"
	case DiskWrite:
		return "DiskWrite"
	default:
		return "Unknown"
	}
}

// AllTypes is the fixed trading pool the adaptive tuner operates over.
var AllTypes = [...]ResourceType{PeerConnection, DiskRead, DiskWrite, Reserve}

// Limits maps each resource class to its max concurrency.
type Limits map[ResourceType]int

// Clone returns an independent copy.
func (l Limits) Clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Sum is the conserved total across all resource kinds.
func (l Limits) Sum() int {
	total := 0
	for _, v := range l {
		total += v
	}
	return total
}

type classState struct {
	mu       sync.Mutex
	limit    int
	inflight int
	waiting  int // only meaningful for DiskRead/DiskWrite
	waitCh   chan struct{}
}

func newClassState(limit int) *classState {
	return &classState{limit: limit, waitCh: make(chan struct{})}
}

// broadcastLocked wakes every current waiter by closing and replacing the
// wait channel. Callers must hold cs.mu.
func (cs *classState) broadcastLocked() {
	close(cs.waitCh)
	cs.waitCh = make(chan struct{})
}

// Manager issues and tracks permits for the four resource classes.
type Manager struct {
	classes  map[ResourceType]*classState
	queueCap map[ResourceType]int // 0 == unbounded wait queue

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Manager with the given starting limits. DiskRead and
// DiskWrite get a bounded wait queue of 2×max per §4.B; PeerConnection and
// Reserve have no such bound (callers simply block).
func New(limits Limits) *Manager {
	m := &Manager{
		classes:    make(map[ResourceType]*classState, len(AllTypes)),
		queueCap:   make(map[ResourceType]int, len(AllTypes)),
		shutdownCh: make(chan struct{}),
	}
	for _, k := range AllTypes {
		m.classes[k] = newClassState(limits[k])
	}
	m.queueCap[DiskRead] = 2 * limits[DiskRead]
	m.queueCap[DiskWrite] = 2 * limits[DiskWrite]
	return m
}

// Shutdown cancels every pending Acquire with coreerrors.ErrShutdownRequested.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// Permit is a scoped capability returned by Acquire. It is non-reentrant
// and non-transferable: Release must be called exactly once by the
// acquiring owner, and its slot cannot be handed to another task.
type Permit struct {
	mgr      *Manager
	kind     ResourceType
	released int32
}

// Kind reports which resource class this permit reserves.
func (p *Permit) Kind() ResourceType { return p.kind }

// Release returns the slot to the pool. Safe to call more than once;
// only the first call has effect.
func (p *Permit) Release() {
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return
	}
	p.mgr.release(p.kind)
}

// Acquire blocks until a permit of the given kind is free, the Manager is
// shut down, or ctx is cancelled. DiskRead/DiskWrite acquisitions fail
// fast with coreerrors.ErrOverloaded when the bounded wait queue is full,
// so callers can shed load instead of piling up.
func (m *Manager) Acquire(ctx context.Context, kind ResourceType) (*Permit, error) {
	cs := m.classes[kind]
	queueCap := m.queueCap[kind]

	cs.mu.Lock()
	if queueCap > 0 && cs.waiting >= queueCap {
		cs.mu.Unlock()
		return nil, coreerrors.ErrOverloaded
	}
	cs.waiting++
	cs.mu.Unlock()

	defer func() {
		cs.mu.Lock()
		cs.waiting--
		cs.mu.Unlock()
	}()

	for {
		cs.mu.Lock()
		if cs.inflight < cs.limit {
			cs.inflight++
			cs.mu.Unlock()
			return &Permit{mgr: m, kind: kind}, nil
		}
		wait := cs.waitCh
		cs.mu.Unlock()

		select {
		case <-wait:
		case <-m.shutdownCh:
			return nil, coreerrors.ErrShutdownRequested
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) release(kind ResourceType) {
	cs := m.classes[kind]
	cs.mu.Lock()
	cs.inflight--
	cs.broadcastLocked()
	cs.mu.Unlock()
}

// Outstanding returns the number of permits currently held for kind.
func (m *Manager) Outstanding(kind ResourceType) int {
	cs := m.classes[kind]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.inflight
}

// Limit returns the current max concurrency for kind.
func (m *Manager) Limit(kind ResourceType) int {
	cs := m.classes[kind]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.limit
}

// Limits returns a snapshot of all current limits.
func (m *Manager) Limits() Limits {
	out := make(Limits, len(AllTypes))
	for _, k := range AllTypes {
		out[k] = m.Limit(k)
	}
	return out
}

// UpdateLimits atomically replaces the max concurrency for each named
// resource. Shrinking a class does not revoke outstanding permits; new
// acquisitions simply block until in-flight count drops below the new
// max. Growing a class wakes any waiters immediately.
func (m *Manager) UpdateLimits(newLimits Limits) {
	for kind, limit := range newLimits {
		cs := m.classes[kind]
		cs.mu.Lock()
		cs.limit = limit
		cs.broadcastLocked()
		cs.mu.Unlock()

		if kind == DiskRead || kind == DiskWrite {
			m.queueCap[kind] = 2 * limit
		}
	}
}

const (
	fileHandleMinimum   = 64
	safeBudgetPercent   = 0.85
	peerProportion      = 0.70
	diskReadProportion  = 0.15
	diskWriteProportion = 0.15
	minPeers            = 10
	minDisk             = 4
)

// InitialLimits computes the startup permit split from the host's file
// descriptor budget, per §4.I's last paragraph: effective = min(override,
// softNofile); available = (effective - 64) * 0.85; split 70/15/15 across
// PeerConnection/DiskRead/DiskWrite with floors 10/4/4; Reserve starts at 0.
func InitialLimits(softNofile int, override int) Limits {
	effective := softNofile
	if override > 0 && override < effective {
		effective = override
	}
	available := float64(effective-fileHandleMinimum) * safeBudgetPercent
	if available < 0 {
		available = 0
	}

	peers := int(available * peerProportion)
	if peers < minPeers {
		peers = minPeers
	}
	diskRead := int(available * diskReadProportion)
	if diskRead < minDisk {
		diskRead = minDisk
	}
	diskWrite := int(available * diskWriteProportion)
	if diskWrite < minDisk {
		diskWrite = minDisk
	}

	return Limits{
		Reserve:        0,
		PeerConnection: peers,
		DiskRead:       diskRead,
		DiskWrite:      diskWrite,
	}
}
