package resources

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorrent/internal/coreerrors"
)

func baseLimits() Limits {
	return Limits{PeerConnection: 2, DiskRead: 2, DiskWrite: 2, Reserve: 0}
}

func TestAcquireReleaseRespectsLimit(t *testing.T) {
	m := New(baseLimits())
	p1, err := m.Acquire(context.Background(), PeerConnection)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	p2, err := m.Acquire(context.Background(), PeerConnection)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	if got := m.Outstanding(PeerConnection); got != 2 {
		t.Fatalf("expected 2 outstanding, got %d", got)
	}

	acquired := make(chan struct{})
	go func() {
		p3, err := m.Acquire(context.Background(), PeerConnection)
		if err != nil {
			t.Errorf("acquire 3: %v", err)
			return
		}
		p3.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("third acquire should have blocked")
	case <-time.After(100 * time.Millisecond):
	}

	p1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("third acquire never unblocked after release")
	}
	p2.Release()
}

func TestDiskQueueOverloadsFastFail(t *testing.T) {
	m := New(Limits{PeerConnection: 10, DiskRead: 1, DiskWrite: 1, Reserve: 0})
	held, err := m.Acquire(context.Background(), DiskRead)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	// queue cap is 2*1 = 2; fill it.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.Acquire(context.Background(), DiskRead)
			if err == nil {
				p.Release()
			}
		}()
	}
	time.Sleep(50 * time.Millisecond) // let both enqueue

	_, err = m.Acquire(context.Background(), DiskRead)
	if err != coreerrors.ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}

	held.Release()
	wg.Wait()
}

func TestUpdateLimitsShrinkDelaysNewAcquires(t *testing.T) {
	m := New(Limits{PeerConnection: 2, DiskRead: 2, DiskWrite: 2, Reserve: 0})
	p1, _ := m.Acquire(context.Background(), PeerConnection)
	p2, _ := m.Acquire(context.Background(), PeerConnection)

	m.UpdateLimits(Limits{PeerConnection: 1})

	if m.Outstanding(PeerConnection) != 2 {
		t.Fatalf("shrinking should not revoke outstanding permits")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, PeerConnection); err == nil {
		t.Fatalf("expected new acquire to block until in-flight drops below new limit")
	}

	p1.Release()
	p2.Release()

	p3, err := m.Acquire(context.Background(), PeerConnection)
	if err != nil {
		t.Fatalf("acquire after shrink settled: %v", err)
	}
	p3.Release()
}

func TestShutdownCancelsWaiters(t *testing.T) {
	m := New(Limits{PeerConnection: 1, DiskRead: 1, DiskWrite: 1, Reserve: 0})
	held, _ := m.Acquire(context.Background(), PeerConnection)
	defer held.Release()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), PeerConnection)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Shutdown()

	select {
	case err := <-errCh:
		if err != coreerrors.ErrShutdownRequested {
			t.Fatalf("expected ErrShutdownRequested, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never cancelled on shutdown")
	}
}

func TestInitialLimitsConservesFloorsAndProportions(t *testing.T) {
	lim := InitialLimits(1024, 0)
	if lim[PeerConnection] < minPeers || lim[DiskRead] < minDisk || lim[DiskWrite] < minDisk {
		t.Fatalf("limits below floor: %+v", lim)
	}
	if lim[Reserve] != 0 {
		t.Fatalf("reserve should start at 0, got %d", lim[Reserve])
	}

	lowLim := InitialLimits(50, 0)
	if lowLim[DiskRead] != minDisk || lowLim[DiskWrite] != minDisk {
		t.Fatalf("expected floors to apply under tiny budget: %+v", lowLim)
	}
}
