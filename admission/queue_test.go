package admission

import (
	"context"
	"testing"
	"time"

	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

func mustAcquire(t *testing.T, q *Queue, bytes int64) *Reservation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := q.Acquire(ctx, bytes)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return res
}

func TestSixthAcquireBlocksUntilRelease(t *testing.T) {
	q := NewQueue(5, 1<<30)

	reservations := make([]*Reservation, 5)
	for i := range reservations {
		reservations[i] = mustAcquire(t, q, 1024)
	}

	acquired := make(chan *Reservation, 1)
	go func() {
		res, err := q.Acquire(context.Background(), 1024)
		if err != nil {
			t.Errorf("sixth Acquire: %v", err)
			return
		}
		acquired <- res
	}()

	// The sixth caller must stay pending while all slots are taken.
	select {
	case <-acquired:
		t.Fatal("sixth Acquire completed while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	reservations[0].Release()

	select {
	case res := <-acquired:
		res.Release()
	case <-time.After(time.Second):
		t.Fatal("sixth Acquire did not resolve after a release")
	}

	for _, res := range reservations[1:] {
		res.Release()
	}
}

func TestByteBudgetBlocks(t *testing.T) {
	q := NewQueue(5, 1000)

	// A reservation larger than the budget is admitted while idle.
	big := mustAcquire(t, q, 5000)

	blocked := make(chan struct{})
	go func() {
		res, err := q.Acquire(context.Background(), 10)
		if err == nil {
			res.Release()
		}
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("Acquire completed while byte budget was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	big.Release()

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not resolve after budget was released")
	}
}

func TestCancelledAcquireReservesNothing(t *testing.T) {
	q := NewQueue(1, 1<<30)
	res := mustAcquire(t, q, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	if !sdkerrors.IsCancelled(err) {
		t.Fatalf("expected Cancelled error, got %v", err)
	}

	stats := q.GetStats()
	if stats.PendingAcquires != 0 {
		t.Errorf("PendingAcquires = %d, want 0", stats.PendingAcquires)
	}
	if stats.ActiveTransfers != 1 {
		t.Errorf("ActiveTransfers = %d, want 1 (cancelled waiter must not reserve)", stats.ActiveTransfers)
	}
	res.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	q := NewQueue(2, 1<<30)
	res := mustAcquire(t, q, 100)

	res.Release()
	res.Release()
	res.Release()

	stats := q.GetStats()
	if stats.ActiveTransfers != 0 {
		t.Errorf("ActiveTransfers = %d, want 0", stats.ActiveTransfers)
	}
	if stats.InFlightBytes != 0 {
		t.Errorf("InFlightBytes = %d, want 0 (double release must not go negative)", stats.InFlightBytes)
	}
}

func TestEmptyFilesStillBoundedByTransferCount(t *testing.T) {
	q := NewQueue(2, 1<<30)

	r1 := mustAcquire(t, q, 0)
	r2 := mustAcquire(t, q, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Acquire(ctx, 0); !sdkerrors.IsCancelled(err) {
		t.Fatalf("third zero-byte Acquire should block until cancelled, got %v", err)
	}

	r1.Release()
	r2.Release()
}
