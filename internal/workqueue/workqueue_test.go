package workqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_RunsEnqueuedItems(t *testing.T) {
	q := New(nil)

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		key := string(rune('a' + i))
		q.Enqueue(Item{Key: key, Run: func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
			wg.Done()
		}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, 2) }()

	waitOrTimeout(t, &wg)

	q.Close()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Fatalf("count: got %d, want 3", got)
	}
}

func TestQueue_CoalescesDuplicateKeys(t *testing.T) {
	q := New(nil)

	var calls int32

	block := make(chan struct{})
	first := make(chan struct{})

	q.Enqueue(Item{Key: "slot0", Run: func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
		close(first)
		<-block
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, 1) }()

	waitOrTimeoutChan(t, first) // first item is now in flight (dequeued), so the next Enqueue cannot coalesce with it

	// Two more enqueues with the same key while nothing is pending should collapse into one
	// pending item.
	q.Enqueue(Item{Key: "slot0", Run: func(ctx context.Context) { atomic.AddInt32(&calls, 1) }})
	q.Enqueue(Item{Key: "slot0", Run: func(ctx context.Context) { atomic.AddInt32(&calls, 1) }})

	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()

	if pending != 1 {
		t.Fatalf("pending: got %d, want 1", pending)
	}

	close(block)

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls: got %d, want 2 (first dispatch + coalesced second)", got)
	}
}

func TestQueue_ClosesOnContextCancellation(t *testing.T) {
	q := New(nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, 1) }()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for work items")
	}
}

func waitOrTimeoutChan(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel")
	}
}
