// Package workqueue implements the deferred, low-priority callback delivery spec.md §4.4 requires
// for media-change notifications: a controller's interrupt handler runs at an elevated scheduling
// level and must not block probing a newly-inserted card itself, so it only records that something
// happened and queues a work item to run later, off the interrupt path, at a level where sleeping
// and taking locks is safe.
//
// This generalizes the teacher's single-goroutine device callback (every teacher device delivers
// its callback synchronously, in-line, because the simulated LC-3 machine has no concept of
// scheduling levels) into a real deferred-work queue with bounded fan-out, grounded on the
// producer/consumer workqueue shape used throughout k3s-io-k3s's controllers.
package workqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/smoynes/sdpdo/internal/log"
)

// Item is one unit of deferred work: a key identifying what changed (here, a slot's device name) and the
// function to run. Re-queuing the same key while an item for it is still pending or running
// coalesces into a single future run, the same de-duplication discipline spec.md §4.4 calls for
// ("a slot observes at most one enumeration pass per settle period").
type Item struct {
	Key string
	Run func(ctx context.Context)
}

// Queue is a small DPC-style work queue: Enqueue is safe to call from any scheduling level
// (including, conceptually, an interrupt handler) and never blocks; workers drain it concurrently,
// each key processed by at most one worker at a time.
type Queue struct {
	log *log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Item
	inflight map[string]bool
	closed   bool
}

// New creates a Queue. logger may be nil, in which case logging is discarded.
func New(logger *log.Logger) *Queue {
	q := &Queue{log: logger}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Enqueue adds an item to the queue. If an item with the same key is already pending (not yet
// picked up by a worker), Enqueue replaces it in place rather than growing the queue, so a burst of
// redundant media-change interrupts collapses into one pending enumeration pass.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	for i := range q.pending {
		if q.pending[i].Key == item.Key {
			q.pending[i] = item
			return
		}
	}

	q.pending = append(q.pending, item)
	q.cond.Signal()
}

// dequeue blocks until an item whose key is not already in flight is available, or the queue is
// closed and drained (returns ok=false).
func (q *Queue) dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for i := range q.pending {
			item := q.pending[i]
			if q.inflight[item.Key] {
				continue
			}

			q.pending = append(q.pending[:i], q.pending[i+1:]...)

			if q.inflight == nil {
				q.inflight = make(map[string]bool)
			}
			q.inflight[item.Key] = true

			return item, true
		}

		if q.closed {
			return Item{}, false
		}

		q.cond.Wait()
	}
}

func (q *Queue) done(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, key)
	q.cond.Broadcast()
}

// Close stops the queue from accepting new items. Workers still run every item already pending or
// in flight; Run returns once the queue is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Run starts n worker goroutines draining the queue and blocks until ctx is cancelled or Close is
// called, and every pending and in-flight item has finished. A worker's Item.Run is also handed ctx, so long-running
// deferred work (e.g. a slot enumeration pass waiting out a card settle delay) observes
// cancellation promptly.
func (q *Queue) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				item, ok := q.dequeue()
				if !ok {
					return nil
				}

				func() {
					defer q.done(item.Key)

					if q.log != nil {
						q.log.Debug("workqueue: running item", "key", item.Key)
					}

					item.Run(ctx)
				}()
			}
		})
	}

	return g.Wait()
}
