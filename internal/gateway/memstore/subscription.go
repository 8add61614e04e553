package memstore

import (
	"sync"

	"github.com/nexaie/chatsync/internal/gateway"
)

// subscription delivers change batches to one feed callback, in commit
// order, from a dedicated goroutine. Closing drops anything not yet
// delivered so no callback fires after Close returns the runner to idle.
type subscription struct {
	store *Store
	id    int64
	query gateway.Query
	fn    gateway.FeedFunc

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []gateway.ChangeBatch
	delivering bool
	closed     bool
	err        error

	done     chan struct{}
	doneOnce sync.Once
}

func newSubscription(s *Store, id int64, q gateway.Query, fn gateway.FeedFunc) *subscription {
	sub := &subscription{
		store: s,
		id:    id,
		query: q,
		fn:    fn,
		done:  make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

// enqueue appends a batch for delivery. Called with the store lock held;
// never blocks on the consumer.
func (sub *subscription) enqueue(batch gateway.ChangeBatch) {
	sub.mu.Lock()
	if !sub.closed {
		sub.pending = append(sub.pending, batch)
		sub.cond.Broadcast()
	}
	sub.mu.Unlock()
}

// run is the delivery loop.
func (sub *subscription) run() {
	defer sub.doneOnce.Do(func() { close(sub.done) })
	for {
		sub.mu.Lock()
		for len(sub.pending) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		batch := sub.pending[0]
		sub.pending = sub.pending[1:]
		sub.delivering = true
		sub.mu.Unlock()

		sub.fn(batch)

		sub.mu.Lock()
		sub.delivering = false
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
}

// drain blocks until the queue is empty and no callback is in flight.
func (sub *subscription) drain() {
	sub.mu.Lock()
	for (len(sub.pending) > 0 || sub.delivering) && !sub.closed {
		sub.cond.Wait()
	}
	sub.mu.Unlock()
	if sub.isClosed() {
		<-sub.done
	}
}

func (sub *subscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

// terminate ends the feed with the given error (nil for a clean stop).
func (sub *subscription) terminate(err error) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.err = err
	sub.pending = nil
	sub.cond.Broadcast()
	sub.mu.Unlock()

	sub.store.dropSub(sub.id)
}

// Done implements gateway.Subscription.
func (sub *subscription) Done() <-chan struct{} { return sub.done }

// Err implements gateway.Subscription.
func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close implements gateway.Subscription.
func (sub *subscription) Close() { sub.terminate(nil) }
