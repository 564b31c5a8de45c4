// Package quota implements the exponential backoff and bounded work queue
// used against quota-limited external APIs: start at 60s, double on each
// failure, cap at 30 minutes, dropping enqueued work FIFO once the queue
// exceeds 500 entries.
package quota

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialInterval = 60 * time.Second
	maxInterval     = 30 * time.Minute
	maxQueueDepth   = 500
)

// NewBackoff returns a backoff.BackOff configured to the bounds above
// for a single quota-limited key. It never stops retrying on its own
// (backoff.Stop is never returned); callers decide when to give up.
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // never expires; caller controls lifetime
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Queue is a bounded FIFO work queue per quota-limited key: once depth
// exceeds maxQueueDepth, the oldest pending item is dropped to admit the
// new one.
type Queue struct {
	mu    sync.Mutex
	byKey map[string][]func()
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{byKey: make(map[string][]func())}
}

// Enqueue adds work for key, dropping the oldest pending item for that key
// if the queue is already at capacity.
func (q *Queue) Enqueue(key string, work func()) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.byKey[key]
	if len(items) >= maxQueueDepth {
		items = items[1:]
		dropped = true
	}
	items = append(items, work)
	q.byKey[key] = items
	return dropped
}

// Drain removes and returns all pending work for key, in FIFO order.
func (q *Queue) Drain(key string) []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.byKey[key]
	delete(q.byKey, key)
	return items
}

// Depth reports the current queue depth for key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey[key])
}
