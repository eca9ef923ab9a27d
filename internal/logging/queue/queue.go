// Package queue implements the bounded FIFO between producers and the
// delivery worker. All state is guarded by a single mutex; the worker is
// the only consumer.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

type Stats struct {
	Capacity int
	Depth    int
	Enqueued uint64
	Dropped  uint64
	Sampled  uint64
}

type Queue struct {
	mu     sync.Mutex
	buf    []logging.LogEvent
	head   int
	size   int
	seq    uint64
	closed bool

	policy logging.OverflowPolicy
	rate   float64
	random func() float64

	// ready holds at most one pending wakeup for the consumer.
	ready chan struct{}
	// space is closed and cleared whenever room is made; blocked producers
	// wait on it.
	space chan struct{}

	enqueued uint64
	dropped  uint64
	sampled  uint64

	metrics *metrics.Metrics
}

type Option func(*Queue)

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithRandom replaces the source of the sample policy's draws.
func WithRandom(fn func() float64) Option {
	return func(q *Queue) {
		q.random = fn
	}
}

func New(capacity int, policy logging.OverflowPolicy, samplingRate float64, opts ...Option) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if samplingRate < 0 || samplingRate > 1 {
		return nil, fmt.Errorf("sampling rate must be within [0,1], got %v", samplingRate)
	}
	switch policy {
	case logging.Drop, logging.Block, logging.Sample:
	default:
		return nil, fmt.Errorf("unknown overflow policy %d", policy)
	}

	q := &Queue{
		buf:    make([]logging.LogEvent, capacity),
		policy: policy,
		rate:   samplingRate,
		random: rand.Float64,
		ready:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue never blocks unless the policy is Block and the queue is full.
// A blocked call returns when space frees up, ctx is done, or the queue is
// closed.
func (q *Queue) Enqueue(ctx context.Context, event logging.LogEvent) (logging.EnqueueOutcome, error) {
	for {
		q.mu.Lock()
		if q.size < len(q.buf) {
			q.push(event)
			q.mu.Unlock()
			return logging.Accepted, nil
		}

		switch q.policy {
		case logging.Block:
			if q.closed {
				q.dropped++
				q.mu.Unlock()
				q.metrics.EventDropped()
				return logging.Dropped, &logging.QueueFullError{Capacity: len(q.buf), Policy: q.policy}
			}
			if q.space == nil {
				q.space = make(chan struct{})
			}
			wait := q.space
			q.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				q.mu.Lock()
				q.dropped++
				q.mu.Unlock()
				q.metrics.EventDropped()
				return logging.Dropped, ctx.Err()
			}

		case logging.Sample:
			if q.random() < q.rate {
				q.pop()
				q.dropped++
				q.push(event)
				q.mu.Unlock()
				q.metrics.EventDropped()
				return logging.Accepted, nil
			}
			q.sampled++
			q.mu.Unlock()
			q.metrics.EventSampled()
			return logging.SampledOut, nil

		default:
			q.dropped++
			q.mu.Unlock()
			q.metrics.EventDropped()
			return logging.Dropped, nil
		}
	}
}

// Ready fires after at least one event was added since the last receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Dequeue appends up to max events to dst in FIFO order.
func (q *Queue) Dequeue(dst []logging.LogEvent, max int) []logging.LogEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for q.size > 0 && (max <= 0 || n < max) {
		dst = append(dst, q.pop())
		n++
	}
	if n > 0 {
		q.wakeProducers()
		q.metrics.SetQueueDepth(q.size)
	}
	return dst
}

// Close wakes blocked producers. Later enqueues are still accepted while
// there is room; a Block producer facing a full closed queue gets
// QueueFullError.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.wakeProducers()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity: len(q.buf),
		Depth:    q.size,
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Sampled:  q.sampled,
	}
}

// push requires q.mu and a free slot.
func (q *Queue) push(event logging.LogEvent) {
	q.seq++
	event.Seq = q.seq
	event.Enqueued = time.Now()
	q.buf[(q.head+q.size)%len(q.buf)] = event
	q.size++
	q.enqueued++

	q.metrics.EventEnqueued()
	q.metrics.SetQueueDepth(q.size)

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop requires q.mu and a non-empty queue.
func (q *Queue) pop() logging.LogEvent {
	event := q.buf[q.head]
	q.buf[q.head] = logging.LogEvent{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return event
}

func (q *Queue) wakeProducers() {
	if q.space != nil {
		close(q.space)
		q.space = nil
	}
}
