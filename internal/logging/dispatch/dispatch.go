// Package dispatch fans a batch out to every registered sink at once.
// A failing, panicking or slow sink only affects its own result.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

// Backlog lets a sink with unresolved deliveries receive new batches in
// order instead of having them written directly.
type Backlog interface {
	DeferIfPending(sink logging.Sink, batch logging.Batch) bool
}

type Dispatcher struct {
	sinks    []logging.Sink
	backlog  Backlog
	onResult func(logging.SinkResult)
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Dispatcher)

func WithBacklog(b Backlog) Option {
	return func(d *Dispatcher) {
		d.backlog = b
	}
}

// WithResultHook is called from the sink's goroutine as soon as its
// result is known, before Dispatch returns.
func WithResultHook(fn func(logging.SinkResult)) Option {
	return func(d *Dispatcher) {
		d.onResult = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func New(sinks []logging.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch writes batch to all sinks concurrently and returns one result
// per sink, in registration order, once every write has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, batch logging.Batch) []logging.SinkResult {
	results := make([]logging.SinkResult, len(d.sinks))

	var wg sync.WaitGroup
	for i, sink := range d.sinks {
		if d.backlog != nil && d.backlog.DeferIfPending(sink, batch) {
			results[i] = logging.SinkResult{Sink: sink, Batch: batch, Deferred: true}
			d.logger.Debug("batch deferred behind pending retry",
				zap.String("sink", sink.Name()),
				zap.String("batch", batch.ID),
			)
			continue
		}

		wg.Add(1)
		go func(i int, sink logging.Sink) {
			defer wg.Done()

			res := logging.SinkResult{Sink: sink, Batch: batch}
			if err := d.Write(ctx, sink, batch); err != nil {
				res.Err = &logging.SinkWriteError{
					Sink:    sink.Name(),
					BatchID: batch.ID,
					Attempt: 1,
					Err:     err,
				}
				d.logger.Warn("sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("batch", batch.ID),
					zap.Int("events", batch.Len()),
					zap.Error(err),
				)
			}
			results[i] = res
			if d.onResult != nil {
				d.onResult(res)
			}
		}(i, sink)
	}
	wg.Wait()

	return results
}

// Write performs a single instrumented attempt.
func (d *Dispatcher) Write(ctx context.Context, sink logging.Sink, batch logging.Batch) error {
	return write(ctx, sink, batch, d.metrics)
}

// Writer returns the same single-attempt write for use outside a
// Dispatcher, e.g. by the retry scheduler.
func Writer(m *metrics.Metrics) func(context.Context, logging.Sink, logging.Batch) error {
	return func(ctx context.Context, sink logging.Sink, batch logging.Batch) error {
		return write(ctx, sink, batch, m)
	}
}

// write turns a panic inside the sink into an error.
func write(ctx context.Context, sink logging.Sink, batch logging.Batch, m *metrics.Metrics) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
		m.SinkWrite(sink.Name(), time.Since(start), err)
	}()

	return sink.Write(ctx, batch)
}
