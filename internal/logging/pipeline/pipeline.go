// Package pipeline wires the queue, worker, dispatcher and retry scheduler
// into one delivery pipeline with a start/enqueue/shutdown lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/logging/batch"
	"github.com/Chichichkin/logpipe/internal/logging/dispatch"
	"github.com/Chichichkin/logpipe/internal/logging/queue"
	"github.com/Chichichkin/logpipe/internal/logging/retry"
	"github.com/Chichichkin/logpipe/internal/logging/sink"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrShutdown       = errors.New("pipeline shut down")
)

type Pipeline struct {
	config     logging.Config
	sinks      []logging.Sink
	queue      *queue.Queue
	retries    *retry.Scheduler
	dispatcher *dispatch.Dispatcher
	worker     *batch.Processor
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onError    logging.ErrorHandler
	queueOpts  []queue.Option

	mu       sync.Mutex
	started  bool
	stopping bool

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Pipeline)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithErrorHandler receives delivery errors that are never returned to
// producers: exhausted retries and shutdown timeouts.
func WithErrorHandler(fn logging.ErrorHandler) Option {
	return func(p *Pipeline) {
		p.onError = fn
	}
}

func WithQueueOptions(opts ...queue.Option) Option {
	return func(p *Pipeline) {
		p.queueOpts = append(p.queueOpts, opts...)
	}
}

func New(config logging.Config, registry *sink.Registry, opts ...Option) (*Pipeline, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("at least one sink is required")
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.BatchTimeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive, got %s", config.BatchTimeout)
	}
	if config.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", config.MaxRetries)
	}
	if config.RetryDelay < 0 || config.MaxRetryDelay < 0 {
		return nil, fmt.Errorf("retry delays must not be negative")
	}
	if config.RetryBacklog < 0 {
		return nil, fmt.Errorf("retry backlog must not be negative, got %d", config.RetryBacklog)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = logging.DefaultShutdownTimeout
	}

	p := &Pipeline{
		config: config,
		sinks:  registry.Sinks(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	qOpts := append([]queue.Option{queue.WithMetrics(p.metrics)}, p.queueOpts...)
	q, err := queue.New(config.QueueCapacity, config.OverflowPolicy, config.SamplingRate, qOpts...)
	if err != nil {
		return nil, err
	}
	p.queue = q

	p.retries = retry.New(retry.Config{
		MaxAttempts:     config.MaxRetries,
		InitialInterval: config.RetryDelay,
		MaxInterval:     config.MaxRetryDelay,
		MaxPending:      config.RetryBacklog,
	}, dispatch.Writer(p.metrics),
		retry.WithLogger(p.logger.Named("retry")),
		retry.WithMetrics(p.metrics),
		retry.WithErrorHandler(p.report),
	)

	p.dispatcher = dispatch.New(p.sinks,
		dispatch.WithBacklog(p.retries),
		dispatch.WithLogger(p.logger.Named("dispatch")),
		dispatch.WithMetrics(p.metrics),
	)

	p.worker = batch.NewBatchProcessor(context.Background(), q, p.dispatcher, p.retries, config,
		batch.WithLogger(p.logger.Named("worker")),
		batch.WithMetrics(p.metrics),
	)

	return p, nil
}

// Start opens every sink and starts the worker. A sink that cannot be
// opened fails Start before anything is delivered.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return ErrShutdown
	}
	if p.started {
		return ErrAlreadyStarted
	}

	for i, s := range p.sinks {
		if err := s.Open(ctx); err != nil {
			var closeErr error
			for _, opened := range p.sinks[:i] {
				closeErr = multierr.Append(closeErr, opened.Close())
			}
			if closeErr != nil {
				p.logger.Warn("closing sinks after failed start", zap.Error(closeErr))
			}
			return &logging.SinkConfigError{Sink: s.Name(), Err: err}
		}
	}

	p.started = true
	p.worker.Start()

	p.logger.Info("delivery pipeline started",
		zap.Int("sinks", len(p.sinks)),
		zap.Int("queue_capacity", p.queue.Cap()),
		zap.Stringer("overflow_policy", p.config.OverflowPolicy),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("batch_timeout", p.config.BatchTimeout),
	)
	return nil
}

// Enqueue hands an event to the pipeline. Only the Block policy can make
// it wait, and then only until ctx is done.
func (p *Pipeline) Enqueue(ctx context.Context, event logging.LogEvent) (logging.EnqueueOutcome, error) {
	return p.queue.Enqueue(ctx, event)
}

func (p *Pipeline) Stats() queue.Stats {
	return p.queue.Stats()
}

func (p *Pipeline) State() batch.State {
	return p.worker.State()
}

// Shutdown drains the queue and waits for pending retries, giving up after
// the configured shutdown timeout. It always returns; concurrent and
// repeated calls share the first call's result.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Pipeline) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	started := p.started
	p.mu.Unlock()

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, p.config.ShutdownTimeout)
	defer cancel()

	if !started {
		p.queue.Close()
		return nil
	}

	p.logger.Info("shutting down delivery pipeline", zap.Int("queued", p.queue.Len()))

	p.worker.Drain()
	timedOut := false
	select {
	case <-p.worker.Done():
	case <-dctx.Done():
		timedOut = true
	}
	if !timedOut {
		if err := p.retries.Wait(dctx); err != nil {
			timedOut = true
		}
	}

	if timedOut {
		p.worker.Abort()
		abandoned := p.retries.Abandon()
		p.metrics.ShutdownTimeout()
		p.report(&logging.ShutdownTimeoutError{
			Timeout:   p.config.ShutdownTimeout,
			Abandoned: abandoned,
		})
		if left := p.queue.Len(); left > 0 {
			p.logger.Warn("events left undelivered", zap.Int("events", left))
		}
	}
	p.queue.Close()

	err := p.closeSinks(dctx)
	p.logger.Info("delivery pipeline stopped",
		zap.Duration("took", time.Since(start)),
		zap.Bool("timed_out", timedOut),
	)
	return err
}

func (p *Pipeline) closeSinks(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		var err error
		for _, s := range p.sinks {
			if cerr := s.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("close sink %s: %w", s.Name(), cerr))
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.logger.Warn("sink close did not finish before shutdown deadline")
		return nil
	}
}

func (p *Pipeline) report(err error) {
	p.logger.Error("log delivery error", zap.Error(err))
	if p.onError != nil {
		p.onError(err)
	}
}
