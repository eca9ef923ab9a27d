package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/logging/queue"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

type State int32

const (
	Idle State = iota
	Collecting
	Dispatching
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Dispatching:
		return "dispatching"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, batch logging.Batch) []logging.SinkResult
}

type RetryScheduler interface {
	Schedule(result logging.SinkResult)
}

// Processor is the single consumer of the queue. It cuts batches by size or
// by BatchTimeout measured from the first event of the batch, and hands
// failed sink results to the retry scheduler without waiting on them.
type Processor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	queue      *queue.Queue
	dispatcher Dispatcher
	retries    RetryScheduler
	config     logging.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics

	state     atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Processor)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func NewBatchProcessor(ctx context.Context, q *queue.Queue, d Dispatcher, r RetryScheduler, config logging.Config, opts ...Option) *Processor {
	nCtx, cancel := context.WithCancel(ctx)
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	p := &Processor{
		ctx:        nCtx,
		cancel:     cancel,
		queue:      q,
		dispatcher: d,
		retries:    r,
		config:     config,
		logger:     zap.NewNop(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Drain asks the worker to flush everything still queued and terminate.
// It does not wait; see Done.
func (p *Processor) Drain() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Abort cancels in-flight dispatches and stops draining.
func (p *Processor) Abort() {
	p.cancel()
}

func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Stop drains and waits for the worker to finish.
func (p *Processor) Stop() {
	p.Start()
	p.Drain()
	<-p.done
}

func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) run() {
	defer close(p.done)
	defer p.setState(Terminated)

	var (
		pending []logging.LogEvent
		timer   *time.Timer
		timeout <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
	}

	for {
		if p.ctx.Err() != nil {
			stopTimer()
			p.logger.Warn("worker cancelled", zap.Int("events_left", len(pending)+p.queue.Len()))
			return
		}

		pending = p.queue.Dequeue(pending, p.config.BatchSize-len(pending))

		if len(pending) >= p.config.BatchSize {
			stopTimer()
			p.dispatch(pending)
			pending = nil
			continue
		}

		if len(pending) == 0 {
			p.setState(Idle)
		} else {
			p.setState(Collecting)
			if timeout == nil {
				// measured from when the oldest event entered the queue
				wait := p.config.BatchTimeout - time.Since(pending[0].Enqueued)
				if wait <= 0 {
					p.dispatch(pending)
					pending = nil
					continue
				}
				timer = time.NewTimer(wait)
				timeout = timer.C
			}
		}

		select {
		case <-p.queue.Ready():
		case <-timeout:
			timer, timeout = nil, nil
			p.dispatch(pending)
			pending = nil
		case <-p.stop:
			stopTimer()
			p.drain(pending)
			return
		case <-p.ctx.Done():
		}
	}
}

func (p *Processor) drain(pending []logging.LogEvent) {
	p.setState(Draining)

	batches := 0
	for {
		pending = p.queue.Dequeue(pending, p.config.BatchSize-len(pending))
		if len(pending) == 0 {
			break
		}
		if p.ctx.Err() != nil {
			left := len(pending) + p.queue.Len()
			p.logger.Warn("drain aborted", zap.Int("events_left", left))
			return
		}
		p.dispatch(pending)
		pending = nil
		batches++
	}
	p.logger.Debug("queue drained", zap.Int("batches", batches))
}

func (p *Processor) dispatch(events []logging.LogEvent) {
	if len(events) == 0 {
		return
	}
	if p.State() != Draining {
		p.setState(Dispatching)
	}

	batch := logging.Batch{
		ID:     uuid.NewString(),
		Events: events,
	}
	p.metrics.BatchDispatched(batch.Len())

	for _, res := range p.dispatcher.Dispatch(p.ctx, batch) {
		if res.OK() || res.Deferred {
			continue
		}
		if p.retries != nil {
			p.retries.Schedule(res)
		}
	}
}

func (p *Processor) setState(s State) {
	p.state.Store(int32(s))
}
