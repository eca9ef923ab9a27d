// Package retry re-delivers batches that a sink failed to accept.
//
// Failed batches are kept in one FIFO lane per sink. A lane delivers its
// head with exponential backoff until it succeeds or runs out of attempts,
// then moves to the next entry, so every sink still sees batches in
// insertion order and never has two writes in flight. Lanes of different
// sinks are independent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

// ErrBacklogFull marks a batch evicted from a sink lane that hit MaxPending.
var ErrBacklogFull = errors.New("retry backlog full")

type Config struct {
	// MaxAttempts counts every write of a batch, the first one included.
	MaxAttempts     int
	InitialInterval time.Duration
	// MaxInterval caps a single delay; 0 means uncapped.
	MaxInterval time.Duration
	Jitter      float64 // ±jitter fraction (e.g., 0.2 = ±20%)
	// MaxPending bounds the batches queued per sink; 0 means unbounded.
	// The oldest batch not being written is given up on first.
	MaxPending int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxPending:      100,
	}
}

// Backoff returns the wait before the next attempt after the given number
// of failed attempts: InitialInterval * 2^(failures-1).
func Backoff(failures int, cfg Config) time.Duration {
	if failures < 1 {
		failures = 1
	}
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(failures-1))
	if cfg.MaxInterval > 0 && backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	// float64(MaxInt64) rounds up to 2^63, so >= also catches +Inf.
	if backoff >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(backoff)
}

// WriteFunc performs one delivery attempt.
type WriteFunc func(ctx context.Context, sink logging.Sink, batch logging.Batch) error

// State tracks one (sink, batch) pair awaiting delivery.
type State struct {
	Sink     logging.Sink
	Batch    logging.Batch
	Attempts int
	NextAt   time.Time
	LastErr  error
}

type lane struct {
	backlog  []*State
	running  bool
	inFlight bool
	// wake interrupts the head's backoff wait when the head is evicted.
	wake chan struct{}
}

type Scheduler struct {
	cfg     Config
	write   WriteFunc
	onError logging.ErrorHandler
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	idle    chan struct{}
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithErrorHandler sets the receiver of RetriesExhaustedError reports.
func WithErrorHandler(fn logging.ErrorHandler) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

func New(cfg Config, write WriteFunc, opts ...Option) *Scheduler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		write:  write,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule takes over a failed first delivery.
func (s *Scheduler) Schedule(result logging.SinkResult) {
	st := &State{
		Sink:     result.Sink,
		Batch:    result.Batch,
		Attempts: 1,
		LastErr:  result.Err,
	}
	s.ScheduleState(st)
}

// ScheduleState queues st behind whatever its sink already has pending.
func (s *Scheduler) ScheduleState(st *State) {
	if st.Attempts >= s.cfg.MaxAttempts || s.ctx.Err() != nil {
		s.exhausted(st)
		return
	}
	st.NextAt = time.Now().Add(Backoff(st.Attempts, s.cfg))

	s.mu.Lock()
	evicted := s.appendLocked(st)
	s.mu.Unlock()

	s.finish(evicted...)
}

// DeferIfPending queues batch for sink when the sink still has unresolved
// deliveries and reports whether it did. The caller writes the batch itself
// otherwise.
func (s *Scheduler) DeferIfPending(sink logging.Sink, batch logging.Batch) bool {
	s.mu.Lock()
	l, ok := s.lanes[sink.Name()]
	if !ok || len(l.backlog) == 0 {
		s.mu.Unlock()
		return false
	}
	evicted := s.appendLocked(&State{Sink: sink, Batch: batch, NextAt: time.Now()})
	s.mu.Unlock()

	s.finish(evicted...)
	return true
}

// Pending is the number of (sink, batch) pairs not yet resolved.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Wait blocks until nothing is pending or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Abandon cancels all backoff waits and in-progress writes and reports
// every unresolved entry as exhausted. It returns how many entries were
// given up on. Writes that ignore cancellation are not waited for.
func (s *Scheduler) Abandon() int {
	s.cancel()

	var dropped []*State
	s.mu.Lock()
	for _, l := range s.lanes {
		keep := 0
		if l.inFlight && len(l.backlog) > 0 {
			keep = 1
		}
		dropped = append(dropped, l.backlog[keep:]...)
		l.backlog = l.backlog[:keep]
	}
	abandoned := s.pending
	s.mu.Unlock()

	s.finish(dropped...)
	return abandoned
}

// appendLocked returns the entries pushed out of a full lane. They are
// still counted as pending and must be passed to finish after unlocking.
func (s *Scheduler) appendLocked(st *State) []*State {
	name := st.Sink.Name()
	l, ok := s.lanes[name]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		s.lanes[name] = l
	}
	l.backlog = append(l.backlog, st)
	s.pending++

	var evicted []*State
	for s.cfg.MaxPending > 0 && len(l.backlog) > s.cfg.MaxPending {
		victim := 0
		if l.inFlight {
			victim = 1
		}
		old := l.backlog[victim]
		l.backlog = append(l.backlog[:victim], l.backlog[victim+1:]...)
		if old.LastErr != nil {
			old.LastErr = fmt.Errorf("%w: %w", ErrBacklogFull, old.LastErr)
		} else {
			old.LastErr = ErrBacklogFull
		}
		evicted = append(evicted, old)

		if victim == 0 {
			select {
			case l.wake <- struct{}{}:
			default:
			}
		}
	}
	if len(evicted) > 0 {
		s.logger.Warn("retry backlog full, dropping oldest batches",
			zap.String("sink", name),
			zap.Int("dropped", len(evicted)),
			zap.Int("max_pending", s.cfg.MaxPending),
		)
	}

	if !l.running {
		l.running = true
		go s.run(l)
	}
	return evicted
}

func (s *Scheduler) doneLocked(n int) {
	s.pending -= n
	if s.pending == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Scheduler) run(l *lane) {
	for {
		s.mu.Lock()
		if len(l.backlog) == 0 {
			l.running = false
			s.mu.Unlock()
			return
		}
		st := l.backlog[0]
		s.mu.Unlock()

		if wait := time.Until(st.NextAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.wake:
				timer.Stop()
			case <-s.ctx.Done():
				timer.Stop()
			}
		}
		s.mu.Lock()
		if s.ctx.Err() != nil {
			// Abandon reported what it found; anything added since is ours.
			dropped := l.backlog
			l.backlog = nil
			l.running = false
			s.mu.Unlock()
			s.finish(dropped...)
			return
		}
		if len(l.backlog) == 0 || l.backlog[0] != st || time.Until(st.NextAt) > 0 {
			// head was evicted, or the wakeup was stale
			s.mu.Unlock()
			continue
		}
		l.inFlight = true
		s.mu.Unlock()

		st.Attempts++
		if st.Attempts > 1 {
			s.metrics.Retry(st.Sink.Name())
		}
		err := s.write(s.ctx, st.Sink, st.Batch)

		s.mu.Lock()
		l.inFlight = false
		if err == nil {
			l.backlog = l.backlog[1:]
			s.doneLocked(1)
			s.mu.Unlock()
			if st.Attempts > 1 {
				s.logger.Info("batch delivered after retry",
					zap.String("sink", st.Sink.Name()),
					zap.String("batch", st.Batch.ID),
					zap.Int("attempt", st.Attempts),
				)
			}
			continue
		}

		st.LastErr = &logging.SinkWriteError{
			Sink:    st.Sink.Name(),
			BatchID: st.Batch.ID,
			Attempt: st.Attempts,
			Err:     err,
		}
		if st.Attempts >= s.cfg.MaxAttempts || s.ctx.Err() != nil {
			l.backlog = l.backlog[1:]
			s.mu.Unlock()
			s.finish(st)
			continue
		}
		st.NextAt = time.Now().Add(Backoff(st.Attempts, s.cfg))
		s.mu.Unlock()

		s.logger.Debug("sink write failed, retry scheduled",
			zap.String("sink", st.Sink.Name()),
			zap.String("batch", st.Batch.ID),
			zap.Int("attempt", st.Attempts),
			zap.Time("next_at", st.NextAt),
			zap.Error(err),
		)
	}
}

// finish reports entries already removed from their lanes and only then
// releases them from the pending count, so Wait returning implies every
// report was delivered.
func (s *Scheduler) finish(states ...*State) {
	if len(states) == 0 {
		return
	}
	for _, st := range states {
		s.exhausted(st)
	}
	s.mu.Lock()
	s.doneLocked(len(states))
	s.mu.Unlock()
}

func (s *Scheduler) exhausted(st *State) {
	if st.LastErr == nil {
		st.LastErr = context.Canceled
	}
	s.metrics.RetriesExhausted(st.Sink.Name())
	err := &logging.RetriesExhaustedError{
		Sink:     st.Sink.Name(),
		BatchID:  st.Batch.ID,
		Events:   st.Batch.Len(),
		Attempts: st.Attempts,
		Err:      st.LastErr,
	}
	if s.onError != nil {
		s.onError(err)
		return
	}
	s.logger.Error("batch dropped", zap.Error(err))
}
