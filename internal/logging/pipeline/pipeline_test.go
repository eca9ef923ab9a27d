package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/logging/batch"
	"github.com/Chichichkin/logpipe/internal/logging/sink"
	"github.com/Chichichkin/logpipe/internal/metrics"
	"github.com/Chichichkin/logpipe/internal/testutils"
)

func testConfig() logging.Config {
	return logging.Config{
		QueueCapacity:   1000,
		OverflowPolicy:  logging.Drop,
		BatchSize:       10,
		BatchTimeout:    20 * time.Millisecond,
		RetryDelay:      time.Millisecond,
		MaxRetryDelay:   10 * time.Millisecond,
		MaxRetries:      3,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newPipeline(t *testing.T, config logging.Config, sinks ...logging.Sink) (*Pipeline, *testutils.ErrorCollector) {
	t.Helper()
	registry, err := sink.NewRegistry(sinks...)
	require.NoError(t, err)

	errs := &testutils.ErrorCollector{}
	p, err := New(config, registry,
		WithErrorHandler(errs.Handle),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	return p, errs
}

func enqueueN(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		out, err := p.Enqueue(context.Background(), logging.NewEvent(
			logging.Field{Key: "message", Value: fmt.Sprintf("event %d", i)},
			logging.Field{Key: "n", Value: i},
		))
		require.NoError(t, err)
		require.Equal(t, logging.Accepted, out)
	}
}

func assertInOrder(t *testing.T, events []logging.LogEvent, n int) {
	t.Helper()
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("event %d", i), ev.String("message"))
	}
}

func TestNew_Validation(t *testing.T) {
	registry, err := sink.NewRegistry(testutils.NewMockSink("a"))
	require.NoError(t, err)

	_, err = New(testConfig(), nil)
	assert.Error(t, err)

	empty, _ := sink.NewRegistry()
	_, err = New(testConfig(), empty)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.BatchSize = 0
	_, err = New(cfg, registry)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.BatchTimeout = 0
	_, err = New(cfg, registry)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxRetries = 0
	_, err = New(cfg, registry)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.RetryBacklog = -1
	_, err = New(cfg, registry)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.QueueCapacity = 0
	_, err = New(cfg, registry)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ShutdownTimeout = 0
	p, err := New(cfg, registry)
	require.NoError(t, err)
	assert.Equal(t, logging.DefaultShutdownTimeout, p.config.ShutdownTimeout)
}

func TestPipeline_DeliversAllInOrderToEverySink(t *testing.T) {
	a := testutils.NewMockSink("a")
	b := testutils.NewMockSink("b")
	p, errs := newPipeline(t, testConfig(), a, b)
	require.NoError(t, p.Start(context.Background()))

	enqueueN(t, p, 95)

	assert.True(t, testutils.Eventually(2*time.Second, func() bool {
		return len(a.GetEvents()) == 95 && len(b.GetEvents()) == 95
	}))
	require.NoError(t, p.Shutdown(context.Background()))

	assertInOrder(t, a.GetEvents(), 95)
	assertInOrder(t, b.GetEvents(), 95)
	assert.Empty(t, errs.Errors())
	assert.Equal(t, uint64(95), p.Stats().Enqueued)
}

func TestPipeline_FailingSinkIsIsolated(t *testing.T) {
	healthy := testutils.NewMockSink("healthy")
	broken := &testutils.MockSink{SinkName: "broken", AlwaysFail: true}
	cfg := testConfig()
	cfg.BatchSize = 1
	p, errs := newPipeline(t, cfg, healthy, broken)
	require.NoError(t, p.Start(context.Background()))

	enqueueN(t, p, 4)
	require.NoError(t, p.Shutdown(context.Background()))

	batches := healthy.GetBatches()
	require.Len(t, batches, 4)
	assertInOrder(t, healthy.GetEvents(), 4)
	for _, b := range batches {
		assert.Equal(t, 3, broken.Attempts(b.ID))
	}

	var exhausted []*logging.RetriesExhaustedError
	for _, err := range errs.Errors() {
		var re *logging.RetriesExhaustedError
		if errors.As(err, &re) {
			exhausted = append(exhausted, re)
		}
	}
	assert.Len(t, exhausted, 4)
	for _, re := range exhausted {
		assert.Equal(t, "broken", re.Sink)
		assert.Equal(t, 3, re.Attempts)
	}
}

func TestPipeline_RecoversBeforeMaxRetries(t *testing.T) {
	flaky := &testutils.MockSink{SinkName: "flaky", FailTimes: 2}
	cfg := testConfig()
	cfg.BatchSize = 100
	p, errs := newPipeline(t, cfg, flaky)
	require.NoError(t, p.Start(context.Background()))

	enqueueN(t, p, 5)
	require.NoError(t, p.Shutdown(context.Background()))

	assertInOrder(t, flaky.GetEvents(), 5)
	assert.Empty(t, errs.Errors())
}

func TestPipeline_RetryKeepsPerSinkOrder(t *testing.T) {
	flaky := &testutils.MockSink{SinkName: "flaky", FailTimes: 2}
	healthy := testutils.NewMockSink("healthy")
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.RetryDelay = 20 * time.Millisecond
	p, errs := newPipeline(t, cfg, flaky, healthy)
	require.NoError(t, p.Start(context.Background()))

	enqueueN(t, p, 10)
	require.NoError(t, p.Shutdown(context.Background()))

	assertInOrder(t, flaky.GetEvents(), 10)
	assertInOrder(t, healthy.GetEvents(), 10)
	assert.Equal(t, 1, flaky.MaxInFlight())
	assert.Empty(t, errs.Errors())
}

func TestPipeline_ShutdownDrainsQueuedEvents(t *testing.T) {
	s := testutils.NewMockSink("s")
	cfg := testConfig()
	cfg.BatchSize = 7
	cfg.BatchTimeout = time.Hour
	p, _ := newPipeline(t, cfg, s)

	enqueueN(t, p, 50)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	assertInOrder(t, s.GetEvents(), 50)
	assert.Equal(t, batch.Terminated, p.State())
	_, opens, closes := s.GetStats()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestPipeline_ConcurrentShutdown(t *testing.T) {
	s := testutils.NewMockSink("s")
	p, _ := newPipeline(t, testConfig(), s)
	require.NoError(t, p.Start(context.Background()))
	enqueueN(t, p, 30)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assertInOrder(t, s.GetEvents(), 30)
	_, _, closes := s.GetStats()
	assert.Equal(t, 1, closes)

	assert.NoError(t, p.Shutdown(context.Background()))
	assertInOrder(t, s.GetEvents(), 30)
}

func TestPipeline_ShutdownTimeoutNeverHangs(t *testing.T) {
	stuck := &testutils.MockSink{SinkName: "stuck", Delay: 3 * time.Second, IgnoreContext: true}
	cfg := testConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	p, errs := newPipeline(t, cfg, stuck)
	require.NoError(t, p.Start(context.Background()))
	enqueueN(t, p, 5)

	start := time.Now()
	_ = p.Shutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	var timeoutErr *logging.ShutdownTimeoutError
	found := false
	for _, err := range errs.Errors() {
		if errors.As(err, &timeoutErr) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPipeline_ShutdownAbandonsPendingRetries(t *testing.T) {
	broken := &testutils.MockSink{SinkName: "broken", AlwaysFail: true}
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	cfg.ShutdownTimeout = 100 * time.Millisecond
	p, errs := newPipeline(t, cfg, broken)
	require.NoError(t, p.Start(context.Background()))
	enqueueN(t, p, 3)

	start := time.Now()
	_ = p.Shutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	var exhausted, timeouts int
	for _, err := range errs.Errors() {
		var re *logging.RetriesExhaustedError
		var te *logging.ShutdownTimeoutError
		switch {
		case errors.As(err, &re):
			exhausted++
		case errors.As(err, &te):
			timeouts++
			assert.Equal(t, 1, te.Abandoned)
		}
	}
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, timeouts)
}

func TestPipeline_StartFailsFastOnSinkOpenError(t *testing.T) {
	good := testutils.NewMockSink("good")
	bad := &testutils.MockSink{SinkName: "bad", OpenErr: errors.New("malformed address")}
	p, _ := newPipeline(t, testConfig(), good, bad)

	err := p.Start(context.Background())
	require.Error(t, err)
	var cfgErr *logging.SinkConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "bad", cfgErr.Sink)

	_, _, closes := good.GetStats()
	assert.Equal(t, 1, closes)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPipeline_StartTwiceAndAfterShutdown(t *testing.T) {
	p, _ := newPipeline(t, testConfig(), testutils.NewMockSink("s"))
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrShutdown)
}

func TestPipeline_EnqueueAfterShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	p, _ := newPipeline(t, cfg, testutils.NewMockSink("s"))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	out, err := p.Enqueue(context.Background(), logging.NewEvent())
	assert.NoError(t, err)
	assert.Equal(t, logging.Accepted, out)

	out, err = p.Enqueue(context.Background(), logging.NewEvent())
	assert.NoError(t, err)
	assert.Equal(t, logging.Dropped, out)
}

func TestPipeline_BlockPolicyReleasesProducers(t *testing.T) {
	slow := &testutils.MockSink{SinkName: "slow", Delay: 5 * time.Millisecond}
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.OverflowPolicy = logging.Block
	cfg.BatchSize = 1
	p, _ := newPipeline(t, cfg, slow)
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		out, err := p.Enqueue(ctx, logging.NewEvent(logging.Field{Key: "message", Value: fmt.Sprintf("event %d", i)}))
		require.NoError(t, err)
		require.Equal(t, logging.Accepted, out)
	}
	require.NoError(t, p.Shutdown(context.Background()))

	assertInOrder(t, slow.GetEvents(), 20)
	assert.Equal(t, uint64(0), p.Stats().Dropped)
}
