package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chichichkin/logpipe/internal/logging"
)

// MockSink records delivered batches. The first FailTimes writes fail, or
// every write when AlwaysFail is set.
type MockSink struct {
	SinkName   string
	FailTimes  int
	AlwaysFail bool
	Delay      time.Duration
	OpenErr    error
	// IgnoreContext makes Delay uninterruptible.
	IgnoreContext bool

	mu       sync.Mutex
	batches  []logging.Batch
	attempts map[string]int
	writes   int
	opens    int
	closes   int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewMockSink(name string) *MockSink {
	return &MockSink{SinkName: name}
}

func (m *MockSink) Name() string {
	return m.SinkName
}

func (m *MockSink) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	return m.OpenErr
}

func (m *MockSink) Write(ctx context.Context, batch logging.Batch) error {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if m.Delay > 0 {
		if m.IgnoreContext {
			time.Sleep(m.Delay)
		} else {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.attempts == nil {
		m.attempts = make(map[string]int)
	}
	m.attempts[batch.ID]++

	if m.AlwaysFail || m.writes <= m.FailTimes {
		return fmt.Errorf("mock sink %s failed", m.SinkName)
	}

	m.batches = append(m.batches, batch)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *MockSink) GetBatches() []logging.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// GetEvents flattens all delivered batches.
func (m *MockSink) GetEvents() []logging.LogEvent {
	var events []logging.LogEvent
	for _, b := range m.GetBatches() {
		events = append(events, b.Events...)
	}
	return events
}

func (m *MockSink) Attempts(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[batchID]
}

func (m *MockSink) GetStats() (writes, opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.opens, m.closes
}

func (m *MockSink) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// MockProducer stands in for the pipeline's Enqueue.
type MockProducer struct {
	Events       []logging.LogEvent
	mu           sync.Mutex
	Outcome      logging.EnqueueOutcome
	EnqueueDelay time.Duration
	ShouldFail   bool
	EnqueueCalls int
}

func (m *MockProducer) Enqueue(_ context.Context, event logging.LogEvent) (logging.EnqueueOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnqueueDelay > 0 {
		time.Sleep(m.EnqueueDelay)
	}
	m.EnqueueCalls++

	if m.ShouldFail {
		return logging.Dropped, fmt.Errorf("mock enqueue failed")
	}
	if m.Outcome == logging.Accepted {
		m.Events = append(m.Events, event)
	}
	return m.Outcome, nil
}

func (m *MockProducer) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events), m.EnqueueCalls
}

func (m *MockProducer) GetEvents() []logging.LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.LogEvent, len(m.Events))
	copy(out, m.Events)
	return out
}

// ErrorCollector is an ErrorHandler that keeps what it receives.
type ErrorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *ErrorCollector) Handle(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *ErrorCollector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
