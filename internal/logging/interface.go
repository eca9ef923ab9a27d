package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const DefaultShutdownTimeout = 5 * time.Second

// Field is a single named value of a LogEvent.
type Field struct {
	Key   string
	Value any
}

// LogEvent is an ordered set of fields. It must not be modified once it
// has been passed to Enqueue. Seq and Enqueued are set by the queue on
// acceptance.
type LogEvent struct {
	Seq      uint64
	Enqueued time.Time
	Time     time.Time
	Fields   []Field
}

func NewEvent(fields ...Field) LogEvent {
	fs := make([]Field, len(fields))
	copy(fs, fields)
	return LogEvent{
		Time:   time.Now(),
		Fields: fs,
	}
}

func (e LogEvent) Get(key string) (any, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (e LogEvent) String(key string) string {
	v, ok := e.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MarshalJSON keeps the field insertion order.
func (e LogEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range e.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Batch is a group of events in queue insertion order.
type Batch struct {
	ID     string
	Events []LogEvent
}

func (b Batch) Len() int {
	return len(b.Events)
}

// Sink is a delivery destination. Write may be called again with the same
// batch on retry. Writes to one sink are never concurrent with each other.
type Sink interface {
	Name() string
	Open(ctx context.Context) error
	Write(ctx context.Context, batch Batch) error
	Close() error
}

type SinkResult struct {
	Sink  Sink
	Batch Batch
	Err   error
	// Deferred is set when the batch was queued behind a pending retry of
	// the same sink instead of being written.
	Deferred bool
}

func (r SinkResult) OK() bool {
	return r.Err == nil
}

type EnqueueOutcome int

const (
	Accepted EnqueueOutcome = iota
	Dropped
	SampledOut
)

func (o EnqueueOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case SampledOut:
		return "sampled_out"
	default:
		return "unknown"
	}
}

// Producer is the enqueue side of the pipeline.
type Producer interface {
	Enqueue(ctx context.Context, event LogEvent) (EnqueueOutcome, error)
}

// OverflowPolicy decides what happens to an event enqueued into a full queue.
type OverflowPolicy int

const (
	Drop OverflowPolicy = iota
	Block
	Sample
)

func (p OverflowPolicy) String() string {
	switch p {
	case Drop:
		return "drop"
	case Block:
		return "block"
	case Sample:
		return "sample"
	default:
		return "unknown"
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return Drop, nil
	case "block":
		return Block, nil
	case "sample":
		return Sample, nil
	default:
		return Drop, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	v, err := ParseOverflowPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Config struct {
	QueueCapacity  int
	OverflowPolicy OverflowPolicy
	// SamplingRate is the keep probability of the Sample policy.
	SamplingRate float64

	BatchSize    int
	BatchTimeout time.Duration

	RetryDelay    time.Duration
	MaxRetryDelay time.Duration // 0 disables the cap
	MaxRetries    int
	// RetryBacklog bounds the batches a failing sink may have queued for
	// redelivery; 0 means unbounded.
	RetryBacklog int

	ShutdownTimeout time.Duration
}
