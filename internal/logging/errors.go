package logging

import (
	"errors"
	"fmt"
	"time"
)

var ErrQueueFull = errors.New("queue full")

// QueueFullError is returned only when a policy rejects an event outright.
// Drop and Sample never return it.
type QueueFullError struct {
	Capacity int
	Policy   OverflowPolicy
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full (capacity %d, policy %s)", e.Capacity, e.Policy)
}

func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

type SinkWriteError struct {
	Sink    string
	BatchID string
	Attempt int
	Err     error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s: write batch %s (attempt %d): %v", e.Sink, e.BatchID, e.Attempt, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// RetriesExhaustedError is reported once per (sink, batch) that was given up on.
type RetriesExhaustedError struct {
	Sink     string
	BatchID  string
	Events   int
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("sink %s: batch %s (%d events) dropped after %d attempts: %v",
		e.Sink, e.BatchID, e.Events, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

type ShutdownTimeoutError struct {
	Timeout   time.Duration
	Abandoned int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out after %s, %d pending deliveries abandoned", e.Timeout, e.Abandoned)
}

// SinkConfigError marks a sink that cannot be used at all. It fails startup.
type SinkConfigError struct {
	Sink string
	Err  error
}

func (e *SinkConfigError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkConfigError) Unwrap() error { return e.Err }

// ErrorHandler receives delivery errors that never reach producers.
type ErrorHandler func(err error)
