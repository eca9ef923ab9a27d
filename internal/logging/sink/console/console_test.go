package console

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logpipe/internal/logging"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestConsoleSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sink := New("", &buf)
	assert.Equal(t, "console", sink.Name())

	batch := logging.Batch{ID: "b", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "hello"}, logging.Field{Key: "level", Value: "info"}),
		logging.NewEvent(logging.Field{Key: "message", Value: "world"}, logging.Field{Key: "n", Value: 2}),
	}}

	require.NoError(t, sink.Write(context.Background(), batch))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"message":"hello","level":"info"}`, lines[0])
	assert.Equal(t, `{"message":"world","n":2}`, lines[1])
}

func TestConsoleSink_WriterError(t *testing.T) {
	sink := New("broken", failingWriter{})

	batch := logging.Batch{ID: "b", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "x"}),
	}}

	assert.Error(t, sink.Write(context.Background(), batch))
}

func TestConsoleSink_CloseIsIdempotent(t *testing.T) {
	w := &closeRecorder{}
	sink := New("file", w)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, w.closed)

	err := sink.Write(context.Background(), logging.Batch{ID: "late"})
	assert.Error(t, err)
}

func TestConsoleSink_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	sink := New("console", &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := logging.Batch{ID: "b", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "x"}),
	}}
	assert.ErrorIs(t, sink.Write(ctx, batch), context.Canceled)
	assert.Empty(t, buf.String())
}

// flakyWriter fails its first n writes.
type flakyWriter struct {
	bytes.Buffer
	fails int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fails > 0 {
		w.fails--
		return 0, errors.New("stdout unavailable")
	}
	return w.Buffer.Write(p)
}

func TestConsoleSink_FailedBatchLeavesNothingBehind(t *testing.T) {
	var buf bytes.Buffer
	sink := New("console", &buf)

	bad := logging.Batch{ID: "bad", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "from failed batch"}),
		logging.NewEvent(logging.Field{Key: "value", Value: math.NaN()}),
	}}
	for i := 0; i < 3; i++ {
		assert.Error(t, sink.Write(context.Background(), bad))
	}
	assert.Empty(t, buf.String())

	next := logging.Batch{ID: "next", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "next"}),
	}}
	require.NoError(t, sink.Write(context.Background(), next))
	assert.Equal(t, "{\"message\":\"next\"}\n", buf.String())
}

func TestConsoleSink_RecoversAfterWriterError(t *testing.T) {
	w := &flakyWriter{fails: 1}
	sink := New("console", w)

	batch := logging.Batch{ID: "b", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "retried"}),
	}}

	assert.Error(t, sink.Write(context.Background(), batch))
	require.NoError(t, sink.Write(context.Background(), batch))
	require.NoError(t, sink.Write(context.Background(), logging.Batch{ID: "c", Events: []logging.LogEvent{
		logging.NewEvent(logging.Field{Key: "message", Value: "after"}),
	}}))

	assert.Equal(t, "{\"message\":\"retried\"}\n{\"message\":\"after\"}\n", w.String())
}
