package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logpipe/internal/logging"
)

func testBatch(events ...logging.LogEvent) logging.Batch {
	return logging.Batch{ID: "b-1", Events: events}
}

func podEvent(pod, msg string) logging.LogEvent {
	return logging.NewEvent(
		logging.Field{Key: "message", Value: msg},
		logging.Field{Key: "pod", Value: pod},
		logging.Field{Key: "container", Value: "app"},
	)
}

func TestLokiSender_Write(t *testing.T) {
	var got Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		err := json.NewDecoder(r.Body).Decode(&got)
		assert.NoError(t, err)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := NewLokiSender(Config{URL: server.URL, Labels: map[string]string{"node": "n1"}}, nil)
	require.NoError(t, err)
	require.NoError(t, sender.Open(context.Background()))

	err = sender.Write(context.Background(), testBatch(
		podEvent("a", "one"),
		podEvent("b", "two"),
		podEvent("a", "three"),
	))
	require.NoError(t, err)

	require.Len(t, got.Streams, 2)
	assert.Equal(t, "a", got.Streams[0].Stream["pod"])
	assert.Equal(t, "n1", got.Streams[0].Stream["node"])
	assert.Equal(t, "app", got.Streams[0].Stream["container"])
	require.Len(t, got.Streams[0].Values, 2)
	assert.JSONEq(t, `{"message":"one","pod":"a","container":"app"}`, got.Streams[0].Values[0][1])
	assert.JSONEq(t, `{"message":"three","pod":"a","container":"app"}`, got.Streams[0].Values[1][1])
	assert.Equal(t, "b", got.Streams[1].Stream["pod"])

	assert.NoError(t, sender.Close())
	assert.NoError(t, sender.Close())
}

func TestLokiSender_EmptyBatchIsNoop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := NewLokiSender(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	assert.NoError(t, sender.Write(context.Background(), logging.Batch{ID: "empty"}))
	assert.Equal(t, int32(0), calls.Load())
}

func TestLokiSender_ServerErrorIsReturned(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	sender, err := NewLokiSender(Config{URL: server.URL}, nil)
	require.NoError(t, err)

	err = sender.Write(context.Background(), testBatch(podEvent("a", "x")))
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "boom", statusErr.Body)
	// Retrying is the pipeline's job.
	assert.Equal(t, int32(1), attempts.Load())
}

func TestLokiSender_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:3100", "ftp://loki", "http://", "://bad"} {
		_, err := NewLokiSender(Config{URL: raw}, nil)
		require.Error(t, err, raw)

		var cfgErr *logging.SinkConfigError
		assert.True(t, errors.As(err, &cfgErr), raw)
		assert.Equal(t, "loki", cfgErr.Sink)
	}
}

func TestLokiSender_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	defer close(release)

	sender, err := NewLokiSender(Config{URL: server.URL, Timeout: 10 * time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = sender.Write(ctx, testBatch(podEvent("a", "x")))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLokiSender_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := NewLokiSender(Config{URL: server.URL, RequestsPerSecond: 10}, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Write(context.Background(), testBatch(podEvent("a", "x"))))
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
