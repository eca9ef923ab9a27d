package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Chichichkin/logpipe/internal/logging"
)

const pushPath = "/loki/api/v1/push"

var DefaultStreamLabels = []string{"namespace", "pod", "container"}

type Config struct {
	Name string
	URL  string
	// Labels are attached to every stream.
	Labels map[string]string
	// StreamLabels are event fields promoted to stream labels.
	StreamLabels      []string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Sender struct {
	name         string
	pushURL      string
	httpClient   *http.Client
	labels       map[string]string
	streamLabels []string
	limiter      *rate.Limiter
	logger       *zap.Logger

	closeOnce sync.Once
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loki returned status %d: %s", e.Code, e.Body)
}

// NewLokiSender validates the push address up front; a malformed URL is a
// configuration error, not a delivery failure.
func NewLokiSender(cfg Config, logger *zap.Logger) (*Sender, error) {
	if cfg.Name == "" {
		cfg.Name = "loki"
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &logging.SinkConfigError{Sink: cfg.Name, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &logging.SinkConfigError{Sink: cfg.Name, Err: fmt.Errorf("invalid url %q", cfg.URL)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StreamLabels == nil {
		cfg.StreamLabels = DefaultStreamLabels
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sender{
		name:    cfg.Name,
		pushURL: strings.TrimRight(cfg.URL, "/") + pushPath,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		labels:       cfg.Labels,
		streamLabels: cfg.StreamLabels,
		logger:       logger.With(zap.String("sink", cfg.Name)),
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return s, nil
}

func (ls *Sender) Name() string {
	return ls.name
}

func (ls *Sender) Open(context.Context) error {
	return nil
}

func (ls *Sender) Write(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	payload, err := ls.createPayload(batch.Events)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if ls.limiter != nil {
		if err := ls.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if err := ls.sendRequest(ctx, body); err != nil {
		return err
	}
	ls.logger.Debug("batch pushed to loki",
		zap.String("batch", batch.ID),
		zap.Int("events", batch.Len()),
		zap.Int("streams", len(payload.Streams)),
	)
	return nil
}

func (ls *Sender) Close() error {
	ls.closeOnce.Do(func() {
		ls.httpClient.CloseIdleConnections()
	})
	return nil
}

// createPayload groups events into streams in first-seen order.
func (ls *Sender) createPayload(events []logging.LogEvent) (Payload, error) {
	index := make(map[string]int)
	var payload Payload

	for _, event := range events {
		key := ls.getStreamKey(event)
		i, ok := index[key]
		if !ok {
			i = len(payload.Streams)
			index[key] = i
			payload.Streams = append(payload.Streams, Stream{
				Stream: ls.createLabels(event),
				Values: [][2]string{},
			})
		}

		line, err := json.Marshal(event)
		if err != nil {
			return Payload{}, fmt.Errorf("encode event %d: %w", event.Seq, err)
		}
		timestamp := strconv.FormatInt(event.Time.UnixNano(), 10)
		payload.Streams[i].Values = append(payload.Streams[i].Values, [2]string{timestamp, string(line)})
	}

	return payload, nil
}

func (ls *Sender) getStreamKey(event logging.LogEvent) string {
	parts := make([]string, len(ls.streamLabels))
	for i, name := range ls.streamLabels {
		parts[i] = event.String(name)
	}
	return strings.Join(parts, ":")
}

func (ls *Sender) createLabels(event logging.LogEvent) map[string]string {
	labels := make(map[string]string, len(ls.labels)+len(ls.streamLabels))
	for k, v := range ls.labels {
		labels[k] = v
	}
	for _, name := range ls.streamLabels {
		if v := event.String(name); v != "" {
			labels[name] = v
		}
	}
	if len(labels) == 0 {
		labels["job"] = "logpipe"
	}
	return labels
}

func (ls *Sender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ls.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := ls.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(responseBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
