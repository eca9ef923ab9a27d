package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsEnqueued   prometheus.Counter
	eventsDropped    prometheus.Counter
	eventsSampled    prometheus.Counter
	queueDepth       prometheus.Gauge
	batches          prometheus.Counter
	batchSize        prometheus.Histogram
	sinkWrites       *prometheus.CounterVec
	sinkWriteLatency *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	retriesExhausted *prometheus.CounterVec
	filesTailed      prometheus.Counter
	shutdownTimeouts prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_events_enqueued_total",
			Help: "Events accepted into the delivery queue.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_events_dropped_total",
			Help: "Events discarded because the queue was full.",
		}),
		eventsSampled: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_events_sampled_total",
			Help: "Events rejected by the sample overflow policy.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "logpipe_queue_depth",
			Help: "Events currently buffered in the queue.",
		}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_batches_total",
			Help: "Batches handed to the dispatcher.",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "logpipe_batch_size",
			Help:    "Number of events per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		sinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "logpipe_sink_writes_total",
			Help: "Sink write attempts by outcome.",
		}, []string{"sink", "status"}),
		sinkWriteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logpipe_sink_write_duration_seconds",
			Help:    "Latency of sink writes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "logpipe_retries_total",
			Help: "Retry attempts per sink.",
		}, []string{"sink"}),
		retriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "logpipe_retries_exhausted_total",
			Help: "Batches permanently dropped for a sink.",
		}, []string{"sink"}),
		filesTailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_files_tailed_total",
			Help: "Log files picked up by the tailing daemon.",
		}),
		shutdownTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "logpipe_shutdown_timeouts_total",
			Help: "Shutdowns that hit the drain deadline.",
		}),
	}
}

func (m *Metrics) EventEnqueued() {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) EventSampled() {
	if m == nil {
		return
	}
	m.eventsSampled.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) BatchDispatched(size int) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) SinkWrite(sink string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.sinkWrites.WithLabelValues(sink, status).Inc()
	m.sinkWriteLatency.WithLabelValues(sink).Observe(took.Seconds())
}

func (m *Metrics) Retry(sink string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(sink).Inc()
}

func (m *Metrics) RetriesExhausted(sink string) {
	if m == nil {
		return
	}
	m.retriesExhausted.WithLabelValues(sink).Inc()
}

func (m *Metrics) FileTailed() {
	if m == nil {
		return
	}
	m.filesTailed.Inc()
}

func (m *Metrics) ShutdownTimeout() {
	if m == nil {
		return
	}
	m.shutdownTimeouts.Inc()
}
