package daemon

import "sync/atomic"

// Stats are the daemon's in-process counters, logged periodically.
// Exported Prometheus series live in internal/metrics.
type Stats struct {
	filesDiscovered atomic.Int64
	filesProcessed  atomic.Int64
	filesFailed     atomic.Int64
	queuedFiles     atomic.Int64
	workersBusy     atomic.Int64
	linesRead       atomic.Int64
	linesRejected   atomic.Int64

	queueCapacity int
}

type StatsSnapshot struct {
	FilesDiscovered    int64
	FilesProcessed     int64
	FilesFailed        int64
	QueuedFiles        int64
	FilesQueueCapacity int
	WorkersBusy        int64
	LinesRead          int64
	// LinesRejected counts lines the pipeline dropped or sampled out.
	LinesRejected int64
}

func newStats(queueCapacity int) *Stats {
	return &Stats{queueCapacity: queueCapacity}
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FilesDiscovered:    s.filesDiscovered.Load(),
		FilesProcessed:     s.filesProcessed.Load(),
		FilesFailed:        s.filesFailed.Load(),
		QueuedFiles:        s.queuedFiles.Load(),
		FilesQueueCapacity: s.queueCapacity,
		WorkersBusy:        s.workersBusy.Load(),
		LinesRead:          s.linesRead.Load(),
		LinesRejected:      s.linesRejected.Load(),
	}
}

func (s StatsSnapshot) QueueUsage() float64 {
	if s.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.FilesQueueCapacity)
}
