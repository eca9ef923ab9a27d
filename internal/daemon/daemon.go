package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/Chichichkin/logpipe/internal/logging"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

const statsReportInterval = 30 * time.Second

// LogDaemonService tails pod log files and feeds every line to a Producer.
type LogDaemonService struct {
	config    Config
	producer  logging.Producer
	fileQueue chan string

	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	stopOnce      sync.Once

	stats   *Stats
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu sync.Mutex
	// active holds files that are queued or being tailed.
	active    map[string]struct{}
	seenFiles map[string]struct{}
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
}

type Option func(*LogDaemonService)

func WithLogger(l *zap.Logger) Option {
	return func(s *LogDaemonService) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *LogDaemonService) { s.metrics = m }
}

// NewLogDaemonService creates 2 + config.Workers goroutines on Start().
func NewLogDaemonService(ctx context.Context, config Config, producer logging.Producer, opts ...Option) *LogDaemonService {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.FileQueueSize < 1 {
		config.FileQueueSize = config.Workers
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}

	nCtx, cancel := context.WithCancel(ctx)

	service := &LogDaemonService{
		config:    config,
		producer:  producer,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		stats:     newStats(config.FileQueueSize),
		logger:    zap.NewNop(),
		active:    make(map[string]struct{}),
		seenFiles: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.Named("daemon")

	return service
}

func (s *LogDaemonService) Start() {
	s.logger.Info("starting log daemon service",
		zap.String("root", s.config.LogRootPath),
		zap.Int("workers", s.config.Workers),
		zap.Int("file_queue_size", s.config.FileQueueSize),
	)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.statsReporter()
}

// Stop cancels tailing and waits for every goroutine. Safe to call twice.
func (s *LogDaemonService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping log daemon service")
		s.cancel()

		s.subServicesWg.Wait()

		close(s.fileQueue)
		s.workersWg.Wait()

		s.logger.Info("log daemon service stopped")
	})
}

func (s *LogDaemonService) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

func (s *LogDaemonService) worker(id int) {
	defer s.workersWg.Done()

	for filePath := range s.fileQueue {
		s.stats.queuedFiles.Add(-1)
		if s.ctx.Err() != nil {
			s.release(filePath)
			continue
		}

		s.stats.workersBusy.Add(1)
		s.processFile(s.ctx, id, filePath)
		s.release(filePath)
		s.stats.workersBusy.Add(-1)
	}
}

func (s *LogDaemonService) release(filePath string) {
	s.mu.Lock()
	delete(s.active, filePath)
	s.mu.Unlock()
}

func (s *LogDaemonService) processFile(ctx context.Context, workerID int, filePath string) {
	defer s.stats.filesProcessed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", zap.String("file", filePath), zap.Any("panic", r))
			s.stats.filesFailed.Add(1)
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", zap.String("file", filePath), zap.Error(err))
		s.stats.filesFailed.Add(1)
		return
	}
	defer func() {
		// Stop waits for the tailer, which may be blocked sending a line.
		go func() {
			for range t.Lines {
			}
		}()
		_ = t.Stop()
		t.Cleanup()
	}()

	s.metrics.FileTailed()
	s.logger.Debug("tailing file", zap.Int("worker", workerID), zap.String("file", filePath))

	labels := s.extractLabels(filePath)

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", zap.String("file", filePath), zap.Error(line.Err))
				continue
			}

			lastActivity = time.Now()
			s.stats.linesRead.Add(1)
			if !s.emit(ctx, filePath, line.Text, line.Time, labels) {
				return
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check the idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, releasing", zap.String("file", filePath))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// emit reports false once the service is shutting down.
func (s *LogDaemonService) emit(ctx context.Context, filePath, text string, at time.Time, labels []logging.Field) bool {
	fields := make([]logging.Field, 0, len(labels)+2)
	fields = append(fields,
		logging.Field{Key: "message", Value: text},
		logging.Field{Key: "file", Value: filepath.Base(filePath)},
	)
	fields = append(fields, labels...)

	event := logging.NewEvent(fields...)
	if !at.IsZero() {
		event.Time = at
	}

	outcome, err := s.producer.Enqueue(ctx, event)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Debug("enqueue failed", zap.String("file", filePath), zap.Error(err))
		s.stats.linesRejected.Add(1)
		return true
	}
	if outcome != logging.Accepted {
		s.stats.linesRejected.Add(1)
	}
	return true
}

func (s *LogDaemonService) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues files that are not already queued or tailed.
func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", zap.Error(err))
		return
	}

	for _, file := range files {
		s.mu.Lock()
		if _, busy := s.active[file]; busy {
			s.mu.Unlock()
			continue
		}
		if _, ok := s.seenFiles[file]; !ok {
			s.seenFiles[file] = struct{}{}
			s.stats.filesDiscovered.Add(1)
		}
		s.active[file] = struct{}{}
		s.mu.Unlock()

		select {
		case s.fileQueue <- file:
			s.stats.queuedFiles.Add(1)
		case <-s.ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.logger.Debug("file queue full, skipping",
				zap.Int("queued", len(s.fileQueue)),
				zap.Int("capacity", cap(s.fileQueue)),
				zap.String("file", file),
			)
		}
	}
}

func (s *LogDaemonService) statsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.stats.Snapshot()
			s.logger.Info("daemon stats",
				zap.Int64("workers_busy", stats.WorkersBusy),
				zap.Int("workers", s.config.Workers),
				zap.Int64("queued_files", stats.QueuedFiles),
				zap.Int("queue_usage_pct", int(stats.QueueUsage()*100)),
				zap.Int64("files_processed", stats.FilesProcessed),
				zap.Int64("files_discovered", stats.FilesDiscovered),
				zap.Int64("files_failed", stats.FilesFailed),
				zap.Int64("lines_read", stats.LinesRead),
				zap.Int64("lines_rejected", stats.LinesRejected),
			)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", zap.String("path", path), zap.Error(err))
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads pod metadata from the kubelet layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) []logging.Field {
	labels := []logging.Field{{Key: "node", Value: s.config.NodeName}}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.SplitN(parts[0], "_", 3)
	if len(podParts) == 3 {
		labels = append(labels,
			logging.Field{Key: "namespace", Value: podParts[0]},
			logging.Field{Key: "pod", Value: podParts[1]},
			logging.Field{Key: "pod_uid", Value: podParts[2]},
		)
	}
	labels = append(labels, logging.Field{Key: "container", Value: parts[1]})

	return labels
}
