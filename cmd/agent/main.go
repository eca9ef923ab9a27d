package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Chichichkin/logpipe/internal/config"
	"github.com/Chichichkin/logpipe/internal/daemon"
	"github.com/Chichichkin/logpipe/internal/logging/pipeline"
	"github.com/Chichichkin/logpipe/internal/logging/sink"
	"github.com/Chichichkin/logpipe/internal/logging/sink/console"
	"github.com/Chichichkin/logpipe/internal/logging/sink/kafka"
	"github.com/Chichichkin/logpipe/internal/logging/sink/loki"
	"github.com/Chichichkin/logpipe/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg.Pipeline(), registry,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, reg, logger)

	logDaemon := daemon.NewLogDaemonService(ctx, daemon.Config{
		LogRootPath:     cfg.Daemon.LogRootPath,
		ScanInterval:    cfg.Daemon.ScanInterval,
		Workers:         cfg.Daemon.Workers,
		FileQueueSize:   cfg.Daemon.FileQueueSize,
		NodeName:        cfg.Daemon.NodeName,
		FileIdleTimeout: cfg.Daemon.FileIdleTimeout,
	}, p, daemon.WithLogger(logger), daemon.WithMetrics(m))
	logDaemon.Start()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	logger.Info("received shutdown signal", zap.Stringer("signal", sig))

	logDaemon.Stop()
	shutdownErr := p.Shutdown(context.Background())

	if metricsServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = metricsServer.Shutdown(sctx)
	}

	logger.Info("agent stopped")
	return shutdownErr
}

func buildSinks(cfg config.Config, logger *zap.Logger) (*sink.Registry, error) {
	registry, err := sink.NewRegistry()
	if err != nil {
		return nil, err
	}

	if cfg.Sinks.Loki.URL != "" {
		labels := map[string]string{"node": cfg.Daemon.NodeName}
		for k, v := range cfg.Sinks.Loki.Labels {
			labels[k] = v
		}
		s, err := loki.NewLokiSender(loki.Config{
			URL:               cfg.Sinks.Loki.URL,
			Labels:            labels,
			Timeout:           cfg.Sinks.Loki.Timeout,
			RequestsPerSecond: cfg.Sinks.Loki.RequestsPerSecond,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	if len(cfg.Sinks.Kafka.Brokers) > 0 {
		s, err := kafka.New(kafka.Config{
			Brokers:  cfg.Sinks.Kafka.Brokers,
			Topic:    cfg.Sinks.Kafka.Topic,
			KeyField: cfg.Sinks.Kafka.KeyField,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	if cfg.Sinks.Console.Enabled {
		if err := registry.Register(console.NewStdout()); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// newLogger writes agent diagnostics to stderr so they never mix with the
// console sink on stdout.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
