package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/logpipe/internal/logging"
)

// EnvConfigPath names the variable holding an optional YAML config file.
const EnvConfigPath = "LOGPIPE_CONFIG"

type Config struct {
	Queue           QueueConfig    `yaml:"queue"`
	Overflow        OverflowConfig `yaml:"overflow"`
	Batch           BatchConfig    `yaml:"batch"`
	Retry           RetryConfig    `yaml:"retry"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`

	Sinks  SinksConfig  `yaml:"sinks"`
	Daemon DaemonConfig `yaml:"daemon"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type OverflowConfig struct {
	Policy       logging.OverflowPolicy `yaml:"policy"`
	SamplingRate float64                `yaml:"sampling_rate"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
	// MaxPending bounds each sink's redelivery backlog; 0 means unbounded.
	MaxPending int `yaml:"max_pending"`
}

type SinksConfig struct {
	Loki    LokiConfig    `yaml:"loki"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Console ConsoleConfig `yaml:"console"`
}

type LokiConfig struct {
	URL               string            `yaml:"url"`
	Labels            map[string]string `yaml:"labels"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	KeyField string   `yaml:"key_field"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	LogRootPath     string        `yaml:"log_path"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	Workers         int           `yaml:"workers"`
	FileQueueSize   int           `yaml:"file_queue_size"`
	NodeName        string        `yaml:"node_name"`
	FileIdleTimeout time.Duration `yaml:"file_idle_timeout"`
}

func Default() Config {
	return Config{
		Queue: QueueConfig{Capacity: 10000},
		Overflow: OverflowConfig{
			Policy:       logging.Drop,
			SamplingRate: 0.1,
		},
		Batch: BatchConfig{
			Size:    100,
			Timeout: time.Second,
		},
		Retry: RetryConfig{
			Delay:      500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			MaxRetries: 3,
			MaxPending: 100,
		},
		ShutdownTimeout: logging.DefaultShutdownTimeout,
		Sinks: SinksConfig{
			Loki: LokiConfig{
				URL:     "http://loki:3100",
				Timeout: 5 * time.Second,
			},
			Kafka: KafkaConfig{KeyField: "pod"},
		},
		Daemon: DaemonConfig{
			LogRootPath:     "/var/log/pods",
			ScanInterval:    30 * time.Second,
			Workers:         10,
			FileQueueSize:   50,
			NodeName:        "unknown",
			FileIdleTimeout: 5 * time.Minute,
		},
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load reads the file named by LOGPIPE_CONFIG, if any, and then applies
// environment overrides on top of it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Queue.Capacity = getEnvAsInt("QUEUE_CAPACITY", c.Queue.Capacity)
	if v := os.Getenv("OVERFLOW_POLICY"); v != "" {
		p, err := logging.ParseOverflowPolicy(v)
		if err != nil {
			return err
		}
		c.Overflow.Policy = p
	}
	c.Overflow.SamplingRate = getEnvAsFloat("OVERFLOW_SAMPLING_RATE", c.Overflow.SamplingRate)

	c.Batch.Size = getEnvAsInt("BATCH_SIZE", c.Batch.Size)
	c.Batch.Timeout = getEnvAsDuration("BATCH_TIMEOUT", c.Batch.Timeout)

	c.Retry.Delay = getEnvAsDuration("RETRY_DELAY", c.Retry.Delay)
	c.Retry.MaxDelay = getEnvAsDuration("MAX_RETRY_DELAY", c.Retry.MaxDelay)
	c.Retry.MaxRetries = getEnvAsInt("MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.MaxPending = getEnvAsInt("RETRY_MAX_PENDING", c.Retry.MaxPending)
	c.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Sinks.Loki.URL = getEnv("LOKI_URL", c.Sinks.Loki.URL)
	c.Sinks.Loki.RequestsPerSecond = getEnvAsFloat("LOKI_RPS", c.Sinks.Loki.RequestsPerSecond)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Sinks.Kafka.Brokers = splitList(v)
	}
	c.Sinks.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Sinks.Kafka.Topic)
	c.Sinks.Console.Enabled = getEnvAsBool("CONSOLE_SINK", c.Sinks.Console.Enabled)

	c.Daemon.LogRootPath = getEnv("LOG_PATH", c.Daemon.LogRootPath)
	c.Daemon.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", c.Daemon.ScanInterval)
	c.Daemon.Workers = getEnvAsInt("WORKERS", c.Daemon.Workers)
	c.Daemon.FileQueueSize = getEnvAsInt("QUEUE_SIZE", c.Daemon.FileQueueSize)
	c.Daemon.NodeName = getEnv("NODE_NAME", c.Daemon.NodeName)
	c.Daemon.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", c.Daemon.FileIdleTimeout)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.Queue.Capacity < 1 {
		err = multierr.Append(err, fmt.Errorf("queue.capacity must be >= 1, got %d", c.Queue.Capacity))
	}
	switch c.Overflow.Policy {
	case logging.Drop, logging.Block, logging.Sample:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown overflow policy %d", int(c.Overflow.Policy)))
	}
	if c.Overflow.SamplingRate < 0 || c.Overflow.SamplingRate > 1 {
		err = multierr.Append(err, fmt.Errorf("overflow.sampling_rate must be in [0,1], got %v", c.Overflow.SamplingRate))
	}
	if c.Batch.Size < 1 {
		err = multierr.Append(err, fmt.Errorf("batch.size must be >= 1, got %d", c.Batch.Size))
	}
	if c.Batch.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("batch.timeout must be positive, got %s", c.Batch.Timeout))
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		err = multierr.Append(err, errors.New("retry delays must not be negative"))
	}
	if c.Retry.MaxRetries < 1 {
		err = multierr.Append(err, fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.MaxPending < 0 {
		err = multierr.Append(err, fmt.Errorf("retry.max_pending must not be negative, got %d", c.Retry.MaxPending))
	}
	if c.ShutdownTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	if !c.HasSinks() {
		err = multierr.Append(err, errors.New("no sinks configured"))
	}
	return err
}

func (c Config) HasSinks() bool {
	return c.Sinks.Loki.URL != "" ||
		len(c.Sinks.Kafka.Brokers) > 0 ||
		c.Sinks.Console.Enabled
}

// Pipeline returns the settings of the delivery core.
func (c Config) Pipeline() logging.Config {
	return logging.Config{
		QueueCapacity:   c.Queue.Capacity,
		OverflowPolicy:  c.Overflow.Policy,
		SamplingRate:    c.Overflow.SamplingRate,
		BatchSize:       c.Batch.Size,
		BatchTimeout:    c.Batch.Timeout,
		RetryDelay:      c.Retry.Delay,
		MaxRetryDelay:   c.Retry.MaxDelay,
		MaxRetries:      c.Retry.MaxRetries,
		RetryBacklog:    c.Retry.MaxPending,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
