package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// IoT platform client configuration.
	PlatformBaseURL string
	PlatformAPIKey  string
	PlatformTimeout time.Duration

	// Scheduling configuration. Ingestion and incremental refresh run on a
	// fixed cadence; the full refresh runs once daily at FullRefreshAt
	// (UTC offset from midnight).
	IngestInterval  time.Duration
	RefreshInterval time.Duration
	FullRefreshAt   time.Duration

	// Worker pool configuration: per-task-kind concurrency limits, a shared
	// per-task timeout, and the retry budget for transient failures.
	PollConcurrency    int64
	QCConcurrency      int64
	RefreshConcurrency int64
	TaskTimeout        time.Duration
	RetryAttempts      int

	// Path to the per-quantity QC parameter YAML file. Empty means compiled-in
	// defaults.
	QCParamsFile string

	// Kafka QC-event publishing (feature-flagged via KAFKA_BROKERS /
	// KAFKA_ENABLED).
	KafkaBrokers   []string
	KafkaSinkTopic string
	KafkaEnabled   bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := envDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	platformTimeout, err := envDuration("PLATFORM_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	ingestInterval, err := envDuration("INGEST_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	refreshInterval, err := envDuration("REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	taskTimeout, err := envDuration("TASK_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	fullRefreshAt, err := parseTimeOfDay(envOrDefault("FULL_REFRESH_AT", "01:03"))
	if err != nil {
		return nil, err
	}
	pollConcurrency, err := envInt("POLL_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}
	qcConcurrency, err := envInt("QC_CONCURRENCY", 2)
	if err != nil {
		return nil, err
	}
	refreshConcurrency, err := envInt("REFRESH_CONCURRENCY", 2)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := envInt("RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}

	kafkaBrokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := len(kafkaBrokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		PlatformBaseURL: envOrDefault("PLATFORM_BASE_URL", "https://iot.example.com/api/v1"),
		PlatformAPIKey:  os.Getenv("PLATFORM_API_KEY"),
		PlatformTimeout: platformTimeout,

		IngestInterval:  ingestInterval,
		RefreshInterval: refreshInterval,
		FullRefreshAt:   fullRefreshAt,

		PollConcurrency:    int64(pollConcurrency),
		QCConcurrency:      int64(qcConcurrency),
		RefreshConcurrency: int64(refreshConcurrency),
		TaskTimeout:        taskTimeout,
		RetryAttempts:      retryAttempts,

		QCParamsFile: os.Getenv("QC_PARAMS_FILE"),

		KafkaBrokers:   kafkaBrokers,
		KafkaSinkTopic: envOrDefault("KAFKA_SINK_TOPIC", "qc-failures"),
		KafkaEnabled:   kafkaEnabled,
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.PlatformAPIKey == "" {
		return nil, errors.New("PLATFORM_API_KEY is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.PollConcurrency <= 0 || cfg.QCConcurrency <= 0 || cfg.RefreshConcurrency <= 0 {
		return nil, errors.New("concurrency limits must be positive")
	}
	if cfg.RetryAttempts < 1 {
		return nil, errors.New("RETRY_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

// parseTimeOfDay parses "HH:MM" into an offset from midnight UTC.
func parseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day: %q", s)
	}
	hour, errH := strconv.Atoi(parts[0])
	mins, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || mins < 0 || mins > 59 {
		return 0, fmt.Errorf("invalid time of day: %q", s)
	}
	return time.Duration(hour)*time.Hour + time.Duration(mins)*time.Minute, nil
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
