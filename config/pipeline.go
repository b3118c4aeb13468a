package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	QueueDriverDB     = "db"
	QueueDriverMemory = "memory"

	EventBusPubSub = "pubsub"
	EventBusKafka  = "kafka"
	EventBusLog    = "log"

	ProviderModeHTTP    = "http"
	ProviderModeSandbox = "sandbox"
)

// PipelineConfig holds the knobs of the ingestion/invoice pipeline.
//
// Set via env (defaults in parentheses):
// - QUEUE_DRIVER (db) | QUEUE_CONCURRENCY (10) | QUEUE_BATCH_SIZE (50)
// - QUEUE_POLL_INTERVAL_MS (500) | QUEUE_LOCK_TIMEOUT_SECONDS (120) | JOB_TIMEOUT_SECONDS (60)
// - JOB_MAX_ATTEMPTS (3) | JOB_BASE_BACKOFF_SECONDS (5) | JOB_MAX_BACKOFF_SECONDS (600)
// - PROVIDER_MODE (sandbox) | PROVIDER_BASE_URL | PROVIDER_API_KEY | PROVIDER_TIMEOUT_SECONDS (15)
// - EVENT_BUS (log) | KAFKA_BROKERS (localhost:9092) | PUBSUB_TOPIC_PREFIX ("")
// - DEBT_LOCK_TTL_SECONDS (30)
// - SWEEP_INTERVAL_SECONDS (60) | PENDING_ROW_THRESHOLD_SECONDS (300) | PROCESSING_STALE_THRESHOLD_SECONDS (900)
// - SWEEP_BATCH_SIZE (500)
type PipelineConfig struct {
	QueueDriver       string
	QueueConcurrency  int
	QueueBatchSize    int
	QueuePollInterval time.Duration
	QueueLockTimeout  time.Duration
	JobTimeout        time.Duration

	JobMaxAttempts int
	JobBaseBackoff time.Duration
	JobMaxBackoff  time.Duration

	ProviderMode    string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	EventBus          string
	KafkaBrokers      []string
	PubSubTopicPrefix string

	DebtLockTTL time.Duration

	SweepInterval            time.Duration
	PendingRowThreshold      time.Duration
	ProcessingStaleThreshold time.Duration
	SweepBatchSize           int
}

func LoadPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{
		QueueDriver:       strings.ToLower(stringFromEnv("QUEUE_DRIVER", QueueDriverDB)),
		QueueConcurrency:  positiveIntFromEnv("QUEUE_CONCURRENCY", 10),
		QueueBatchSize:    positiveIntFromEnv("QUEUE_BATCH_SIZE", 50),
		QueuePollInterval: time.Duration(positiveIntFromEnv("QUEUE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		QueueLockTimeout:  secondsFromEnv("QUEUE_LOCK_TIMEOUT_SECONDS", 120),
		JobTimeout:        secondsFromEnv("JOB_TIMEOUT_SECONDS", 60),

		JobMaxAttempts: positiveIntFromEnv("JOB_MAX_ATTEMPTS", 3),
		JobBaseBackoff: secondsFromEnv("JOB_BASE_BACKOFF_SECONDS", 5),
		JobMaxBackoff:  secondsFromEnv("JOB_MAX_BACKOFF_SECONDS", 600),

		ProviderMode:    strings.ToLower(stringFromEnv("PROVIDER_MODE", ProviderModeSandbox)),
		ProviderBaseURL: strings.TrimRight(stringFromEnv("PROVIDER_BASE_URL", ""), "/"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: secondsFromEnv("PROVIDER_TIMEOUT_SECONDS", 15),

		EventBus:          strings.ToLower(stringFromEnv("EVENT_BUS", EventBusLog)),
		KafkaBrokers:      SplitAndTrim(stringFromEnv("KAFKA_BROKERS", "localhost:9092")),
		PubSubTopicPrefix: os.Getenv("PUBSUB_TOPIC_PREFIX"),

		DebtLockTTL: secondsFromEnv("DEBT_LOCK_TTL_SECONDS", 30),

		SweepInterval:            secondsFromEnv("SWEEP_INTERVAL_SECONDS", 60),
		PendingRowThreshold:      secondsFromEnv("PENDING_ROW_THRESHOLD_SECONDS", 300),
		ProcessingStaleThreshold: secondsFromEnv("PROCESSING_STALE_THRESHOLD_SECONDS", 900),
		SweepBatchSize:           positiveIntFromEnv("SWEEP_BATCH_SIZE", 500),
	}
	if lt := cfg.EffectiveLockTimeout(); lt != cfg.QueueLockTimeout {
		GetLogger().WithFields(logrus.Fields{
			"field":        "config",
			"lock_timeout": cfg.QueueLockTimeout.String(),
			"job_timeout":  cfg.JobTimeout.String(),
		}).Warn("QUEUE_LOCK_TIMEOUT_SECONDS must exceed JOB_TIMEOUT_SECONDS; using " + lt.String())
		cfg.QueueLockTimeout = lt
	}
	return cfg
}

// EffectiveLockTimeout is QueueLockTimeout, raised to twice JobTimeout when it does not exceed it.
// A claimed job whose lock could expire while its handler is still inside JobTimeout would be
// delivered twice.
func (c PipelineConfig) EffectiveLockTimeout() time.Duration {
	if c.JobTimeout > 0 && c.QueueLockTimeout <= c.JobTimeout {
		return 2 * c.JobTimeout
	}
	return c.QueueLockTimeout
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func positiveIntFromEnv(key string, def int) int {
	n := intFromEnv(key, def)
	if n <= 0 {
		return def
	}
	return n
}

func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(positiveIntFromEnv(key, def)) * time.Second
}

// EnvBool reads a boolean env var; anything unrecognised falls back to def.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
