// Package config loads and validates engine configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting resolved once at engine construction. Runtime
// mutation is not supported; call Load again and rebuild the engine instead.
type Config struct {
	DBPath string

	EmbeddingDim int

	CheckpointBatch int64
	RecencyHalfLife time.Duration

	ConsensusVerifiedThreshold float64
	ConsensusDisputedThreshold float64

	DedupWindow     time.Duration
	MaxContentBytes int

	WriterQueueDepth     int
	LockArenaQuiescence  time.Duration

	OTELEnabled bool
	ServiceName string

	LogLevel  string
	LogFormat string // "json" or "text"
}

// Load reads configuration from TRUSTENGINE_-prefixed environment variables,
// optionally populated first from a .env file if one is present in the
// working directory. Missing variables use defaults; only malformed values
// are rejected, and every malformed value is reported together rather than
// failing on the first one found.
func Load() (Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := Config{
		DBPath:      envStr("TRUSTENGINE_DB_PATH", "trustengine.db"),
		ServiceName: envStr("TRUSTENGINE_SERVICE_NAME", "trustengine"),
		LogLevel:    envStr("TRUSTENGINE_LOG_LEVEL", "info"),
		LogFormat:   envStr("TRUSTENGINE_LOG_FORMAT", "json"),
	}

	cfg.EmbeddingDim, errs = collectInt(errs, "TRUSTENGINE_EMBEDDING_DIM", 384)

	var checkpointBatch int
	checkpointBatch, errs = collectInt(errs, "TRUSTENGINE_CHECKPOINT_BATCH", 1000)
	cfg.CheckpointBatch = int64(checkpointBatch)

	cfg.RecencyHalfLife, errs = collectDuration(errs, "TRUSTENGINE_RECENCY_HALFLIFE", 720*time.Hour)

	cfg.ConsensusVerifiedThreshold, errs = collectFloat(errs, "TRUSTENGINE_CONSENSUS_VERIFIED_THRESHOLD", 1.3)
	cfg.ConsensusDisputedThreshold, errs = collectFloat(errs, "TRUSTENGINE_CONSENSUS_DISPUTED_THRESHOLD", 0.7)

	cfg.DedupWindow, errs = collectDuration(errs, "TRUSTENGINE_DEDUP_WINDOW", 60*time.Second)
	cfg.MaxContentBytes, errs = collectInt(errs, "TRUSTENGINE_MAX_CONTENT_BYTES", 65536)
	cfg.WriterQueueDepth, errs = collectInt(errs, "TRUSTENGINE_WRITER_QUEUE_DEPTH", 64)
	cfg.LockArenaQuiescence, errs = collectDuration(errs, "TRUSTENGINE_LOCK_ARENA_QUIESCENCE", 5*time.Minute)

	cfg.OTELEnabled, errs = collectBool(errs, "TRUSTENGINE_OTEL_ENABLED", false)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectFloat parses a float64 env var, appending any error to the accumulator.
func collectFloat(errs []error, key string, fallback float64) (float64, []error) {
	v, err := envFloat(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that configuration is present and sane, accumulating every
// violation via errors.Join rather than failing on the first one.
func (c Config) Validate() error {
	var errs []error

	if c.DBPath == "" {
		errs = append(errs, errors.New("config: TRUSTENGINE_DB_PATH is required"))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_EMBEDDING_DIM must be positive"))
	}
	if c.CheckpointBatch <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_CHECKPOINT_BATCH must be positive"))
	}
	if c.RecencyHalfLife <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_RECENCY_HALFLIFE must be positive"))
	}
	if c.ConsensusVerifiedThreshold <= 1.0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_CONSENSUS_VERIFIED_THRESHOLD must be greater than 1.0"))
	}
	if c.ConsensusDisputedThreshold >= 1.0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_CONSENSUS_DISPUTED_THRESHOLD must be less than 1.0"))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_DEDUP_WINDOW must not be negative"))
	}
	if c.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_MAX_CONTENT_BYTES must be positive"))
	}
	if c.WriterQueueDepth <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_WRITER_QUEUE_DEPTH must be positive"))
	}
	if c.LockArenaQuiescence <= 0 {
		errs = append(errs, errors.New("config: TRUSTENGINE_LOCK_ARENA_QUIESCENCE must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("config: TRUSTENGINE_LOG_FORMAT must be \"json\" or \"text\", got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid float", key, v)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
