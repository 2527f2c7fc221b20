// Package config loads process configuration from the environment and the
// evaluator roster from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server and pipeline configuration.
type Config struct {
	Port     string
	LogLevel string
	// APIToken, when set, guards the re-run trigger.
	APIToken string

	DatabaseDriver string // sqlite | postgres
	DatabaseURL    string
	DataDir        string

	ArtifactStorageType string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3Prefix    string
	ArtifactGCSBucket   string
	ArtifactGCSPrefix   string

	RedisAddr     string
	RedisPassword string
	LockMode      string // wait | reject
	LockTTL       time.Duration

	EvaluatorTimeout time.Duration
	RunDeadline      time.Duration

	RosterPath string
	// AttestSeed is a hex Ed25519 seed; empty disables signing.
	AttestSeed        string
	SubmitWebhookURL  string
	SubmitWebhookAuth string

	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelSampleRate  float64
	OTelEnvironment string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := env("DATA_DIR", "data")
	driver := strings.ToLower(env("DATABASE_DRIVER", "sqlite"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if driver == "postgres" {
			dbURL = "postgres://quorum@localhost:5432/quorum?sslmode=disable"
		} else {
			dbURL = "file:" + dataDir + "/quorum.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	}

	return &Config{
		Port:     env("PORT", "8080"),
		LogLevel: env("LOG_LEVEL", "INFO"),
		APIToken: os.Getenv("API_TOKEN"),

		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		DataDir:        dataDir,

		ArtifactStorageType: env("ARTIFACT_STORAGE_TYPE", "fs"),
		ArtifactS3Bucket:    os.Getenv("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:    os.Getenv("ARTIFACT_S3_REGION"),
		ArtifactS3Endpoint:  os.Getenv("ARTIFACT_S3_ENDPOINT"),
		ArtifactS3Prefix:    os.Getenv("ARTIFACT_S3_PREFIX"),
		ArtifactGCSBucket:   os.Getenv("ARTIFACT_GCS_BUCKET"),
		ArtifactGCSPrefix:   os.Getenv("ARTIFACT_GCS_PREFIX"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LockMode:      env("LOCK_MODE", "reject"),
		LockTTL:       duration("LOCK_TTL", 10*time.Minute),

		EvaluatorTimeout: duration("EVALUATOR_TIMEOUT", 2*time.Minute),
		RunDeadline:      duration("RUN_DEADLINE", 10*time.Minute),

		RosterPath:        env("ROSTER_PATH", "roster.yaml"),
		AttestSeed:        os.Getenv("ATTEST_SEED"),
		SubmitWebhookURL:  os.Getenv("SUBMIT_WEBHOOK_URL"),
		SubmitWebhookAuth: os.Getenv("SUBMIT_WEBHOOK_TOKEN"),

		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:    env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:    os.Getenv("OTEL_INSECURE") != "false",
		OTelSampleRate:  float("OTEL_SAMPLE_RATE", 1.0),
		OTelEnvironment: env("OTEL_ENVIRONMENT", "development"),
	}
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.EvaluatorTimeout <= 0 {
		return fmt.Errorf("EVALUATOR_TIMEOUT must be positive")
	}
	if c.RunDeadline < c.EvaluatorTimeout {
		return fmt.Errorf("RUN_DEADLINE (%s) must not be shorter than EVALUATOR_TIMEOUT (%s)", c.RunDeadline, c.EvaluatorTimeout)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.OTelEnvironment == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Default().Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Default().Warn("invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}
