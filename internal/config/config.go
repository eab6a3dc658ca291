package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"puenjai/internal/integrations/openai"
	"puenjai/internal/retry"
)

// Storage backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is read once at startup.
type Config struct {
	Port string

	AIAPIKey      string
	AIAPIKeyParam string
	AIBaseURL     string
	AIModel       string
	AITimeout     time.Duration

	Retry retry.Policy

	StoreBackend  string
	DynamoDBTable string
	DatabaseURL   string

	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	LogLevel        zapcore.Level
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// MaxRetryAttempts bounds RETRY_MAX_ATTEMPTS.
const MaxRetryAttempts = 20

// FromEnv builds a Config from the process environment only. Malformed
// numbers are reported rather than replaced by defaults.
func FromEnv() (Config, error) {
	level, err := zapcore.ParseLevel(envOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	var env intReader
	cfg := Config{
		Port:          envOrDefault("PORT", "3001"),
		AIAPIKey:      strings.TrimSpace(os.Getenv("AI_API_KEY")),
		AIAPIKeyParam: strings.TrimSpace(os.Getenv("AI_API_KEY_PARAM")),
		AIBaseURL:     envOrDefault("AI_BASE_URL", openai.DefaultBaseURL),
		AIModel:       envOrDefault("AI_MODEL", openai.DefaultModel),
		AITimeout:     time.Duration(env.intOrDefault("AI_TIMEOUT_SECONDS", 0)) * time.Second,
		Retry: retry.Policy{
			MaxAttempts: env.intOrDefault("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   time.Duration(env.intOrDefault("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
			MaxJitter:   time.Duration(env.intOrDefault("RETRY_MAX_JITTER_MS", 1000)) * time.Millisecond,
			MaxDelay:    time.Duration(env.intOrDefault("RETRY_MAX_DELAY_MS", 30000)) * time.Millisecond,
		},
		StoreBackend:    strings.ToLower(envOrDefault("STORE_BACKEND", BackendDynamoDB)),
		DynamoDBTable:   strings.TrimSpace(os.Getenv("DYNAMODB_TABLE")),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MaxBodyBytes:    int64(env.intOrDefault("MAX_BODY_BYTES", 1<<20)),
		ShutdownTimeout: time.Duration(env.intOrDefault("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		LogLevel:        level,
	}
	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AIAPIKey == "" && c.AIAPIKeyParam == "" {
		return errors.New("config: AI_API_KEY or AI_API_KEY_PARAM is required")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be between 1 and %d", MaxRetryAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxJitter < 0 {
		return errors.New("config: retry delays must not be negative")
	}
	if c.Retry.MaxDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("config: RETRY_MAX_DELAY_MS must be positive and not below RETRY_BASE_DELAY_MS")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be positive")
	}
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return errors.New("config: DYNAMODB_TABLE is required when STORE_BACKEND=dynamodb")
		}
	case BackendPostgres, BackendSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_BACKEND=%s", c.StoreBackend)
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c Config) NeedsAWS() bool {
	return c.StoreBackend == BackendDynamoDB || (c.AIAPIKey == "" && c.AIAPIKeyParam != "")
}

func envOrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// intReader collects every malformed integer so they are reported together.
type intReader struct {
	errs []error
}

func (r *intReader) intOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: %q is not an integer", key, v))
		return def
	}
	return n
}
