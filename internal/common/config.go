package common

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Log        LogConfig        `yaml:"log"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	UploadsPerMin   int           `yaml:"uploads_per_minute"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // fs | gcs
	Dir       string `yaml:"dir"`
	GCSBucket string `yaml:"gcs_bucket"`
}

type QueueConfig struct {
	Backend        string        `yaml:"backend"` // sql | memory
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PublishRetries int           `yaml:"publish_retries"`
	PublishBackoff time.Duration `yaml:"publish_backoff"`
}

type WorkerConfig struct {
	Count        int           `yaml:"count"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
}

type IngestConfig struct {
	MaxUploadBytes  int64 `yaml:"max_upload_bytes"`
	SpoolThreshold  int64 `yaml:"spool_threshold"`
	ReprocessFailed bool  `yaml:"reprocess_failed"`
}

type EmbeddingConfig struct {
	Provider      string        `yaml:"provider"` // hash | ollama
	OllamaBaseURL string        `yaml:"ollama_base_url"`
	Model         string        `yaml:"model"`
	Dimensions    int           `yaml:"dimensions"`
	Timeout       time.Duration `yaml:"timeout"`
}

type SimilarityConfig struct {
	Backend        string  `yaml:"backend"` // sql | pgvector
	Threshold      float64 `yaml:"threshold"`
	TopK           int     `yaml:"top_k"`
	MaxComparisons int     `yaml:"max_comparisons"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type SweeperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	OrphanGrace time.Duration `yaml:"orphan_grace"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "file:integrity.db",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			GRPCAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
			UploadsPerMin:   60,
		},
		Storage: StorageConfig{
			Backend: "fs",
			Dir:     "./data/blobs",
		},
		Queue: QueueConfig{
			Backend:        "sql",
			LeaseTimeout:   5 * time.Minute,
			PollInterval:   500 * time.Millisecond,
			PublishRetries: 3,
			PublishBackoff: 200 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Count:        4,
			MaxRetries:   3,
			RetryBackoff: 5 * time.Second,
			MaxBackoff:   5 * time.Minute,
			JobTimeout:   10 * time.Minute,
		},
		Ingest: IngestConfig{
			MaxUploadBytes:  50 << 20,
			SpoolThreshold:  8 << 20,
			ReprocessFailed: true,
		},
		Embedding: EmbeddingConfig{
			Provider:      "hash",
			OllamaBaseURL: "http://localhost:11434",
			Model:         "nomic-embed-text",
			Dimensions:    384,
			Timeout:       30 * time.Second,
		},
		Similarity: SimilarityConfig{
			Backend:        "sql",
			Threshold:      0.7,
			TopK:           10,
			MaxComparisons: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Sweeper: SweeperConfig{
			Interval:    time.Hour,
			OrphanGrace: time.Hour,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and environment variables, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	mergeWithEnv(cfg)
	return cfg, nil
}

func mergeWithEnv(c *Config) {
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.UploadsPerMin = getEnvAsInt("UPLOADS_PER_MINUTE", c.Server.UploadsPerMin)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("STORAGE_DIR", c.Storage.Dir)
	c.Storage.GCSBucket = getEnv("GCS_BUCKET", c.Storage.GCSBucket)

	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.LeaseTimeout = getEnvAsDuration("QUEUE_LEASE_TIMEOUT", c.Queue.LeaseTimeout)

	c.Worker.Count = getEnvAsInt("WORKER_COUNT", c.Worker.Count)
	c.Worker.MaxRetries = getEnvAsInt("MAX_RETRIES", c.Worker.MaxRetries)
	c.Worker.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", c.Worker.JobTimeout)

	c.Ingest.MaxUploadBytes = getEnvAsInt64("MAX_UPLOAD_BYTES", c.Ingest.MaxUploadBytes)
	c.Ingest.ReprocessFailed = getEnvAsBool("REPROCESS_FAILED", c.Ingest.ReprocessFailed)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.OllamaBaseURL = getEnv("OLLAMA_BASE_URL", c.Embedding.OllamaBaseURL)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Timeout = getEnvAsDuration("EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	c.Similarity.Backend = getEnv("SIMILARITY_BACKEND", c.Similarity.Backend)
	c.Similarity.Threshold = getEnvAsFloat64("SIMILARITY_THRESHOLD", c.Similarity.Threshold)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ConfigError is a single invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the loaded configuration and returns every problem found.
func (c *Config) Validate() []ConfigError {
	var errs []ConfigError

	if c.Database.DSN == "" {
		errs = append(errs, ConfigError{Field: "database.dsn", Message: "DB_URL is required"})
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		errs = append(errs, ConfigError{Field: "server", Message: "at least one of HTTP_ADDR or GRPC_ADDR is required"})
	}
	if c.Server.UploadsPerMin < 0 {
		errs = append(errs, ConfigError{Field: "server.uploads_per_minute", Message: "must not be negative"})
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Dir == "" {
			errs = append(errs, ConfigError{Field: "storage.dir", Message: "required for fs backend"})
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, ConfigError{Field: "storage.gcs_bucket", Message: "required for gcs backend"})
		}
	default:
		errs = append(errs, ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", c.Storage.Backend)})
	}

	if err := OneOf("sql", "memory")("queue.backend", c.Queue.Backend); err != nil {
		errs = append(errs, ConfigError{Field: err.Field, Message: err.Message})
	}
	if c.Queue.LeaseTimeout <= 0 {
		errs = append(errs, ConfigError{Field: "queue.lease_timeout", Message: "must be positive"})
	}
	if c.Queue.PublishRetries < 0 {
		errs = append(errs, ConfigError{Field: "queue.publish_retries", Message: "must not be negative"})
	}

	if c.Worker.Count < 1 {
		errs = append(errs, ConfigError{Field: "worker.count", Message: "must be positive"})
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, ConfigError{Field: "worker.max_retries", Message: "must not be negative"})
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, ConfigError{Field: "worker.job_timeout", Message: "must be positive"})
	}

	if c.Ingest.MaxUploadBytes < 1 {
		errs = append(errs, ConfigError{Field: "ingest.max_upload_bytes", Message: "must be positive"})
	}

	switch c.Embedding.Provider {
	case "hash":
		if c.Embedding.Dimensions < 1 {
			errs = append(errs, ConfigError{Field: "embedding.dimensions", Message: "must be positive"})
		}
	case "ollama":
		if _, err := url.Parse(c.Embedding.OllamaBaseURL); err != nil || c.Embedding.OllamaBaseURL == "" {
			errs = append(errs, ConfigError{Field: "embedding.ollama_base_url", Message: "invalid Ollama base URL"})
		}
	default:
		errs = append(errs, ConfigError{Field: "embedding.provider", Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider)})
	}

	if err := OneOf("sql", "pgvector")("similarity.backend", c.Similarity.Backend); err != nil {
		errs = append(errs, ConfigError{Field: err.Field, Message: err.Message})
	}
	if c.Similarity.Backend == "pgvector" && !strings.HasPrefix(c.Database.DSN, "postgres") {
		errs = append(errs, ConfigError{Field: "similarity.backend", Message: "pgvector requires a postgres DSN"})
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		errs = append(errs, ConfigError{Field: "similarity.threshold", Message: "must be between 0 and 1"})
	}
	if c.Similarity.TopK < 1 {
		errs = append(errs, ConfigError{Field: "similarity.top_k", Message: "must be positive"})
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, ConfigError{Field: "log.level", Message: err.Error()})
	}

	return errs
}

// ParseLevel maps a textual log level onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
