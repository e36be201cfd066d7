// Package config provides centralized configuration management for the worker.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all worker configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Worker   WorkerConfig
	Rules    RulesConfig
	Archive  ArchiveConfig
	Logging  LoggingConfig
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining in-flight runs (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 15s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// ApplySchema creates missing tables from the embedded DDL on startup (default: false)
	ApplySchema bool `env:"DB_APPLY_SCHEMA" default:"false"`
}

// WorkerConfig holds version polling and run settings.
type WorkerConfig struct {
	// PollInterval is how often pending versions are listed (default: 5s)
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" default:"5s"`

	// MaxConcurrent is the maximum number of versions processed at once (default: 2)
	MaxConcurrent int `env:"WORKER_MAX_CONCURRENT" default:"2"`

	// RunTimeout bounds a single run from staging to commit (default: 10m)
	RunTimeout time.Duration `env:"WORKER_RUN_TIMEOUT" default:"10m"`

	// TempDir is where staging files are written (default: OS temp dir)
	TempDir string `env:"WORKER_TEMP_DIR"`

	// BatchSize is the number of rows per COPY batch into staging (default: 1000)
	BatchSize int `env:"WORKER_BATCH_SIZE" default:"1000"`
}

// RulesConfig holds quality rule settings.
type RulesConfig struct {
	// SlotRulesPath points at a YAML file of unwanted-slot predicates.
	// When empty the built-in Saturday 08:00 predicate is used.
	SlotRulesPath string `env:"RULES_SLOT_FILE"`
}

// ArchiveConfig holds object storage settings for archiving processed payloads.
// Archiving is disabled when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `env:"ARCHIVE_ENDPOINT"`
	Bucket    string `env:"ARCHIVE_BUCKET" default:"schedule-versions"`
	AccessKey string `env:"ARCHIVE_ACCESS_KEY"`
	SecretKey string `env:"ARCHIVE_SECRET_KEY"`
	Region    string `env:"ARCHIVE_REGION"`

	// UseSSL enables HTTPS to the endpoint (default: true)
	UseSSL bool `env:"ARCHIVE_USE_SSL" default:"true"`
}

// Enabled reports whether an archive endpoint is configured.
func (c *ArchiveConfig) Enabled() bool {
	return c.Endpoint != ""
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
