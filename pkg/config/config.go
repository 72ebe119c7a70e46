// Package config handles nornicbolt configuration from defaults, a YAML file
// and environment variables.
//
// Values are resolved in this order, later sources winning:
//  1. LoadDefaults()
//  2. LoadFromFile(path), when a file is given
//  3. environment variables (NORNICBOLT_* and Neo4j-compatible NEO4J_*)
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile("nornicbolt.yaml")
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//	fmt.Println(cfg) // Config{Auth: true, Bolt: 0.0.0.0:7687, Engine: badger, DataDir: ./data}
//
// Environment Variables:
//
// Neo4j-Compatible:
//   - NEO4J_AUTH="username/password" or "none"
//   - NEO4J_dbms_connector_bolt_listen__address_port=7687
//   - NEO4J_dbms_directories_data="./data"
//   - NEO4J_dbms_transaction_timeout=30s
//
// nornicbolt-Specific:
//   - NORNICBOLT_ENGINE="memory" or "badger"
//   - NORNICBOLT_WORKERS=8
//   - NORNICBOLT_LOW_WATERMARK=100, NORNICBOLT_HIGH_WATERMARK=300
//   - NORNICBOLT_LOG_LEVEL="info", NORNICBOLT_LOG_FORMAT="json"
//   - NORNICBOLT_METRICS_ENABLED=true
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all nornicbolt configuration.
//
// Configuration is organized into logical sections:
//   - Auth: Authentication and session expiry
//   - Database: Storage engine and transaction settings
//   - Bolt: Listener, worker pool and back-pressure settings
//   - Logging: zap logger settings
//   - Metrics: Prometheus endpoint
//   - Audit: Security audit trail
type Config struct {
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Bolt     BoltConfig     `yaml:"bolt"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Audit    AuditConfig    `yaml:"audit"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Enabled controls whether authentication is required
	Enabled bool `yaml:"enabled"`
	// AllowAnonymous accepts the "none" scheme with read-only access
	AllowAnonymous bool `yaml:"allow_anonymous"`
	// InitialUsername is the admin created at startup
	InitialUsername string `yaml:"initial_username"`
	// InitialPassword is the admin password
	InitialPassword string `yaml:"initial_password"`
	// MinPasswordLength for password policy
	MinPasswordLength int `yaml:"min_password_length"`
	// BcryptCost for password hashing
	BcryptCost int `yaml:"bcrypt_cost"`
	// MaxFailedLogins before lockout
	MaxFailedLogins int `yaml:"max_failed_logins"`
	// LockoutDuration after too many failures
	LockoutDuration time.Duration `yaml:"lockout_duration"`
	// SessionTTL after which a session's authorization expires; 0 never
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// DatabaseConfig holds storage and transaction settings.
type DatabaseConfig struct {
	// Engine is "memory" or "badger"
	Engine string `yaml:"engine"`
	// DataDir is the directory for badger data
	DataDir string `yaml:"data_dir"`
	// InMemory runs badger without disk
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync on commit
	SyncWrites bool `yaml:"sync_writes"`
	// CacheSize is the record cache capacity, 0 disables it
	CacheSize int64 `yaml:"cache_size"`
	// BookmarkTimeout bounds waits for a bookmarked transaction
	BookmarkTimeout time.Duration `yaml:"bookmark_timeout"`
	// BookmarkPollInterval between checks of the last closed transaction
	BookmarkPollInterval time.Duration `yaml:"bookmark_poll_interval"`
	// TransactionTimeout terminates transactions open longer than this; 0 disables
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	// StatementCacheSize bounds the parsed statement cache, negative disables it
	StatementCacheSize int `yaml:"statement_cache_size"`
}

// BoltConfig holds Bolt listener settings.
type BoltConfig struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	// ReadBufferSize and WriteBufferSize size the per-connection buffers
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`
	// Workers is the executor pool size
	Workers int `yaml:"workers"`
	// LowWatermark and HighWatermark bound the per-connection job queue
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`
	// MaxBatchSize is the number of jobs a worker runs per scheduling
	MaxBatchSize int `yaml:"max_batch_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is json or console
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path
	Output string `yaml:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// AuditConfig holds the security audit trail settings.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path of the append-only JSON lines file
	Path string `yaml:"path"`
	// SyncWrites fsyncs after every event
	SyncWrites bool `yaml:"sync_writes"`
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	return &Config{
		Auth: AuthConfig{
			Enabled:           false,
			InitialUsername:   "neo4j",
			InitialPassword:   "neo4j",
			MinPasswordLength: 8,
			BcryptCost:        10,
			MaxFailedLogins:   5,
			LockoutDuration:   15 * time.Minute,
		},
		Database: DatabaseConfig{
			Engine:               "memory",
			DataDir:              "./data",
			CacheSize:            10000,
			BookmarkTimeout:      30 * time.Second,
			BookmarkPollInterval: 10 * time.Millisecond,
			StatementCacheSize:   1000,
		},
		Bolt: BoltConfig{
			Address:         "0.0.0.0",
			Port:            7687,
			MaxConnections:  100,
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			Workers:         8,
			LowWatermark:    100,
			HighWatermark:   300,
			MaxBatchSize:    100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:2004",
			Path:    "/metrics",
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "./logs/audit.log",
		},
	}
}

// LoadFromEnv returns the defaults overridden by the environment.
func LoadFromEnv() *Config {
	c := LoadDefaults()
	c.applyEnv()
	return c
}

// LoadFromFile reads a YAML file over the defaults and then applies the
// environment.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	c := LoadDefaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	// Authentication - NEO4J_AUTH format: "username/password" or "none"
	if authStr := os.Getenv("NEO4J_AUTH"); authStr != "" {
		if authStr == "none" {
			c.Auth.Enabled = false
		} else {
			c.Auth.Enabled = true
			if user, pass, ok := strings.Cut(authStr, "/"); ok {
				c.Auth.InitialUsername = user
				c.Auth.InitialPassword = pass
			} else {
				c.Auth.InitialPassword = authStr
			}
		}
	}
	c.Auth.AllowAnonymous = getEnvBool("NORNICBOLT_AUTH_ALLOW_ANONYMOUS", c.Auth.AllowAnonymous)
	c.Auth.MinPasswordLength = getEnvInt("NEO4J_dbms_security_auth_minimum__password__length", c.Auth.MinPasswordLength)
	c.Auth.BcryptCost = getEnvInt("NORNICBOLT_AUTH_BCRYPT_COST", c.Auth.BcryptCost)
	c.Auth.MaxFailedLogins = getEnvInt("NORNICBOLT_AUTH_MAX_FAILED_LOGINS", c.Auth.MaxFailedLogins)
	c.Auth.LockoutDuration = getEnvDuration("NORNICBOLT_AUTH_LOCKOUT_DURATION", c.Auth.LockoutDuration)
	c.Auth.SessionTTL = getEnvDuration("NORNICBOLT_AUTH_SESSION_TTL", c.Auth.SessionTTL)

	// Database settings
	c.Database.Engine = getEnv("NORNICBOLT_ENGINE", c.Database.Engine)
	c.Database.DataDir = getEnv("NEO4J_dbms_directories_data", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("NORNICBOLT_IN_MEMORY", c.Database.InMemory)
	c.Database.SyncWrites = getEnvBool("NORNICBOLT_SYNC_WRITES", c.Database.SyncWrites)
	c.Database.CacheSize = int64(getEnvInt("NORNICBOLT_CACHE_SIZE", int(c.Database.CacheSize)))
	c.Database.BookmarkTimeout = getEnvDuration("NEO4J_dbms_transaction_bookmark__ready__timeout", c.Database.BookmarkTimeout)
	c.Database.BookmarkPollInterval = getEnvDuration("NORNICBOLT_BOOKMARK_POLL_INTERVAL", c.Database.BookmarkPollInterval)
	c.Database.TransactionTimeout = getEnvDuration("NEO4J_dbms_transaction_timeout", c.Database.TransactionTimeout)

	// Bolt settings
	c.Bolt.Address = getEnv("NEO4J_dbms_connector_bolt_listen__address", c.Bolt.Address)
	c.Bolt.Port = getEnvInt("NEO4J_dbms_connector_bolt_listen__address_port", c.Bolt.Port)
	c.Bolt.MaxConnections = getEnvInt("NORNICBOLT_MAX_CONNECTIONS", c.Bolt.MaxConnections)
	c.Bolt.Workers = getEnvInt("NORNICBOLT_WORKERS", c.Bolt.Workers)
	c.Bolt.LowWatermark = getEnvInt("NORNICBOLT_LOW_WATERMARK", c.Bolt.LowWatermark)
	c.Bolt.HighWatermark = getEnvInt("NORNICBOLT_HIGH_WATERMARK", c.Bolt.HighWatermark)
	c.Bolt.MaxBatchSize = getEnvInt("NORNICBOLT_MAX_BATCH_SIZE", c.Bolt.MaxBatchSize)

	// Logging
	c.Logging.Level = getEnv("NORNICBOLT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("NORNICBOLT_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("NORNICBOLT_LOG_OUTPUT", c.Logging.Output)

	// Metrics
	c.Metrics.Enabled = getEnvBool("NORNICBOLT_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getEnv("NORNICBOLT_METRICS_ADDRESS", c.Metrics.Address)
	c.Metrics.Path = getEnv("NORNICBOLT_METRICS_PATH", c.Metrics.Path)

	// Audit
	c.Audit.Enabled = getEnvBool("NORNICBOLT_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Path = getEnv("NORNICBOLT_AUDIT_PATH", c.Audit.Path)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Auth.Enabled {
		if c.Auth.InitialUsername == "" {
			return errors.New("authentication enabled but no username provided")
		}
		if len(c.Auth.InitialPassword) < c.Auth.MinPasswordLength {
			return errors.Errorf("password must be at least %d characters", c.Auth.MinPasswordLength)
		}
	}

	switch c.Database.Engine {
	case "memory":
	case "badger":
		if c.Database.DataDir == "" && !c.Database.InMemory {
			return errors.New("badger engine needs a data dir or in_memory")
		}
	default:
		return errors.Errorf("unknown engine %q (memory or badger)", c.Database.Engine)
	}
	if c.Database.BookmarkTimeout <= 0 {
		return errors.Errorf("invalid bookmark timeout: %s", c.Database.BookmarkTimeout)
	}

	if c.Bolt.Port <= 0 || c.Bolt.Port > 65535 {
		return errors.Errorf("invalid bolt port: %d", c.Bolt.Port)
	}
	if c.Bolt.Workers <= 0 {
		return errors.Errorf("invalid worker count: %d", c.Bolt.Workers)
	}
	if c.Bolt.LowWatermark < 0 || c.Bolt.HighWatermark <= 0 || c.Bolt.LowWatermark >= c.Bolt.HighWatermark {
		return errors.Errorf("invalid watermarks: low %d, high %d (need 0 <= low < high)",
			c.Bolt.LowWatermark, c.Bolt.HighWatermark)
	}
	if c.Bolt.MaxBatchSize <= 0 {
		return errors.Errorf("invalid max batch size: %d", c.Bolt.MaxBatchSize)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.Errorf("unknown log format %q (json or console)", c.Logging.Format)
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return errors.New("audit enabled but no path provided")
	}
	return nil
}

// BoltAddr returns host:port of the Bolt listener.
func (c *Config) BoltAddr() string {
	return fmt.Sprintf("%s:%d", c.Bolt.Address, c.Bolt.Port)
}

// String returns a representation without secrets, safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Auth: %v, Bolt: %s, Engine: %s, DataDir: %s}",
		c.Auth.Enabled, c.BoltAddr(), c.Database.Engine, c.Database.DataDir,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
