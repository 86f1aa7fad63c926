package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for versions and replicated state
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Storage
	VersionBackend string // memory | postgres | bolt
	BoltPath       string
	StateBackend   string // memory | postgres | sqlite
	SQLitePath     string
	VersionLimit   int

	// Persistence worker pool
	FlushWorkers   int
	FlushQueueSize int

	// Session lifecycle
	SessionIdleTimeout  time.Duration
	AutoSaveInterval    time.Duration
	MaintenanceInterval time.Duration
	SendBufferSize      int

	// Multi-instance fan-out (empty disables)
	RedisAddr string

	// Connection credentials (empty accepts any non-empty token)
	JWTSecret string

	// Observability (empty disables)
	JaegerEndpoint     string
	TraceSamplePercent int
	LogRequests        bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collabrelay"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "1234"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		VersionBackend: getEnv("VERSION_BACKEND", BackendMemory),
		BoltPath:       getEnv("BOLT_PATH", "versions.db"),
		StateBackend:   getEnv("STATE_BACKEND", BackendMemory),
		SQLitePath:     getEnv("SQLITE_PATH", "states.sqlite3"),
		VersionLimit:   getEnvInt("VERSION_LIMIT", 50),

		FlushWorkers:   getEnvInt("FLUSH_WORKERS", 4),
		FlushQueueSize: getEnvInt("FLUSH_QUEUE_SIZE", 100),

		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		AutoSaveInterval:    getEnvDuration("AUTOSAVE_INTERVAL", 5*time.Minute),
		MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", 30*time.Second),
		SendBufferSize:      getEnvInt("SEND_BUFFER_SIZE", 256),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),

		JaegerEndpoint:     getEnv("JAEGER_ENDPOINT", ""),
		TraceSamplePercent: getEnvInt("TRACE_SAMPLE_PERCENT", 100),
		LogRequests:        getEnvBool("LOG_REQUESTS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects combinations the server cannot start with
func (c *Config) Validate() error {
	switch c.VersionBackend {
	case BackendMemory, BackendPostgres, BackendBolt:
	default:
		return fmt.Errorf("unsupported VERSION_BACKEND %q", c.VersionBackend)
	}
	switch c.StateBackend {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("unsupported STATE_BACKEND %q", c.StateBackend)
	}
	if c.VersionLimit <= 0 {
		return fmt.Errorf("VERSION_LIMIT must be positive, got %d", c.VersionLimit)
	}
	if c.FlushWorkers <= 0 || c.FlushQueueSize <= 0 {
		return fmt.Errorf("FLUSH_WORKERS and FLUSH_QUEUE_SIZE must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive")
	}
	return nil
}

// UsesPostgres reports whether any backend needs a database connection
func (c *Config) UsesPostgres() bool {
	return c.VersionBackend == BackendPostgres || c.StateBackend == BackendPostgres
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s", "5m"); "0" disables
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if value == "0" {
			return 0
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}
