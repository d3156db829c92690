package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the aggregation engine
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database (job log store)
	Database DatabaseConfig

	// Redis (shared reference cache)
	Redis RedisConfig

	// Object storage
	Storage StorageConfig

	// Engine
	Engine EngineConfig

	// Job log
	JobLogDriver string // postgres, sqlite, memory
	SQLitePath   string

	// Run notifications
	Notify NotifyConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Queries slower than this are logged, 0 disables tracing
	SlowQuery time.Duration
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	URL          string  // gocloud bucket URL: file:///data, mem://, s3://bucket, azblob://container
	RawPrefix    string  // raw daily dumps live under <RawPrefix>/<YYYYMMDD>/
	OutputPrefix string  // aggregated tables are written under <OutputPrefix>/<flavor>/<YYYYMMDD>/
	RefPrefix    string  // sector / emiten reference lists
	RPS          float64 // storage calls per second, 0 = unlimited
	Burst        int
}

// NotifyConfig holds the run webhook; an empty URL disables it
type NotifyConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Retries    int
}

// EngineConfig holds batch scheduling knobs
type EngineConfig struct {
	BatchSize         int
	MaxConcurrency    int
	MemoryLimitMB     int
	MemoryPause       time.Duration
	PrecountSample    int
	PartitionCacheTTL time.Duration
	PartitionCacheMax int
	ReferenceTTL      time.Duration
	Schedule          string // cron spec (with seconds) for daily runs
	ReferenceSchedule string // cron spec for the reference refresh
	JobPlan           string // optional YAML plan overriding both schedules
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8090"),
		Env:  getEnv("ENV", "development"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
			SlowQuery:       getEnvAsDuration("DB_SLOW_QUERY", "500ms"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Storage: StorageConfig{
			URL:          getEnv("STORAGE_URL", "file:///var/lib/tradeflow"),
			RawPrefix:    strings.Trim(getEnv("RAW_PREFIX", "raw/transactions"), "/"),
			OutputPrefix: strings.Trim(getEnv("OUTPUT_PREFIX", "summary"), "/"),
			RefPrefix:    strings.Trim(getEnv("REFERENCE_PREFIX", "reference"), "/"),
			RPS:          getEnvAsFloat("STORAGE_RPS", 50),
			Burst:        getEnvAsInt("STORAGE_BURST", 20),
		},

		Engine: EngineConfig{
			BatchSize:         getEnvAsInt("BATCH_SIZE", 10),
			MaxConcurrency:    getEnvAsInt("MAX_CONCURRENCY", 4),
			MemoryLimitMB:     getEnvAsInt("MEMORY_LIMIT_MB", 2048),
			MemoryPause:       getEnvAsDuration("MEMORY_PAUSE", "2s"),
			PrecountSample:    getEnvAsInt("PRECOUNT_SAMPLE", 5),
			PartitionCacheTTL: getEnvAsDuration("PARTITION_CACHE_TTL", "2h"),
			PartitionCacheMax: getEnvAsInt("PARTITION_CACHE_MAX", 0),
			ReferenceTTL:      getEnvAsDuration("REFERENCE_TTL", "24h"),
			Schedule:          getEnv("AGGREGATION_SCHEDULE", "0 30 18 * * MON-FRI"),
			ReferenceSchedule: getEnv("REFERENCE_SCHEDULE", "0 0 18 * * MON-FRI"),
			JobPlan:           getEnv("JOB_PLAN", ""),
		},

		JobLogDriver: getEnv("JOBLOG_DRIVER", "postgres"),
		SQLitePath:   getEnv("SQLITE_PATH", "tradeflow.db"),

		Notify: NotifyConfig{
			WebhookURL: getEnv("RUN_WEBHOOK_URL", ""),
			Timeout:    getEnvAsDuration("RUN_WEBHOOK_TIMEOUT", "5s"),
			Retries:    getEnvAsInt("RUN_WEBHOOK_RETRIES", 2),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.JobLogDriver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOBLOG_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when JOBLOG_DRIVER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("JOBLOG_DRIVER must be one of: postgres, sqlite, memory")
	}

	if c.Storage.URL == "" {
		return fmt.Errorf("STORAGE_URL is required")
	}
	if c.Storage.RawPrefix == c.Storage.OutputPrefix {
		return fmt.Errorf("RAW_PREFIX and OUTPUT_PREFIX must differ")
	}

	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive")
	}

	return nil
}

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
