// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Ledger   LedgerConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig points at the optional Postgres event index. An empty URL
// disables the index and every view is built from a full ledger scan.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Enabled  bool
}

type JWTConfig struct {
	Secret string
}

// LedgerConfig identifies the contract whose calls make up the debt history.
type LedgerConfig struct {
	ContractAddress string
	EventKind       string
	MaxHops         int
}

// EngineConfig tunes the derived-state engine.
type EngineConfig struct {
	SubmitRetries  int
	PollInterval   time.Duration
	BlockCacheSize int
	EventCacheTTL  time.Duration
	AmountScale    int32
	RequestTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		Ledger: LedgerConfig{
			ContractAddress: strings.ToLower(getEnv("LEDGER_CONTRACT_ADDRESS", "")),
			EventKind:       getEnv("LEDGER_EVENT_KIND", "add_IOU"),
			MaxHops:         getIntEnv("LEDGER_MAX_HOPS", 1_000_000),
		},
		Engine: EngineConfig{
			SubmitRetries:  getIntEnv("ENGINE_SUBMIT_RETRIES", 3),
			PollInterval:   getDurationEnv("ENGINE_POLL_INTERVAL", 5*time.Second),
			BlockCacheSize: getIntEnv("ENGINE_BLOCK_CACHE_SIZE", 4096),
			EventCacheTTL:  getDurationEnv("ENGINE_EVENT_CACHE_TTL", 10*time.Minute),
			AmountScale:    int32(getIntEnv("ENGINE_AMOUNT_SCALE", 0)),
			RequestTimeout: getDurationEnv("ENGINE_REQUEST_TIMEOUT", 30*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
