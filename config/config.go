package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Authority AuthorityConfig
	Grant     GrantConfig
	Sync      SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings for the audit trail.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/meetsync?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthorityConfig holds access-authority client settings.
// Mode "http" talks to a remote authority; "memory" runs the in-process
// one (single-node deployments and tests).
type AuthorityConfig struct {
	Mode       string
	BaseURL    string
	APIKey     string
	Namespace  string
	TimeoutSec int
}

// GrantConfig holds join-grant signing settings.
type GrantConfig struct {
	Secret      string
	ExpireHours int
}

// SyncConfig holds cross-client convergence tuning.
type SyncConfig struct {
	DecisionRetention time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	retentionMin := getEnvInt("DECISION_RETENTION_MINUTES", 5)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/meetsync?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "meetsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Authority: AuthorityConfig{
			Mode:       getEnv("AUTHORITY_MODE", "http"),
			BaseURL:    getEnv("AUTHORITY_BASE_URL", "http://localhost:7766"),
			APIKey:     getEnv("AUTHORITY_API_KEY", ""),
			Namespace:  getEnv("AUTHORITY_NAMESPACE", "web-rtc"),
			TimeoutSec: getEnvInt("AUTHORITY_TIMEOUT_SEC", 10),
		},
		Grant: GrantConfig{
			Secret:      getEnv("GRANT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("GRANT_EXPIRE_HOURS", 12),
		},
		Sync: SyncConfig{
			DecisionRetention: time.Duration(retentionMin) * time.Minute,
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
