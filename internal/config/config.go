// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the server configuration, read from the environment.
type Config struct {
	Port        string
	LogLevel    string
	StoreDriver string

	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
}

// DatabaseConfig locates Postgres. URL wins over the individual fields.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Migrate  bool
}

// RedisConfig locates the list cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string
	DB       int
	CacheTTL time.Duration
}

// AuthConfig controls session tokens. Without key paths a fresh key pair is generated.
type AuthConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	TokenTTL       string
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// Load reads the given .env files (missing files are ignored) and then the environment.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: getEnv("STORE_DRIVER", DriverPostgres),
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Name:     getEnv("PG_DATABASE", "sipsocial"),
			Migrate:  getEnvBool("PG_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			DB:       getEnvInt("REDIS_DB", 0),
			CacheTTL: time.Duration(getEnvInt("LIST_CACHE_TTL_SEC", 60)) * time.Second,
		},
		Auth: AuthConfig{
			PrivateKeyPath: os.Getenv("AUTH_PRIVATE_KEY_PATH"),
			PublicKeyPath:  os.Getenv("AUTH_PUBLIC_KEY_PATH"),
			TokenTTL:       os.Getenv("TOKEN_EXPIRE_TIME"),
		},
	}

	switch cfg.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

// getEnv reads an environment variable or returns def.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt parses an environment variable as an integer, else def.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
