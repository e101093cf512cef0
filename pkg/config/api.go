package config

import (
	"fmt"
	"net/url"
	"time"
)

// APIConfig holds runtime configuration for the metrics API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DBHost             string
	DBPort             int
	DBName             string
	DBUser             string
	DBPassword         string
	DBMaxConns         int
	MigrationsDir      string
	AgentStatusWindow  time.Duration
	StreamWindowSize   int
	SnapshotLimit      int
	LivenessInterval   time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DBHost:             GetString("DB_HOST", "localhost"),
		DBPort:             GetInt("DB_PORT", 5432),
		DBName:             GetString("DB_NAME", "fleetpulse"),
		DBUser:             GetString("DB_USER", "fleetpulse"),
		DBPassword:         GetString("DB_PASSWORD", "fleetpulse"),
		DBMaxConns:         GetInt("DB_MAX_CONNS", 20),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AgentStatusWindow:  time.Duration(GetInt("AGENT_STATUS_WINDOW_SECONDS", 300)) * time.Second,
		StreamWindowSize:   GetInt("STREAM_WINDOW_SIZE", 100),
		SnapshotLimit:      GetInt("STREAM_SNAPSHOT_LIMIT", 100),
		LivenessInterval:   time.Duration(GetInt("LIVENESS_INTERVAL_SECONDS", 60)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// DatabaseURL assembles a pgx connection string from the discrete DB settings.
func (c APIConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName)
}
