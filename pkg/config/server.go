package config

import "time"

// ServerConfig holds runtime configuration for the tracking server.
type ServerConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	Owner              string
	DeviceAuthToken    string
	LogLevel           string
	FreshnessWindow    time.Duration
	HistoryDefaultSize int
	HistoryMaxSize     int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SERVER_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://findmycat:findmycat@db:5432/findmycat?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		Owner:              GetString("OWNER_SCOPE", "default"),
		DeviceAuthToken:    GetString("DEVICE_AUTH_TOKEN", ""),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		FreshnessWindow:    time.Duration(GetInt("DEVICE_FRESHNESS_SECONDS", 300)) * time.Second,
		HistoryDefaultSize: GetInt("HISTORY_DEFAULT_LIMIT", 100),
		HistoryMaxSize:     GetInt("HISTORY_MAX_LIMIT", 1000),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
