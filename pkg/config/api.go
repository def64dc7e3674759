package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	SecretEncryptionKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Per-IP limits applied to every request regardless of API key settings.
	IPRatePerSecond int
	IPRatePerMinute int

	// Default per-key limits used when a key carries no explicit limits.
	// Zero disables the corresponding window.
	KeyRatePerSecond int
	KeyRatePerMinute int
	KeyRatePerHour   int
	KeyRatePerDay    int

	DeliveryListLimit int
	StartupWait       time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://atrium:atrium@db:5432/atrium?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		RedisAddr:           GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		IPRatePerSecond:     GetInt("RATE_LIMIT_PER_SECOND", 10),
		IPRatePerMinute:     GetInt("RATE_LIMIT_PER_MINUTE", 300),
		KeyRatePerSecond:    GetInt("API_KEY_RATE_LIMIT_PER_SECOND", 0),
		KeyRatePerMinute:    GetInt("API_KEY_RATE_LIMIT_PER_MINUTE", 120),
		KeyRatePerHour:      GetInt("API_KEY_RATE_LIMIT_PER_HOUR", 0),
		KeyRatePerDay:       GetInt("API_KEY_RATE_LIMIT_PER_DAY", 0),
		DeliveryListLimit:   GetInt("WEBHOOK_DELIVERY_LIST_LIMIT", 50),
		StartupWait:         time.Duration(GetInt("STARTUP_WAIT_SECONDS", 30)) * time.Second,
	}
}
