package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL enables the conversation-page cache when set.
	RedisURL string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WORKKAP_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WORKKAP_LOG_LEVEL", "info"),
		LogFormat: EnvString("WORKKAP_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WORKKAP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WORKKAP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WORKKAP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WORKKAP_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WORKKAP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WORKKAP_DATABASE_URL", ""),
		DBSchema:    EnvString("WORKKAP_DB_SCHEMA", "workkap"),
		DBMaxConns:  EnvInt32("WORKKAP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WORKKAP_DB_MIN_CONNS", 0),

		RedisURL: EnvString("WORKKAP_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("WORKKAP_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvStringSlice("WORKKAP_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("WORKKAP_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("WORKKAP_CORS_MAX_AGE_SECONDS", 600),
	}
}
