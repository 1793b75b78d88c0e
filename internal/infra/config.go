package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by STORE_BACKEND, GOVERNOR_BACKEND and QUEUE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	Port             string
	DatabaseURL      string
	DBMaxConns       int
	RedisURL         string
	JWTSecret        string
	JWTAudience      string
	CORSOrigins      []string
	DefaultLocale    string
	StoragePath      string
	StorageBaseURL   string
	GeoIPDBPath      string
	PolicyFile       string
	StoreBackend     string
	GovernorBackend  string
	QueueBackend     string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	// Generation and moderation collaborators.
	GeneratorProvider string
	GeneratorBaseURL  string
	GeneratorAPIToken string
	ModerationAPIKey  string
	ModerationBaseURL string
	BlockedTerms      []string
	NotifyWebhookURL  string

	// Engine.
	Workers               int
	EmbeddedWorker        bool
	ReconcileInterval     time.Duration
	SafetyValveInterval   time.Duration
	StalePendingAfter     time.Duration
	MaxProcessingDuration time.Duration
	NotifyTimeout         time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. A .env file in the working directory is read first
// when present; real environment variables win.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 10),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		StoreBackend:     getEnv("STORE_BACKEND", BackendPostgres),
		GovernorBackend:  getEnv("GOVERNOR_BACKEND", BackendPostgres),
		QueueBackend:     getEnv("QUEUE_BACKEND", BackendMemory),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		GeneratorProvider: getEnv("GENERATOR_PROVIDER", "simulated"),
		GeneratorBaseURL:  getEnv("GENERATOR_BASE_URL", "https://api.replicate.com/v1"),
		GeneratorAPIToken: os.Getenv("GENERATOR_API_TOKEN"),
		ModerationAPIKey:  os.Getenv("OPENAI_API_KEY"),
		ModerationBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		BlockedTerms:      getEnvList("MODERATION_BLOCKED_TERMS"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),

		Workers:               getEnvInt("WORKERS", 4),
		EmbeddedWorker:        getEnvBool("EMBEDDED_WORKER", true),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
		SafetyValveInterval:   getEnvDuration("SAFETY_VALVE_INTERVAL", 24*time.Hour),
		StalePendingAfter:     getEnvDuration("STALE_PENDING_AFTER", 15*time.Minute),
		MaxProcessingDuration: getEnvDuration("MAX_PROCESSING_DURATION", 30*time.Minute),
		NotifyTimeout:         getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND %q is not supported", c.StoreBackend)
	}
	switch c.GovernorBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("GOVERNOR_BACKEND %q is not supported", c.GovernorBackend)
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("QUEUE_BACKEND %q is not supported", c.QueueBackend)
	}

	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.NeedsRedis() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.GovernorBackend == BackendMemory && c.StoreBackend == BackendPostgres {
		return fmt.Errorf("GOVERNOR_BACKEND=memory cannot be combined with STORE_BACKEND=postgres")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	return nil
}

// NeedsDatabase reports whether any backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.GovernorBackend == BackendPostgres
}

// NeedsRedis reports whether any backend is Redis.
func (c *Config) NeedsRedis() bool {
	return c.GovernorBackend == BackendRedis || c.QueueBackend == BackendRedis
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
