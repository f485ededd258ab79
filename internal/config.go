package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Ledger backend: "postgres" or "memory"
	StoreProvider     string
	LedgerLockTimeout time.Duration

	// Tier catalog override. Empty uses the embedded catalog.
	CatalogPath string

	// Trial defaults applied when a trial starts
	TrialReportsLimit int
	TrialDuration     time.Duration

	// Enforcement
	UsageWriteTimeout time.Duration
	EnforcePaidQuotas bool
	UpgradeURL        string
	ContactSalesURL   string

	// Identity and internal access
	AuthJWTSecret    string
	InternalAPIToken string

	// Admin endpoints (HTTP basic auth). Admin routes are disabled if empty.
	AdminUsername string
	AdminPassword string

	// Upstream risk API the gateway proxies to
	UpstreamURL     string
	UpstreamTimeout time.Duration

	// Browser origins allowed to call the API
	CORSAllowedOrigins []string

	// Optional Redis stream for funnel events
	RedisURL           string
	FunnelStream       string
	FunnelStreamMaxLen int64

	// Storage Configuration (usage archives)
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string

	// Worker Configuration
	WorkerEnabled      bool
	WorkerPollInterval time.Duration
	WorkerJobTimeout   time.Duration

	// Usage archive
	ArchiveEnabled         bool
	ArchiveRetentionMonths int

	// Per-user request rate limit on gateway routes
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		StoreProvider:     getEnv("STORE_PROVIDER", "postgres"),
		LedgerLockTimeout: getEnvDuration("LEDGER_LOCK_TIMEOUT", 2*time.Second),
		CatalogPath:       getEnv("CATALOG_PATH", ""),

		TrialReportsLimit: getEnvInt("TRIAL_REPORTS_LIMIT", 1),
		TrialDuration:     getEnvDuration("TRIAL_DURATION", 14*24*time.Hour),

		UsageWriteTimeout: getEnvDuration("USAGE_WRITE_TIMEOUT", 3*time.Second),
		EnforcePaidQuotas: getEnvBool("ENFORCE_PAID_QUOTAS", false),
		UpgradeURL:        getEnv("UPGRADE_URL", "http://localhost:3000/pricing"),
		ContactSalesURL:   getEnv("CONTACT_SALES_URL", "mailto:sales@example.com"),

		AuthJWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
		InternalAPIToken: getEnv("INTERNAL_API_TOKEN", ""),

		AdminUsername: getEnv("ADMIN_USERNAME", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		UpstreamURL:     getEnv("UPSTREAM_URL", ""),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		RedisURL:           getEnv("REDIS_URL", ""),
		FunnelStream:       getEnv("FUNNEL_STREAM", "riskquota:funnel"),
		FunnelStreamMaxLen: int64(getEnvInt("FUNNEL_STREAM_MAXLEN", 100000)),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),

		// Worker defaults
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Minute),
		WorkerJobTimeout:   getEnvDuration("WORKER_JOB_TIMEOUT", 5*time.Minute),

		ArchiveEnabled:         getEnvBool("ARCHIVE_ENABLED", false),
		ArchiveRetentionMonths: getEnvInt("ARCHIVE_RETENTION_MONTHS", 3),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Validate ledger configuration
	switch cfg.StoreProvider {
	case "postgres":
		cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_PROVIDER is 'postgres'")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_PROVIDER must be either 'postgres' or 'memory', got: %s", cfg.StoreProvider)
	}

	// Required
	if cfg.AuthJWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}

	if cfg.TrialReportsLimit < 0 {
		return nil, fmt.Errorf("TRIAL_REPORTS_LIMIT must not be negative, got: %d", cfg.TrialReportsLimit)
	}
	if cfg.TrialDuration <= 0 {
		return nil, fmt.Errorf("TRIAL_DURATION must be positive, got: %s", cfg.TrialDuration)
	}
	if cfg.UsageWriteTimeout <= 0 {
		return nil, fmt.Errorf("USAGE_WRITE_TIMEOUT must be positive, got: %s", cfg.UsageWriteTimeout)
	}
	if cfg.ArchiveRetentionMonths < 1 {
		return nil, fmt.Errorf("ARCHIVE_RETENTION_MONTHS must be at least 1, got: %d", cfg.ArchiveRetentionMonths)
	}

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	return cfg, nil
}

// AdminEnabled reports whether admin credentials are configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList parses a comma-separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
