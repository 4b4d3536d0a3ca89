package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port          string        // default: 8080
	ShutdownGrace time.Duration // default: 15s

	// Database
	PostgresDSN   string
	RunMigrations bool

	// Cache
	RedisAddr string

	// Inbound auth
	GatewayAPIKeys      []string // seeded into api_keys at startup
	DefaultRateLimitRPM int64    // requests per minute per tenant, default: 600

	// Upstream
	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	UpstreamRPS     float64
	SetupRetries    int

	// Credentials
	CredentialsFile string
	Credentials     string // "id:secret[:org],..." in addition to the file

	// Pool
	CheckoutTimeout       time.Duration
	LeaseTTL              time.Duration
	CooldownBase          time.Duration
	CooldownMultiplier    float64
	CooldownMax           time.Duration
	MaxCredentialAttempts int

	// Dispatch
	MaxInFlight    int
	StreamBuffer   int
	PasteThreshold int
	Models         []string

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GatewayAPIKeys:       splitList(os.Getenv("GATEWAY_API_KEYS")),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://claude.ai"),
		CredentialsFile:      os.Getenv("CREDENTIALS_FILE"),
		Credentials:          os.Getenv("CREDENTIALS"),
		Models:               splitList(os.Getenv("MODELS")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"SHUTDOWN_GRACE", "15s", &cfg.ShutdownGrace},
		{"UPSTREAM_TIMEOUT", "30s", &cfg.UpstreamTimeout},
		{"CHECKOUT_TIMEOUT", "10s", &cfg.CheckoutTimeout},
		{"LEASE_TTL", "5m", &cfg.LeaseTTL},
		{"COOLDOWN_BASE", "30s", &cfg.CooldownBase},
		{"COOLDOWN_MAX", "30m", &cfg.CooldownMax},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	ints := []struct {
		key      string
		fallback string
		dst      *int
	}{
		{"SETUP_RETRIES", "2", &cfg.SetupRetries},
		{"MAX_CREDENTIAL_ATTEMPTS", "3", &cfg.MaxCredentialAttempts},
		{"MAX_IN_FLIGHT", strconv.Itoa(16 * runtime.GOMAXPROCS(0)), &cfg.MaxInFlight},
		{"STREAM_BUFFER", "16", &cfg.StreamBuffer},
		{"PASTE_THRESHOLD", "0", &cfg.PasteThreshold},
	}
	for _, i := range ints {
		if *i.dst, err = strconv.Atoi(getEnv(i.key, i.fallback)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.key, err)
		}
	}

	if cfg.DefaultRateLimitRPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_RPM", "600"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	if cfg.UpstreamRPS, err = strconv.ParseFloat(getEnv("UPSTREAM_RPS", "0"), 64); err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_RPS: %w", err)
	}
	if cfg.CooldownMultiplier, err = strconv.ParseFloat(getEnv("COOLDOWN_MULTIPLIER", "2"), 64); err != nil {
		return nil, fmt.Errorf("invalid COOLDOWN_MULTIPLIER: %w", err)
	}
	if cfg.RunMigrations, err = strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true")); err != nil {
		return nil, fmt.Errorf("invalid RUN_MIGRATIONS: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.CredentialsFile == "" && c.Credentials == "" {
		return fmt.Errorf("CREDENTIALS_FILE or CREDENTIALS is required")
	}
	if c.MaxCredentialAttempts < 1 {
		return fmt.Errorf("MAX_CREDENTIAL_ATTEMPTS must be at least 1")
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("MAX_IN_FLIGHT must be at least 1")
	}
	if c.CooldownMultiplier < 1 {
		return fmt.Errorf("COOLDOWN_MULTIPLIER must be at least 1")
	}
	if c.SetupRetries < 0 {
		return fmt.Errorf("SETUP_RETRIES must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
