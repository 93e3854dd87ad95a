/**
 * @description
 * Configuration loader for ssmd.
 * Responsible for reading environment variables, setting defaults, and performing strict validation.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files
 * - standard "os": For reading env vars
 * - standard "fmt": For error reporting
 *
 * @notes
 * - Fails fast if critical variables (database URL) are missing.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the process. Every binary (connector,
// archiver, parquetgen, order API) loads the same struct and reads only the
// sections it needs.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	Bus       BusConfig
	Exchange  ExchangeConfig
	Risk      RiskConfig
	Auth      AuthConfig
	Archive   ArchiveConfig
	Secmaster SecmasterConfig
	SessionID int64
}

// ServerConfig holds HTTP server settings for the order API and archiver
// health endpoints.
type ServerConfig struct {
	ListenAddr string
	Env        string // "development" or "production"
}

// DBConfig holds PostgreSQL settings.
type DBConfig struct {
	URL string
}

// RedisConfig holds Redis settings, used as a read-through cache in front of
// the secmaster client.
type RedisConfig struct {
	URL string
}

// BusConfig selects and configures the message bus transport.
type BusConfig struct {
	Driver string // "memory" or "nats"
	URL    string
	Env    string // subject prefix environment segment, e.g. "prod", "dev"
}

// ExchangeConfig names which exchange this process instance talks to and
// which environment (demo vs prod) it should connect to.
type ExchangeConfig struct {
	Type           string // "kalshi", "kraken", "kraken-futures", "polymarket"
	Environment    string // "demo" or "prod"
	APIKeyID       string
	APISecret      string // base64-encoded HMAC secret (Kraken Futures, Polymarket CLOB L2)
	Passphrase     string // Polymarket CLOB L2 passphrase
	MakerAddress   string // Polymarket on-chain maker address
	SigningKeyHex  string // Polymarket EIP-712 signing key, hex-encoded
	PrivateKeyPEM  string
	BearerTokens   []string
	ValidationURL  string
	JWKSURL        string
	JWKSAudience   string
	RingBufferPath string
}

// RiskConfig holds the per-session notional limit.
type RiskConfig struct {
	MaxNotional float64
}

// AuthConfig holds order-API auth settings.
type AuthConfig struct {
	BearerTokens []string
	JWKSURL      string
	JWKSAudience string
}

// ArchiveConfig holds the on-disk archive root and rotation knobs.
type ArchiveConfig struct {
	BasePath      string
	GzipRotateSec int
	GCSBucket     string // remote mirror the batch Parquet generator reads from
	GCSPrefix     string
}

// SecmasterConfig describes the read-only reference-data HTTP service.
type SecmasterConfig struct {
	URL          string
	Categories   []string
	RetryAttempts int
	RetryDelayMs  int
	BatchSize     int
}

// Load reads a local .env file (if present) and populates the Config struct
// from the environment.
func Load() (*Config, error) {
	_ = loadDotEnv()

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
			Env:        getEnv("GO_ENV", "development"),
		},
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Bus: BusConfig{
			Driver: getEnv("BUS_DRIVER", "memory"),
			URL:    getEnv("NATS_URL", "nats://localhost:4222"),
			Env:    getEnv("SSMD_ENV", "dev"),
		},
		Exchange: ExchangeConfig{
			Type:           getEnv("EXCHANGE_TYPE", "kalshi"),
			Environment:    getEnv("EXCHANGE_ENVIRONMENT", "demo"),
			APIKeyID:       getEnv("EXCHANGE_API_KEY_ID", ""),
			APISecret:      sanitizeCredential(getEnv("EXCHANGE_API_SECRET", "")),
			Passphrase:     sanitizeCredential(getEnv("EXCHANGE_PASSPHRASE", "")),
			MakerAddress:   getEnv("EXCHANGE_MAKER_ADDRESS", ""),
			SigningKeyHex:  sanitizeCredential(getEnv("EXCHANGE_SIGNING_KEY", "")),
			PrivateKeyPEM:  sanitizeCredential(getEnv("EXCHANGE_PRIVATE_KEY_PEM", "")),
			BearerTokens:   splitCSV(getEnv("ORDER_API_BEARER_TOKENS", "")),
			ValidationURL:  getEnv("EXCHANGE_VALIDATION_URL", ""),
			JWKSURL:        getEnv("ORDER_API_JWKS_URL", ""),
			JWKSAudience:   getEnv("ORDER_API_JWKS_AUDIENCE", ""),
			RingBufferPath: getEnv("RING_BUFFER_PATH", "/tmp/ssmd.ring"),
		},
		Risk: RiskConfig{
			MaxNotional: getEnvAsFloat("MAX_NOTIONAL", 100.0),
		},
		Archive: ArchiveConfig{
			BasePath:      getEnv("ARCHIVE_BASE_PATH", "/data/archive"),
			GzipRotateSec: getEnvAsInt("ARCHIVE_ROTATE_SECONDS", 60),
			GCSBucket:     getEnv("ARCHIVE_GCS_BUCKET", ""),
			GCSPrefix:     getEnv("ARCHIVE_GCS_PREFIX", "archive"),
		},
		Secmaster: SecmasterConfig{
			URL:           getEnv("SECMASTER_URL", ""),
			Categories:    splitCSV(getEnv("SECMASTER_CATEGORIES", "")),
			RetryAttempts: getEnvAsInt("SECMASTER_RETRY_ATTEMPTS", 3),
			RetryDelayMs:  getEnvAsInt("SECMASTER_RETRY_DELAY_MS", 250),
			BatchSize:     getEnvAsInt("SECMASTER_BATCH_SIZE", 200),
		},
	}
	cfg.Auth = AuthConfig{
		BearerTokens: cfg.Exchange.BearerTokens,
		JWKSURL:      cfg.Exchange.JWKSURL,
		JWKSAudience: cfg.Exchange.JWKSAudience,
	}
	cfg.SessionID = int64(getEnvAsInt("SESSION_ID", 1))

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Exchange.Environment != "demo" && cfg.Exchange.Environment != "prod" {
		return fmt.Errorf("EXCHANGE_ENVIRONMENT must be 'demo' or 'prod', got %q", cfg.Exchange.Environment)
	}
	if len(cfg.Auth.BearerTokens) == 0 && cfg.Server.Env != "test" {
		fmt.Println("Warning: ORDER_API_BEARER_TOKENS is missing. Order API auth will reject all requests.")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func sanitizeCredential(value string) string {
	trimmed := strings.TrimSpace(value)
	return strings.Trim(trimmed, "\"")
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetryDelay returns the configured secmaster retry delay as a duration.
func (s SecmasterConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}
