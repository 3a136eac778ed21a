package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/congo-pay/custody/internal/keyvault"
)

const (
	defaultAppName        = "custody"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultMongoDatabase  = "custody"

	// lockMargin covers key decryption and store writes inside a send.
	lockMargin = 5 * time.Second
)

var devEnvs = map[string]bool{"development": true, "dev": true, "local": true, "test": true}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName   string `validate:"required"`
	AppEnv    string `validate:"required"`
	Port      string `validate:"required"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json text"`

	DatabaseURL   string
	RedisURL      string
	RabbitMQURL   string
	MongoURI      string
	MongoDatabase string `validate:"required"`

	ShutdownPeriod time.Duration `validate:"gt=0"`
	IdempotencyTTL time.Duration `validate:"gt=0"`
	SendRateLimit  int           `validate:"gte=0"`
	LockTTL        time.Duration `validate:"gt=0"`

	// MasterKey is the decoded WALLET_MASTER_KEY.
	MasterKey    []byte `validate:"omitempty,min=32"`
	KDFTime      uint32 `validate:"gte=1"`
	KDFMemoryKiB uint32 `validate:"gte=8"`
	KDFThreads   uint8  `validate:"gte=1"`

	SettlementNetwork string        `validate:"required"`
	SettlementAsset   string        `validate:"required"`
	SettlementURL     string        `validate:"omitempty,url"`
	SettlementAPIKey  string
	SettlementTimeout time.Duration `validate:"gt=0"`

	ProcessorURL           string        `validate:"omitempty,url"`
	ProcessorAPIKey        string        `validate:"required_with=ProcessorURL"`
	ProcessorWebhookSecret string
	ProcessorTimeout       time.Duration `validate:"gt=0"`
	AuthorizationBudget    time.Duration `validate:"gt=0"`

	ReconcileInterval     time.Duration `validate:"gt=0"`
	ReconcilePendingAfter time.Duration `validate:"gtfield=SettlementTimeout"`
	ReconcileAbandonAfter time.Duration `validate:"gtfield=ReconcilePendingAfter"`
	ReconcileConcurrency  int           `validate:"min=1,max=64"`
}

// Load reads configuration from the environment, after applying a .env file
// when one exists, and validates it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	p := parser{}
	cfg := Config{
		AppName:       getEnv("APP_NAME", defaultAppName),
		AppEnv:        strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:          getEnv("PORT", defaultPort),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RabbitMQURL:   os.Getenv("RABBITMQ_URL"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getEnv("MONGO_DATABASE", defaultMongoDatabase),

		ShutdownPeriod: p.duration("SHUTDOWN_TIMEOUT", defaultShutdownDelay),
		IdempotencyTTL: p.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		SendRateLimit:  p.int("SEND_RATE_LIMIT", 30),
		LockTTL:        p.duration("LOCK_TTL", 30*time.Second),

		MasterKey:    p.base64("WALLET_MASTER_KEY"),
		KDFTime:      uint32(p.uint("KDF_TIME", uint64(keyvault.DefaultParams.Time), 32)),
		KDFMemoryKiB: uint32(p.uint("KDF_MEMORY_KIB", uint64(keyvault.DefaultParams.MemoryKiB), 32)),
		KDFThreads:   uint8(p.uint("KDF_THREADS", uint64(keyvault.DefaultParams.Threads), 8)),

		SettlementNetwork: getEnv("SETTLEMENT_NETWORK", "tron"),
		SettlementAsset:   strings.ToUpper(getEnv("SETTLEMENT_ASSET", "USDT")),
		SettlementURL:     os.Getenv("SETTLEMENT_URL"),
		SettlementAPIKey:  os.Getenv("SETTLEMENT_API_KEY"),
		SettlementTimeout: p.duration("SETTLEMENT_TIMEOUT", 10*time.Second),

		ProcessorURL:           os.Getenv("PROCESSOR_URL"),
		ProcessorAPIKey:        os.Getenv("PROCESSOR_API_KEY"),
		ProcessorWebhookSecret: os.Getenv("PROCESSOR_WEBHOOK_SECRET"),
		ProcessorTimeout:       p.duration("PROCESSOR_TIMEOUT", 5*time.Second),
		AuthorizationBudget:    p.duration("AUTHORIZATION_BUDGET", 300*time.Millisecond),

		ReconcileInterval:     p.duration("RECONCILE_INTERVAL", time.Minute),
		ReconcilePendingAfter: p.duration("RECONCILE_PENDING_AFTER", 2*time.Minute),
		ReconcileAbandonAfter: p.duration("RECONCILE_ABANDON_AFTER", time.Hour),
		ReconcileConcurrency:  p.int("RECONCILE_CONCURRENCY", 4),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the services production requires.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// A send holds the wallet lock across a balance query and a broadcast,
	// each bounded by SettlementTimeout.
	if minLock := 2*c.SettlementTimeout + lockMargin; c.LockTTL <= minLock {
		return fmt.Errorf("invalid config: LOCK_TTL (%s) must exceed %s (twice SETTLEMENT_TIMEOUT plus %s)", c.LockTTL, minLock, lockMargin)
	}
	if c.IsDevelopment() {
		return nil
	}
	var missing []string
	for key, value := range map[string]string{
		"DATABASE_URL":             c.DatabaseURL,
		"REDIS_URL":                c.RedisURL,
		"SETTLEMENT_URL":           c.SettlementURL,
		"PROCESSOR_URL":            c.ProcessorURL,
		"PROCESSOR_WEBHOOK_SECRET": c.ProcessorWebhookSecret,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(c.MasterKey) == 0 {
		missing = append(missing, "WALLET_MASTER_KEY")
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%s must be set when APP_ENV=%s", strings.Join(missing, ", "), c.AppEnv)
	}
	return nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	return devEnvs[c.AppEnv]
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// VaultParams returns the Argon2id parameters for the key vault.
func (c Config) VaultParams() keyvault.Params {
	return keyvault.Params{Time: c.KDFTime, MemoryKiB: c.KDFMemoryKiB, Threads: c.KDFThreads}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) uint(key string, fallback uint64, bits int) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) base64(key string) []byte {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: must be base64: %w", key, err))
		return nil
	}
	return b
}
