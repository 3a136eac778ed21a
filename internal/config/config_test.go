package config

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"APP_NAME", "APP_ENV", "PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "REDIS_URL", "RABBITMQ_URL",
	"MONGO_URI", "MONGO_DATABASE", "SHUTDOWN_TIMEOUT", "IDEMPOTENCY_TTL", "SEND_RATE_LIMIT",
	"LOCK_TTL", "WALLET_MASTER_KEY", "KDF_TIME", "KDF_MEMORY_KIB", "KDF_THREADS",
	"SETTLEMENT_NETWORK", "SETTLEMENT_ASSET", "SETTLEMENT_URL", "SETTLEMENT_API_KEY",
	"SETTLEMENT_TIMEOUT", "PROCESSOR_URL", "PROCESSOR_API_KEY", "PROCESSOR_WEBHOOK_SECRET",
	"PROCESSOR_TIMEOUT", "AUTHORIZATION_BUDGET", "RECONCILE_INTERVAL", "RECONCILE_PENDING_AFTER",
	"RECONCILE_ABANDON_AFTER", "RECONCILE_CONCURRENCY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func masterKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32))
}

func TestDefaultsInDevelopment(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "tron", cfg.SettlementNetwork)
	assert.Equal(t, "USDT", cfg.SettlementAsset)
	assert.Equal(t, 300*time.Millisecond, cfg.AuthorizationBudget)
	assert.Equal(t, 2*time.Minute, cfg.ReconcilePendingAfter)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Empty(t, cfg.MasterKey)
	assert.Equal(t, uint8(4), cfg.VaultParams().Threads)
}

func TestDurationsAcceptSecondsOrGoSyntax(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "15")
	t.Setenv("AUTHORIZATION_BUDGET", "250ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.ShutdownPeriod)
	assert.Equal(t, 250*time.Millisecond, cfg.AuthorizationBudget)
}

func TestMalformedValuesAreReportedTogether(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("RECONCILE_CONCURRENCY", "many")
	t.Setenv("WALLET_MASTER_KEY", "%%%")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
	assert.Contains(t, err.Error(), "RECONCILE_CONCURRENCY")
	assert.Contains(t, err.Error(), "WALLET_MASTER_KEY")
}

func TestValidationRules(t *testing.T) {
	cases := map[string]map[string]string{
		"short master key":         {"WALLET_MASTER_KEY": base64.StdEncoding.EncodeToString([]byte("short"))},
		"pending before timeout":   {"SETTLEMENT_TIMEOUT": "30s", "RECONCILE_PENDING_AFTER": "20s"},
		"abandon before pending":   {"RECONCILE_ABANDON_AFTER": "1m"},
		"lock shorter than send":   {"LOCK_TTL": "5s"},
		"lock under two timeouts":  {"LOCK_TTL": "11s", "SETTLEMENT_TIMEOUT": "10s"},
		"lock without margin":      {"LOCK_TTL": "25s", "SETTLEMENT_TIMEOUT": "10s"},
		"processor without key":    {"PROCESSOR_URL": "https://api.stripe.com"},
		"bad log level":            {"LOG_LEVEL": "verbose"},
		"bad log format":           {"LOG_FORMAT": "xml"},
		"concurrency out of range": {"RECONCILE_CONCURRENCY": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLockTTLCoversWholeSend(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLEMENT_TIMEOUT", "10s")
	t.Setenv("LOCK_TTL", "26s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 26*time.Second, cfg.LockTTL)

	cfg.LockTTL = 20 * time.Second
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL")
}

func TestProductionRequiresExternalServices(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/custody")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "WALLET_MASTER_KEY")
	assert.NotContains(t, err.Error(), "DATABASE_URL")

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SETTLEMENT_URL", "https://api.trongrid.io")
	t.Setenv("PROCESSOR_URL", "https://api.stripe.com")
	t.Setenv("PROCESSOR_API_KEY", "sk_test")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "whsec")
	t.Setenv("WALLET_MASTER_KEY", masterKey())

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Len(t, cfg.MasterKey, 32)
}
