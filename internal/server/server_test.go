package server

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/routes"
)

func testDeps(t *testing.T) routes.Deps {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{3}, 32), keyvault.Params{Time: 1, MemoryKiB: 64, Threads: 1})
	require.NoError(t, err)
	return routes.Deps{
		Cfg: config.Config{
			AppName:               "custody-test",
			AppEnv:                "test",
			Port:                  "0",
			ShutdownPeriod:        time.Second,
			SettlementNetwork:     "tron",
			SettlementAsset:       "USDT",
			SettlementTimeout:     time.Second,
			IdempotencyTTL:        time.Minute,
			LockTTL:               5 * time.Second,
			ProcessorTimeout:      time.Second,
			AuthorizationBudget:   time.Second,
			ReconcileInterval:     time.Hour,
			ReconcilePendingAfter: 2 * time.Second,
			ReconcileAbandonAfter: time.Hour,
			ReconcileConcurrency:  1,
		},
		Vault:   vault,
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
	}
}

func TestNewServesHealth(t *testing.T) {
	srv, err := New(testDeps(t))
	require.NoError(t, err)

	resp, err := srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestNewRequiresVault(t *testing.T) {
	deps := testDeps(t)
	deps.Vault = nil

	_, err := New(deps)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, err := New(testDeps(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
