package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyPairProducesTronAddress(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)

	assert.Len(t, kp.Address, 34)
	assert.True(t, strings.HasPrefix(kp.Address, "T"))
	assert.True(t, ValidateAddress(kp.Address))
	assert.True(t, VerifyChecksum(kp.Address))
	assert.Len(t, kp.PrivateKey, 32)
}

func TestValidateAddress(t *testing.T) {
	cases := map[string]bool{
		"T" + strings.Repeat("a", 33):        true,
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t": true,
		"":                                   false,
		"T" + strings.Repeat("a", 32):        false,
		"T" + strings.Repeat("a", 34):        false,
		"A" + strings.Repeat("a", 33):        false,
		"T" + strings.Repeat("a", 32) + "_":  false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, ValidateAddress(addr), addr)
	}
	assert.True(t, VerifyChecksum(USDTContract))
	assert.False(t, VerifyChecksum("T"+strings.Repeat("a", 33)))
}

func TestSignAndVerify(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)

	transfer := Transfer{
		From:      kp.Address,
		To:        USDTContract,
		Amount:    decimal.RequireFromString("12.5"),
		Asset:     AssetUSDT,
		Reference: "tx-1",
		Expiry:    time.Unix(1_700_000_000, 0),
	}
	signed, err := Sign(kp.PrivateKey, transfer)
	require.NoError(t, err)
	assert.Len(t, signed.TxID, 64)
	require.NoError(t, VerifySignature(signed))

	again, err := Sign(kp.PrivateKey, transfer)
	require.NoError(t, err)
	assert.Equal(t, signed.TxID, again.TxID, "tx id depends only on content")

	tampered := signed
	tampered.Amount = decimal.RequireFromString("13")
	assert.Error(t, VerifySignature(tampered))

	other, err := NewKeyPair()
	require.NoError(t, err)
	_, err = Sign(other.PrivateKey, transfer)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func signedTransfer(t *testing.T, sim *Simulator, amount string) (KeyPair, SignedTransfer) {
	t.Helper()
	kp, err := sim.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	st, err := Sign(kp.PrivateKey, Transfer{
		From:      kp.Address,
		To:        "T" + strings.Repeat("b", 33),
		Amount:    decimal.RequireFromString(amount),
		Asset:     AssetUSDT,
		Reference: "ref-" + amount,
	})
	require.NoError(t, err)
	return kp, st
}

func TestSimulatorBroadcastMovesBalance(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	kp, st := signedTransfer(t, sim, "40")
	sim.Fund(kp.Address, AssetUSDT, decimal.RequireFromString("100"))

	ref, err := sim.Broadcast(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, st.TxID, ref)

	bal, err := sim.GetBalance(ctx, kp.Address, AssetUSDT)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("60")), bal.String())

	status, err := sim.Lookup(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	_, err = sim.Broadcast(ctx, st)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSimulatorEnforcesBalance(t *testing.T) {
	sim := NewSimulator()
	_, st := signedTransfer(t, sim, "1")

	_, err := sim.Broadcast(context.Background(), st)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSimulatorFailureInjection(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	kp, st := signedTransfer(t, sim, "5")
	sim.Fund(kp.Address, AssetUSDT, decimal.NewFromInt(10))

	sim.FailBalances(ErrUnavailable)
	_, err := sim.GetBalance(ctx, kp.Address, AssetUSDT)
	assert.ErrorIs(t, err, ErrUnavailable)
	sim.FailBalances(nil)

	sim.DropResponses(true)
	_, err = sim.Broadcast(ctx, st)
	assert.ErrorIs(t, err, ErrUnavailable)
	status, err := sim.Lookup(ctx, st.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	sim.SetLatency(50 * time.Millisecond)
	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = sim.GetBalance(short, kp.Address, AssetUSDT)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(apiKeyHeader))
		switch r.URL.Path {
		case "/v1/accounts/TFunded":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"data":[{"balance":2500000,"trc20":[{"` + USDTContract + `":"100000000"}]}]}`))
		case "/v1/accounts/TEmpty":
			_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	usdt, err := client.GetBalance(ctx, "TFunded", AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "100", usdt.String())

	trx, err := client.GetBalance(ctx, "TFunded", AssetTRX)
	require.NoError(t, err)
	assert.Equal(t, "2.5", trx.String())

	empty, err := client.GetBalance(ctx, "TEmpty", AssetUSDT)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = client.GetBalance(ctx, "TDown", AssetUSDT)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientBroadcastAndLookup(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)
	st, err := Sign(kp.PrivateKey, Transfer{From: kp.Address, To: USDTContract, Amount: decimal.NewFromInt(1), Asset: AssetUSDT})
	require.NoError(t, err)

	var rejectNext atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/broadcasttransaction":
			var req broadcastRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if rejectNext.Load() {
				_, _ = w.Write([]byte(`{"result":false,"code":"CONTRACT_VALIDATE_ERROR","message":"62616c616e6365"}`))
				return
			}
			_, _ = w.Write([]byte(`{"result":true,"txid":"` + req.TxID + `"}`))
		case "/wallet/gettransactioninfobyid":
			var req map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			switch req["value"] {
			case st.TxID:
				_, _ = w.Write([]byte(`{"id":"` + st.TxID + `","blockNumber":10,"receipt":{"result":"SUCCESS"}}`))
			case "reverted":
				_, _ = w.Write([]byte(`{"id":"reverted","blockNumber":10,"receipt":{"result":"REVERT"}}`))
			default:
				_, _ = w.Write([]byte(`{}`))
			}
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := client.Broadcast(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, st.TxID, ref)

	rejectNext.Store(true)
	_, err = client.Broadcast(ctx, st)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "balance")

	status, err := client.Lookup(ctx, st.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	status, err = client.Lookup(ctx, "reverted")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	status, err = client.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
}

func TestHTTPClientTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Lookup(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), err)
}
