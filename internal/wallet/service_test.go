package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
)

var testParams = keyvault.Params{Time: 1, MemoryKiB: 64, Threads: 1}

type eventRecorder struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *eventRecorder) Notify(_ context.Context, e notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	svc    *Service
	rec    *Reconciler
	store  *ledger.MemoryStore
	net    *settlement.Simulator
	vault  *keyvault.Vault
	events *eventRecorder
	deps   Deps
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{7}, 32), testParams)
	require.NoError(t, err)

	store := ledger.NewInMemory()
	net := settlement.NewSimulator()
	events := &eventRecorder{}
	deps := Deps{
		Store:      store,
		Rates:      store,
		Settlement: net,
		Vault:      vault,
		Locker:     lock.NewKeyedMutex(),
		Notifier:   events,
		Logger:     logging.Discard(),
	}
	return fixture{
		svc:    NewService(deps, Config{SettlementTimeout: time.Second}),
		rec:    NewReconciler(deps, ReconcilerConfig{PendingAfter: time.Minute, AbandonAfter: time.Hour, LookupTimeout: time.Second}),
		store:  store,
		net:    net,
		vault:  vault,
		events: events,
		deps:   deps,
	}
}

func (f fixture) fundedWallet(t *testing.T, amount string) ledger.Wallet {
	t.Helper()
	w, err := f.svc.CreateWallet(context.Background(), uuid.NewString())
	require.NoError(t, err)
	f.net.Fund(w.Address, settlement.AssetUSDT, decimal.RequireFromString(amount))
	return w
}

func destination(t *testing.T) string {
	t.Helper()
	kp, err := settlement.NewKeyPair()
	require.NoError(t, err)
	return kp.Address
}

func (f fixture) networkBalance(t *testing.T, addr string) decimal.Decimal {
	t.Helper()
	amount, err := f.net.GetBalance(context.Background(), addr, settlement.AssetUSDT)
	require.NoError(t, err)
	return amount
}

func TestCreateWalletSealsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.NewString()

	w, err := f.svc.CreateWallet(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, w.EncryptedKey)
	assert.True(t, settlement.ValidateAddress(w.Address))
	assert.True(t, w.CachedBalance.IsZero())

	stored, err := f.store.WalletByOwner(ctx, owner, settlement.NetworkTron)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EncryptedKey)

	key, err := f.vault.Decrypt(stored.EncryptedKey, owner)
	require.NoError(t, err)
	_, err = settlement.Sign(key, settlement.Transfer{From: w.Address, To: destination(t), Amount: decimal.NewFromInt(1), Asset: settlement.AssetUSDT})
	assert.NoError(t, err, "sealed key must control the wallet address")

	_, err = f.vault.Decrypt(stored.EncryptedKey, uuid.NewString())
	assert.ErrorIs(t, err, keyvault.ErrIntegrityFailure)
}

func TestCreateWalletRejectsBadOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// lookupCountingStore counts owner lookups made before a wallet exists.
type lookupCountingStore struct {
	*ledger.MemoryStore
	mu      sync.Mutex
	lookups int
}

func (s *lookupCountingStore) WalletByOwner(ctx context.Context, ownerID, network string) (ledger.Wallet, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.MemoryStore.WalletByOwner(ctx, ownerID, network)
}

func TestCreateWalletReliesOnStoreUniqueness(t *testing.T) {
	f := newFixture(t)
	store := &lookupCountingStore{MemoryStore: f.store}
	deps := f.deps
	deps.Store = store
	svc := NewService(deps, Config{SettlementTimeout: time.Second})
	owner := uuid.NewString()

	_, err := svc.CreateWallet(context.Background(), owner)
	require.NoError(t, err)
	_, err = svc.CreateWallet(context.Background(), owner)
	assert.ErrorIs(t, err, ErrWalletExists)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Zero(t, store.lookups)
}

func TestCreateWalletConcurrentlyYieldsOneWallet(t *testing.T) {
	f := newFixture(t)
	owner := uuid.NewString()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CreateWallet(context.Background(), owner)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrWalletExists) && errors.Is(err, ledger.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestSendCompletesTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "100.00")
	to := destination(t)

	res, err := f.svc.Send(ctx, SendInput{OwnerID: w.OwnerID, ToAddress: to, Amount: "40.00", IdempotencyKey: "k1"})
	require.NoError(t, err)

	tx := res.Transaction
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("40.00")))
	assert.NotEmpty(t, tx.ExternalRef)
	assert.Equal(t, ledger.KindTransfer, tx.Kind)
	assert.Equal(t, 1, ledger.CountTransactions(f.store))
	assert.True(t, res.Fee.Equal(settlement.DefaultFee))

	assert.True(t, f.networkBalance(t, w.Address).Equal(decimal.NewFromInt(60)))
	assert.True(t, f.networkBalance(t, to).Equal(decimal.NewFromInt(40)))

	stored, err := f.store.WalletByOwner(ctx, w.OwnerID, settlement.NetworkTron)
	require.NoError(t, err)
	assert.True(t, stored.CachedBalance.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, []string{notification.KindTransactionCompleted}, f.events.kinds())
}

func TestSendRejectsInvalidInputWithoutRecording(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	to := destination(t)

	cases := []SendInput{
		{OwnerID: w.OwnerID, ToAddress: to, Amount: "0", IdempotencyKey: "a"},
		{OwnerID: w.OwnerID, ToAddress: to, Amount: "-5", IdempotencyKey: "b"},
		{OwnerID: w.OwnerID, ToAddress: to, Amount: "1.0000001", IdempotencyKey: "c"},
		{OwnerID: w.OwnerID, ToAddress: "0xabc", Amount: "1", IdempotencyKey: "d"},
		{OwnerID: w.OwnerID, ToAddress: to, Amount: "1"},
		{OwnerID: w.OwnerID, ToAddress: w.Address, Amount: "1", IdempotencyKey: "e"},
	}
	for i, in := range cases {
		_, err := f.svc.Send(context.Background(), in)
		assert.ErrorIs(t, err, ledger.ErrInvalidInput, "case %d", i)
	}
	assert.Equal(t, 0, ledger.CountTransactions(f.store))
	assert.Equal(t, 0, f.net.Broadcasts())
}

func TestSendRejectsExponentAmountsPromptly(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	to := destination(t)

	for i, amount := range []string{"1e200000000", "1E9", "1234567890123456789012345678901234567890"} {
		done := make(chan error, 1)
		go func() {
			_, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: to, Amount: amount, IdempotencyKey: fmt.Sprintf("x%d", i)})
			done <- err
		}()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ledger.ErrInvalidInput, amount)
		case <-time.After(2 * time.Second):
			t.Fatalf("send with amount %s did not return", amount)
		}
	}

	res, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: to, Amount: "1", IdempotencyKey: "after"})
	require.NoError(t, err, "the wallet lock is free again")
	assert.Equal(t, ledger.TxCompleted, res.Transaction.Status)
	assert.Equal(t, 1, ledger.CountTransactions(f.store))
}

func TestSendWithoutWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), SendInput{OwnerID: uuid.NewString(), ToAddress: destination(t), Amount: "1", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSendInsufficientFundsRecordsNothing(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")

	_, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "150", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, 0, ledger.CountTransactions(f.store))
}

func TestSendFailsClosedWhenBalanceUnavailable(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	f.net.FailBalances(settlement.ErrUnavailable)

	_, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "10", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, settlement.ErrUnavailable)
	assert.Equal(t, 0, ledger.CountTransactions(f.store))
}

func TestSendRejectedBroadcastFailsTransaction(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	f.net.FailBroadcasts(fmt.Errorf("%w: bandwidth exhausted", settlement.ErrRejected))

	res, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "40", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, settlement.ErrRejected)
	assert.Equal(t, ledger.TxFailed, res.Transaction.Status)
	assert.Contains(t, res.Transaction.Description, "bandwidth exhausted")

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, stored.Status)
	assert.True(t, f.networkBalance(t, w.Address).Equal(decimal.NewFromInt(100)), "balance unchanged")
	assert.Equal(t, []string{notification.KindTransactionFailed}, f.events.kinds())
}

func TestSendAmbiguousBroadcastStaysPending(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	f.net.FailBroadcasts(fmt.Errorf("%w: connection reset", settlement.ErrUnavailable))

	res, err := f.svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "40", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, settlement.ErrUnavailable)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, stored.Status)
	assert.NotEmpty(t, stored.ExternalRef, "reference is captured before broadcast")
}

type slowBroadcaster struct {
	settlement.Client
	delay time.Duration
}

func (s slowBroadcaster) Broadcast(ctx context.Context, tx settlement.SignedTransfer) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.Client.Broadcast(ctx, tx)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSendTimeoutStaysPending(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	deps := f.deps
	deps.Settlement = slowBroadcaster{Client: f.net, delay: time.Second}
	svc := NewService(deps, Config{SettlementTimeout: 20 * time.Millisecond})

	res, err := svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "40", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, settlement.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, stored.Status)
	assert.Equal(t, res.Transaction.ExternalRef, stored.ExternalRef)
}

func TestSendReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")
	in := SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "40", IdempotencyKey: "once"}

	first, err := f.svc.Send(context.Background(), in)
	require.NoError(t, err)

	second, err := f.svc.Send(context.Background(), in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, f.net.Broadcasts())
	assert.Equal(t, 1, ledger.CountTransactions(f.store))
	assert.True(t, f.networkBalance(t, w.Address).Equal(decimal.NewFromInt(60)))
}

func TestConcurrentSendsNeverOverspend(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		completed    int
		insufficient int
	)
	targets := []string{destination(t), destination(t), destination(t)}
	for i, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(context.Background(), SendInput{
				OwnerID:        w.OwnerID,
				ToAddress:      to,
				Amount:         "40",
				IdempotencyKey: fmt.Sprintf("k-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completed++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, insufficient)
	assert.True(t, f.networkBalance(t, w.Address).Equal(decimal.NewFromInt(20)))
}

func TestSendDecryptFailureFailsTransaction(t *testing.T) {
	f := newFixture(t)
	w := f.fundedWallet(t, "100")

	other, err := keyvault.New(bytes.Repeat([]byte{9}, 32), testParams)
	require.NoError(t, err)
	deps := f.deps
	deps.Vault = other
	svc := NewService(deps, Config{SettlementTimeout: time.Second})

	res, err := svc.Send(context.Background(), SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "10", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, keyvault.ErrKeyVault)
	assert.Equal(t, ledger.TxFailed, res.Transaction.Status)
	assert.Equal(t, 0, f.net.Broadcasts())
}

func TestGetBalanceLiveAndDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "100")
	f.net.Fund(w.Address, settlement.AssetTRX, decimal.NewFromInt(25))

	live, err := f.svc.GetBalance(ctx, w.OwnerID)
	require.NoError(t, err)
	assert.True(t, live.Live)
	assert.Empty(t, live.Degraded)
	assert.True(t, live.Amount.Equal(decimal.NewFromInt(100)))
	require.True(t, live.USDValue.Valid)
	assert.Equal(t, "100.00", live.USDValue.Decimal.StringFixed(2))

	assert.Equal(t, settlement.AssetTRX, live.FeeAsset)
	require.True(t, live.FeeBalance.Valid)
	assert.True(t, live.FeeBalance.Decimal.Equal(decimal.NewFromInt(25)))
	assert.True(t, live.EstimatedFee.Equal(settlement.DefaultFee))

	f.net.FailBalances(settlement.ErrUnavailable)
	cached, err := f.svc.GetBalance(ctx, w.OwnerID)
	require.NoError(t, err)
	assert.False(t, cached.Live)
	assert.NotEmpty(t, cached.Degraded)
	assert.True(t, cached.Amount.Equal(decimal.NewFromInt(100)), "falls back to the write-through cache")
	assert.False(t, cached.FeeBalance.Valid, "fee balance is only reported live")
	assert.Equal(t, settlement.AssetTRX, cached.FeeAsset)
}

func TestGetBalanceUsesLatestRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "50")
	require.NoError(t, f.store.AppendExchangeRate(ctx, ledger.ExchangeRate{
		FromCurrency: settlement.AssetUSDT,
		ToCurrency:   "USD",
		Rate:         decimal.RequireFromString("0.998"),
		Source:       "test",
		ObservedAt:   time.Now().UTC(),
	}))

	balance, err := f.svc.GetBalance(ctx, w.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, "49.90", balance.USDValue.Decimal.StringFixed(2))
}

func TestGetTransactionIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "100")

	res, err := f.svc.Send(ctx, SendInput{OwnerID: w.OwnerID, ToAddress: destination(t), Amount: "1", IdempotencyKey: "k"})
	require.NoError(t, err)

	got, err := f.svc.GetTransaction(ctx, w.OwnerID, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, got.ID)

	_, err = f.svc.GetTransaction(ctx, uuid.NewString(), res.Transaction.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.GetTransaction(ctx, w.OwnerID, "not-a-uuid")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
