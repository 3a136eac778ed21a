package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
)

const (
	usdCurrency    = "USD"
	transferExpiry = 10 * time.Minute
)

// defaultRates is used when the rate series has no observation for a pair.
var defaultRates = map[string]decimal.Decimal{
	settlement.AssetUSDT + "/" + usdCurrency: decimal.NewFromInt(1),
}

// Config selects the network and asset wallets are held on.
type Config struct {
	Network           string
	Asset             string
	SettlementTimeout time.Duration
}

// Deps are the collaborators of the wallet service. Rates, Notifier and
// Metrics are optional.
type Deps struct {
	Store      ledger.WalletStore
	Rates      ledger.RateStore
	Settlement settlement.Client
	Vault      *keyvault.Vault
	Locker     lock.Locker
	Notifier   notification.Notifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Service owns custodial wallets and outbound transfers.
type Service struct {
	store      ledger.WalletStore
	rates      ledger.RateStore
	settlement settlement.Client
	vault      *keyvault.Vault
	locker     lock.Locker
	notifier   notification.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// NewService builds a wallet service instance.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.Network == "" {
		cfg.Network = settlement.NetworkTron
	}
	if cfg.Asset == "" {
		cfg.Asset = settlement.AssetUSDT
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 10 * time.Second
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		store:      deps.Store,
		rates:      deps.Rates,
		settlement: deps.Settlement,
		vault:      deps.Vault,
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateWallet generates a key pair for the owner, seals the private key and
// persists the wallet. One wallet per owner and network is enforced by the
// store. The returned wallet never carries the sealed key.
func (s *Service) CreateWallet(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return ledger.Wallet{}, fmt.Errorf("%w: owner id must be a uuid", ledger.ErrInvalidInput)
	}

	keyCtx, cancel := context.WithTimeout(ctx, s.cfg.SettlementTimeout)
	defer cancel()
	pair, err := s.settlement.GenerateKeyPair(keyCtx)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("generate key pair: %w", err)
	}
	defer keyvault.Wipe(pair.PrivateKey)

	sealed, err := s.vault.Encrypt(pair.PrivateKey, ownerID)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("seal wallet key: %w", err)
	}

	now := s.now()
	w := ledger.Wallet{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Address:       pair.Address,
		EncryptedKey:  sealed,
		Network:       s.cfg.Network,
		Asset:         s.cfg.Asset,
		CachedBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return ledger.Wallet{}, ErrWalletExists
		}
		return ledger.Wallet{}, fmt.Errorf("persist wallet: %w", err)
	}

	s.logger.Info("wallet created", "wallet_id", w.ID, "owner_id", ownerID, "address", w.Address)
	w.EncryptedKey = nil
	return w, nil
}

// Wallet returns the owner's wallet without its sealed key.
func (s *Service) Wallet(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	w, err := s.store.WalletByOwner(ctx, ownerID, s.cfg.Network)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Wallet{}, ErrWalletNotFound
		}
		return ledger.Wallet{}, err
	}
	w.EncryptedKey = nil
	return w, nil
}

// GetBalance queries the settlement network and refreshes the cached balance.
// If the network is unavailable the cached balance is returned as degraded.
// The fee asset balance is reported alongside so the owner can tell whether a
// send is affordable; it is left unset when it cannot be read live.
func (s *Service) GetBalance(ctx context.Context, ownerID string) (Balance, error) {
	w, err := s.Wallet(ctx, ownerID)
	if err != nil {
		return Balance{}, err
	}

	out := Balance{
		WalletID:     w.ID,
		Address:      w.Address,
		Asset:        w.Asset,
		FeeAsset:     settlement.AssetTRX,
		EstimatedFee: settlement.EstimateFee(w.Asset),
		AsOf:         s.now(),
	}

	var (
		live, fee       decimal.Decimal
		liveErr, feeErr error
		g               errgroup.Group
	)
	g.Go(func() error {
		live, liveErr = s.liveBalance(ctx, w.Address, w.Asset)
		return nil
	})
	if w.Asset != out.FeeAsset {
		g.Go(func() error {
			fee, feeErr = s.liveBalance(ctx, w.Address, out.FeeAsset)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case liveErr == nil:
		out.Amount, out.Live = live, true
		if !live.Equal(w.CachedBalance) {
			if err := s.store.UpdateCachedBalance(ctx, w.ID, live); err != nil {
				s.logger.Warn("cache balance failed", "wallet_id", w.ID, "error", err)
			}
		}
	case errors.Is(liveErr, settlement.ErrUnavailable):
		s.logger.Warn("serving cached balance", "wallet_id", w.ID, "error", liveErr)
		out.Amount = w.CachedBalance
		out.Degraded = "settlement network unavailable, showing last known balance"
		out.AsOf = w.UpdatedAt
	default:
		return Balance{}, fmt.Errorf("query balance: %w", liveErr)
	}

	switch {
	case w.Asset == out.FeeAsset:
		if out.Live {
			out.FeeBalance = decimal.NewNullDecimal(out.Amount)
		}
	case feeErr == nil:
		out.FeeBalance = decimal.NewNullDecimal(fee)
	default:
		s.logger.Warn("fee balance unavailable", "wallet_id", w.ID, "asset", out.FeeAsset, "error", feeErr)
		if out.Degraded == "" {
			out.Degraded = "fee balance unavailable"
		}
	}

	out.USDValue = s.usdValue(ctx, w.Asset, out.Amount)
	return out, nil
}

func (s *Service) liveBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SettlementTimeout)
	defer cancel()
	amount, err := s.settlement.GetBalance(ctx, address, asset)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, settlement.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", settlement.ErrUnavailable, err)
	}
	return amount, err
}

func (s *Service) usdValue(ctx context.Context, asset string, amount decimal.Decimal) decimal.NullDecimal {
	rate, ok := defaultRates[asset+"/"+usdCurrency]
	if s.rates != nil {
		latest, err := s.rates.LatestExchangeRate(ctx, asset, usdCurrency)
		switch {
		case err == nil:
			rate, ok = latest.Rate, true
		case !errors.Is(err, ledger.ErrNotFound):
			s.logger.Warn("exchange rate lookup failed", "asset", asset, "error", err)
		}
	}
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(amount.Mul(rate).Round(2))
}

// Send moves funds from the owner's wallet to toAddress.
//
// A pending transaction is recorded before anything leaves the process and its
// network reference is stored before broadcast. A rejected broadcast fails the
// transaction. An ambiguous one leaves it pending for the reconciler and
// returns settlement.ErrUnavailable.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	result := SendResult{FeeAsset: settlement.AssetTRX, Fee: settlement.EstimateFee(s.cfg.Asset)}

	amount, err := ledger.ParseAmount(in.Amount, settlement.AssetDecimals)
	if err != nil {
		return result, err
	}
	if !s.settlement.ValidateAddress(in.ToAddress) {
		return result, fmt.Errorf("%w: destination address is malformed", ledger.ErrInvalidInput)
	}
	if in.IdempotencyKey == "" {
		return result, fmt.Errorf("%w: idempotency key is required", ledger.ErrInvalidInput)
	}

	w, err := s.store.WalletByOwner(ctx, in.OwnerID, s.cfg.Network)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return result, ErrWalletNotFound
		}
		return result, fmt.Errorf("load wallet: %w", err)
	}
	if w.Address == in.ToAddress {
		return result, fmt.Errorf("%w: cannot send to the source wallet", ledger.ErrInvalidInput)
	}

	unlock, err := s.locker.Lock(ctx, "wallet:"+w.ID)
	if err != nil {
		return result, fmt.Errorf("lock wallet: %w", err)
	}
	defer unlock()

	if prior, ok, err := s.replay(ctx, in); err != nil {
		return result, err
	} else if ok {
		result.Transaction = prior
		s.metrics.Send("duplicate")
		return result, ledger.ErrDuplicateTransaction
	}

	balance, err := s.liveBalance(ctx, w.Address, w.Asset)
	if err != nil {
		return result, fmt.Errorf("query balance: %w", err)
	}
	if balance.LessThan(amount) {
		s.metrics.Send("insufficient_funds")
		return result, fmt.Errorf("%w: balance %s, requested %s", ledger.ErrInsufficientFunds, balance, amount)
	}

	now := s.now()
	tx := ledger.Transaction{
		ID:             uuid.NewString(),
		OwnerID:        in.OwnerID,
		WalletID:       w.ID,
		Kind:           ledger.KindTransfer,
		Amount:         amount,
		Currency:       w.Asset,
		Status:         ledger.TxPending,
		FromAddress:    w.Address,
		ToAddress:      in.ToAddress,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			if prior, ok, lookupErr := s.replay(ctx, in); lookupErr == nil && ok {
				result.Transaction = prior
				return result, ledger.ErrDuplicateTransaction
			}
		}
		return result, fmt.Errorf("record transaction: %w", err)
	}
	result.Transaction = tx

	// From here on the pending record exists and must be resolved even if the
	// caller goes away.
	bg := context.WithoutCancel(ctx)

	privateKey, err := s.vault.Decrypt(w.EncryptedKey, w.OwnerID)
	if err != nil {
		result.Transaction = s.fail(bg, tx, "wallet key could not be decrypted")
		return result, fmt.Errorf("decrypt wallet key: %w", err)
	}
	signed, err := settlement.Sign(privateKey, settlement.Transfer{
		From:      w.Address,
		To:        in.ToAddress,
		Amount:    amount,
		Asset:     w.Asset,
		Reference: tx.ID,
		Expiry:    now.Add(transferExpiry),
	})
	keyvault.Wipe(privateKey)
	if err != nil {
		result.Transaction = s.fail(bg, tx, "signing failed")
		return result, fmt.Errorf("sign transfer: %w", err)
	}

	if err := s.store.AttachExternalRef(bg, tx.ID, signed.TxID); err != nil {
		result.Transaction = s.fail(bg, tx, "could not record network reference")
		return result, fmt.Errorf("record network reference: %w", err)
	}
	tx.ExternalRef = signed.TxID
	result.Transaction = tx

	broadcastCtx, cancel := context.WithTimeout(bg, s.cfg.SettlementTimeout)
	ref, err := s.settlement.Broadcast(broadcastCtx, signed)
	cancel()

	switch {
	case err == nil:
		if ref == "" {
			ref = signed.TxID
		}
		result.Transaction = s.complete(bg, tx, ref, balance.Sub(amount))
		return result, nil
	case errors.Is(err, settlement.ErrRejected):
		result.Transaction = s.fail(bg, tx, err.Error())
		s.logger.Warn("transfer rejected", "tx_id", tx.ID, "error", err)
		return result, err
	default:
		s.metrics.Send("pending")
		s.logger.Warn("transfer outcome unknown, left pending", "tx_id", tx.ID, "external_ref", signed.TxID, "error", err)
		if !errors.Is(err, settlement.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", settlement.ErrUnavailable, err)
		}
		return result, err
	}
}

// GetTransaction returns one of the owner's transactions.
func (s *Service) GetTransaction(ctx context.Context, ownerID, id string) (ledger.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.OwnerID != ownerID {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return tx, nil
}

func (s *Service) replay(ctx context.Context, in SendInput) (ledger.Transaction, bool, error) {
	prior, err := s.store.TransactionByIdempotencyKey(ctx, in.OwnerID, in.IdempotencyKey)
	switch {
	case err == nil:
		return prior, true, nil
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.Transaction{}, false, nil
	default:
		return ledger.Transaction{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
}

func (s *Service) complete(ctx context.Context, tx ledger.Transaction, ref string, remaining decimal.Decimal) ledger.Transaction {
	resolved, err := s.store.ResolveTransaction(ctx, tx.ID, ledger.Resolution{Status: ledger.TxCompleted, ExternalRef: ref})
	if err != nil {
		// The transfer is on the network; the reconciler will catch up.
		s.logger.Error("record completed transfer failed", "tx_id", tx.ID, "external_ref", ref, "error", err)
		tx.ExternalRef = ref
		return tx
	}
	if err := s.store.UpdateCachedBalance(ctx, tx.WalletID, remaining); err != nil {
		s.logger.Warn("cache balance failed", "wallet_id", tx.WalletID, "error", err)
	}
	s.metrics.Send("completed")
	s.logger.Info("transfer completed", "tx_id", tx.ID, "external_ref", ref, "amount", tx.Amount.String())
	s.emit(ctx, notification.KindTransactionCompleted, resolved)
	return resolved
}

func (s *Service) fail(ctx context.Context, tx ledger.Transaction, reason string) ledger.Transaction {
	resolved, err := s.store.ResolveTransaction(ctx, tx.ID, ledger.Resolution{Status: ledger.TxFailed, Description: reason})
	if err != nil {
		s.logger.Error("record failed transfer failed", "tx_id", tx.ID, "error", err)
		return tx
	}
	s.metrics.Send("failed")
	s.emit(ctx, notification.KindTransactionFailed, resolved)
	return resolved
}

func (s *Service) emit(ctx context.Context, kind string, tx ledger.Transaction) {
	notification.Emit(ctx, s.notifier, s.logger, notification.Event{
		Kind:      kind,
		SubjectID: tx.ID,
		OwnerID:   tx.OwnerID,
		Status:    string(tx.Status),
		Amount:    tx.Amount.String(),
		Currency:  tx.Currency,
		Reason:    tx.Description,
	})
}
