package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// PostgresStore persists wallets, transactions, cards and authorizations in
// PostgreSQL. Uniqueness is enforced by table constraints so concurrent writers
// race on the database, not on a prior read.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode numeric %q: %w", raw, err)
	}
	return d, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) error {
	_, err := s.db.Exec(ctx, `INSERT INTO wallets
        (id, owner_id, address, encrypted_key, network, asset, cached_balance, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)`,
		w.ID, w.OwnerID, w.Address, w.EncryptedKey, w.Network, w.Asset, w.CachedBalance.String(),
		w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet for owner %s on %s: %w", w.OwnerID, w.Network, ErrConflict)
	}
	return err
}

func (s *PostgresStore) WalletByOwner(ctx context.Context, ownerID, network string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT id::text, owner_id::text, address, encrypted_key, network, asset,
        cached_balance::text, created_at, updated_at
        FROM wallets WHERE owner_id = $1 AND network = $2`, ownerID, network)
	var (
		w       Wallet
		balance string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Address, &w.EncryptedKey, &w.Network, &w.Asset,
		&balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("wallet for owner %s: %w", ownerID, ErrNotFound)
		}
		return Wallet{}, err
	}
	var err error
	if w.CachedBalance, err = parseDecimal(balance); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) UpdateCachedBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET cached_balance = $2::numeric, updated_at = now()
        WHERE id = $1`, walletID, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return nil
}

const txColumns = `id::text, owner_id::text, COALESCE(wallet_id::text, ''), kind, amount::text, currency, status,
        COALESCE(from_address, ''), COALESCE(to_address, ''), COALESCE(external_ref, ''),
        COALESCE(processor_ref, ''), COALESCE(description, ''), COALESCE(idempotency_key, ''),
        created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx     Transaction
		amount string
		kind   string
		status string
	)
	if err := row.Scan(&tx.ID, &tx.OwnerID, &tx.WalletID, &kind, &amount, &tx.Currency, &status,
		&tx.FromAddress, &tx.ToAddress, &tx.ExternalRef, &tx.ProcessorRef, &tx.Description,
		&tx.IdempotencyKey, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	tx.Kind = TxKind(kind)
	tx.Status = TxStatus(status)
	var err error
	if tx.Amount, err = parseDecimal(amount); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if !tx.Kind.Valid() || !tx.Status.Valid() {
		return fmt.Errorf("%w: transaction kind %q status %q", ErrInvalidInput, tx.Kind, tx.Status)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	_, err := s.db.Exec(ctx, `INSERT INTO transactions
        (id, owner_id, wallet_id, kind, amount, currency, status, from_address, to_address,
         external_ref, processor_ref, description, idempotency_key, created_at, updated_at)
        VALUES ($1, $2, $3::uuid, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, tx.OwnerID, nullable(tx.WalletID), string(tx.Kind), tx.Amount.String(), tx.Currency,
		string(tx.Status), nullable(tx.FromAddress), nullable(tx.ToAddress), nullable(tx.ExternalRef),
		nullable(tx.ProcessorRef), nullable(tx.Description), nullable(tx.IdempotencyKey),
		tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx, err
}

func (s *PostgresStore) TransactionByIdempotencyKey(ctx context.Context, ownerID, key string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE owner_id = $1 AND idempotency_key = $2`, ownerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return tx, err
}

func (s *PostgresStore) TransactionByProcessorRef(ctx context.Context, ref string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE processor_ref = $1 ORDER BY created_at LIMIT 1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("processor ref %s: %w", ref, ErrNotFound)
	}
	return tx, err
}

func (s *PostgresStore) AttachExternalRef(ctx context.Context, id, ref string) error {
	tag, err := s.db.Exec(ctx, `UPDATE transactions SET external_ref = $2, updated_at = now()
        WHERE id = $1 AND status = 'pending'`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("transaction %s: %w", id, ErrTerminalState)
	}
	return nil
}

// ResolveTransaction performs the pending to terminal transition as a single
// conditional update; a row that already left pending is never rewritten.
func (s *PostgresStore) ResolveTransaction(ctx context.Context, id string, res Resolution) (Transaction, error) {
	if !res.Status.IsTerminal() {
		return Transaction{}, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, res.Status)
	}
	tx, err := scanTransaction(s.db.QueryRow(ctx, `UPDATE transactions SET
            status = $2,
            external_ref = COALESCE($3, external_ref),
            description = COALESCE($4, description),
            updated_at = now()
        WHERE id = $1 AND status = 'pending'
        RETURNING `+txColumns, id, string(res.Status), nullable(res.ExternalRef), nullable(res.Description)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetTransaction(ctx, id)
		if getErr != nil {
			return Transaction{}, getErr
		}
		return current, fmt.Errorf("transaction %s is %s: %w", id, current.Status, ErrTerminalState)
	}
	return tx, err
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE status = 'pending' AND kind = 'transfer' AND created_at < $1
        ORDER BY created_at LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const cardColumns = `id::text, owner_id::text, processor_card_id, cardholder_id, last4, brand, type, status,
        cardholder_name, exp_month, exp_year, spending_limit::text, currency, created_at, updated_at`

func scanCard(row pgx.Row) (Card, error) {
	var (
		c      Card
		typ    string
		status string
		limit  *string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.ProcessorCardID, &c.CardholderID, &c.Last4, &c.Brand,
		&typ, &status, &c.CardholderName, &c.ExpMonth, &c.ExpYear, &limit, &c.Currency,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return Card{}, err
	}
	c.Type = CardType(typ)
	c.Status = CardStatus(status)
	if limit != nil {
		d, err := parseDecimal(*limit)
		if err != nil {
			return Card{}, err
		}
		c.SpendingLimit = decimal.NewNullDecimal(d)
	}
	return c, nil
}

func (s *PostgresStore) CreateCard(ctx context.Context, c Card) error {
	var limit *string
	if c.SpendingLimit.Valid {
		v := c.SpendingLimit.Decimal.String()
		limit = &v
	}
	_, err := s.db.Exec(ctx, `INSERT INTO cards
        (id, owner_id, processor_card_id, cardholder_id, last4, brand, type, status, cardholder_name,
         exp_month, exp_year, spending_limit, currency, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13, $14, $15)`,
		c.ID, c.OwnerID, c.ProcessorCardID, c.CardholderID, c.Last4, c.Brand, string(c.Type),
		string(c.Status), c.CardholderName, c.ExpMonth, c.ExpYear, limit, c.Currency,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("card %s: %w", c.ProcessorCardID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetCard(ctx context.Context, id string) (Card, error) {
	c, err := scanCard(s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Card{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *PostgresStore) CardByProcessorID(ctx context.Context, processorCardID string) (Card, error) {
	c, err := scanCard(s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE processor_card_id = $1`, processorCardID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Card{}, fmt.Errorf("processor card %s: %w", processorCardID, ErrNotFound)
	}
	return c, err
}

func (s *PostgresStore) ListCardsByOwner(ctx context.Context, ownerID string) ([]Card, error) {
	rows, err := s.db.Query(ctx, `SELECT `+cardColumns+` FROM cards WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCardStatus(ctx context.Context, id string, status CardStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: card status %q", ErrInvalidInput, status)
	}
	tag, err := s.db.Exec(ctx, `UPDATE cards SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateAuthorization(ctx context.Context, a CardAuthorization) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO card_authorizations
        (id, card_id, owner_id, processor_auth_id, processor_card_id, amount, currency, merchant_name,
         merchant_category, status, decline_reason, decided_at, created_at)
        VALUES ($1, $2::uuid, $3::uuid, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, nullable(a.CardID), nullable(a.OwnerID), a.ProcessorAuthID, a.ProcessorCardID,
		a.Amount.String(), a.Currency, nullable(a.MerchantName), nullable(a.MerchantCategory),
		string(a.Status), nullable(string(a.DeclineReason)), a.DecidedAt.UTC(), a.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("authorization %s: %w", a.ProcessorAuthID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) AuthorizationByProcessorID(ctx context.Context, processorAuthID string) (CardAuthorization, error) {
	row := s.db.QueryRow(ctx, `SELECT id::text, COALESCE(card_id::text, ''), COALESCE(owner_id::text, ''),
        processor_auth_id, processor_card_id, amount::text, currency, COALESCE(merchant_name, ''),
        COALESCE(merchant_category, ''), status, COALESCE(decline_reason, ''), decided_at, created_at
        FROM card_authorizations WHERE processor_auth_id = $1`, processorAuthID)
	var (
		a      CardAuthorization
		amount string
		status string
		reason string
	)
	if err := row.Scan(&a.ID, &a.CardID, &a.OwnerID, &a.ProcessorAuthID, &a.ProcessorCardID, &amount,
		&a.Currency, &a.MerchantName, &a.MerchantCategory, &status, &reason, &a.DecidedAt, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CardAuthorization{}, fmt.Errorf("authorization %s: %w", processorAuthID, ErrNotFound)
		}
		return CardAuthorization{}, err
	}
	a.Status = AuthStatus(status)
	a.DeclineReason = DeclineReason(reason)
	var err error
	if a.Amount, err = parseDecimal(amount); err != nil {
		return CardAuthorization{}, err
	}
	return a, nil
}

func (s *PostgresStore) SumApprovedThisMonth(ctx context.Context, cardID string, now time.Time) (decimal.Decimal, error) {
	var sum string
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM card_authorizations
        WHERE card_id = $1 AND status = 'approved' AND decided_at >= $2`,
		cardID, MonthStart(now)).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(sum)
}

func (s *PostgresStore) AppendExchangeRate(ctx context.Context, r ExchangeRate) error {
	if !r.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidInput)
	}
	_, err := s.db.Exec(ctx, `INSERT INTO exchange_rates (from_currency, to_currency, rate, source, observed_at)
        VALUES ($1, $2, $3::numeric, $4, $5)`, r.FromCurrency, r.ToCurrency, r.Rate.String(), r.Source, r.ObservedAt.UTC())
	return err
}

func (s *PostgresStore) LatestExchangeRate(ctx context.Context, from, to string) (ExchangeRate, error) {
	var (
		r    ExchangeRate
		rate string
	)
	err := s.db.QueryRow(ctx, `SELECT from_currency, to_currency, rate::text, source, observed_at
        FROM exchange_rates WHERE from_currency = $1 AND to_currency = $2
        ORDER BY observed_at DESC LIMIT 1`, from, to).Scan(&r.FromCurrency, &r.ToCurrency, &rate, &r.Source, &r.ObservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExchangeRate{}, fmt.Errorf("rate %s/%s: %w", from, to, ErrNotFound)
		}
		return ExchangeRate{}, err
	}
	if r.Rate, err = parseDecimal(rate); err != nil {
		return ExchangeRate{}, err
	}
	return r, nil
}
