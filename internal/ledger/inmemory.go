package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a concurrency-safe in-memory Store useful for unit tests and
// local development without Postgres.
type MemoryStore struct {
	mu sync.RWMutex

	wallets      map[string]Wallet
	walletsByKey map[string]string

	transactions map[string]Transaction
	idemKeys     map[string]string
	processorTx  map[string]string

	cards          map[string]Card
	cardsByProcRef map[string]string

	authorizations map[string]CardAuthorization

	rates map[string][]ExchangeRate

	now func() time.Time
}

// NewInMemory creates an empty MemoryStore.
func NewInMemory() *MemoryStore {
	return &MemoryStore{
		wallets:        make(map[string]Wallet),
		walletsByKey:   make(map[string]string),
		transactions:   make(map[string]Transaction),
		idemKeys:       make(map[string]string),
		processorTx:    make(map[string]string),
		cards:          make(map[string]Card),
		cardsByProcRef: make(map[string]string),
		authorizations: make(map[string]CardAuthorization),
		rates:          make(map[string][]ExchangeRate),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func ownerNetworkKey(ownerID, network string) string { return ownerID + "|" + network }

func (s *MemoryStore) CreateWallet(_ context.Context, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ownerNetworkKey(w.OwnerID, w.Network)
	if _, exists := s.walletsByKey[key]; exists {
		return fmt.Errorf("wallet for owner %s on %s: %w", w.OwnerID, w.Network, ErrConflict)
	}
	if _, exists := s.wallets[w.ID]; exists {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrConflict)
	}
	w.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	s.wallets[w.ID] = w
	s.walletsByKey[key] = w.ID
	return nil
}

func (s *MemoryStore) WalletByOwner(_ context.Context, ownerID, network string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.walletsByKey[ownerNetworkKey(ownerID, network)]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet for owner %s: %w", ownerID, ErrNotFound)
	}
	w := s.wallets[id]
	w.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	return w, nil
}

func (s *MemoryStore) UpdateCachedBalance(_ context.Context, walletID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	w.CachedBalance = balance
	w.UpdatedAt = s.now()
	s.wallets[walletID] = w
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx Transaction) error {
	if !tx.Kind.Valid() || !tx.Status.Valid() {
		return fmt.Errorf("%w: transaction kind %q status %q", ErrInvalidInput, tx.Kind, tx.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrConflict)
	}
	idemKey := tx.OwnerID + "|" + tx.IdempotencyKey
	if tx.IdempotencyKey != "" {
		if _, exists := s.idemKeys[idemKey]; exists {
			return fmt.Errorf("idempotency key %s: %w", tx.IdempotencyKey, ErrConflict)
		}
	}
	refKey := string(tx.Kind) + "|" + tx.ProcessorRef
	if tx.ProcessorRef != "" {
		if _, exists := s.processorTx[refKey]; exists {
			return fmt.Errorf("processor ref %s: %w", tx.ProcessorRef, ErrConflict)
		}
	}

	if tx.IdempotencyKey != "" {
		s.idemKeys[idemKey] = tx.ID
	}
	if tx.ProcessorRef != "" {
		s.processorTx[refKey] = tx.ID
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	s.transactions[tx.ID] = tx
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx, nil
}

func (s *MemoryStore) TransactionByIdempotencyKey(_ context.Context, ownerID, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idemKeys[ownerID+"|"+key]
	if !ok {
		return Transaction{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return s.transactions[id], nil
}

func (s *MemoryStore) TransactionByProcessorRef(_ context.Context, ref string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kind := range []TxKind{KindCardPayment, KindCardRefund} {
		if id, ok := s.processorTx[string(kind)+"|"+ref]; ok {
			return s.transactions[id], nil
		}
	}
	return Transaction{}, fmt.Errorf("processor ref %s: %w", ref, ErrNotFound)
}

func (s *MemoryStore) AttachExternalRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if tx.Status.IsTerminal() {
		return fmt.Errorf("transaction %s: %w", id, ErrTerminalState)
	}
	tx.ExternalRef = ref
	tx.UpdatedAt = s.now()
	s.transactions[id] = tx
	return nil
}

func (s *MemoryStore) ResolveTransaction(_ context.Context, id string, res Resolution) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if !tx.Status.CanTransition(res.Status) {
		return tx, fmt.Errorf("transaction %s is %s: %w", id, tx.Status, ErrTerminalState)
	}
	tx.Status = res.Status
	if res.ExternalRef != "" {
		tx.ExternalRef = res.ExternalRef
	}
	if res.Description != "" {
		tx.Description = res.Description
	}
	tx.UpdatedAt = s.now()
	s.transactions[id] = tx
	return tx, nil
}

func (s *MemoryStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, tx := range s.transactions {
		if tx.Status == TxPending && tx.Kind == KindTransfer && tx.CreatedAt.Before(olderThan) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateCard(_ context.Context, c Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cards[c.ID]; exists {
		return fmt.Errorf("card %s: %w", c.ID, ErrConflict)
	}
	if _, exists := s.cardsByProcRef[c.ProcessorCardID]; exists {
		return fmt.Errorf("processor card %s: %w", c.ProcessorCardID, ErrConflict)
	}
	s.cards[c.ID] = c
	s.cardsByProcRef[c.ProcessorCardID] = c.ID
	return nil
}

func (s *MemoryStore) GetCard(_ context.Context, id string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return Card{}, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) CardByProcessorID(_ context.Context, processorCardID string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cardsByProcRef[processorCardID]
	if !ok {
		return Card{}, fmt.Errorf("processor card %s: %w", processorCardID, ErrNotFound)
	}
	return s.cards[id], nil
}

func (s *MemoryStore) ListCardsByOwner(_ context.Context, ownerID string) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Card
	for _, c := range s.cards {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateCardStatus(_ context.Context, id string, status CardStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: card status %q", ErrInvalidInput, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.cards[id] = c
	return nil
}

func (s *MemoryStore) CreateAuthorization(_ context.Context, a CardAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authorizations[a.ProcessorAuthID]; exists {
		return fmt.Errorf("authorization %s: %w", a.ProcessorAuthID, ErrConflict)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.authorizations[a.ProcessorAuthID] = a
	return nil
}

func (s *MemoryStore) AuthorizationByProcessorID(_ context.Context, processorAuthID string) (CardAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorizations[processorAuthID]
	if !ok {
		return CardAuthorization{}, fmt.Errorf("authorization %s: %w", processorAuthID, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) SumApprovedThisMonth(_ context.Context, cardID string, now time.Time) (decimal.Decimal, error) {
	start := MonthStart(now)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, a := range s.authorizations {
		if a.CardID == cardID && a.Status == AuthApproved && !a.DecidedAt.Before(start) {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) AppendExchangeRate(_ context.Context, r ExchangeRate) error {
	if !r.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.FromCurrency + "/" + r.ToCurrency
	s.rates[key] = append(s.rates[key], r)
	return nil
}

func (s *MemoryStore) LatestExchangeRate(_ context.Context, from, to string) (ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.rates[from+"/"+to]
	if len(series) == 0 {
		return ExchangeRate{}, fmt.Errorf("rate %s/%s: %w", from, to, ErrNotFound)
	}
	latest := series[0]
	for _, r := range series[1:] {
		if r.ObservedAt.After(latest.ObservedAt) {
			latest = r
		}
	}
	return latest, nil
}
