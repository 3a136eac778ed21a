package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulator is an in-process settlement network. It verifies signatures,
// enforces balances at broadcast time and supports failure injection, so the
// services can be exercised against a fallible, slow network without Tron.
type Simulator struct {
	mu sync.Mutex

	balances   map[string]decimal.Decimal
	txs        map[string]Status
	broadcasts int

	latency        time.Duration
	balanceErr     error
	broadcastErr   error
	dropResponses  bool
	pendingOnApply bool
}

// NewSimulator returns an empty simulated network.
func NewSimulator() *Simulator {
	return &Simulator{
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string]Status),
	}
}

func balanceKey(addr, asset string) string { return addr + "|" + asset }

// Fund credits addr with amount of asset.
func (s *Simulator) Fund(addr, asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey(addr, asset)
	s.balances[key] = s.balances[key].Add(amount)
}

// SetLatency delays every network call by d.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailBalances makes balance queries fail with err until reset with nil.
func (s *Simulator) FailBalances(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceErr = err
}

// FailBroadcasts makes broadcasts fail with err, without applying them, until
// reset with nil.
func (s *Simulator) FailBroadcasts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastErr = err
}

// DropResponses applies broadcasts but answers with ErrUnavailable, modelling a
// timeout after the network accepted the transfer.
func (s *Simulator) DropResponses(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropResponses = drop
}

// HoldConfirmations leaves applied transfers pending until SetStatus is called.
func (s *Simulator) HoldConfirmations(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOnApply = hold
}

// SetStatus overrides the status the network reports for txRef.
func (s *Simulator) SetStatus(txRef string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[txRef] = status
}

// Broadcasts returns how many broadcasts reached the network.
func (s *Simulator) Broadcasts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

func (s *Simulator) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (s *Simulator) GenerateKeyPair(ctx context.Context) (KeyPair, error) {
	if err := s.wait(ctx); err != nil {
		return KeyPair{}, err
	}
	return NewKeyPair()
}

func (s *Simulator) ValidateAddress(addr string) bool {
	return ValidateAddress(addr)
}

func (s *Simulator) GetBalance(ctx context.Context, addr, asset string) (decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceErr != nil {
		return decimal.Zero, s.balanceErr
	}
	return s.balances[balanceKey(addr, asset)], nil
}

func (s *Simulator) Broadcast(ctx context.Context, tx SignedTransfer) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	if err := VerifySignature(tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastErr != nil {
		return "", s.broadcastErr
	}
	s.broadcasts++
	if _, seen := s.txs[tx.TxID]; seen {
		return "", fmt.Errorf("%w: duplicate transaction %s", ErrRejected, tx.TxID)
	}

	from := balanceKey(tx.From, tx.Asset)
	if s.balances[from].LessThan(tx.Amount) {
		s.txs[tx.TxID] = StatusFailed
		return "", fmt.Errorf("%w: balance is not sufficient", ErrRejected)
	}
	s.balances[from] = s.balances[from].Sub(tx.Amount)
	to := balanceKey(tx.To, tx.Asset)
	s.balances[to] = s.balances[to].Add(tx.Amount)

	if s.pendingOnApply {
		s.txs[tx.TxID] = StatusPending
	} else {
		s.txs[tx.TxID] = StatusConfirmed
	}
	if s.dropResponses {
		return "", fmt.Errorf("%w: response lost", ErrUnavailable)
	}
	return tx.TxID, nil
}

func (s *Simulator) Lookup(ctx context.Context, txRef string) (Status, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.txs[txRef]
	if !ok {
		return StatusNotFound, nil
	}
	return status, nil
}
