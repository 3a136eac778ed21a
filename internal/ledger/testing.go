package ledger

import "time"

// Backdate is a test helper that rewrites the creation time of a transaction held
// by the in-memory store, so sweeps over old pending records can be exercised.
func Backdate(s *MemoryStore, txID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[txID]; ok {
		tx.CreatedAt = createdAt
		s.transactions[txID] = tx
	}
}

// CountTransactions is a test helper returning how many transactions the store holds.
func CountTransactions(s *MemoryStore) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}
