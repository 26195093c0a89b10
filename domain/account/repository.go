package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StaleAfter is the default staleness window for sync candidate selection.
const StaleAfter = 12 * time.Hour

// Repository is the persistence contract for accounts. The sync pipeline is
// the only mutator; HTTP readers consume the persisted materialized view.
type Repository interface {
	FindAccountsForUpdate(ctx context.Context, limit int) ([]*Account, error)
	Save(ctx context.Context, a *Account) error
	Get(ctx context.Context, accountID string) (*Account, bool, error)
}

// InMemoryRepository is the single-process Repository used in tests and
// local development.
type InMemoryRepository struct {
	mu       sync.Mutex
	byID     map[string]*Account
	now      func() time.Time
	staleDur time.Duration
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:     make(map[string]*Account),
		now:      time.Now,
		staleDur: StaleAfter,
	}
}

// FindAccountsForUpdate selects ACTIVE accounts never synced or last synced
// before the staleness window, oldest first.
func (r *InMemoryRepository) FindAccountsForUpdate(_ context.Context, limit int) ([]*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.staleDur)
	candidates := make([]*Account, 0)
	for _, a := range r.byID {
		if a.Status != StatusActive {
			continue
		}
		if a.LastSyncedAt.IsZero() || a.LastSyncedAt.Before(cutoff) {
			cp := *a
			candidates = append(candidates, &cp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastSyncedAt.Before(candidates[j].LastSyncedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Save upserts by AccountID after normalization.
func (r *InMemoryRepository) Save(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	Normalize(a)
	cp := *a
	r.byID[a.AccountID] = &cp
	return nil
}

// Get returns a copy of the stored account.
func (r *InMemoryRepository) Get(_ context.Context, accountID string) (*Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[accountID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}
