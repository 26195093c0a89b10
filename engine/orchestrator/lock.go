package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ofreceptor/sync-engine/infrastructure/state"
)

// runLock is the per-orchestrator-name in-progress marker. It is stored as
// JSON under "synclock/<name>" so an operator can inspect who holds it.
type runLock struct {
	ExecutionID string    `json:"executionId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
}

// lockManager prevents concurrent runs of the same named orchestrator.
// Acquisition is compare-and-swap based; a holder that died without
// releasing is swept once its lock is older than staleAfter.
type lockManager struct {
	store      *state.PersistentState
	name       string
	staleAfter time.Duration
	now        func() time.Time
}

func newLockManager(store *state.PersistentState, name string, staleAfter time.Duration) *lockManager {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &lockManager{store: store, name: name, staleAfter: staleAfter, now: time.Now}
}

func (l *lockManager) key() string { return "synclock/" + l.name }

// Acquire claims the lock for executionID. Returns false when another run
// holds a fresh lock. A stale lock is taken over via CompareAndSwap so two
// sweepers racing on the same corpse cannot both win.
func (l *lockManager) Acquire(ctx context.Context, executionID string) (bool, error) {
	fresh, err := json.Marshal(runLock{ExecutionID: executionID, AcquiredAt: l.now().UTC()})
	if err != nil {
		return false, err
	}

	ok, err := l.store.SaveIfAbsent(ctx, l.key(), fresh)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	current, err := l.store.Load(ctx, l.key())
	if err != nil {
		return false, err
	}
	var held runLock
	if err := json.Unmarshal(current, &held); err != nil {
		// Unreadable lock payload counts as stale.
		return l.store.CompareAndSwap(ctx, l.key(), current, fresh)
	}
	if l.now().Sub(held.AcquiredAt) < l.staleAfter {
		return false, nil
	}
	return l.store.CompareAndSwap(ctx, l.key(), current, fresh)
}

// Release drops the lock only if executionID still holds it.
func (l *lockManager) Release(ctx context.Context, executionID string) error {
	current, err := l.store.Load(ctx, l.key())
	if err != nil {
		return nil
	}
	var held runLock
	if err := json.Unmarshal(current, &held); err == nil && held.ExecutionID != executionID {
		return nil
	}
	return l.store.Delete(ctx, l.key())
}
