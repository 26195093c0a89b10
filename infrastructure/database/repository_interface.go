package database

import (
	"context"

	"github.com/ofreceptor/sync-engine/domain/account"
	"github.com/ofreceptor/sync-engine/domain/consent"
	"github.com/ofreceptor/sync-engine/domain/job"
)

// ConsentRepository is the persistence surface for the consent aggregate.
// Implementations must enforce optimistic concurrency on the consent's
// version field; a stale write returns ErrConflict.
type ConsentRepository interface {
	consent.Repository
	FindByClient(ctx context.Context, clientID string, limit int) ([]*consent.Consent, error)
}

// RepositoryInterface bundles the stores one engine process operates on,
// plus the connectivity check the service host polls.
type RepositoryInterface interface {
	Consents() ConsentRepository
	Accounts() account.Repository
	Jobs() job.Queue

	// HealthCheck verifies connectivity with the underlying store.
	HealthCheck(ctx context.Context) error
}
