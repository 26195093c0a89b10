package consent

import (
	"context"
	"errors"
	"time"

	"github.com/ofreceptor/sync-engine/domain/event"
)

// Repository persists Consents keyed by ConsentID, partitioned by ClientID
// for even distribution. Save must perform a compare-and-swap on Version: it returns
// ErrConcurrencyConflict when the stored version does not match
// expectedVersion.
type Repository interface {
	Get(ctx context.Context, consentID string) (*Consent, error)
	Save(ctx context.Context, c *Consent, expectedVersion int64) error
}

// Publisher is the minimal surface the state machine needs from the Event
// Publisher (component H) to emit a transition's domain event.
type Publisher interface {
	PublishConsentEvent(ctx context.Context, evt event.Event) error
}

// Invalidator is the minimal surface the state machine needs from the
// Cache-Write Coordinator (component J).
type Invalidator interface {
	InvalidateConsent(consentID, clientID string) error
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Service orchestrates a Consent lifecycle transition: load, apply, persist
// with one optimistic-concurrency retry, publish, invalidate caches.
type Service struct {
	repo      Repository
	publisher Publisher
	cache     Invalidator
	now       Clock
	source    string
}

// NewService wires a Service. cache and publisher may be nil for callers
// that only need the pure transition (e.g. batch migrations).
func NewService(repo Repository, publisher Publisher, cache Invalidator, source string, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, publisher: publisher, cache: cache, now: now, source: source}
}

// Transition loads the Consent, applies evt, persists with a single retry on
// ErrConcurrencyConflict, publishes the resulting domain event, and
// invalidates derived caches.
func (s *Service) Transition(ctx context.Context, consentID string, evt TransitionEvent, reason *RejectionReason, correlationID string) (*Consent, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c, err := s.repo.Get(ctx, consentID)
		if err != nil {
			return nil, err
		}

		domainEvt, err := Apply(c, evt, reason, s.now(), correlationID, s.source)
		if err != nil {
			return nil, err
		}

		saveErr := s.repo.Save(ctx, c, c.Version-1)
		if saveErr == nil {
			if s.publisher != nil {
				if pubErr := s.publisher.PublishConsentEvent(ctx, domainEvt); pubErr != nil {
					return c, pubErr
				}
			}
			if s.cache != nil {
				_ = s.cache.InvalidateConsent(c.ConsentID, c.ClientID)
			}
			return c, nil
		}
		var conflict *ErrConcurrencyConflict
		if !errors.As(saveErr, &conflict) {
			return nil, saveErr
		}
	}
	return nil, &ErrConcurrencyConflict{ConsentID: consentID}
}

// Create builds, persists, and publishes a freshly minted Consent.
func (s *Service) Create(ctx context.Context, consentID, clientID, organizationID, customerID string, permissions []Permission, expiresAt *time.Time, correlationID string) (*Consent, error) {
	c, err := New(consentID, clientID, organizationID, customerID, permissions, expiresAt, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, c, -1); err != nil {
		return nil, err
	}
	if s.publisher != nil {
		if err := s.publisher.PublishConsentEvent(ctx, CreatedEvent(c, correlationID, s.source)); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ExpireStale walks forward the EXPIRED transition for a Consent whose
// ExpiresAt has passed; called by a periodic sweep, not by inbound HTTP.
func (s *Service) ExpireStale(ctx context.Context, consentID string) (*Consent, error) {
	c, err := s.repo.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.ExpiresAt == nil || !s.now().After(*c.ExpiresAt) {
		return c, nil
	}
	return s.Transition(ctx, consentID, EventExpire, nil, "")
}
