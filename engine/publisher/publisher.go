// Package publisher implements the Event Publisher (component H):
// key-partitioned, idempotent publish of normalized update events, with an
// outbox fallback on broker failure and a feedback hook into the Adaptive
// Resource Manager under sustained outage.
package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ofreceptor/sync-engine/domain/event"
	"github.com/ofreceptor/sync-engine/engine/resourcemgr"
	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
	"github.com/ofreceptor/sync-engine/infrastructure/logging"
	"github.com/ofreceptor/sync-engine/infrastructure/security"
)

// Broker is the narrow surface the publisher needs from a message broker
// (Kafka or equivalent). The concrete client is an external collaborator;
// broker.bootstrap-servers/acks/compression/max-in-flight are its
// configuration, not this package's.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Stream topics.
const (
	TopicAccountUpdates = "account-updates"
	TopicConsentEvents  = "consent-events"
)

// OutboxEntry is one undelivered event awaiting redrive.
type OutboxEntry struct {
	ID          string
	Topic       string
	Key         string
	Payload     []byte
	Attempts    int
	NextAttempt time.Time
}

// Outbox persists events that failed to publish so a background drain can
// retry them with backoff. A concrete relational/document adapter is an
// external collaborator; InMemoryOutbox is the tested
// default.
type Outbox interface {
	Enqueue(ctx context.Context, e OutboxEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, nextAttempt time.Time) error
}

// FeedbackThreshold is the number of consecutive publish failures after
// which the publisher forces the apiCall permit class toward its minimum.
const FeedbackThreshold = 5

// Publisher serializes and dispatches domain events, one goroutine's worth
// of in-flight work per aggregate key so that per-aggregateId ordering is
// preserved under concurrent producers.
type Publisher struct {
	broker  Broker
	outbox  Outbox
	manager *resourcemgr.Manager
	logger  *logging.Logger
	seen    *security.ReplayProtection

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	consecutiveFailures int64
}

// New wires a Publisher. manager may be nil to disable the feedback hook.
func New(broker Broker, outbox Outbox, manager *resourcemgr.Manager, logger *logging.Logger) *Publisher {
	return &Publisher{
		broker:   broker,
		outbox:   outbox,
		manager:  manager,
		logger:   logger,
		seen:     security.NewReplayProtection(10*time.Minute, logger),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (p *Publisher) lockFor(key string) *sync.Mutex {
	p.keyLocksMu.Lock()
	defer p.keyLocksMu.Unlock()
	l, ok := p.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.keyLocks[key] = l
	}
	return l
}

// Publish serializes evt and dispatches it to topic keyed by key
// (aggregateId). Concurrent Publish calls sharing key are serialized so the
// broker observes them in the same order as the mutations that produced
// them. A duplicate evt.EventID within the dedup window is a no-op success
// (idempotent-producer semantics).
func (p *Publisher) Publish(ctx context.Context, topic, key string, evt event.Event) error {
	lock := p.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if p.seen.IsReplay(evt.EventID) {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return svcerrors.ProtocolError("event serialization failed: " + err.Error())
	}

	if err := p.broker.Publish(ctx, topic, key, payload); err != nil {
		p.onFailure()
		if p.outbox != nil {
			if enqErr := p.outbox.Enqueue(ctx, OutboxEntry{
				ID:      evt.EventID,
				Topic:   topic,
				Key:     key,
				Payload: payload,
			}); enqErr != nil {
				return svcerrors.Unavailable("outbox-enqueue", enqErr)
			}
			if p.logger != nil {
				p.logger.WithFields(map[string]interface{}{"topic": topic, "key": key, "eventId": evt.EventID}).
					WithError(err).Warn("publish failed, queued to outbox")
			}
			return nil
		}
		return svcerrors.Unavailable("broker-publish", err)
	}

	p.onSuccess()
	p.seen.ValidateAndMark(evt.EventID)
	return nil
}

func (p *Publisher) onSuccess() {
	atomic.StoreInt64(&p.consecutiveFailures, 0)
}

func (p *Publisher) onFailure() {
	n := atomic.AddInt64(&p.consecutiveFailures, 1)
	if n >= FeedbackThreshold && p.manager != nil {
		p.manager.ForceToward(resourcemgr.ClassAPICall, 0)
	}
}

// PublishConsentEvent implements domain/consent.Publisher, keying by
// consentId and routing to the consent-events topic.
func (p *Publisher) PublishConsentEvent(ctx context.Context, evt event.Event) error {
	return p.Publish(ctx, TopicConsentEvents, evt.AggregateID, evt)
}

// PublishAccountUpdate routes an AccountUpdated event to account-updates,
// keyed by accountId.
func (p *Publisher) PublishAccountUpdate(ctx context.Context, evt event.Event) error {
	return p.Publish(ctx, TopicAccountUpdates, evt.AggregateID, evt)
}

// DrainOutbox retries up to limit due entries; it is run periodically by a
// ticker worker.
func (p *Publisher) DrainOutbox(ctx context.Context, limit int) (delivered, failed int, err error) {
	if p.outbox == nil {
		return 0, 0, nil
	}
	entries, err := p.outbox.Due(ctx, time.Now(), limit)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if pubErr := p.broker.Publish(ctx, e.Topic, e.Key, e.Payload); pubErr != nil {
			failed++
			p.onFailure()
			backoffDelay := time.Duration(e.Attempts+1) * 30 * time.Second
			_ = p.outbox.Reschedule(ctx, e.ID, time.Now().Add(backoffDelay))
			continue
		}
		delivered++
		p.onSuccess()
		_ = p.outbox.MarkDelivered(ctx, e.ID)
	}
	return delivered, failed, nil
}
