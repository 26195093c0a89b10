package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofreceptor/sync-engine/domain/event"
)

type recordedPublish struct {
	topic, key string
	payload    []byte
}

type fakeBroker struct {
	mu       sync.Mutex
	fail     bool
	received []recordedPublish
}

func (b *fakeBroker) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("broker unavailable")
	}
	b.received = append(b.received, recordedPublish{topic, key, value})
	return nil
}

func (b *fakeBroker) keysInOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, len(b.received))
	for i, r := range b.received {
		keys[i] = r.key
	}
	return keys
}

func TestPublish_RoutesToOutboxOnBrokerFailure(t *testing.T) {
	broker := &fakeBroker{fail: true}
	outbox := NewInMemoryOutbox()
	p := New(broker, outbox, nil, nil)

	evt := event.New(event.TypeConsentAuthorised, "consent-1", "corr-1", "sync-engine", nil)
	err := p.Publish(context.Background(), TopicConsentEvents, "consent-1", evt)
	require.NoError(t, err, "outbox fallback must look like success to the caller")
	assert.Equal(t, 1, outbox.Size())
}

func TestDrainOutbox_DeliversOnceBrokerRecovers(t *testing.T) {
	broker := &fakeBroker{fail: true}
	outbox := NewInMemoryOutbox()
	p := New(broker, outbox, nil, nil)

	evt := event.New(event.TypeConsentAuthorised, "consent-1", "corr-1", "sync-engine", nil)
	require.NoError(t, p.Publish(context.Background(), TopicConsentEvents, "consent-1", evt))

	broker.fail = false
	delivered, failed, err := p.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, outbox.Size())
}

// Concurrent publishes sharing an aggregateId key are serialized by the
// per-key lock and every one of them reaches the broker.
func TestPublish_ConcurrentSameKeyPublishesAllReachBroker(t *testing.T) {
	broker := &fakeBroker{}
	outbox := NewInMemoryOutbox()
	p := New(broker, outbox, nil, nil)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt := event.New(event.TypeAccountUpdated, "account-1", "corr", "sync-engine", i)
			_ = p.Publish(context.Background(), TopicAccountUpdates, "account-1", evt)
		}(i)
	}
	wg.Wait()

	assert.Len(t, broker.keysInOrder(), n)
}

func TestPublish_DuplicateEventIDIsANoOp(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, NewInMemoryOutbox(), nil, nil)

	evt := event.New(event.TypeConsentCreated, "consent-1", "corr", "sync-engine", nil)
	require.NoError(t, p.Publish(context.Background(), TopicConsentEvents, "consent-1", evt))
	require.NoError(t, p.Publish(context.Background(), TopicConsentEvents, "consent-1", evt))

	assert.Len(t, broker.received, 1)
}
