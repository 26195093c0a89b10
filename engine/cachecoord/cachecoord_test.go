package cachecoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSubscriber struct {
	evicted []string
}

func (r *recordingSubscriber) Evict(key string) {
	r.evicted = append(r.evicted, key)
}

func TestInvalidateConsent_FansOutToAllSubscribers(t *testing.T) {
	c := New()
	sub1 := &recordingSubscriber{}
	sub2 := &recordingSubscriber{}
	c.Subscribe(sub1)
	c.Subscribe(sub2)

	err := c.InvalidateConsent("consent-1", "client-1")
	assert.NoError(t, err)

	for _, sub := range []*recordingSubscriber{sub1, sub2} {
		assert.Contains(t, sub.evicted, prefixConsentByID+"consent-1")
		assert.Contains(t, sub.evicted, prefixConsentsByClient+"client-1")
	}
}

func TestInvalidateAccount_FansOutToAllSubscribers(t *testing.T) {
	c := New()
	sub := &recordingSubscriber{}
	c.Subscribe(sub)

	err := c.InvalidateAccount("acct-1", "client-9")
	assert.NoError(t, err)
	assert.Contains(t, sub.evicted, prefixAccountByID+"acct-1")
	assert.Contains(t, sub.evicted, prefixAccountsByClient+"client-9")
}

func TestPublish_SynchronousBeforeReturn(t *testing.T) {
	c := New()
	sub := &recordingSubscriber{}
	c.Subscribe(sub)

	c.Publish("k1")
	assert.Equal(t, []string{"k1"}, sub.evicted)
}
