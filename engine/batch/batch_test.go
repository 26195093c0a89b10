package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Bounded concurrency: submit many no-op items with a small permit
// count; observed max in-flight never exceeds the configured concurrency,
// and every item reaches a terminal outcome.
func TestProcess_BoundedConcurrency(t *testing.T) {
	const n = 2000
	const concurrency = 50

	items := make([]interface{}, n)
	for i := range items {
		items[i] = i
	}

	var inFlight int64
	var maxInFlight int64
	op := func(ctx context.Context, item interface{}) (interface{}, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxInFlight)
			if cur <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return item, nil
	}

	result := Process(context.Background(), items, op, Options{Concurrency: concurrency})

	assert.Equal(t, n, result.Successes)
	assert.Empty(t, result.Failures)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(concurrency))
}

func TestProcess_PerItemFailuresDoNotAbortSiblings(t *testing.T) {
	items := []interface{}{1, 2, 3, 4, 5}
	op := func(ctx context.Context, item interface{}) (interface{}, error) {
		n := item.(int)
		if n%2 == 0 {
			return nil, errors.New("even numbers fail")
		}
		return n, nil
	}

	result := Process(context.Background(), items, op, Options{Concurrency: 2})
	assert.Equal(t, 3, result.Successes)
	assert.Len(t, result.Failures, 2)
	assert.Len(t, result.Results, 5)
}

func TestProcess_TimeoutCancelsInFlight(t *testing.T) {
	items := []interface{}{1, 2, 3}
	op := func(ctx context.Context, item interface{}) (interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return item, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := Process(context.Background(), items, op, Options{
		Concurrency:     3,
		PerItemTimeout:  20 * time.Millisecond,
		MaxBatchTimeout: time.Second,
	})

	for _, r := range result.Results {
		assert.Equal(t, OutcomeCancelled, r.Outcome)
	}
}

func TestRunScope_CancelsSiblingsOnFailure(t *testing.T) {
	var cancelledCount int64
	ops := []ScopeOperation{
		func(ctx context.Context) (interface{}, error) {
			return "account", nil
		},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("balance fetch failed")
		},
		func(ctx context.Context) (interface{}, error) {
			select {
			case <-time.After(time.Second):
				return "limits", nil
			case <-ctx.Done():
				atomic.AddInt64(&cancelledCount, 1)
				return nil, ctx.Err()
			}
		},
	}

	_, err := RunScope(context.Background(), ops)
	require.Error(t, err)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&cancelledCount) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWholeBatchTimeout_CapsAtMax(t *testing.T) {
	got := wholeBatchTimeout(1000, 10, time.Second, 0, 5*time.Second)
	assert.Equal(t, 5*time.Second, got)
}

func TestWholeBatchTimeout_UsesFormulaUnderCap(t *testing.T) {
	got := wholeBatchTimeout(100, 50, time.Second, time.Second, time.Minute)
	assert.Equal(t, 3*time.Second, got) // ceil(100/50)=2 rounds * 1s + 1s slack
}
