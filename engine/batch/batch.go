// Package batch implements the Parallel Batch Processor (component F):
// bounded-concurrency fan-out over a batch of inputs, plus a
// structured-scope variant with all-or-nothing cancellation semantics
// .
package batch

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Outcome tags one item's terminal state.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
)

// Result is one item's outcome, preserving its input index.
type Result struct {
	Index   int
	Outcome Outcome
	Value   interface{}
	Err     error
}

// BatchResult is the structured result of one Process call.
type BatchResult struct {
	Successes      int
	Failures       []Result
	Results        []Result
	ProcessingTime time.Duration
}

// DefaultMaxBatchTimeout caps the whole-batch timeout regardless of size
// .
const DefaultMaxBatchTimeout = 5 * time.Minute

// Operation is the per-item async operation; it must honor ctx cancellation.
type Operation func(ctx context.Context, item interface{}) (interface{}, error)

// Options configures one Process call.
type Options struct {
	// Concurrency is the bounded fan-out width — normally the Resource
	// Manager's current `sync` permit count.
	Concurrency int
	// PerItemTimeout bounds a single item's operation.
	PerItemTimeout time.Duration
	// MaxBatchTimeout caps the whole-batch timeout (default 5m).
	MaxBatchTimeout time.Duration
	// Slack is added to the computed whole-batch timeout.
	Slack time.Duration
}

// wholeBatchTimeout computes
// perItemTimeout * ceil(batchSize/currentPermits) + slack, capped at
// maxBatchTimeout.
func wholeBatchTimeout(batchSize, concurrency int, perItem, slack, maxTimeout time.Duration) time.Duration {
	if concurrency <= 0 {
		concurrency = 1
	}
	rounds := math.Ceil(float64(batchSize) / float64(concurrency))
	total := time.Duration(rounds)*perItem + slack
	if maxTimeout > 0 && total > maxTimeout {
		return maxTimeout
	}
	return total
}

// Process runs op over items with bounded concurrency. Scheduling is
// cooperative fan-out: as many items in flight as permits allow; a
// completed item immediately releases its slot. Per-item failures never
// abort siblings — the batch always completes.
func Process(ctx context.Context, items []interface{}, op Operation, opts Options) BatchResult {
	start := time.Now()
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxBatchTimeout <= 0 {
		opts.MaxBatchTimeout = DefaultMaxBatchTimeout
	}

	batchCtx := ctx
	var cancel context.CancelFunc
	if opts.PerItemTimeout > 0 {
		timeout := wholeBatchTimeout(len(items), opts.Concurrency, opts.PerItemTimeout, opts.Slack, opts.MaxBatchTimeout)
		batchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	results := make([]Result, len(items))
	done := make(chan struct{}, len(items))

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(batchCtx, 1); err != nil {
			// Batch-wide cancellation/timeout: everything still pending is Cancelled.
			results[i] = Result{Index: i, Outcome: OutcomeCancelled, Err: err}
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()

			itemCtx := batchCtx
			var itemCancel context.CancelFunc
			if opts.PerItemTimeout > 0 {
				itemCtx, itemCancel = context.WithTimeout(batchCtx, opts.PerItemTimeout)
				defer itemCancel()
			}

			value, err := op(itemCtx, item)
			switch {
			case err == nil:
				results[i] = Result{Index: i, Outcome: OutcomeSuccess, Value: value}
			case itemCtx.Err() != nil:
				results[i] = Result{Index: i, Outcome: OutcomeCancelled, Err: err}
			default:
				results[i] = Result{Index: i, Outcome: OutcomeFailure, Err: err}
			}
		}()
	}

	for range items {
		<-done
	}

	out := BatchResult{Results: results, ProcessingTime: time.Since(start)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			out.Successes++
		default:
			out.Failures = append(out.Failures, r)
		}
	}
	return out
}

// ScopeOperation is one subtask within a structured scope.
type ScopeOperation func(ctx context.Context) (interface{}, error)

// RunScope implements the "structured-scope" all-or-nothing variant: if any subtask fails, the scope cancels the rest and surfaces
// the first failure. Used for multi-stage fetches (account + balance +
// limits) that must compose atomically over the same Consent.
func RunScope(ctx context.Context, ops []ScopeOperation) ([]interface{}, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]interface{}, len(ops))
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			v, err := op(gctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
