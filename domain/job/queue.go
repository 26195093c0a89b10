package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// Queue is the durable FIFO contract of the processing pipeline.
// PostgresQueue reserves with `FOR UPDATE SKIP LOCKED`; InMemoryQueue is
// the single-process default.
type Queue interface {
	Enqueue(ctx context.Context, j *ProcessingJob) (*ProcessingJob, error)
	ReserveBatch(ctx context.Context, n int) ([]*ProcessingJob, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errDetails *ErrorDetails) error
	ReapAbandoned(ctx context.Context) (returnedToPending int, deadLettered int, err error)
}

// InMemoryQueue is a mutex-guarded, single-process implementation of Queue.
// Reservation is atomic under the mutex, which gives the same "ready jobs
// not blocked by an in-flight reservation" property that `SKIP LOCKED`
// gives a Postgres-backed adapter: a job moved to PROCESSING by one
// reservation is simply no longer PENDING, so a concurrent reservation
// never sees it.
type InMemoryQueue struct {
	mu    sync.Mutex
	byID  map[string]*ProcessingJob
	dedup map[string]time.Time // dedupKey -> last enqueue time, for the idempotency window
	// DedupWindow bounds how long an identical (consentId, organizationId,
	// kind) enqueue is treated as a duplicate.
	DedupWindow      time.Duration
	ReservationLease time.Duration
	now              func() time.Time
}

// NewInMemoryQueue constructs an empty queue with production defaults.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		byID:             make(map[string]*ProcessingJob),
		dedup:            make(map[string]time.Time),
		DedupWindow:      time.Hour,
		ReservationLease: DefaultReservationLease,
		now:              time.Now,
	}
}

// Enqueue is idempotent by (consentId, organizationId, kind) within
// DedupWindow: a duplicate enqueue returns the existing job untouched.
func (q *InMemoryQueue) Enqueue(_ context.Context, j *ProcessingJob) (*ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	key := j.DedupKey()
	if last, ok := q.dedup[key]; ok && now.Sub(last) < q.DedupWindow {
		for _, existing := range q.byID {
			if existing.DedupKey() == key && !existing.IsTerminal() {
				return existing, nil
			}
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = StatusPending
	j.CreatedAt = now
	j.UpdatedAt = now
	j.RetryCount = 0

	q.byID[j.ID] = j
	q.dedup[key] = now
	return j, nil
}

// ReserveBatch atomically selects up to n PENDING jobs ordered by createdAt
// ASC, transitions them to PROCESSING, and stamps updatedAt.
func (q *InMemoryQueue) ReserveBatch(_ context.Context, n int) ([]*ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*ProcessingJob, 0)
	for _, j := range q.byID {
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})
	if n > len(pending) {
		n = len(pending)
	}

	now := q.now()
	reserved := make([]*ProcessingJob, 0, n)
	for i := 0; i < n; i++ {
		j := pending[i]
		j.Status = StatusProcessing
		j.UpdatedAt = now
		reserved = append(reserved, j)
	}
	return reserved, nil
}

// Complete marks id COMPLETED.
func (q *InMemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return svcerrors.NotFound("job", id)
	}
	j.Status = StatusCompleted
	j.UpdatedAt = q.now()
	return nil
}

// Fail increments retryCount; at MaxRetry it dead-letters the job, otherwise
// it schedules an exponential-backoff retry.
func (q *InMemoryQueue) Fail(_ context.Context, id string, errDetails *ErrorDetails) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return svcerrors.NotFound("job", id)
	}
	j.RetryCount++
	j.ErrorDetails = errDetails
	j.UpdatedAt = q.now()

	if j.RetryCount >= MaxRetry {
		j.Status = StatusDeadLetter
		return nil
	}
	j.Status = StatusFailed
	j.NextRetryAt = j.UpdatedAt.Add(NextRetryDelay(j.RetryCount))
	return nil
}

// ReapAbandoned implements the periodic sweep: stale
// PROCESSING jobs return to PENDING; stale PENDING jobs are dead-lettered.
func (q *InMemoryQueue) ReapAbandoned(_ context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	returned, deadLettered := 0, 0
	for _, j := range q.byID {
		switch j.Status {
		case StatusProcessing:
			if now.Sub(j.UpdatedAt) > q.ReservationLease {
				j.Status = StatusPending
				j.UpdatedAt = now
				returned++
			}
		case StatusPending:
			if now.Sub(j.CreatedAt) > AbandonedPendingAge {
				j.Status = StatusDeadLetter
				j.UpdatedAt = now
				deadLettered++
			}
		case StatusFailed:
			if !j.NextRetryAt.IsZero() && !now.Before(j.NextRetryAt) {
				j.Status = StatusPending
				j.UpdatedAt = now
			}
		}
	}
	return returned, deadLettered, nil
}

// Get returns the job by id, for test and diagnostic use.
func (q *InMemoryQueue) Get(id string) (*ProcessingJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	return j, ok
}
