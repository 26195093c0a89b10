// Package job models the durable FIFO ProcessingJob queue: at-least-once reservation, retries, and dead-lettering.
package job

import "time"

// Status is the lifecycle state of a ProcessingJob.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusRetrying   Status = "RETRYING"
)

// MaxRetry bounds retryCount before a job is dead-lettered.
const MaxRetry = 3

// AbandonedPendingAge is the age past which a PENDING job is considered
// abandoned.
const AbandonedPendingAge = 24 * time.Hour

// DefaultReservationLease bounds how long a PROCESSING job may sit before
// reapAbandoned returns it to PENDING.
const DefaultReservationLease = 10 * time.Minute

// ErrorDetails captures the cause of the most recent failed attempt.
type ErrorDetails struct {
	Message string
	Code    string
}

// ProcessingJob is one unit of sync work: fetch-and-persist for a given
// (consentID, organizationID, kind) stream.
type ProcessingJob struct {
	ID             string
	ConsentID      string
	OrganizationID string
	Kind           string
	Status         Status
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	NextRetryAt    time.Time
	ErrorDetails   *ErrorDetails
}

// IsTerminal reports whether the job accepts no further transitions
// .
func (j *ProcessingJob) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// DedupKey identifies the (consentId, organizationId, kind) stream used by
// enqueue's idempotency window.
func (j *ProcessingJob) DedupKey() string {
	return j.ConsentID + "|" + j.OrganizationID + "|" + j.Kind
}

// backoffBase is the base multiplier for the exponential nextRetryAt in
// schedule: nextRetryAt = now + 2^retryCount * base.
var backoffBase = 30 * time.Second

// NextRetryDelay returns 2^retryCount * base, the schedule applied to a
// FAILED (non-terminal) retry.
func NextRetryDelay(retryCount int) time.Duration {
	d := backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
	}
	return d
}
