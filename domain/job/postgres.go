package job

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// jobRow is the processing_jobs table shape.
type jobRow struct {
	ID             string         `db:"id"`
	ConsentID      string         `db:"consent_id"`
	OrganizationID string         `db:"organization_id"`
	Kind           string         `db:"kind"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	NextRetryAt    sql.NullTime   `db:"next_retry_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ErrorCode      sql.NullString `db:"error_code"`
}

func (r jobRow) toJob() *ProcessingJob {
	j := &ProcessingJob{
		ID:             r.ID,
		ConsentID:      r.ConsentID,
		OrganizationID: r.OrganizationID,
		Kind:           r.Kind,
		Status:         Status(r.Status),
		RetryCount:     r.RetryCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.NextRetryAt.Valid {
		j.NextRetryAt = r.NextRetryAt.Time
	}
	if r.ErrorMessage.Valid || r.ErrorCode.Valid {
		j.ErrorDetails = &ErrorDetails{Message: r.ErrorMessage.String, Code: r.ErrorCode.String}
	}
	return j
}

// PostgresQueue implements Queue on a processing_jobs table. Reservation
// uses FOR UPDATE SKIP LOCKED so concurrent workers pop disjoint batches
// without blocking each other on in-flight row locks.
type PostgresQueue struct {
	db               *sqlx.DB
	DedupWindow      time.Duration
	ReservationLease time.Duration
	now              func() time.Time
}

// NewPostgresQueue wraps db; the schema is managed by the migrations under
// migrations/.
func NewPostgresQueue(db *sqlx.DB) *PostgresQueue {
	return &PostgresQueue{
		db:               db,
		DedupWindow:      time.Hour,
		ReservationLease: DefaultReservationLease,
		now:              time.Now,
	}
}

const selectColumns = `id, consent_id, organization_id, kind, status, retry_count, created_at, updated_at, next_retry_at, error_message, error_code`

// Enqueue inserts j unless a non-terminal job for the same
// (consentId, organizationId, kind) stream was enqueued within DedupWindow,
// in which case the existing job is returned untouched.
func (q *PostgresQueue) Enqueue(ctx context.Context, j *ProcessingJob) (*ProcessingJob, error) {
	now := q.now().UTC()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, svcerrors.Unavailable("job-enqueue", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing jobRow
	err = tx.GetContext(ctx, &existing, `
		SELECT `+selectColumns+`
		FROM processing_jobs
		WHERE consent_id = $1 AND organization_id = $2 AND kind = $3
		  AND status NOT IN ('COMPLETED', 'DEAD_LETTER')
		  AND created_at > $4
		ORDER BY created_at DESC
		LIMIT 1
	`, j.ConsentID, j.OrganizationID, j.Kind, now.Add(-q.DedupWindow))
	if err == nil {
		return existing.toJob(), tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, svcerrors.Unavailable("job-enqueue", err)
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = StatusPending
	j.RetryCount = 0
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_jobs
			(id, consent_id, organization_id, kind, status, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, j.ID, j.ConsentID, j.OrganizationID, j.Kind, j.Status, j.RetryCount, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, svcerrors.Unavailable("job-enqueue", err)
	}
	return j, tx.Commit()
}

// ReserveBatch pops up to n PENDING jobs ordered by created_at. The inner
// select locks candidate rows with SKIP LOCKED; rows already locked by a
// concurrent reservation are passed over, so two workers reserving at the
// same moment receive disjoint batches.
func (q *PostgresQueue) ReserveBatch(ctx context.Context, n int) ([]*ProcessingJob, error) {
	if n <= 0 {
		return nil, nil
	}
	rows := []jobRow{}
	err := q.db.SelectContext(ctx, &rows, `
		UPDATE processing_jobs
		SET status = 'PROCESSING', updated_at = $2
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE status = 'PENDING'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+selectColumns+`
	`, n, q.now().UTC())
	if err != nil {
		return nil, svcerrors.Unavailable("job-reserve", err)
	}
	jobs := make([]*ProcessingJob, len(rows))
	for i, r := range rows {
		jobs[i] = r.toJob()
	}
	return jobs, nil
}

// Complete marks id COMPLETED.
func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_jobs SET status = 'COMPLETED', updated_at = $2 WHERE id = $1
	`, id, q.now().UTC())
	if err != nil {
		return svcerrors.Unavailable("job-complete", err)
	}
	return q.requireRow(res, id)
}

// Fail increments retry_count, dead-lettering at MaxRetry, otherwise
// scheduling the next attempt with exponential backoff.
func (q *PostgresQueue) Fail(ctx context.Context, id string, errDetails *ErrorDetails) error {
	now := q.now().UTC()
	var message, code sql.NullString
	if errDetails != nil {
		message = sql.NullString{String: errDetails.Message, Valid: true}
		code = sql.NullString{String: errDetails.Code, Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET retry_count   = retry_count + 1,
		    status        = CASE WHEN retry_count + 1 >= $2 THEN 'DEAD_LETTER' ELSE 'FAILED' END,
		    next_retry_at = CASE WHEN retry_count + 1 >= $2 THEN NULL
		                         ELSE $3::timestamptz + ($4::bigint * (1 << (retry_count + 1)) * interval '1 microsecond') END,
		    updated_at    = $3,
		    error_message = $5,
		    error_code    = $6
		WHERE id = $1
	`, id, MaxRetry, now, backoffBase.Microseconds(), message, code)
	if err != nil {
		return svcerrors.Unavailable("job-fail", err)
	}
	return q.requireRow(res, id)
}

// ReapAbandoned sweeps in three statements mirroring the in-memory queue:
// stale PROCESSING back to PENDING, stale PENDING to DEAD_LETTER, and due
// FAILED retries back to PENDING.
func (q *PostgresQueue) ReapAbandoned(ctx context.Context) (int, int, error) {
	now := q.now().UTC()

	returned, err := q.execCount(ctx, `
		UPDATE processing_jobs
		SET status = 'PENDING', updated_at = $1
		WHERE status = 'PROCESSING' AND updated_at < $2
	`, now, now.Add(-q.ReservationLease))
	if err != nil {
		return 0, 0, svcerrors.Unavailable("job-reap", err)
	}

	deadLettered, err := q.execCount(ctx, `
		UPDATE processing_jobs
		SET status = 'DEAD_LETTER', updated_at = $1
		WHERE status = 'PENDING' AND created_at < $2
	`, now, now.Add(-AbandonedPendingAge))
	if err != nil {
		return returned, 0, svcerrors.Unavailable("job-reap", err)
	}

	_, err = q.execCount(ctx, `
		UPDATE processing_jobs
		SET status = 'PENDING', updated_at = $1
		WHERE status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	`, now)
	if err != nil {
		return returned, deadLettered, svcerrors.Unavailable("job-reap", err)
	}
	return returned, deadLettered, nil
}

func (q *PostgresQueue) execCount(ctx context.Context, query string, args ...interface{}) (int, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *PostgresQueue) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return svcerrors.Unavailable("job-update", err)
	}
	if n == 0 {
		return svcerrors.NotFound("job", id)
	}
	return nil
}
