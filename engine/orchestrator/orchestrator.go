// Package orchestrator drives the periodic synchronization pipeline: it
// scans stale accounts, buffers them into adaptively sized batches, fans
// each batch out through the parallel batch processor and the transmitter
// gateway, persists the merged results, and publishes normalized update
// events.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ofreceptor/sync-engine/domain/account"
	"github.com/ofreceptor/sync-engine/domain/event"
	"github.com/ofreceptor/sync-engine/engine/batch"
	"github.com/ofreceptor/sync-engine/engine/gateway"
	"github.com/ofreceptor/sync-engine/engine/perfmon"
	"github.com/ofreceptor/sync-engine/engine/resourcemgr"
	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
	"github.com/ofreceptor/sync-engine/infrastructure/logging"
	"github.com/ofreceptor/sync-engine/infrastructure/state"
)

// AccountRepository is the persistence surface the orchestrator needs. The
// concrete store is an external collaborator; FindAccountsForUpdate must
// select status = ACTIVE accounts whose lastSyncedAt is null or older than
// the staleness window, ordered by lastSyncedAt ascending.
type AccountRepository interface {
	FindAccountsForUpdate(ctx context.Context, limit int) ([]*account.Account, error)
	Save(ctx context.Context, a *account.Account) error
}

// UpdatePublisher publishes the per-account update event after a persist.
type UpdatePublisher interface {
	PublishAccountUpdate(ctx context.Context, evt event.Event) error
}

// Invalidator evicts derived caches after a persisted account mutation.
type Invalidator interface {
	InvalidateAccount(accountID, clientID string) error
}

// Caller is the transmitter gateway surface used per item.
type Caller interface {
	Call(ctx context.Context, opts gateway.CallOptions) ([]byte, error)
}

// Config parameterizes one named orchestrator instance. Two independent
// pipelines against different stores are simply two instances with
// disjoint Name and repositories.
type Config struct {
	// Name keys the in-progress run lock.
	Name string
	// ScanLimit caps one run's candidate selection.
	ScanLimit int
	// PageSize bounds one repository page.
	PageSize int
	// PerItemTimeout bounds one account's full fetch-merge-persist cycle.
	PerItemTimeout time.Duration
	// SelectionPredicate is the compiled candidate filter expression;
	// empty selects DefaultSelectionPredicate.
	SelectionPredicate string
	// StaleLockAfter is the age past which a leftover run lock is swept.
	StaleLockAfter time.Duration
	// Source stamps the emitted events' metadata.
	Source string
}

// DefaultConfig returns the production defaults for a single-instance
// deployment.
func DefaultConfig() Config {
	return Config{
		Name:           "account-sync",
		ScanLimit:      1_000_000,
		PageSize:       5_000,
		PerItemTimeout: 30 * time.Second,
		StaleLockAfter: time.Hour,
		Source:         "sync-engine",
	}
}

// BatchSummary is one batch's bookkeeping line inside a run result.
type BatchSummary struct {
	BatchNumber  int
	Size         int
	SuccessCount int
	ErrorCount   int
	Wallclock    time.Duration
}

// SyncResult accumulates over one run.
type SyncResult struct {
	ExecutionID string
	Scanned     int
	Selected    int
	Processed   int
	Errors      int
	Batches     []BatchSummary
	Duration    time.Duration
}

// Orchestrator wires the scan-batch-fetch-persist-publish loop.
type Orchestrator struct {
	txRepo    account.TransactionRepository
	txWindow  time.Duration
	cfg       Config
	repo      AccountRepository
	caller    Caller
	manager   *resourcemgr.Manager
	monitor   *perfmon.Monitor
	publisher UpdatePublisher
	cache     Invalidator
	predicate *SelectionPredicate
	lock      *lockManager
	logger    *logging.Logger
	now       func() time.Time
}

// New constructs an Orchestrator. lockStore holds the per-name run lock;
// cache may be nil when no derived caches exist.
func New(cfg Config, repo AccountRepository, caller Caller, manager *resourcemgr.Manager,
	monitor *perfmon.Monitor, publisher UpdatePublisher, cache Invalidator,
	lockStore *state.PersistentState, logger *logging.Logger) (*Orchestrator, error) {

	if cfg.Name == "" {
		cfg.Name = "account-sync"
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 1_000_000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5_000
	}
	if cfg.PerItemTimeout <= 0 {
		cfg.PerItemTimeout = 30 * time.Second
	}
	pred, err := NewSelectionPredicate(cfg.SelectionPredicate)
	if err != nil {
		return nil, svcerrors.ValidationFailed("selectionPredicate", err.Error())
	}
	return &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		caller:    caller,
		manager:   manager,
		monitor:   monitor,
		publisher: publisher,
		cache:     cache,
		predicate: pred,
		lock:      newLockManager(lockStore, cfg.Name, cfg.StaleLockAfter),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithTransactionStore enables the best-effort transactions leg: after a
// successful details+balance merge, the most recent booking window is paged
// and ingested with dedup on externalTransactionId. window 0 defaults to
// the staleness window.
func (o *Orchestrator) WithTransactionStore(repo account.TransactionRepository, window time.Duration) *Orchestrator {
	o.txRepo = repo
	if window <= 0 {
		window = account.StaleAfter
	}
	o.txWindow = window
	return o
}

// Run executes one full synchronization pass. It returns the accumulated
// result even on a fatal error so callers can inspect partial progress.
// A second concurrent Run against the same name returns ConcurrencyConflict
// without doing any work.
func (o *Orchestrator) Run(ctx context.Context) (*SyncResult, error) {
	executionID := uuid.NewString()
	result := &SyncResult{ExecutionID: executionID}
	start := o.now()

	acquired, err := o.lock.Acquire(ctx, executionID)
	if err != nil {
		return result, err
	}
	if !acquired {
		return result, svcerrors.ConcurrencyConflict(o.cfg.Name)
	}
	defer o.lock.Release(context.WithoutCancel(ctx), executionID)

	log := o.logger.WithFields(map[string]interface{}{
		"orchestrator": o.cfg.Name,
		"executionId":  executionID,
	})
	log.Info("sync run started")

	runErr := o.runLocked(ctx, executionID, result)

	result.Duration = o.now().Sub(start)
	completed := event.New(event.TypeBatchSyncCompleted, executionID, executionID, o.cfg.Source, event.BatchSyncCompletedBody{
		ExecutionID: executionID,
		Processed:   result.Processed,
		Errors:      result.Errors,
		DurationMs:  result.Duration.Milliseconds(),
	})
	if pubErr := o.publisher.PublishAccountUpdate(context.WithoutCancel(ctx), completed); pubErr != nil {
		log.WithError(pubErr).Warn("batch-sync-completed event not published")
	}

	if runErr != nil {
		failure := event.New(event.TypeSyncError, executionID, executionID, o.cfg.Source, event.SyncErrorBody{
			ExecutionID: executionID,
			Reason:      runErr.Error(),
			Fatal:       true,
		})
		if pubErr := o.publisher.PublishAccountUpdate(context.WithoutCancel(ctx), failure); pubErr != nil {
			log.WithError(pubErr).Warn("sync-error event not published")
		}
		log.WithError(runErr).Error("sync run terminated")
		return result, runErr
	}

	log.WithFields(map[string]interface{}{
		"processed": result.Processed,
		"errors":    result.Errors,
		"batches":   len(result.Batches),
		"duration":  result.Duration.String(),
	}).Info("sync run completed")
	return result, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, executionID string, result *SyncResult) error {
	buffered := make([]*account.Account, 0, o.batchSize())

	flush := func() error {
		if len(buffered) == 0 {
			return nil
		}
		summary, err := o.processBatch(ctx, executionID, len(result.Batches)+1, buffered)
		result.Batches = append(result.Batches, summary)
		result.Processed += summary.SuccessCount
		result.Errors += summary.ErrorCount
		buffered = buffered[:0]
		return err
	}

	for result.Scanned < o.cfg.ScanLimit {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := o.cfg.PageSize
		if remaining := o.cfg.ScanLimit - result.Scanned; remaining < page {
			page = remaining
		}
		candidates, err := o.repo.FindAccountsForUpdate(ctx, page)
		if err != nil {
			// Persistence down is orchestrator-fatal; batch-level errors are not.
			return svcerrors.Unavailable("account-scan", err)
		}
		if len(candidates) == 0 {
			break
		}
		result.Scanned += len(candidates)

		now := o.now()
		for _, a := range candidates {
			if !o.predicate.Match(ctx, a, now) {
				continue
			}
			result.Selected++
			buffered = append(buffered, a)
			if len(buffered) >= o.batchSize() {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if len(candidates) < page {
			break
		}
	}
	return flush()
}

func (o *Orchestrator) batchSize() int {
	if o.manager == nil {
		return resourcemgr.DefaultMinBatch
	}
	return int(o.manager.BatchSize())
}

// processBatch fans one batch out with bounded concurrency. A batch permit
// is the backpressure point: when the resource manager denies one, the
// orchestrator waits rather than queueing unboundedly.
func (o *Orchestrator) processBatch(ctx context.Context, executionID string, number int, accounts []*account.Account) (BatchSummary, error) {
	summary := BatchSummary{BatchNumber: number, Size: len(accounts)}

	permit, err := o.acquireBatchPermit(ctx)
	if err != nil {
		summary.ErrorCount = len(accounts)
		return summary, err
	}
	defer permit.Release()

	items := make([]interface{}, len(accounts))
	for i, a := range accounts {
		items[i] = a
	}

	concurrency := 1
	if o.manager != nil {
		concurrency = int(o.manager.Current(resourcemgr.ClassSync))
	}

	res := batch.Process(ctx, items, func(itemCtx context.Context, item interface{}) (interface{}, error) {
		return nil, o.syncOne(itemCtx, executionID, item.(*account.Account))
	}, batch.Options{
		Concurrency:    concurrency,
		PerItemTimeout: o.cfg.PerItemTimeout,
	})

	summary.SuccessCount = res.Successes
	summary.ErrorCount = len(res.Failures)
	summary.Wallclock = res.ProcessingTime

	o.logger.WithFields(map[string]interface{}{
		"executionId": executionID,
		"batchNumber": number,
		"size":        summary.Size,
		"succeeded":   summary.SuccessCount,
		"failed":      summary.ErrorCount,
		"wallclock":   summary.Wallclock.String(),
	}).Info("batch processed")
	return summary, nil
}

func (o *Orchestrator) acquireBatchPermit(ctx context.Context) (*resourcemgr.Permit, error) {
	if o.manager == nil {
		return nil, nil
	}
	for {
		if permit, ok := o.manager.TryAcquire(resourcemgr.ClassBatch); ok {
			return permit, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// syncOne runs the per-item operation: fetch details and balance as an
// all-or-nothing pair, fetch overdraft limits best-effort, merge, persist,
// publish. The limits leg failing yields an account without a limit block,
// never an item failure.
func (o *Orchestrator) syncOne(ctx context.Context, executionID string, a *account.Account) error {
	started := o.now()
	finish := o.begin("sync")
	done := func(success, retryable bool) {
		finish(success, retryable, o.now().Sub(started))
	}

	results, err := batch.RunScope(ctx, []batch.ScopeOperation{
		func(sctx context.Context) (interface{}, error) {
			return o.caller.Call(sctx, gateway.CallOptions{
				OrganizationID:        a.OrganizationID,
				Family:                gateway.FamilyAccounts,
				Path:                  "/accounts/v2/accounts/" + a.AccountID,
				ConsentID:             a.ConsentID,
				Idempotent:            true,
				FallbackOnOpenCircuit: false,
			})
		},
		func(sctx context.Context) (interface{}, error) {
			return o.caller.Call(sctx, gateway.CallOptions{
				OrganizationID:        a.OrganizationID,
				Family:                gateway.FamilyBalances,
				Path:                  "/accounts/v2/accounts/" + a.AccountID + "/balances",
				ConsentID:             a.ConsentID,
				Idempotent:            true,
				FallbackOnOpenCircuit: false,
			})
		},
	})
	if err != nil {
		done(false, isRetryableFailure(err))
		return err
	}

	detailsRaw, _ := results[0].([]byte)
	balanceRaw, _ := results[1].([]byte)

	limitsRaw, limitsErr := o.caller.Call(ctx, gateway.CallOptions{
		OrganizationID:        a.OrganizationID,
		Family:                gateway.FamilyLimits,
		Path:                  "/accounts/v2/accounts/" + a.AccountID + "/overdraft-limits",
		ConsentID:             a.ConsentID,
		Idempotent:            true,
		FallbackOnOpenCircuit: true,
	})
	if limitsErr != nil {
		limitsRaw = nil
	}

	now := o.now().UTC()
	gateway.NormalizeAccount(detailsRaw, a)
	if err := gateway.NormalizeBalance(balanceRaw, a, now); err != nil {
		done(false, false)
		return fmt.Errorf("balance for account %s: %w", a.AccountID, err)
	}
	if limit := gateway.NormalizeOverdraftLimit(limitsRaw); limit != nil {
		a.OverdraftLimit = limit
	}
	o.ingestTransactions(ctx, a, now)
	a.LastSyncedAt = now

	if err := o.repo.Save(ctx, a); err != nil {
		done(false, true)
		return fmt.Errorf("persist account %s: %w", a.AccountID, err)
	}

	evt := event.New(event.TypeAccountUpdated, a.AccountID, executionID, o.cfg.Source, event.AccountUpdateBody{
		AccountID:       a.AccountID,
		ConsentID:       a.ConsentID,
		OrganizationID:  a.OrganizationID,
		Status:          string(a.Status),
		AvailableAmount: a.Balance.AvailableAmount,
		BlockedAmount:   a.Balance.BlockedAmount,
		Currency:        a.Balance.Currency,
		LastSyncedAt:    a.LastSyncedAt,
	})
	if err := o.publisher.PublishAccountUpdate(ctx, evt); err != nil {
		done(false, true)
		return err
	}
	if o.cache != nil {
		o.cache.InvalidateAccount(a.AccountID, a.PartitionKey)
	}

	done(true, false)
	return nil
}

// ingestTransactions pages the recent booking window and stores the results
// with dedup on externalTransactionId. The leg is best-effort end to end: a
// failed page never fails the item.
func (o *Orchestrator) ingestTransactions(ctx context.Context, a *account.Account, now time.Time) {
	if o.txRepo == nil {
		return
	}
	from := a.LastSyncedAt
	if from.IsZero() || now.Sub(from) > o.txWindow {
		from = now.Add(-o.txWindow)
	}
	const pageSize = 200
	for page := 1; ; page++ {
		raw, err := o.caller.Call(ctx, gateway.CallOptions{
			OrganizationID: a.OrganizationID,
			Family:         gateway.FamilyTransactions,
			Path:           "/accounts/v2/accounts/" + a.AccountID + "/transactions",
			ConsentID:      a.ConsentID,
			Query: map[string]string{
				"fromBookingDate": from.Format("2006-01-02"),
				"toBookingDate":   now.Format("2006-01-02"),
				"page":            strconv.Itoa(page),
				"page-size":       strconv.Itoa(pageSize),
			},
			Idempotent:            true,
			FallbackOnOpenCircuit: true,
		})
		if err != nil || len(raw) == 0 {
			return
		}
		txs := gateway.NormalizeTransactions(raw, a.AccountID)
		if len(txs) == 0 {
			return
		}
		if _, err := o.txRepo.InsertBatch(ctx, txs); err != nil {
			o.logger.WithError(err).WithFields(map[string]interface{}{
				"accountId": a.AccountID,
			}).Warn("transaction ingest failed")
			return
		}
		if len(txs) < pageSize {
			return
		}
	}
}

// begin starts a monitor sample; a nil monitor degrades to a no-op so tests
// can construct a bare orchestrator.
func (o *Orchestrator) begin(operation string) func(success bool, retryable bool, latency time.Duration) {
	if o.monitor == nil {
		return func(bool, bool, time.Duration) {}
	}
	return o.monitor.Begin(operation)
}

func isRetryableFailure(err error) bool {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		return true
	}
	switch se.Code {
	case svcerrors.ErrCodeUnavailable, svcerrors.ErrCodeTimeout,
		svcerrors.ErrCodeTransientServerError, svcerrors.ErrCodeRateLimited:
		return true
	default:
		return false
	}
}
