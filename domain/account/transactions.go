package account

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jmoiron/sqlx"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// TransactionRepository ingests immutable transactions. InsertBatch must
// deduplicate on ExternalTransactionID: replaying a page of transmitter
// results never produces duplicates.
type TransactionRepository interface {
	InsertBatch(ctx context.Context, txs []Transaction) (inserted int, err error)
	FindByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

// InMemoryTransactionStore is the single-process TransactionRepository.
type InMemoryTransactionStore struct {
	mu   sync.Mutex
	byID map[string]Transaction
}

// NewInMemoryTransactionStore constructs an empty store.
func NewInMemoryTransactionStore() *InMemoryTransactionStore {
	return &InMemoryTransactionStore{byID: make(map[string]Transaction)}
}

// InsertBatch stores each transaction once, keyed by ExternalTransactionID.
func (s *InMemoryTransactionStore) InsertBatch(_ context.Context, txs []Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, tx := range txs {
		if tx.ExternalTransactionID == "" {
			continue
		}
		if _, ok := s.byID[tx.ExternalTransactionID]; ok {
			continue
		}
		s.byID[tx.ExternalTransactionID] = tx
		inserted++
	}
	return inserted, nil
}

// FindByAccount returns up to limit stored transactions for accountID.
func (s *InMemoryTransactionStore) FindByAccount(_ context.Context, accountID string, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0)
	for _, tx := range s.byID {
		if tx.AccountID == accountID {
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// PostgresTransactionStore implements TransactionRepository on a
// transactions table; dedup rides the primary key via ON CONFLICT DO
// NOTHING.
type PostgresTransactionStore struct {
	db *sqlx.DB
}

// NewPostgresTransactionStore wraps db; schema managed by migrations/.
func NewPostgresTransactionStore(db *sqlx.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

// InsertBatch inserts in one transaction; rows already present count as
// deduplicated, not errors.
func (s *PostgresTransactionStore) InsertBatch(ctx context.Context, txs []Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, svcerrors.Unavailable("transaction-insert", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	inserted := 0
	for _, tx := range txs {
		if tx.ExternalTransactionID == "" {
			continue
		}
		res, err := dbTx.ExecContext(ctx, `
			INSERT INTO transactions
				(external_transaction_id, account_id, type, credit_debit, amount, currency, occurred_at, counterparty_name, counterparty_document)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (external_transaction_id) DO NOTHING
		`, tx.ExternalTransactionID, tx.AccountID, tx.Type, tx.CreditDebitIndicator,
			tx.Amount, tx.Currency, tx.Timestamp, tx.CounterpartyName, tx.CounterpartyDocument)
		if err != nil {
			return inserted, svcerrors.Unavailable("transaction-insert", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, dbTx.Commit()
}

// FindByAccount returns the most recent stored transactions for accountID.
func (s *PostgresTransactionStore) FindByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	type row struct {
		ExternalTransactionID string         `db:"external_transaction_id"`
		AccountID             string         `db:"account_id"`
		Type                  string         `db:"type"`
		CreditDebit           string         `db:"credit_debit"`
		Amount                float64        `db:"amount"`
		Currency              string         `db:"currency"`
		OccurredAt            sql.NullTime   `db:"occurred_at"`
		CounterpartyName      sql.NullString `db:"counterparty_name"`
		CounterpartyDocument  sql.NullString `db:"counterparty_document"`
	}
	rows := []row{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT external_transaction_id, account_id, type, credit_debit, amount, currency, occurred_at, counterparty_name, counterparty_document
		FROM transactions
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, svcerrors.Unavailable("transaction-find", err)
	}
	out := make([]Transaction, len(rows))
	for i, r := range rows {
		out[i] = Transaction{
			ExternalTransactionID: r.ExternalTransactionID,
			AccountID:             r.AccountID,
			Type:                  r.Type,
			CreditDebitIndicator:  r.CreditDebit,
			Amount:                r.Amount,
			Currency:              r.Currency,
			CounterpartyName:      r.CounterpartyName.String,
			CounterpartyDocument:  r.CounterpartyDocument.String,
		}
		if r.OccurredAt.Valid {
			out[i].Timestamp = r.OccurredAt.Time
		}
	}
	return out, nil
}
