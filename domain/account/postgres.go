package account

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// accountRow is the accounts table shape. The balance snapshot and
// overdraft limit block are denormalized columns: the account row is the
// materialized view HTTP readers consume.
type accountRow struct {
	ID             string          `db:"id"`
	AccountID      string          `db:"account_id"`
	ConsentID      string          `db:"consent_id"`
	OrganizationID string          `db:"organization_id"`
	Type           string          `db:"type"`
	Subtype        string          `db:"subtype"`
	CompeCode      string          `db:"compe_code"`
	Branch         string          `db:"branch"`
	Number         string          `db:"number"`
	CheckDigit     string          `db:"check_digit"`
	Available      float64         `db:"available_amount"`
	Blocked        float64         `db:"blocked_amount"`
	AutoInvested   float64         `db:"auto_invested_amount"`
	Currency       string          `db:"currency"`
	BalanceAt      sql.NullTime    `db:"balance_updated_at"`
	ODContracted   sql.NullFloat64 `db:"od_contracted_limit"`
	ODUsed         sql.NullFloat64 `db:"od_used_limit"`
	ODUnarranged   sql.NullFloat64 `db:"od_unarranged_limit"`
	ODCurrency     sql.NullString  `db:"od_currency"`
	Status         string          `db:"status"`
	LastSyncedAt   sql.NullTime    `db:"last_synced_at"`
	LastValidated  sql.NullTime    `db:"last_validated_at"`
	LastMonitored  sql.NullTime    `db:"last_monitored_at"`
	PartitionKey   string          `db:"partition_key"`
}

func (r accountRow) toAccount() *Account {
	a := &Account{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ConsentID:      r.ConsentID,
		OrganizationID: r.OrganizationID,
		Type:           r.Type,
		Subtype:        r.Subtype,
		Identification: Identification{
			CompeCode:  r.CompeCode,
			Branch:     r.Branch,
			Number:     r.Number,
			CheckDigit: r.CheckDigit,
		},
		Balance: Balance{
			AvailableAmount:    r.Available,
			BlockedAmount:      r.Blocked,
			AutoInvestedAmount: r.AutoInvested,
			Currency:           r.Currency,
		},
		Status:       Status(r.Status),
		PartitionKey: r.PartitionKey,
	}
	if r.BalanceAt.Valid {
		a.Balance.UpdatedAt = r.BalanceAt.Time
	}
	if r.ODContracted.Valid || r.ODUsed.Valid || r.ODUnarranged.Valid {
		a.OverdraftLimit = &OverdraftLimit{
			OverdraftContractedLimit: r.ODContracted.Float64,
			OverdraftUsedLimit:       r.ODUsed.Float64,
			UnarrangedOverdraftLimit: r.ODUnarranged.Float64,
			Currency:                 r.ODCurrency.String,
		}
	}
	if r.LastSyncedAt.Valid {
		a.LastSyncedAt = r.LastSyncedAt.Time
	}
	if r.LastValidated.Valid {
		a.LastValidatedAt = r.LastValidated.Time
	}
	if r.LastMonitored.Valid {
		a.LastMonitoredAt = r.LastMonitored.Time
	}
	return a
}

// PostgresRepository implements Repository on an accounts table.
type PostgresRepository struct {
	db       *sqlx.DB
	StaleDur time.Duration
	now      func() time.Time
}

// NewPostgresRepository wraps db; the schema is managed by the migrations
// under migrations/.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db, StaleDur: StaleAfter, now: time.Now}
}

const accountColumns = `id, account_id, consent_id, organization_id, type, subtype,
	compe_code, branch, number, check_digit,
	available_amount, blocked_amount, auto_invested_amount, currency, balance_updated_at,
	od_contracted_limit, od_used_limit, od_unarranged_limit, od_currency,
	status, last_synced_at, last_validated_at, last_monitored_at, partition_key`

// FindAccountsForUpdate pages stale ACTIVE accounts, oldest sync first with
// never-synced accounts leading.
func (r *PostgresRepository) FindAccountsForUpdate(ctx context.Context, limit int) ([]*Account, error) {
	rows := []accountRow{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE status = 'ACTIVE'
		  AND (last_synced_at IS NULL OR last_synced_at < $2)
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $1
	`, limit, r.now().UTC().Add(-r.StaleDur))
	if err != nil {
		return nil, svcerrors.Unavailable("account-scan", err)
	}
	out := make([]*Account, len(rows))
	for i, row := range rows {
		out[i] = row.toAccount()
	}
	return out, nil
}

// Save upserts by account_id after normalization.
func (r *PostgresRepository) Save(ctx context.Context, a *Account) error {
	Normalize(a)

	var odContracted, odUsed, odUnarranged sql.NullFloat64
	var odCurrency sql.NullString
	if a.OverdraftLimit != nil {
		odContracted = sql.NullFloat64{Float64: a.OverdraftLimit.OverdraftContractedLimit, Valid: true}
		odUsed = sql.NullFloat64{Float64: a.OverdraftLimit.OverdraftUsedLimit, Valid: true}
		odUnarranged = sql.NullFloat64{Float64: a.OverdraftLimit.UnarrangedOverdraftLimit, Valid: true}
		odCurrency = sql.NullString{String: a.OverdraftLimit.Currency, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (account_id) DO UPDATE SET
			consent_id = EXCLUDED.consent_id,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			compe_code = EXCLUDED.compe_code,
			branch = EXCLUDED.branch,
			number = EXCLUDED.number,
			check_digit = EXCLUDED.check_digit,
			available_amount = EXCLUDED.available_amount,
			blocked_amount = EXCLUDED.blocked_amount,
			auto_invested_amount = EXCLUDED.auto_invested_amount,
			currency = EXCLUDED.currency,
			balance_updated_at = EXCLUDED.balance_updated_at,
			od_contracted_limit = EXCLUDED.od_contracted_limit,
			od_used_limit = EXCLUDED.od_used_limit,
			od_unarranged_limit = EXCLUDED.od_unarranged_limit,
			od_currency = EXCLUDED.od_currency,
			status = EXCLUDED.status,
			last_synced_at = EXCLUDED.last_synced_at,
			last_validated_at = EXCLUDED.last_validated_at,
			last_monitored_at = EXCLUDED.last_monitored_at,
			partition_key = EXCLUDED.partition_key
	`, a.ID, a.AccountID, a.ConsentID, a.OrganizationID, a.Type, a.Subtype,
		a.Identification.CompeCode, a.Identification.Branch, a.Identification.Number, a.Identification.CheckDigit,
		a.Balance.AvailableAmount, a.Balance.BlockedAmount, a.Balance.AutoInvestedAmount, a.Balance.Currency,
		nullTime(a.Balance.UpdatedAt),
		odContracted, odUsed, odUnarranged, odCurrency,
		a.Status, nullTime(a.LastSyncedAt), nullTime(a.LastValidatedAt), nullTime(a.LastMonitoredAt),
		a.PartitionKey)
	if err != nil {
		return svcerrors.Unavailable("account-save", err)
	}
	return nil
}

// Get loads one account by its external id.
func (r *PostgresRepository) Get(ctx context.Context, accountID string) (*Account, bool, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+` FROM accounts WHERE account_id = $1
	`, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, svcerrors.Unavailable("account-get", err)
	}
	return row.toAccount(), true, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
