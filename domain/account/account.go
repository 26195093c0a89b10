// Package account models the Account/Resource aggregate, its balance
// snapshot, and the deterministic partition key used to spread accounts
// evenly across storage shards.
package account

import (
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
)

// Status is the lifecycle state of an Account/Resource.
type Status string

const (
	StatusDiscovered Status = "DISCOVERED"
	StatusActive     Status = "ACTIVE"
	StatusSuspended  Status = "SUSPENDED"
)

// Identification mirrors the compe/branch/number/check-digit block carried
// by Open Finance Brasil account identifiers.
type Identification struct {
	CompeCode  string
	Branch     string
	Number     string
	CheckDigit string
}

// Balance is a point-in-time snapshot; a new one is appended per sync while
// the Account carries the most recent as a materialized view.
type Balance struct {
	AvailableAmount    float64
	BlockedAmount      float64
	AutoInvestedAmount float64
	Currency           string
	UpdatedAt          time.Time
}

// OverdraftLimit is the best-effort "limits" leg of a sync.
type OverdraftLimit struct {
	OverdraftContractedLimit float64
	OverdraftUsedLimit       float64
	UnarrangedOverdraftLimit float64
	Currency                 string
}

// Account is a data object owned by a customer at a transmitter. ConsentID
// is a weak reference — a relation and lookup key, never an ownership
// pointer. Cyclic aggregate graphs are modeled as ids, never pointers.
type Account struct {
	ID              string
	AccountID       string
	ConsentID       string
	OrganizationID  string
	Type            string
	Subtype         string
	Identification  Identification
	Balance         Balance
	OverdraftLimit  *OverdraftLimit
	Status          Status
	LastSyncedAt    time.Time
	LastValidatedAt time.Time
	LastMonitoredAt time.Time
	PartitionKey    string
}

// Transaction is immutable once persisted; ExternalTransactionID
// enforces dedup on ingest.
type Transaction struct {
	ExternalTransactionID string
	AccountID             string
	Type                  string
	CreditDebitIndicator  string // "CREDITO" | "DEBITO"
	Amount                float64
	Currency              string
	Timestamp             time.Time
	CounterpartyName      string
	CounterpartyDocument  string
}

// IsCredit reports whether the transaction is a credit entry.
func (t Transaction) IsCredit() bool {
	return strings.EqualFold(t.CreditDebitIndicator, "CREDITO")
}

// Normalize enforces the persistence round-trip invariant: currency codes
// uppercased, amounts scaled to 2 decimal places.
func Normalize(a *Account) {
	a.Balance.Currency = strings.ToUpper(a.Balance.Currency)
	a.Balance.AvailableAmount = round2(a.Balance.AvailableAmount)
	a.Balance.BlockedAmount = round2(a.Balance.BlockedAmount)
	a.Balance.AutoInvestedAmount = round2(a.Balance.AutoInvestedAmount)
	if a.OverdraftLimit != nil {
		a.OverdraftLimit.Currency = strings.ToUpper(a.OverdraftLimit.Currency)
		a.OverdraftLimit.OverdraftContractedLimit = round2(a.OverdraftLimit.OverdraftContractedLimit)
		a.OverdraftLimit.OverdraftUsedLimit = round2(a.OverdraftLimit.OverdraftUsedLimit)
		a.OverdraftLimit.UnarrangedOverdraftLimit = round2(a.OverdraftLimit.UnarrangedOverdraftLimit)
	}
}

// Validate enforces the monetary invariants: amounts are non-negative and
// the currency is a plausible ISO-4217 alphabetic code.
func Validate(a *Account) error {
	if a.Balance.AvailableAmount < 0 || a.Balance.BlockedAmount < 0 || a.Balance.AutoInvestedAmount < 0 {
		return svcerrors.ValidationFailed("balance", "negative amount")
	}
	if a.OverdraftLimit != nil {
		l := a.OverdraftLimit
		if l.OverdraftContractedLimit < 0 || l.OverdraftUsedLimit < 0 || l.UnarrangedOverdraftLimit < 0 {
			return svcerrors.ValidationFailed("overdraftLimit", "negative amount")
		}
	}
	if a.Balance.Currency != "" && len(a.Balance.Currency) != 3 {
		return svcerrors.ValidationFailed("balance.currency", "not an ISO-4217 code")
	}
	for _, r := range a.Balance.Currency {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return svcerrors.ValidationFailed("balance.currency", "not an ISO-4217 code")
		}
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// DerivePartitionKey computes a deterministic, evenly-distributed shard key
// from clientID using blake2b. shardCount bounds the
// returned key to [0, shardCount).
func DerivePartitionKey(clientID string, shardCount uint32) string {
	if shardCount == 0 {
		shardCount = 1
	}
	sum := blake2b.Sum256([]byte(clientID))
	n := binary.BigEndian.Uint32(sum[:4]) % shardCount
	return formatShard(n)
}

func formatShard(n uint32) string {
	const hexDigits = "0123456789abcdef"
	if n == 0 {
		return "shard-0"
	}
	var b strings.Builder
	b.WriteString("shard-")
	var digits []byte
	for n > 0 {
		digits = append(digits, hexDigits[n%16])
		n /= 16
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}
