package gateway

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/ofreceptor/sync-engine/domain/account"
)

// NormalizeAccount pulls the account identification block out of a raw
// transmitter `/accounts/v2/accounts/{id}` payload. gjson lets the
// normalizer read named fields without binding to the transmitter's full
// DTO shape, which varies slightly institution to institution.
func NormalizeAccount(raw []byte, a *account.Account) {
	data := gjson.ParseBytes(raw).Get("data")
	if !data.Exists() {
		data = gjson.ParseBytes(raw)
	}
	a.Type = data.Get("type").String()
	a.Subtype = data.Get("subtype").String()
	a.Identification = account.Identification{
		CompeCode:  data.Get("compeCode").String(),
		Branch:     data.Get("branchCode").String(),
		Number:     data.Get("number").String(),
		CheckDigit: data.Get("checkDigit").String(),
	}
}

// NormalizeBalance pulls a `/balances` payload into the Account's
// materialized balance snapshot. A payload carrying a negative amount
// violates the monetary invariant and is rejected rather than persisted.
func NormalizeBalance(raw []byte, a *account.Account, now time.Time) error {
	data := gjson.ParseBytes(raw).Get("data")
	if !data.Exists() {
		data = gjson.ParseBytes(raw)
	}
	a.Balance = account.Balance{
		AvailableAmount:    data.Get("availableAmount").Float(),
		BlockedAmount:      data.Get("blockedAmount").Float(),
		AutoInvestedAmount: data.Get("automaticallyInvestedAmount").Float(),
		Currency:           data.Get("currency").String(),
		UpdatedAt:          now,
	}
	account.Normalize(a)
	return account.Validate(a)
}

// NormalizeOverdraftLimit pulls a best-effort `/overdraft-limits` payload.
// A failed or empty fetch yields nil, never a batch failure.
func NormalizeOverdraftLimit(raw []byte) *account.OverdraftLimit {
	if len(raw) == 0 {
		return nil
	}
	data := gjson.ParseBytes(raw).Get("data")
	if !data.Exists() {
		data = gjson.ParseBytes(raw)
	}
	if !data.Exists() {
		return nil
	}
	limit := &account.OverdraftLimit{
		OverdraftContractedLimit: data.Get("overdraftContractedLimit").Float(),
		OverdraftUsedLimit:       data.Get("overdraftUsedLimit").Float(),
		UnarrangedOverdraftLimit: data.Get("unarrangedOverdraftAmount").Float(),
		Currency:                 data.Get("currency").String(),
	}
	// The limits leg is best-effort: a block violating the non-negative
	// invariant is dropped, never persisted.
	if limit.OverdraftContractedLimit < 0 || limit.OverdraftUsedLimit < 0 || limit.UnarrangedOverdraftLimit < 0 {
		return nil
	}
	return limit
}

// NormalizeTransactions pulls a page of `/transactions` results.
func NormalizeTransactions(raw []byte, accountID string) []account.Transaction {
	results := gjson.ParseBytes(raw).Get("data")
	if !results.Exists() || !results.IsArray() {
		return nil
	}
	var out []account.Transaction
	results.ForEach(func(_, tx gjson.Result) bool {
		ts, _ := time.Parse(time.RFC3339, tx.Get("transactionDateTime").String())
		out = append(out, account.Transaction{
			ExternalTransactionID: tx.Get("transactionId").String(),
			AccountID:             accountID,
			Type:                  tx.Get("type").String(),
			CreditDebitIndicator:  tx.Get("creditDebitType").String(),
			Amount:                tx.Get("amount").Float(),
			Currency:              tx.Get("currency").String(),
			Timestamp:             ts,
			CounterpartyName:      tx.Get("partieCnpjCpf").String(),
			CounterpartyDocument:  tx.Get("partieCnpjCpf").String(),
		})
		return true
	})
	return out
}
