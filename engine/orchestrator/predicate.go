package orchestrator

import (
	"context"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/ofreceptor/sync-engine/domain/account"
)

// DefaultSelectionPredicate refines the repository's coarse scan in-process:
// active accounts never synced, or last synced more than twelve hours ago.
// The expression language is gval extended with JSONPath selectors over the
// candidate document built by candidateDoc.
const DefaultSelectionPredicate = `$.status == "ACTIVE" && ($.neverSynced || $.staleHours >= 12)`

// SelectionPredicate is a compiled candidate filter. Deployments override
// the expression via config (for example to shorten the staleness window
// for premium clients) without rebuilding the engine.
type SelectionPredicate struct {
	eval gval.Evaluable
}

// NewSelectionPredicate compiles expr once; evaluation is then allocation
// and parse free on the scan path.
func NewSelectionPredicate(expr string) (*SelectionPredicate, error) {
	if expr == "" {
		expr = DefaultSelectionPredicate
	}
	eval, err := gval.Full(jsonpath.Language()).NewEvaluable(expr)
	if err != nil {
		return nil, err
	}
	return &SelectionPredicate{eval: eval}, nil
}

// candidateDoc flattens an Account into the document the predicate sees.
func candidateDoc(a *account.Account, now time.Time) map[string]interface{} {
	neverSynced := a.LastSyncedAt.IsZero()
	staleHours := 0.0
	if !neverSynced {
		staleHours = now.Sub(a.LastSyncedAt).Hours()
	}
	return map[string]interface{}{
		"status":         string(a.Status),
		"organizationId": a.OrganizationID,
		"consentId":      a.ConsentID,
		"type":           a.Type,
		"subtype":        a.Subtype,
		"partitionKey":   a.PartitionKey,
		"neverSynced":    neverSynced,
		"staleHours":     staleHours,
	}
}

// Match reports whether a is due for synchronization at now. Evaluation
// errors are treated as no-match so a bad config expression degrades to
// syncing nothing rather than everything.
func (p *SelectionPredicate) Match(ctx context.Context, a *account.Account, now time.Time) bool {
	v, err := p.eval(ctx, candidateDoc(a, now))
	if err != nil {
		return false
	}
	matched, ok := v.(bool)
	return ok && matched
}
