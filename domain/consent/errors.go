package consent

import "fmt"

// ErrEmptyPermissions violates invariant (i): permissions must be non-empty.
var ErrEmptyPermissions = fmt.Errorf("consent: permissions set must not be empty")

// ErrExpiryNotAfterCreation violates invariant (ii).
var ErrExpiryNotAfterCreation = fmt.Errorf("consent: expiresAt must be after createdAt")

// ErrUnknownPermission is returned for a permission outside the catalogue.
type ErrUnknownPermission struct {
	Permission Permission
}

func (e *ErrUnknownPermission) Error() string {
	return fmt.Sprintf("consent: unknown permission %q", e.Permission)
}

// ErrInvalidTransition is the InvalidStatusTransition domain kind.
type ErrInvalidTransition struct {
	From Status
	To   Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("consent: invalid transition from %s to %s", e.From, e.To)
}

// ErrAlreadyRejected is returned for a revoke on a Consent that is already
// REJECTED or REVOKED.
var ErrAlreadyRejected = fmt.Errorf("consent: already rejected")

// ErrConcurrencyConflict is returned after the single retry loses
// the optimistic-concurrency race a second time.
type ErrConcurrencyConflict struct {
	ConsentID string
}

func (e *ErrConcurrencyConflict) Error() string {
	return fmt.Sprintf("consent: concurrency conflict on %s", e.ConsentID)
}
