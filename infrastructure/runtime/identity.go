// Package runtime provides environment/runtime detection helpers shared across the sync engine.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// identity/security boundaries (e.g. only trust identity headers protected
// by verified mTLS). Production always runs strict; other environments run
// strict only when mTLS credentials are actually injected, so a mis-set
// SYNC_ENV cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		// STRICT_IDENTITY_MODE overrides the derivation in either direction.
		if raw := strings.TrimSpace(os.Getenv("STRICT_IDENTITY_MODE")); raw != "" {
			strictIdentityModeValue = ParseBoolValue(raw)
			return
		}
		env := Env()
		hasMTLS := strings.TrimSpace(os.Getenv("MTLS_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("MTLS_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("MTLS_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasMTLS
	})
	return strictIdentityModeValue
}
