// internal/i18n/keys.go
package i18n

import "strings"

// Translation keys constants
const (
	// Authentication
	KeyAuthRequired     = "auth.required"
	KeyAuthInvalidToken = "auth.invalid_token"

	// Admin
	KeyAdminAccessDenied = "admin.access_denied"

	// Validation
	KeyValidationInvalid = "validation.invalid"

	// Ownership
	KeyOwnershipSet         = "ownership.set"
	KeyOwnershipTransferred = "ownership.transferred"
	KeyOwnershipSplitValid  = "ownership.split_valid"
	KeyOwnershipArchived    = "ownership.archived"
	KeyDisputeFlagged       = "dispute.flagged"
	KeyDisputeResolved      = "dispute.resolved"

	// System
	KeyRateLimited        = "rate_limit.exceeded"
	KeyServiceUnavailable = "system.unavailable"
	KeyHealthy            = "system.healthy"
)

// ErrorKey is the translation key of a ledger error reason, for example
// "error.split_sum_mismatch".
func ErrorKey(reason string) string {
	return "error." + strings.ToLower(reason)
}
