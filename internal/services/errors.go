// internal/services/errors.go
package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// ErrorKind is the caller-facing discriminant of a ledger failure.
type ErrorKind string

const (
	KindSplitValidation       ErrorKind = "SPLIT_VALIDATION"
	KindInsufficientOwnership ErrorKind = "INSUFFICIENT_OWNERSHIP"
	KindUnauthorizedOwnership ErrorKind = "UNAUTHORIZED_OWNERSHIP"
	KindOwnershipConflict     ErrorKind = "OWNERSHIP_CONFLICT"
	KindNotFound              ErrorKind = "NOT_FOUND"
	KindDisputeState          ErrorKind = "DISPUTE_STATE"
	KindTransientStorage      ErrorKind = "TRANSIENT_STORAGE"
	KindInvalidInput          ErrorKind = "INVALID_INPUT"
)

// Retryable reports whether the whole operation may be retried as-is.
func (k ErrorKind) Retryable() bool {
	return k == KindOwnershipConflict || k == KindTransientStorage
}

// Reason narrows a kind to a specific cause.
type Reason string

const (
	ReasonSplitSumMismatch     Reason = "SPLIT_SUM_MISMATCH"
	ReasonInvalidShareSize     Reason = "INVALID_SHARE_SIZE"
	ReasonDuplicateCreator     Reason = "DUPLICATE_CREATOR"
	ReasonEmptySplit           Reason = "EMPTY_SPLIT"
	ReasonMissingCreator       Reason = "MISSING_CREATOR"
	ReasonInvalidOwnershipType Reason = "INVALID_OWNERSHIP_TYPE"
	ReasonSelfTransfer         Reason = "SELF_TRANSFER"

	ReasonInsufficientShare Reason = "INSUFFICIENT_SHARE"

	ReasonNoActiveShare Reason = "NO_ACTIVE_SHARE"
	ReasonNotPermitted  Reason = "NOT_PERMITTED"
	ReasonAdminRequired Reason = "ADMIN_REQUIRED"

	ReasonConcurrentWrite Reason = "CONCURRENT_WRITE"
	ReasonBackdatedWrite  Reason = "BACKDATED_EFFECTIVE_DATE"

	ReasonRecordNotFound Reason = "RECORD_NOT_FOUND"
	ReasonAssetNotFound  Reason = "ASSET_NOT_FOUND"

	ReasonAlreadyDisputed Reason = "ALREADY_DISPUTED"
	ReasonAlreadyResolved Reason = "ALREADY_RESOLVED"
	ReasonNotDisputed     Reason = "NOT_DISPUTED"
	ReasonRecordEnded     Reason = "RECORD_ENDED"
	ReasonShareDisputed   Reason = "SHARE_DISPUTED"

	ReasonStorageUnavailable Reason = "STORAGE_UNAVAILABLE"
	ReasonTimeout            Reason = "TIMEOUT"
	ReasonLockTimeout        Reason = "LOCK_TIMEOUT"

	ReasonInvalidReason          Reason = "INVALID_DISPUTE_REASON"
	ReasonInvalidAction          Reason = "INVALID_RESOLUTION_ACTION"
	ReasonMissingModifiedData    Reason = "MISSING_MODIFIED_DATA"
	ReasonMissingResolutionNotes Reason = "MISSING_RESOLUTION_NOTES"
	ReasonFutureEffectiveDate    Reason = "FUTURE_EFFECTIVE_DATE"
	ReasonInvalidAmount          Reason = "INVALID_AMOUNT"
	ReasonInvalidField           Reason = "INVALID_FIELD"
)

// LedgerError is returned by every ledger operation. Details holds one of the
// *Details structs below so callers never parse Message.
type LedgerError struct {
	Kind    ErrorKind
	Reason  Reason
	Message string
	Details interface{}
	Err     error
}

func (e *LedgerError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += "/" + string(e.Reason)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Reason when the target sets one.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrSplitValidation       = &LedgerError{Kind: KindSplitValidation}
	ErrInsufficientOwnership = &LedgerError{Kind: KindInsufficientOwnership}
	ErrUnauthorizedOwnership = &LedgerError{Kind: KindUnauthorizedOwnership}
	ErrOwnershipConflict     = &LedgerError{Kind: KindOwnershipConflict}
	ErrNotFound              = &LedgerError{Kind: KindNotFound}
	ErrDisputeState          = &LedgerError{Kind: KindDisputeState}
	ErrTransientStorage      = &LedgerError{Kind: KindTransientStorage}
	ErrInvalidInput          = &LedgerError{Kind: KindInvalidInput}
)

// KindOf returns the discriminant of err, or "" when err is not a ledger error.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

type SumMismatchDetails struct {
	ProvidedBps int `json:"providedBps"`
	RequiredBps int `json:"requiredBps"`
	MissingBps  int `json:"missingBps,omitempty"`
	ExcessBps   int `json:"excessBps,omitempty"`
}

type ShareSizeDetails struct {
	CreatorID string `json:"creatorId"`
	ShareBps  int    `json:"shareBps"`
}

type CreatorDetails struct {
	CreatorID string `json:"creatorId"`
}

type InsufficientOwnershipDetails struct {
	CreatorID    string `json:"creatorId"`
	RequiredBps  int    `json:"requiredBps"`
	AvailableBps int    `json:"availableBps"`
}

type RecordDetails struct {
	OwnershipID string `json:"ownershipId,omitempty"`
	IPAssetID   string `json:"ipAssetId,omitempty"`
	CreatorID   string `json:"creatorId,omitempty"`
}

type DisputeStateDetails struct {
	OwnershipID  string `json:"ownershipId"`
	CurrentState string `json:"currentState"`
}

type EffectiveDateDetails struct {
	EffectiveDate string `json:"effectiveDate"`
	LatestStart   string `json:"latestStartDate,omitempty"`
}

type FieldDetails struct {
	Field string `json:"field"`
	Min   int    `json:"min,omitempty"`
	Max   int    `json:"max,omitempty"`
}

func newSplitError(reason Reason, message string, details interface{}) *LedgerError {
	return &LedgerError{Kind: KindSplitValidation, Reason: reason, Message: message, Details: details}
}

func newInputError(reason Reason, message string, details interface{}) *LedgerError {
	return &LedgerError{Kind: KindInvalidInput, Reason: reason, Message: message, Details: details}
}

func newNotFoundError(reason Reason, details RecordDetails) *LedgerError {
	msg := "ownership record not found"
	if reason == ReasonAssetNotFound {
		msg = "asset has no ownership history"
	}
	return &LedgerError{Kind: KindNotFound, Reason: reason, Message: msg, Details: details}
}

func newDisputeStateError(reason Reason, ownershipID, state string) *LedgerError {
	return &LedgerError{
		Kind:    KindDisputeState,
		Reason:  reason,
		Message: fmt.Sprintf("dispute transition not allowed from %s", state),
		Details: DisputeStateDetails{OwnershipID: ownershipID, CurrentState: state},
	}
}

func newConflictError(reason Reason, message string, err error) *LedgerError {
	return &LedgerError{Kind: KindOwnershipConflict, Reason: reason, Message: message, Err: err}
}

func newTransientError(reason Reason, message string, err error) *LedgerError {
	return &LedgerError{Kind: KindTransientStorage, Reason: reason, Message: message, Err: err}
}

// classifyStorageError maps driver and gorm failures onto ledger kinds.
// Errors that are already ledger errors pass through unchanged.
func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newTransientError(ReasonTimeout, op+" timed out", err)
	case errors.Is(err, context.Canceled):
		return newTransientError(ReasonTimeout, op+" canceled", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return newConflictError(ReasonConcurrentWrite, op+" conflicted with a concurrent write", err)
	case errors.Is(err, driver.ErrBadConn):
		return newTransientError(ReasonStorageUnavailable, op+" lost its database connection", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return newConflictError(ReasonConcurrentWrite, op+" conflicted with a concurrent write", err)
		case "57014":
			return newTransientError(ReasonTimeout, op+" was canceled by the server", err)
		case "53300", "57P01", "08000", "08003", "08006":
			return newTransientError(ReasonStorageUnavailable, op+" could not reach the database", err)
		}
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return newTransientError(ReasonStorageUnavailable, op+" found the database busy", err)
		case sqlite3.ErrConstraint:
			return newConflictError(ReasonConcurrentWrite, op+" conflicted with a concurrent write", err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
