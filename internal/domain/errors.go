package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means the selected read source failed and no
	// substitute was permitted for the request's purpose.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrReceiptNotFound is retryable: a receipt can legitimately not exist
	// yet for a transaction that was just submitted.
	ErrReceiptNotFound = errors.New("transaction receipt not found")

	// ErrTransactionFailed means the receipt exists and records a reversion.
	// Never retried.
	ErrTransactionFailed = errors.New("transaction reverted on chain")

	// ErrEventNotFound means the receipt carries no CoursePurchased event
	// from the marketplace contract.
	ErrEventNotFound = errors.New("purchase event not found in receipt logs")

	// ErrAlreadyEnrolled is idempotent success, not a failure: the verified
	// purchase is already recorded for this user and course.
	ErrAlreadyEnrolled = errors.New("user already enrolled in course")

	// ErrDuplicateTransactionHash means the transaction hash already funds a
	// different enrollment; a bug or an attempted replay.
	ErrDuplicateTransactionHash = errors.New("transaction hash already recorded for a different enrollment")

	// ErrAlreadyInProgress guards re-entrancy: one non-terminal intent per
	// (buyer, course) at a time.
	ErrAlreadyInProgress = errors.New("purchase already in progress for this buyer and course")

	ErrInsufficientFunds = errors.New("token balance below course price")

	// ErrStillPending means the receipt wait hit its ceiling. The intent is
	// unchanged and the caller may retry; a slow transaction is not a failed
	// one.
	ErrStillPending = errors.New("transaction still pending")

	ErrIntentNotFound     = errors.New("purchase intent not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrInvalidTransition  = errors.New("invalid intent state transition")
)

// MismatchField names which part of the expectation a decoded event failed.
type MismatchField string

const (
	MismatchCourseID MismatchField = "course_id"
	MismatchBuyer    MismatchField = "buyer"
	MismatchPrice    MismatchField = "price"
)

// MismatchError is the anti-spoofing failure: the transaction is real and
// succeeded, but its purchase event does not match the claimed course, buyer
// or price.
type MismatchError struct {
	Field    MismatchField
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("purchase event %s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// ErrorCode maps taxonomy errors to the stable machine-readable kinds the
// REST boundary returns alongside human-readable messages.
func ErrorCode(err error) string {
	var mismatch *MismatchError
	switch {
	case errors.As(err, &mismatch):
		return "mismatch_" + string(mismatch.Field)
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrReceiptNotFound):
		return "receipt_not_found"
	case errors.Is(err, ErrTransactionFailed):
		return "contract_reverted"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrAlreadyEnrolled):
		return "already_enrolled"
	case errors.Is(err, ErrDuplicateTransactionHash):
		return "duplicate_transaction_hash"
	case errors.Is(err, ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrStillPending):
		return "still_pending"
	case errors.Is(err, ErrIntentNotFound), errors.Is(err, ErrEnrollmentNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal_error"
	}
}

// Retryable reports whether the caller may safely retry the same operation
// without any risk of double-spending: nothing happened, or the thing that
// happened is being waited on.
func Retryable(err error) bool {
	return errors.Is(err, ErrReceiptNotFound) || errors.Is(err, ErrStillPending)
}
