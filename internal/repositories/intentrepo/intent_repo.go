package intentrepo

import (
	"context"

	"github.com/coursechain/cvs/internal/domain"
)

// IntentRepo persists purchase intents. State changes are guarded in SQL with
// a compare-and-set on the previous state, so two racing writers cannot both
// advance the same intent.
type IntentRepo interface {
	// Create inserts a new intent, failing with domain.ErrAlreadyInProgress
	// when a non-terminal intent already exists for the same buyer and course.
	Create(ctx context.Context, intent *domain.PurchaseIntent) error

	// GetByID fetches an intent or domain.ErrIntentNotFound.
	GetByID(ctx context.Context, intentID string) (*domain.PurchaseIntent, error)

	// GetActiveByBuyerCourse fetches the non-terminal intent for a buyer and
	// course, or domain.ErrIntentNotFound when none is active.
	GetActiveByBuyerCourse(ctx context.Context, buyer string, courseID uint64) (*domain.PurchaseIntent, error)

	// UpdateState advances an intent from one state to another, failing with
	// domain.ErrInvalidTransition when the stored state no longer matches.
	UpdateState(ctx context.Context, intentID string, from, to domain.IntentState) error

	// SetApprovalTx records the approval transaction hash.
	SetApprovalTx(ctx context.Context, intentID, txHash string) error

	// SetPurchaseTx records the purchase transaction hash.
	SetPurchaseTx(ctx context.Context, intentID, txHash string) error

	// SetError moves an intent into the error state with a reason.
	SetError(ctx context.Context, intentID string, kind domain.ErrorKind, message string) error

	// ListResumable returns intents stuck in purchasing or verifying, for the
	// reconciliation loop to pick up after a restart.
	ListResumable(ctx context.Context) ([]domain.PurchaseIntent, error)
}
