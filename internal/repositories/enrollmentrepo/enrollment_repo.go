package enrollmentrepo

import (
	"context"
	"encoding/json"

	"github.com/coursechain/cvs/internal/domain"
)

// EnrollmentRepo persists verified purchases as immutable enrollment records.
// Uniqueness on (user, course) and on the funding transaction hash is enforced
// by database constraints; the repo translates constraint violations into the
// domain errors callers branch on.
type EnrollmentRepo interface {
	// Create inserts an enrollment. Returns domain.ErrAlreadyEnrolled when
	// the user already owns the course and domain.ErrDuplicateTransactionHash
	// when the transaction hash already funds a different enrollment.
	Create(ctx context.Context, purchase *domain.VerifiedPurchase, metadata json.RawMessage) (*domain.Enrollment, error)

	// GetByUserCourse fetches the enrollment for a user and course, or
	// domain.ErrEnrollmentNotFound.
	GetByUserCourse(ctx context.Context, user string, courseID uint64) (*domain.Enrollment, error)

	// GetByTxHash fetches the enrollment funded by a transaction hash, or
	// domain.ErrEnrollmentNotFound.
	GetByTxHash(ctx context.Context, txHash string) (*domain.Enrollment, error)

	// ListByUser returns all enrollments of a user, newest first.
	ListByUser(ctx context.Context, user string) ([]domain.Enrollment, error)
}
