package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/repositories/enrollmentrepo"
)

// Recorder turns verified purchases into enrollment records. It relies on the
// database constraints for correctness under concurrency and only interprets
// their violations: a repeat of the same purchase is idempotent success, a
// transaction hash reused for a different purchase is an error.
type Recorder struct {
	repo   enrollmentrepo.EnrollmentRepo
	logger zerolog.Logger
}

func NewRecorder(repo enrollmentrepo.EnrollmentRepo, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("component", "enrollment_recorder").Logger(),
	}
}

// Record persists a verified purchase. Recording the same verified purchase
// twice returns the existing enrollment without error.
func (r *Recorder) Record(ctx context.Context, purchase *domain.VerifiedPurchase, metadata json.RawMessage) (*domain.Enrollment, error) {
	enrollment, err := r.repo.Create(ctx, purchase, metadata)
	if err == nil {
		r.logger.Info().
			Str("user", purchase.UserAddress).
			Uint64("course_id", purchase.CourseID).
			Str("tx_hash", purchase.TxHash).
			Msg("Enrollment recorded")
		return enrollment, nil
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyEnrolled):
		existing, getErr := r.repo.GetByUserCourse(ctx, purchase.UserAddress, purchase.CourseID)
		if getErr != nil {
			return nil, fmt.Errorf("enrollment exists but could not be loaded: %w", getErr)
		}
		r.logger.Info().
			Str("user", purchase.UserAddress).
			Uint64("course_id", purchase.CourseID).
			Msg("User already enrolled, returning existing record")
		return existing, nil

	case errors.Is(err, domain.ErrDuplicateTransactionHash):
		existing, getErr := r.repo.GetByTxHash(ctx, purchase.TxHash)
		if getErr == nil && samePurchase(existing, purchase) {
			// Constraint race: the same purchase landed concurrently.
			return existing, nil
		}
		r.logger.Warn().
			Str("tx_hash", purchase.TxHash).
			Str("user", purchase.UserAddress).
			Uint64("course_id", purchase.CourseID).
			Msg("Transaction hash already funds a different enrollment")
		return nil, domain.ErrDuplicateTransactionHash
	}

	return nil, err
}

// Get returns the enrollment for a user and course.
func (r *Recorder) Get(ctx context.Context, user string, courseID uint64) (*domain.Enrollment, error) {
	return r.repo.GetByUserCourse(ctx, user, courseID)
}

// List returns all enrollments of a user, newest first.
func (r *Recorder) List(ctx context.Context, user string) ([]domain.Enrollment, error) {
	return r.repo.ListByUser(ctx, user)
}

func samePurchase(enrollment *domain.Enrollment, purchase *domain.VerifiedPurchase) bool {
	return strings.EqualFold(enrollment.UserAddress, purchase.UserAddress) &&
		enrollment.CourseID == purchase.CourseID
}
