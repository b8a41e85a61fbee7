package enrollmentrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sqlc-dev/pqtype"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/infrastructure/database"
)

const (
	userCourseConstraint = "enrollments_user_course_key"
	txHashConstraint     = "enrollments_tx_hash_key"
)

type enrollmentRepositoryImpl struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *database.DBManager, logger zerolog.Logger) EnrollmentRepo {
	return &enrollmentRepositoryImpl{
		db:     db.Db,
		logger: logger,
	}
}

const enrollmentColumns = `id, user_address, course_id, tx_hash, price, metadata, recorded_at`

func (r *enrollmentRepositoryImpl) Create(ctx context.Context, purchase *domain.VerifiedPurchase, metadata json.RawMessage) (*domain.Enrollment, error) {
	query := `
	INSERT INTO enrollments (id, user_address, course_id, tx_hash, price, block_number, metadata, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	RETURNING ` + enrollmentColumns

	enrollment, err := r.scanEnrollment(r.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		strings.ToLower(purchase.UserAddress),
		int64(purchase.CourseID),
		strings.ToLower(purchase.TxHash),
		purchase.Price.String(),
		int64(purchase.BlockNumber),
		pqtype.NullRawMessage{RawMessage: metadata, Valid: metadata != nil},
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			switch pqErr.Constraint {
			case userCourseConstraint:
				return nil, domain.ErrAlreadyEnrolled
			case txHashConstraint:
				return nil, domain.ErrDuplicateTransactionHash
			}
		}
		r.logger.Error().Err(err).
			Str("user", purchase.UserAddress).
			Uint64("course_id", purchase.CourseID).
			Msg("Failed to create enrollment")
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}
	return enrollment, nil
}

func (r *enrollmentRepositoryImpl) GetByUserCourse(ctx context.Context, user string, courseID uint64) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_address = $1 AND course_id = $2`

	enrollment, err := r.scanEnrollment(r.db.QueryRowContext(ctx, query, strings.ToLower(user), int64(courseID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEnrollmentNotFound
		}
		r.logger.Error().Err(err).Str("user", user).Uint64("course_id", courseID).Msg("Failed to get enrollment")
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return enrollment, nil
}

func (r *enrollmentRepositoryImpl) GetByTxHash(ctx context.Context, txHash string) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE tx_hash = $1`

	enrollment, err := r.scanEnrollment(r.db.QueryRowContext(ctx, query, strings.ToLower(txHash)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEnrollmentNotFound
		}
		r.logger.Error().Err(err).Str("tx_hash", txHash).Msg("Failed to get enrollment by tx hash")
		return nil, fmt.Errorf("failed to get enrollment by tx hash: %w", err)
	}
	return enrollment, nil
}

func (r *enrollmentRepositoryImpl) ListByUser(ctx context.Context, user string) ([]domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_address = $1 ORDER BY recorded_at DESC`

	rows, err := r.db.QueryContext(ctx, query, strings.ToLower(user))
	if err != nil {
		r.logger.Error().Err(err).Str("user", user).Msg("Failed to list enrollments")
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []domain.Enrollment
	for rows.Next() {
		enrollment, err := r.scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, *enrollment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate enrollments: %w", err)
	}
	return enrollments, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *enrollmentRepositoryImpl) scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var (
		enrollment domain.Enrollment
		courseID   int64
		metadata   pqtype.NullRawMessage
	)

	err := row.Scan(
		&enrollment.ID,
		&enrollment.UserAddress,
		&courseID,
		&enrollment.TxHash,
		&enrollment.Price,
		&metadata,
		&enrollment.RecordedAt,
	)
	if err != nil {
		return nil, err
	}

	enrollment.CourseID = uint64(courseID)
	if metadata.Valid {
		enrollment.Metadata = metadata.RawMessage
	}
	return &enrollment, nil
}
