package intentrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sqlc-dev/pqtype"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/infrastructure/database"
)

type intentRepositoryImpl struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *database.DBManager, logger zerolog.Logger) IntentRepo {
	return &intentRepositoryImpl{
		db:     db.Db,
		logger: logger,
	}
}

const createIntentQuery = `
INSERT INTO purchase_intents (
	intent_id, course_id, buyer_address, price, state, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, now(), now())`

const intentColumns = `
	intent_id, course_id, buyer_address, price, state,
	COALESCE(approval_tx_hash, ''), COALESCE(purchase_tx_hash, ''),
	COALESCE(error_kind, ''), COALESCE(error_message, ''),
	metadata, created_at, updated_at`

func (r *intentRepositoryImpl) Create(ctx context.Context, intent *domain.PurchaseIntent) error {
	metadata := pqtype.NullRawMessage{RawMessage: intent.Metadata, Valid: intent.Metadata != nil}

	_, err := r.db.ExecContext(ctx, createIntentQuery,
		intent.IntentID,
		int64(intent.CourseID),
		strings.ToLower(intent.BuyerAddress),
		intent.Price.String(),
		string(intent.State),
		metadata,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrAlreadyInProgress
		}
		r.logger.Error().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to create purchase intent")
		return fmt.Errorf("failed to create purchase intent: %w", err)
	}
	return nil
}

func (r *intentRepositoryImpl) GetByID(ctx context.Context, intentID string) (*domain.PurchaseIntent, error) {
	query := `SELECT` + intentColumns + ` FROM purchase_intents WHERE intent_id = $1`

	intent, err := r.scanIntent(r.db.QueryRowContext(ctx, query, intentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		r.logger.Error().Err(err).Str("intent_id", intentID).Msg("Failed to get purchase intent")
		return nil, fmt.Errorf("failed to get purchase intent: %w", err)
	}
	return intent, nil
}

func (r *intentRepositoryImpl) GetActiveByBuyerCourse(ctx context.Context, buyer string, courseID uint64) (*domain.PurchaseIntent, error) {
	query := `SELECT` + intentColumns + `
	FROM purchase_intents
	WHERE buyer_address = $1 AND course_id = $2 AND state NOT IN ('completed', 'error')
	ORDER BY created_at DESC
	LIMIT 1`

	intent, err := r.scanIntent(r.db.QueryRowContext(ctx, query, strings.ToLower(buyer), int64(courseID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		r.logger.Error().Err(err).Str("buyer", buyer).Uint64("course_id", courseID).Msg("Failed to get active purchase intent")
		return nil, fmt.Errorf("failed to get active purchase intent: %w", err)
	}
	return intent, nil
}

func (r *intentRepositoryImpl) UpdateState(ctx context.Context, intentID string, from, to domain.IntentState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	query := `UPDATE purchase_intents SET state = $1, updated_at = now() WHERE intent_id = $2 AND state = $3`

	result, err := r.db.ExecContext(ctx, query, string(to), intentID, string(from))
	if err != nil {
		r.logger.Error().Err(err).Str("intent_id", intentID).Str("to", string(to)).Msg("Failed to update intent state")
		return fmt.Errorf("failed to update intent state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Either the intent is gone or another writer moved it first.
		return fmt.Errorf("%w: intent %s is not in state %s", domain.ErrInvalidTransition, intentID, from)
	}
	return nil
}

func (r *intentRepositoryImpl) SetApprovalTx(ctx context.Context, intentID, txHash string) error {
	return r.setTxHash(ctx, intentID, "approval_tx_hash", txHash)
}

func (r *intentRepositoryImpl) SetPurchaseTx(ctx context.Context, intentID, txHash string) error {
	return r.setTxHash(ctx, intentID, "purchase_tx_hash", txHash)
}

func (r *intentRepositoryImpl) setTxHash(ctx context.Context, intentID, column, txHash string) error {
	query := fmt.Sprintf(`UPDATE purchase_intents SET %s = $1, updated_at = now() WHERE intent_id = $2`, column)

	result, err := r.db.ExecContext(ctx, query, strings.ToLower(txHash), intentID)
	if err != nil {
		r.logger.Error().Err(err).Str("intent_id", intentID).Str("column", column).Msg("Failed to record transaction hash")
		return fmt.Errorf("failed to record transaction hash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

func (r *intentRepositoryImpl) SetError(ctx context.Context, intentID string, kind domain.ErrorKind, message string) error {
	query := `
	UPDATE purchase_intents
	SET state = 'error', error_kind = $1, error_message = $2, updated_at = now()
	WHERE intent_id = $3 AND state NOT IN ('completed', 'error')`

	result, err := r.db.ExecContext(ctx, query, string(kind), message, intentID)
	if err != nil {
		r.logger.Error().Err(err).Str("intent_id", intentID).Str("error_kind", string(kind)).Msg("Failed to mark intent as errored")
		return fmt.Errorf("failed to mark intent as errored: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: intent %s is terminal", domain.ErrInvalidTransition, intentID)
	}
	return nil
}

func (r *intentRepositoryImpl) ListResumable(ctx context.Context) ([]domain.PurchaseIntent, error) {
	query := `SELECT` + intentColumns + `
	FROM purchase_intents
	WHERE state IN ('purchasing', 'verifying')
	ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list resumable intents")
		return nil, fmt.Errorf("failed to list resumable intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.PurchaseIntent
	for rows.Next() {
		intent, err := r.scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resumable intent: %w", err)
		}
		intents = append(intents, *intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resumable intents: %w", err)
	}
	return intents, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *intentRepositoryImpl) scanIntent(row rowScanner) (*domain.PurchaseIntent, error) {
	var (
		intent   domain.PurchaseIntent
		courseID int64
		price    string
		state    string
		kind     string
		metadata pqtype.NullRawMessage
	)

	err := row.Scan(
		&intent.IntentID,
		&courseID,
		&intent.BuyerAddress,
		&price,
		&state,
		&intent.ApprovalTxHash,
		&intent.PurchaseTxHash,
		&kind,
		&intent.ErrorMessage,
		&metadata,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored price %q for intent %s", price, intent.IntentID)
	}

	intent.CourseID = uint64(courseID)
	intent.Price = parsed
	intent.State = domain.IntentState(state)
	intent.ErrorKind = domain.ErrorKind(kind)
	if metadata.Valid {
		intent.Metadata = metadata.RawMessage
	}
	return &intent, nil
}
