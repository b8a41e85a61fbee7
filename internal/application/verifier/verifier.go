package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/internal/infrastructure/rpc"
)

// Verifier decides whether a transaction hash proves a specific purchase.
// It fetches the receipt, checks the execution status, decodes the
// CoursePurchased event emitted by the marketplace contract and matches every
// field of the claim against the decoded event. It never writes anything;
// recording is the caller's job.
type Verifier struct {
	chain       interfaces.ChainReader
	marketplace common.Address
	logger      zerolog.Logger
}

func New(chain interfaces.ChainReader, marketplace common.Address, logger zerolog.Logger) *Verifier {
	return &Verifier{
		chain:       chain,
		marketplace: marketplace,
		logger:      logger.With().Str("component", "transaction_verifier").Logger(),
	}
}

// Verify checks txHash against expected. Returns domain.ErrReceiptNotFound
// while the transaction is unmined, domain.ErrTransactionFailed for a
// reverted one, domain.ErrEventNotFound when no marketplace purchase event is
// present, and *domain.MismatchError when the event contradicts the claim.
func (v *Verifier) Verify(ctx context.Context, txHash string, expected domain.ExpectedPurchase) (*domain.VerifiedPurchase, error) {
	hash := common.HexToHash(txHash)

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		v.logger.Warn().Str("tx_hash", txHash).Msg("Transaction reverted on chain")
		return nil, domain.ErrTransactionFailed
	}

	event, err := v.findPurchaseEvent(receipt)
	if err != nil {
		return nil, err
	}

	if event.CourseID.Uint64() != expected.CourseID {
		return nil, &domain.MismatchError{
			Field:    domain.MismatchCourseID,
			Expected: fmt.Sprintf("%d", expected.CourseID),
			Actual:   event.CourseID.String(),
		}
	}
	if !strings.EqualFold(event.Student.Hex(), expected.Buyer) {
		return nil, &domain.MismatchError{
			Field:    domain.MismatchBuyer,
			Expected: strings.ToLower(expected.Buyer),
			Actual:   strings.ToLower(event.Student.Hex()),
		}
	}
	if expected.Price != nil && event.Price.Cmp(expected.Price) != 0 {
		return nil, &domain.MismatchError{
			Field:    domain.MismatchPrice,
			Expected: expected.Price.String(),
			Actual:   event.Price.String(),
		}
	}

	v.logger.Info().
		Str("tx_hash", txHash).
		Uint64("course_id", expected.CourseID).
		Str("buyer", strings.ToLower(event.Student.Hex())).
		Msg("Purchase transaction verified")

	return &domain.VerifiedPurchase{
		UserAddress: strings.ToLower(event.Student.Hex()),
		CourseID:    event.CourseID.Uint64(),
		TxHash:      strings.ToLower(hash.Hex()),
		Price:       event.Price,
		BlockNumber: receipt.BlockNumber.Uint64(),
		VerifiedAt:  time.Now(),
	}, nil
}

// findPurchaseEvent scans receipt logs for the first CoursePurchased event
// emitted by the marketplace contract. Logs from other contracts with the
// same signature are ignored.
func (v *Verifier) findPurchaseEvent(receipt *types.Receipt) (*rpc.CoursePurchasedEvent, error) {
	for _, lg := range receipt.Logs {
		if lg.Address != v.marketplace {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != rpc.CoursePurchasedID {
			continue
		}
		event, err := rpc.DecodeCoursePurchased(lg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEventNotFound, err)
		}
		return event, nil
	}
	return nil, domain.ErrEventNotFound
}
