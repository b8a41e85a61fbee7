package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coursechain/cvs/internal/domain"
)

// ChainReader issues authoritative reads against the on-chain RPC endpoint.
// Correct as of the latest confirmed block, higher latency, rate-limited.
type ChainReader interface {
	// HeadBlock returns the latest confirmed block number.
	HeadBlock(ctx context.Context) (uint64, error)

	// TokenBalance reads the payment token balance of owner.
	TokenBalance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error)

	// Allowance reads how much the marketplace may spend on owner's behalf.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, uint64, error)

	// HasPurchased reads the on-chain purchase flag for (course, user).
	HasPurchased(ctx context.Context, courseID uint64, user common.Address) (*domain.FlagReading, error)

	// IsInstructor reads the instructor flag for user.
	IsInstructor(ctx context.Context, user common.Address) (*domain.FlagReading, error)

	// CoursePrice reads the listed price of a course in token smallest units.
	CoursePrice(ctx context.Context, courseID uint64) (*big.Int, error)

	// TransactionReceipt fetches a receipt, returning
	// domain.ErrReceiptNotFound while the transaction is unmined.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// IndexReader queries the eventually-consistent indexer. Lower latency and
// richer history than the chain, but may lag the head by an unbounded
// interval or become unreachable.
type IndexReader interface {
	// Meta reports the indexer's replication head for freshness probes.
	Meta(ctx context.Context) (*domain.IndexerMeta, error)

	// Balance returns the indexed token balance of owner.
	Balance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error)

	// HasPurchased reports whether a purchase event is indexed for
	// (course, buyer).
	HasPurchased(ctx context.Context, courseID uint64, buyer common.Address) (*domain.FlagReading, error)

	// PurchasesByBuyer lists indexed purchase events for a buyer, newest
	// first.
	PurchasesByBuyer(ctx context.Context, buyer common.Address, limit, offset int) ([]domain.PurchaseEvent, error)

	// PurchaseByTxHash fetches the purchase event indexed under a
	// transaction hash, or nil when not (yet) indexed.
	PurchaseByTxHash(ctx context.Context, txHash common.Hash) (*domain.PurchaseEvent, error)
}

// PricingClient resolves token/USD rates for display annotations only.
type PricingClient interface {
	GetExchangeRate(ctx context.Context, symbol string) (float64, error)
}
