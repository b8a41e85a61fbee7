package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Source identifies which backend produced a reading.
type Source string

const (
	SourceChain Source = "chain"
	SourceIndex Source = "index"
)

// Purpose classifies a read request. TransactionGate reads feed decisions
// that move funds and must never be served from the indexer or the cache;
// Display reads trade freshness for latency.
type Purpose string

const (
	PurposeDisplay         Purpose = "display"
	PurposeTransactionGate Purpose = "transaction_gate"
)

// BalanceReading is a token balance tagged with its provenance. A chain
// reading is authoritative as of AsOf; an index reading carries the indexer's
// head block so callers can judge staleness themselves.
type BalanceReading struct {
	Owner    common.Address `json:"owner"`
	Token    common.Address `json:"token"`
	Amount   *big.Int       `json:"amount"`
	Source   Source         `json:"source"`
	AsOf     uint64         `json:"as_of"`
	Realtime bool           `json:"realtime"`
	Stale    bool           `json:"stale"`
	ReadAt   time.Time      `json:"read_at"`
}

// FlagReading is a boolean contract read (purchase flag, instructor flag)
// tagged like a balance reading.
type FlagReading struct {
	Address  common.Address `json:"address"`
	CourseID uint64         `json:"course_id,omitempty"`
	Value    bool           `json:"value"`
	Source   Source         `json:"source"`
	AsOf     uint64         `json:"as_of"`
	Realtime bool           `json:"realtime"`
}

// PurchaseEvent is one CoursePurchased occurrence as reported by a source.
type PurchaseEvent struct {
	CourseID       uint64         `json:"course_id"`
	Buyer          common.Address `json:"buyer"`
	Price          *big.Int       `json:"price"`
	TxHash         common.Hash    `json:"tx_hash"`
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
	Source         Source         `json:"source"`
}

// IndexerMeta reports the indexer's replication head, used by the health
// monitor to measure staleness against the chain head.
type IndexerMeta struct {
	HeadBlock     uint64    `json:"head_block"`
	HeadTimestamp time.Time `json:"head_timestamp"`
	HasErrors     bool      `json:"has_errors"`
}
