package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

// ExpectedPurchase is what the caller claims a transaction paid for. The
// verifier refuses to credit anything it cannot match against the decoded
// on-chain event.
type ExpectedPurchase struct {
	CourseID uint64
	Buyer    string
	Price    *big.Int
}

// VerifiedPurchase is the verifier's output: the decoded, matched purchase
// event, ready for recording. The verifier never persists anything itself.
type VerifiedPurchase struct {
	UserAddress string    `json:"user_address"`
	CourseID    uint64    `json:"course_id"`
	TxHash      string    `json:"tx_hash"`
	Price       *big.Int  `json:"price"`
	BlockNumber uint64    `json:"block_number"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Enrollment is the immutable off-chain record that a user paid for a course.
// Unique on (user, course) and unique on the funding transaction hash; both
// constraints live in the database because concurrent requests can race past
// any in-process check.
type Enrollment struct {
	ID          string          `json:"id"`
	UserAddress string          `json:"user_address"`
	CourseID    uint64          `json:"course_id"`
	TxHash      string          `json:"tx_hash"`
	Price       string          `json:"price"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}
