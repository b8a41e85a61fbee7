package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

// IntentState is the single tagged state of a purchase attempt. Exactly one
// state holds at a time; transitions only move forward along the edges below,
// except into StateError which any non-terminal state may enter.
type IntentState string

const (
	StateIdle       IntentState = "idle"
	StateApproving  IntentState = "approving"
	StateApproved   IntentState = "approved"
	StatePurchasing IntentState = "purchasing"
	StateVerifying  IntentState = "verifying"
	StateCompleted  IntentState = "completed"
	StateError      IntentState = "error"
)

var forwardEdges = map[IntentState][]IntentState{
	StateIdle:       {StateApproving, StateApproved},
	StateApproving:  {StateApproved},
	StateApproved:   {StatePurchasing},
	StatePurchasing: {StateVerifying},
	StateVerifying:  {StateCompleted},
}

// Terminal reports whether no further transitions are allowed. Error is
// terminal for the intent; recovery means starting a fresh intent from Idle.
func (s IntentState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransitionTo validates a state change against the forward edges.
func (s IntentState) CanTransitionTo(next IntentState) bool {
	if next == StateError {
		return !s.Terminal()
	}
	for _, allowed := range forwardEdges[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrorKind is the stable machine-readable reason an intent ended in error.
type ErrorKind string

const (
	ErrorKindInsufficientFunds  ErrorKind = "insufficient_funds"
	ErrorKindApprovalReverted   ErrorKind = "approval_reverted"
	ErrorKindPurchaseReverted   ErrorKind = "purchase_reverted"
	ErrorKindVerificationFailed ErrorKind = "verification_failed"
	ErrorKindDuplicateTxHash    ErrorKind = "duplicate_transaction_hash"
)

// Recoverable reports whether an on-chain purchase may already exist for the
// intent, in which case the caller must re-verify rather than resubmit.
func (k ErrorKind) Recoverable() bool {
	return k == ErrorKindVerificationFailed
}

// PurchaseIntent tracks one purchase attempt through the
// approval -> purchase -> verification -> recording sequence. Transaction
// hashes are persisted the moment they are known so a reload resumes from the
// last completed step instead of resubmitting.
type PurchaseIntent struct {
	IntentID       string          `json:"intent_id"`
	CourseID       uint64          `json:"course_id"`
	BuyerAddress   string          `json:"buyer_address"`
	Price          *big.Int        `json:"price"`
	State          IntentState     `json:"state"`
	ApprovalTxHash string          `json:"approval_tx_hash,omitempty"`
	PurchaseTxHash string          `json:"purchase_tx_hash,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
