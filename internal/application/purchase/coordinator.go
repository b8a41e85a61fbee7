package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/internal/repositories/intentrepo"
	"github.com/coursechain/cvs/pkg/config"
)

// GateReader is the slice of the query strategist the coordinator needs:
// reads that gate fund movement, plus cache invalidation after completion.
type GateReader interface {
	Balance(ctx context.Context, owner common.Address, purpose domain.Purpose) (*domain.BalanceReading, error)
	HasPurchased(ctx context.Context, courseID uint64, buyer common.Address, purpose domain.Purpose) (*domain.FlagReading, error)
	InvalidateBalance(owner common.Address)
}

// PurchaseVerifier proves that a transaction hash funds a claimed purchase.
type PurchaseVerifier interface {
	Verify(ctx context.Context, txHash string, expected domain.ExpectedPurchase) (*domain.VerifiedPurchase, error)
}

// EnrollmentWriter records verified purchases.
type EnrollmentWriter interface {
	Record(ctx context.Context, purchase *domain.VerifiedPurchase, metadata json.RawMessage) (*domain.Enrollment, error)
}

// IntentBroadcaster pushes intent state changes to connected clients.
type IntentBroadcaster interface {
	BroadcastIntent(intent *domain.PurchaseIntent)
}

// Coordinator drives purchase intents through approval, purchase,
// verification and recording. The client signs and submits transactions; the
// coordinator never holds keys. It learns transaction hashes from the client,
// persists them immediately and waits for receipts, so a crash or disconnect
// resumes from the last persisted step instead of resubmitting.
type Coordinator struct {
	intents     intentrepo.IntentRepo
	chain       interfaces.ChainReader
	reader      GateReader
	verifier    PurchaseVerifier
	recorder    EnrollmentWriter
	broadcaster IntentBroadcaster

	pollInterval time.Duration
	waitCeiling  time.Duration
	maxRetries   int
	reconcileGap time.Duration
	workers      int

	logger zerolog.Logger
}

func NewCoordinator(
	intents intentrepo.IntentRepo,
	chain interfaces.ChainReader,
	reader GateReader,
	verifier PurchaseVerifier,
	recorder EnrollmentWriter,
	broadcaster IntentBroadcaster,
	cfg config.PurchaseConfig,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		intents:      intents,
		chain:        chain,
		reader:       reader,
		verifier:     verifier,
		recorder:     recorder,
		broadcaster:  broadcaster,
		pollInterval: cfg.ReceiptPollInterval,
		waitCeiling:  cfg.ReceiptWaitCeiling,
		maxRetries:   cfg.VerifyMaxRetries,
		reconcileGap: cfg.ReconcileInterval,
		workers:      cfg.ConcurrentWorkers,
		logger:       logger.With().Str("component", "purchase_coordinator").Logger(),
	}
}

// Begin opens a purchase intent for (buyer, course). Preconditions are
// checked against the chain, never the indexer: ownership, listed price and
// spendable balance. An intent that fails the balance check is recorded in
// the error state so the attempt is visible, and does not block a retry.
func (c *Coordinator) Begin(ctx context.Context, courseID uint64, buyer string, metadata json.RawMessage) (*domain.PurchaseIntent, error) {
	buyer = strings.ToLower(buyer)
	buyerAddr := common.HexToAddress(buyer)

	owned, err := c.reader.HasPurchased(ctx, courseID, buyerAddr, domain.PurposeTransactionGate)
	if err != nil {
		return nil, err
	}
	if owned.Value {
		return nil, domain.ErrAlreadyEnrolled
	}

	price, err := c.chain.CoursePrice(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	balance, err := c.reader.Balance(ctx, buyerAddr, domain.PurposeTransactionGate)
	if err != nil {
		return nil, err
	}

	intent := &domain.PurchaseIntent{
		IntentID:     uuid.New().String(),
		CourseID:     courseID,
		BuyerAddress: buyer,
		Price:        price,
		State:        domain.StateIdle,
		Metadata:     metadata,
	}
	if err := c.intents.Create(ctx, intent); err != nil {
		return nil, err
	}

	if balance.Amount.Cmp(price) < 0 {
		c.fail(ctx, intent, domain.ErrorKindInsufficientFunds,
			fmt.Sprintf("balance %s below price %s", balance.Amount, price))
		return intent, domain.ErrInsufficientFunds
	}

	next := domain.StateApproving
	allowance, _, err := c.chain.Allowance(ctx, buyerAddr)
	if err == nil && allowance.Cmp(price) >= 0 {
		// Enough allowance is already granted; the approval step is a no-op.
		next = domain.StateApproved
	}
	if err := c.advance(ctx, intent, domain.StateIdle, next); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("intent_id", intent.IntentID).
		Uint64("course_id", courseID).
		Str("buyer", buyer).
		Str("price", price.String()).
		Str("state", string(intent.State)).
		Msg("Purchase intent opened")
	return intent, nil
}

// AttachApproval records the client-submitted approval transaction and waits
// for its receipt. A receipt wait that hits the ceiling leaves the intent in
// approving and returns domain.ErrStillPending.
func (c *Coordinator) AttachApproval(ctx context.Context, intentID, txHash string) (*domain.PurchaseIntent, error) {
	intent, err := c.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State != domain.StateApproving {
		return nil, fmt.Errorf("%w: cannot attach approval in state %s", domain.ErrInvalidTransition, intent.State)
	}

	if err := c.intents.SetApprovalTx(ctx, intentID, txHash); err != nil {
		return nil, err
	}
	intent.ApprovalTxHash = strings.ToLower(txHash)

	receipt, err := c.waitReceipt(ctx, txHash)
	if err != nil {
		return intent, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.fail(ctx, intent, domain.ErrorKindApprovalReverted, "approval transaction reverted")
		return intent, domain.ErrTransactionFailed
	}

	if err := c.advance(ctx, intent, domain.StateApproving, domain.StateApproved); err != nil {
		return nil, err
	}
	return intent, nil
}

// AttachPurchase records the client-submitted purchase transaction, waits for
// its receipt and leaves the intent in verifying for Verify to prove it.
func (c *Coordinator) AttachPurchase(ctx context.Context, intentID, txHash string) (*domain.PurchaseIntent, error) {
	intent, err := c.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State != domain.StateApproved {
		return nil, fmt.Errorf("%w: cannot attach purchase in state %s", domain.ErrInvalidTransition, intent.State)
	}

	// Persist the hash before moving state: a crash between the two leaves a
	// resumable intent either way.
	if err := c.intents.SetPurchaseTx(ctx, intentID, txHash); err != nil {
		return nil, err
	}
	intent.PurchaseTxHash = strings.ToLower(txHash)

	if err := c.advance(ctx, intent, domain.StateApproved, domain.StatePurchasing); err != nil {
		return nil, err
	}

	return c.awaitPurchaseReceipt(ctx, intent)
}

func (c *Coordinator) awaitPurchaseReceipt(ctx context.Context, intent *domain.PurchaseIntent) (*domain.PurchaseIntent, error) {
	receipt, err := c.waitReceipt(ctx, intent.PurchaseTxHash)
	if err != nil {
		return intent, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.fail(ctx, intent, domain.ErrorKindPurchaseReverted, "purchase transaction reverted")
		return intent, domain.ErrTransactionFailed
	}

	if err := c.advance(ctx, intent, domain.StatePurchasing, domain.StateVerifying); err != nil {
		return nil, err
	}
	return intent, nil
}

// Verify proves the purchase transaction against the intent's claim, records
// the enrollment and completes the intent. Transient failures are retried
// with backoff; exhausting retries leaves the intent in verifying for the
// reconciliation loop. Proof failures are terminal.
func (c *Coordinator) Verify(ctx context.Context, intentID string) (*domain.PurchaseIntent, error) {
	intent, err := c.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State == domain.StateCompleted {
		return intent, nil
	}
	if intent.State != domain.StateVerifying {
		return nil, fmt.Errorf("%w: cannot verify in state %s", domain.ErrInvalidTransition, intent.State)
	}
	return c.verifyIntent(ctx, intent)
}

func (c *Coordinator) verifyIntent(ctx context.Context, intent *domain.PurchaseIntent) (*domain.PurchaseIntent, error) {
	expected := domain.ExpectedPurchase{
		CourseID: intent.CourseID,
		Buyer:    intent.BuyerAddress,
		Price:    intent.Price,
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return intent, ctx.Err()
			case <-time.After(c.pollInterval * time.Duration(1<<(attempt-1))):
			}
		}

		verified, err := c.verifier.Verify(ctx, intent.PurchaseTxHash, expected)
		if err == nil {
			return c.complete(ctx, intent, verified)
		}
		lastErr = err

		var mismatch *domain.MismatchError
		switch {
		case errors.As(err, &mismatch),
			errors.Is(err, domain.ErrTransactionFailed),
			errors.Is(err, domain.ErrEventNotFound):
			c.fail(ctx, intent, domain.ErrorKindVerificationFailed, err.Error())
			return intent, err
		}

		c.logger.Warn().Err(err).
			Str("intent_id", intent.IntentID).
			Int("attempt", attempt+1).
			Msg("Verification attempt failed, will retry")
	}

	// Still in verifying; the reconciliation loop picks it up.
	return intent, fmt.Errorf("verification not yet conclusive: %w", lastErr)
}

func (c *Coordinator) complete(ctx context.Context, intent *domain.PurchaseIntent, verified *domain.VerifiedPurchase) (*domain.PurchaseIntent, error) {
	if _, err := c.recorder.Record(ctx, verified, intent.Metadata); err != nil {
		if errors.Is(err, domain.ErrDuplicateTransactionHash) {
			c.fail(ctx, intent, domain.ErrorKindDuplicateTxHash, err.Error())
			return intent, err
		}
		return intent, fmt.Errorf("failed to record enrollment: %w", err)
	}

	if err := c.advance(ctx, intent, domain.StateVerifying, domain.StateCompleted); err != nil {
		return nil, err
	}
	c.reader.InvalidateBalance(common.HexToAddress(intent.BuyerAddress))

	c.logger.Info().
		Str("intent_id", intent.IntentID).
		Uint64("course_id", intent.CourseID).
		Str("buyer", intent.BuyerAddress).
		Str("tx_hash", intent.PurchaseTxHash).
		Msg("Purchase completed")
	return intent, nil
}

// Get returns an intent by id.
func (c *Coordinator) Get(ctx context.Context, intentID string) (*domain.PurchaseIntent, error) {
	return c.intents.GetByID(ctx, intentID)
}

// waitReceipt polls for a receipt until the wait ceiling. Hitting the
// ceiling is domain.ErrStillPending, not a failure: the transaction may
// still confirm and the caller retries against the same intent.
func (c *Coordinator) waitReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	deadline := time.Now().Add(c.waitCeiling)
	hash := common.HexToHash(txHash)

	for {
		receipt, err := c.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, domain.ErrReceiptNotFound) {
			c.logger.Warn().Err(err).Str("tx_hash", txHash).Msg("Receipt fetch failed, will retry")
		}

		if time.Now().After(deadline) {
			return nil, domain.ErrStillPending
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Coordinator) advance(ctx context.Context, intent *domain.PurchaseIntent, from, to domain.IntentState) error {
	if err := c.intents.UpdateState(ctx, intent.IntentID, from, to); err != nil {
		return err
	}
	intent.State = to
	intent.UpdatedAt = time.Now()
	c.notify(intent)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, intent *domain.PurchaseIntent, kind domain.ErrorKind, message string) {
	if err := c.intents.SetError(ctx, intent.IntentID, kind, message); err != nil {
		c.logger.Error().Err(err).Str("intent_id", intent.IntentID).Msg("Failed to mark intent as errored")
		return
	}
	intent.State = domain.StateError
	intent.ErrorKind = kind
	intent.ErrorMessage = message
	c.logger.Warn().
		Str("intent_id", intent.IntentID).
		Str("error_kind", string(kind)).
		Str("error_message", message).
		Msg("Purchase intent failed")
	c.notify(intent)
}

func (c *Coordinator) notify(intent *domain.PurchaseIntent) {
	if c.broadcaster != nil {
		c.broadcaster.BroadcastIntent(intent)
	}
}

// StartReconciliation resumes intents left in purchasing or verifying, on a
// fixed interval, with a bounded number of concurrent workers. It makes
// restarts safe: whatever step was in flight when the process died is picked
// up from its persisted transaction hash.
func (c *Coordinator) StartReconciliation(ctx context.Context) {
	ticker := time.NewTicker(c.reconcileGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

func (c *Coordinator) reconcileOnce(ctx context.Context) {
	intents, err := c.intents.ListResumable(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list resumable intents")
		return
	}
	if len(intents) == 0 {
		return
	}

	c.logger.Info().Int("count", len(intents)).Msg("Resuming in-flight purchase intents")

	sem := make(chan struct{}, c.workers)
	for i := range intents {
		intent := intents[i]
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			c.resume(ctx, &intent)
		}()
	}
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
}

func (c *Coordinator) resume(ctx context.Context, intent *domain.PurchaseIntent) {
	if intent.PurchaseTxHash == "" {
		// Purchasing with no hash should be unreachable; nothing to resume.
		c.logger.Warn().Str("intent_id", intent.IntentID).Msg("Resumable intent has no purchase transaction hash")
		return
	}

	var err error
	switch intent.State {
	case domain.StatePurchasing:
		intent, err = c.awaitPurchaseReceipt(ctx, intent)
		if err != nil {
			c.logger.Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Resumed intent still waiting for receipt")
			return
		}
		fallthrough
	case domain.StateVerifying:
		if _, err := c.verifyIntent(ctx, intent); err != nil {
			c.logger.Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Resumed intent not yet verified")
		}
	}
}
