package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/pkg/config"
)

const (
	testBuyer  = "0x1111111111111111111111111111111111111111"
	approvalTx = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
	purchaseTx = "0xbbbb000000000000000000000000000000000000000000000000000000000002"
)

// memIntents is an in-memory IntentRepo enforcing the same invariants the
// SQL implementation gets from its constraints.
type memIntents struct {
	mu      sync.Mutex
	intents map[string]*domain.PurchaseIntent
}

func newMemIntents() *memIntents {
	return &memIntents{intents: make(map[string]*domain.PurchaseIntent)}
}

func (m *memIntents) Create(ctx context.Context, intent *domain.PurchaseIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.intents {
		if existing.BuyerAddress == intent.BuyerAddress &&
			existing.CourseID == intent.CourseID &&
			!existing.State.Terminal() {
			return domain.ErrAlreadyInProgress
		}
	}
	clone := *intent
	m.intents[intent.IntentID] = &clone
	return nil
}

func (m *memIntents) GetByID(ctx context.Context, intentID string) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	clone := *intent
	return &clone, nil
}

func (m *memIntents) GetActiveByBuyerCourse(ctx context.Context, buyer string, courseID uint64) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.BuyerAddress == strings.ToLower(buyer) && intent.CourseID == courseID && !intent.State.Terminal() {
			clone := *intent
			return &clone, nil
		}
	}
	return nil, domain.ErrIntentNotFound
}

func (m *memIntents) UpdateState(ctx context.Context, intentID string, from, to domain.IntentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	if !ok || intent.State != from || !from.CanTransitionTo(to) {
		return domain.ErrInvalidTransition
	}
	intent.State = to
	return nil
}

func (m *memIntents) SetApprovalTx(ctx context.Context, intentID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID].ApprovalTxHash = strings.ToLower(txHash)
	return nil
}

func (m *memIntents) SetPurchaseTx(ctx context.Context, intentID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID].PurchaseTxHash = strings.ToLower(txHash)
	return nil
}

func (m *memIntents) SetError(ctx context.Context, intentID string, kind domain.ErrorKind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent := m.intents[intentID]
	if intent.State.Terminal() {
		return domain.ErrInvalidTransition
	}
	intent.State = domain.StateError
	intent.ErrorKind = kind
	intent.ErrorMessage = message
	return nil
}

func (m *memIntents) ListResumable(ctx context.Context) ([]domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PurchaseIntent
	for _, intent := range m.intents {
		if intent.State == domain.StatePurchasing || intent.State == domain.StateVerifying {
			out = append(out, *intent)
		}
	}
	return out, nil
}

type stubBackend struct {
	price     *big.Int
	allowance *big.Int
	receipts  map[string]*types.Receipt
}

func (s *stubBackend) HeadBlock(ctx context.Context) (uint64, error) { return 100, nil }
func (s *stubBackend) TokenBalance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error) {
	return nil, nil
}
func (s *stubBackend) Allowance(ctx context.Context, owner common.Address) (*big.Int, uint64, error) {
	return s.allowance, 100, nil
}
func (s *stubBackend) HasPurchased(ctx context.Context, courseID uint64, user common.Address) (*domain.FlagReading, error) {
	return nil, nil
}
func (s *stubBackend) IsInstructor(ctx context.Context, user common.Address) (*domain.FlagReading, error) {
	return nil, nil
}
func (s *stubBackend) CoursePrice(ctx context.Context, courseID uint64) (*big.Int, error) {
	return s.price, nil
}
func (s *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, ok := s.receipts[strings.ToLower(txHash.Hex())]
	if !ok {
		return nil, domain.ErrReceiptNotFound
	}
	return receipt, nil
}

type stubGate struct {
	balance     *big.Int
	owned       bool
	invalidated []string
}

func (s *stubGate) Balance(ctx context.Context, owner common.Address, purpose domain.Purpose) (*domain.BalanceReading, error) {
	return &domain.BalanceReading{Owner: owner, Amount: s.balance, Source: domain.SourceChain, Realtime: true}, nil
}

func (s *stubGate) HasPurchased(ctx context.Context, courseID uint64, buyer common.Address, purpose domain.Purpose) (*domain.FlagReading, error) {
	return &domain.FlagReading{Value: s.owned, Source: domain.SourceChain}, nil
}

func (s *stubGate) InvalidateBalance(owner common.Address) {
	s.invalidated = append(s.invalidated, strings.ToLower(owner.Hex()))
}

type stubVerifier struct {
	verified *domain.VerifiedPurchase
	errs     []error
	calls    int
}

func (s *stubVerifier) Verify(ctx context.Context, txHash string, expected domain.ExpectedPurchase) (*domain.VerifiedPurchase, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.verified, nil
}

type stubRecorder struct {
	recorded []*domain.VerifiedPurchase
	err      error
}

func (s *stubRecorder) Record(ctx context.Context, purchase *domain.VerifiedPurchase, metadata json.RawMessage) (*domain.Enrollment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.recorded = append(s.recorded, purchase)
	return &domain.Enrollment{ID: "e1", UserAddress: purchase.UserAddress, CourseID: purchase.CourseID}, nil
}

type coordFixture struct {
	coord    *Coordinator
	intents  *memIntents
	backend  *stubBackend
	gate     *stubGate
	verifier *stubVerifier
	recorder *stubRecorder
}

func newFixture() *coordFixture {
	backend := &stubBackend{
		price:     big.NewInt(1000),
		allowance: big.NewInt(0),
		receipts:  make(map[string]*types.Receipt),
	}
	gate := &stubGate{balance: big.NewInt(5000)}
	verifier := &stubVerifier{verified: &domain.VerifiedPurchase{
		UserAddress: testBuyer,
		CourseID:    7,
		TxHash:      purchaseTx,
		Price:       big.NewInt(1000),
		BlockNumber: 1234,
	}}
	recorder := &stubRecorder{}
	intents := newMemIntents()

	coord := NewCoordinator(intents, backend, gate, verifier, recorder, nil, config.PurchaseConfig{
		ReceiptPollInterval: time.Millisecond,
		ReceiptWaitCeiling:  20 * time.Millisecond,
		VerifyMaxRetries:    3,
		ReconcileInterval:   time.Minute,
		ConcurrentWorkers:   2,
	}, zerolog.Nop())

	return &coordFixture{coord: coord, intents: intents, backend: backend, gate: gate, verifier: verifier, recorder: recorder}
}

func (f *coordFixture) confirm(txHash string) {
	f.backend.receipts[strings.ToLower(txHash)] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(1234),
	}
}

func (f *coordFixture) revert(txHash string) {
	f.backend.receipts[strings.ToLower(txHash)] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1234),
	}
}

func TestBeginRequiresApprovalWhenAllowanceLow(t *testing.T) {
	f := newFixture()

	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)

	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, intent.State)
	assert.Equal(t, big.NewInt(1000), intent.Price)
}

func TestBeginSkipsApprovalWithSufficientAllowance(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)

	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)

	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, intent.State)
}

func TestBeginInsufficientFunds(t *testing.T) {
	f := newFixture()
	f.gate.balance = big.NewInt(10)

	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)

	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, intent)
	assert.Equal(t, domain.StateError, intent.State)
	assert.Equal(t, domain.ErrorKindInsufficientFunds, intent.ErrorKind)
}

func TestBeginRejectsOwnedCourse(t *testing.T) {
	f := newFixture()
	f.gate.owned = true

	_, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)

	assert.ErrorIs(t, err, domain.ErrAlreadyEnrolled)
}

func TestBeginRejectsConcurrentIntent(t *testing.T) {
	f := newFixture()

	_, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)

	_, err = f.coord.Begin(context.Background(), 7, testBuyer, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)
}

func TestFailedIntentDoesNotBlockRetry(t *testing.T) {
	f := newFixture()
	f.gate.balance = big.NewInt(10)

	_, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	f.gate.balance = big.NewInt(5000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, intent.State)
}

func TestAttachApprovalAdvancesOnConfirmedReceipt(t *testing.T) {
	f := newFixture()
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(approvalTx)

	intent, err = f.coord.AttachApproval(context.Background(), intent.IntentID, approvalTx)

	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, intent.State)
	assert.Equal(t, approvalTx, intent.ApprovalTxHash)
}

func TestAttachApprovalRevertedTransaction(t *testing.T) {
	f := newFixture()
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.revert(approvalTx)

	intent, err = f.coord.AttachApproval(context.Background(), intent.IntentID, approvalTx)

	assert.ErrorIs(t, err, domain.ErrTransactionFailed)
	assert.Equal(t, domain.StateError, intent.State)
	assert.Equal(t, domain.ErrorKindApprovalReverted, intent.ErrorKind)
}

func TestAttachApprovalRejectedInWrongState(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StateApproved, intent.State)

	_, err = f.coord.AttachApproval(context.Background(), intent.IntentID, approvalTx)

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAttachPurchasePersistsHashWhileStillPending(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)

	// No receipt ever appears; the wait must hit the ceiling.
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	assert.ErrorIs(t, err, domain.ErrStillPending)

	stored, err := f.intents.GetByID(context.Background(), intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, purchaseTx, stored.PurchaseTxHash)
	assert.Equal(t, domain.StatePurchasing, stored.State)
}

func TestPurchaseFlowCompletes(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)

	intent, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)
	require.Equal(t, domain.StateVerifying, intent.State)

	intent, err = f.coord.Verify(context.Background(), intent.IntentID)

	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, intent.State)
	require.Len(t, f.recorder.recorded, 1)
	assert.Equal(t, []string{testBuyer}, f.gate.invalidated)
}

func TestVerifyMismatchIsTerminal(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)

	f.verifier.errs = []error{&domain.MismatchError{Field: domain.MismatchPrice, Expected: "1000", Actual: "999"}}

	intent, err = f.coord.Verify(context.Background(), intent.IntentID)

	var mismatch *domain.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, domain.StateError, intent.State)
	assert.Equal(t, domain.ErrorKindVerificationFailed, intent.ErrorKind)
	assert.Equal(t, 1, f.verifier.calls)
}

func TestVerifyRetriesTransientFailures(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)

	f.verifier.errs = []error{domain.ErrReceiptNotFound, domain.ErrReceiptNotFound}

	intent, err = f.coord.Verify(context.Background(), intent.IntentID)

	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, intent.State)
	assert.Equal(t, 3, f.verifier.calls)
}

func TestVerifyExhaustedRetriesLeavesIntentVerifying(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)

	f.verifier.errs = []error{errors.New("rpc flake"), errors.New("rpc flake"), errors.New("rpc flake")}

	_, err = f.coord.Verify(context.Background(), intent.IntentID)
	require.Error(t, err)

	stored, err := f.intents.GetByID(context.Background(), intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerifying, stored.State)
}

func TestVerifyDuplicateHashIsTerminal(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)

	f.recorder.err = domain.ErrDuplicateTransactionHash

	intent, err = f.coord.Verify(context.Background(), intent.IntentID)

	assert.ErrorIs(t, err, domain.ErrDuplicateTransactionHash)
	assert.Equal(t, domain.StateError, intent.State)
	assert.Equal(t, domain.ErrorKindDuplicateTxHash, intent.ErrorKind)
}

func TestVerifyCompletedIntentIsIdempotent(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)
	_, err = f.coord.Verify(context.Background(), intent.IntentID)
	require.NoError(t, err)

	intent, err = f.coord.Verify(context.Background(), intent.IntentID)

	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, intent.State)
	assert.Len(t, f.recorder.recorded, 1)
}

func TestReconcileResumesVerifyingIntent(t *testing.T) {
	f := newFixture()
	f.backend.allowance = big.NewInt(2000)
	intent, err := f.coord.Begin(context.Background(), 7, testBuyer, nil)
	require.NoError(t, err)
	f.confirm(purchaseTx)
	_, err = f.coord.AttachPurchase(context.Background(), intent.IntentID, purchaseTx)
	require.NoError(t, err)

	f.coord.reconcileOnce(context.Background())

	stored, err := f.intents.GetByID(context.Background(), intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
}
