package strategist

import (
	"context"
	"errors"
	"math/big"
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

var (
	testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type stubChain struct {
	head            uint64
	headErr         error
	balance         *big.Int
	balanceErr      error
	balanceCalls    int
	purchased       bool
	purchasedErr    error
	instructor      bool
	instructorErr   error
	price           *big.Int
	priceErr        error
	allowance       *big.Int
	allowanceErr    error
	receipt         *types.Receipt
	receiptErr      error
}

func (s *stubChain) HeadBlock(ctx context.Context) (uint64, error) {
	return s.head, s.headErr
}

func (s *stubChain) TokenBalance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error) {
	s.balanceCalls++
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return &domain.BalanceReading{
		Owner:    owner,
		Token:    testToken,
		Amount:   s.balance,
		Source:   domain.SourceChain,
		AsOf:     s.head,
		Realtime: true,
		ReadAt:   time.Now(),
	}, nil
}

func (s *stubChain) Allowance(ctx context.Context, owner common.Address) (*big.Int, uint64, error) {
	return s.allowance, s.head, s.allowanceErr
}

func (s *stubChain) HasPurchased(ctx context.Context, courseID uint64, user common.Address) (*domain.FlagReading, error) {
	if s.purchasedErr != nil {
		return nil, s.purchasedErr
	}
	return &domain.FlagReading{Address: user, CourseID: courseID, Value: s.purchased, Source: domain.SourceChain, AsOf: s.head, Realtime: true}, nil
}

func (s *stubChain) IsInstructor(ctx context.Context, user common.Address) (*domain.FlagReading, error) {
	if s.instructorErr != nil {
		return nil, s.instructorErr
	}
	return &domain.FlagReading{Address: user, Value: s.instructor, Source: domain.SourceChain, AsOf: s.head, Realtime: true}, nil
}

func (s *stubChain) CoursePrice(ctx context.Context, courseID uint64) (*big.Int, error) {
	return s.price, s.priceErr
}

func (s *stubChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return s.receipt, s.receiptErr
}

type stubIndex struct {
	meta         *domain.IndexerMeta
	metaErr      error
	balance      *big.Int
	balanceErr   error
	balanceCalls int
	purchased    bool
	purchasedErr error
	events       []domain.PurchaseEvent
	eventsErr    error
	eventByTx    *domain.PurchaseEvent
	eventByTxErr error
}

func (s *stubIndex) Meta(ctx context.Context) (*domain.IndexerMeta, error) {
	return s.meta, s.metaErr
}

func (s *stubIndex) Balance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error) {
	s.balanceCalls++
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return &domain.BalanceReading{
		Owner:  owner,
		Amount: s.balance,
		Source: domain.SourceIndex,
		AsOf:   100,
		ReadAt: time.Now(),
	}, nil
}

func (s *stubIndex) HasPurchased(ctx context.Context, courseID uint64, buyer common.Address) (*domain.FlagReading, error) {
	if s.purchasedErr != nil {
		return nil, s.purchasedErr
	}
	return &domain.FlagReading{Address: buyer, CourseID: courseID, Value: s.purchased, Source: domain.SourceIndex, AsOf: 100}, nil
}

func (s *stubIndex) PurchasesByBuyer(ctx context.Context, buyer common.Address, limit, offset int) ([]domain.PurchaseEvent, error) {
	return s.events, s.eventsErr
}

func (s *stubIndex) PurchaseByTxHash(ctx context.Context, txHash common.Hash) (*domain.PurchaseEvent, error) {
	return s.eventByTx, s.eventByTxErr
}

func newTestStrategist(t *testing.T, chain *stubChain, index *stubIndex, indexHealthy bool) *Strategist {
	t.Helper()
	logger := zerolog.Nop()

	monitor := NewMonitor(chain, index, config.HealthConfig{
		ProbeInterval:    time.Minute,
		ProbeTimeout:     time.Second,
		FailureThreshold: 1,
		MaxBlockLag:      30,
	}, nil, logger)
	if !indexHealthy {
		monitor.recordFailure(errors.New("probe failed"))
	}

	cache, err := NewBalanceCache(config.CacheConfig{Enabled: false}, logger)
	require.NoError(t, err)

	return New(chain, index, monitor, cache, testToken, logger)
}

func TestBalanceGatePurposeReadsChainOnly(t *testing.T) {
	chain := &stubChain{head: 130, balance: big.NewInt(500)}
	index := &stubIndex{balance: big.NewInt(999)}
	s := newTestStrategist(t, chain, index, true)

	reading, err := s.Balance(context.Background(), testOwner, domain.PurposeTransactionGate)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceChain, reading.Source)
	assert.Equal(t, big.NewInt(500), reading.Amount)
	assert.True(t, reading.Realtime)
	assert.Zero(t, index.balanceCalls)
}

func TestBalanceGatePurposeFailsWithoutFallback(t *testing.T) {
	chain := &stubChain{balanceErr: errors.New("rpc timeout")}
	index := &stubIndex{balance: big.NewInt(999)}
	s := newTestStrategist(t, chain, index, true)

	_, err := s.Balance(context.Background(), testOwner, domain.PurposeTransactionGate)

	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Zero(t, index.balanceCalls)
}

func TestBalanceDisplayPrefersHealthyIndexer(t *testing.T) {
	chain := &stubChain{head: 130, balance: big.NewInt(500)}
	index := &stubIndex{balance: big.NewInt(480)}
	s := newTestStrategist(t, chain, index, true)

	reading, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceIndex, reading.Source)
	assert.Equal(t, big.NewInt(480), reading.Amount)
	assert.Zero(t, chain.balanceCalls)
}

func TestBalanceDisplaySkipsUnhealthyIndexer(t *testing.T) {
	chain := &stubChain{head: 130, balance: big.NewInt(500)}
	index := &stubIndex{balance: big.NewInt(480)}
	s := newTestStrategist(t, chain, index, false)

	reading, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceChain, reading.Source)
	assert.Zero(t, index.balanceCalls)
}

func TestBalanceDisplayFallsBackToChainOnIndexError(t *testing.T) {
	chain := &stubChain{head: 130, balance: big.NewInt(500)}
	index := &stubIndex{balanceErr: errors.New("502 bad gateway")}
	s := newTestStrategist(t, chain, index, true)

	reading, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceChain, reading.Source)
	assert.Equal(t, 1, index.balanceCalls)
}

func TestBalanceDisplayServesStaleCacheWhenAllSourcesDown(t *testing.T) {
	chain := &stubChain{head: 130, balance: big.NewInt(500)}
	index := &stubIndex{balanceErr: errors.New("index down")}
	s := newTestStrategist(t, chain, index, true)

	// Prime the cache through the chain fallback, then take the chain down too.
	reading, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceChain, reading.Source)

	chain.balanceErr = errors.New("rpc down")

	stale, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.False(t, stale.Realtime)
	assert.Equal(t, big.NewInt(500), stale.Amount)
}

func TestBalanceDisplayFailsWithoutAnySource(t *testing.T) {
	chain := &stubChain{balanceErr: errors.New("rpc down")}
	index := &stubIndex{balanceErr: errors.New("index down")}
	s := newTestStrategist(t, chain, index, true)

	_, err := s.Balance(context.Background(), testOwner, domain.PurposeDisplay)

	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestPurchaseHistoryRequiresHealthyIndexer(t *testing.T) {
	chain := &stubChain{}
	index := &stubIndex{events: []domain.PurchaseEvent{{CourseID: 7}}}

	s := newTestStrategist(t, chain, index, true)
	events, err := s.PurchaseHistory(context.Background(), testOwner, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	s = newTestStrategist(t, chain, index, false)
	_, err = s.PurchaseHistory(context.Background(), testOwner, 10, 0)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestHasPurchasedGateBypassesIndexer(t *testing.T) {
	chain := &stubChain{purchased: false}
	index := &stubIndex{purchased: true}
	s := newTestStrategist(t, chain, index, true)

	reading, err := s.HasPurchased(context.Background(), 7, testOwner, domain.PurposeTransactionGate)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceChain, reading.Source)
	assert.False(t, reading.Value)
}
