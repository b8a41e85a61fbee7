package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/pkg/config"
)

// EthBackend is the slice of the RPC client the reader needs. *ethclient.Client
// satisfies it; tests substitute a stub.
type EthBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type chainReader struct {
	backend     EthBackend
	marketplace common.Address
	token       common.Address
	timeout     time.Duration
	logger      zerolog.Logger
}

func NewChainReader(cfg config.ChainConfig, logger zerolog.Logger) (interfaces.ChainReader, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC endpoint: %w", err)
	}
	return NewChainReaderWithBackend(client, cfg, logger), nil
}

func NewChainReaderWithBackend(backend EthBackend, cfg config.ChainConfig, logger zerolog.Logger) interfaces.ChainReader {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &chainReader{
		backend:     backend,
		marketplace: common.HexToAddress(cfg.MarketplaceContract),
		token:       common.HexToAddress(cfg.TokenContract),
		timeout:     timeout,
		logger:      logger.With().Str("component", "chain_reader").Logger(),
	}
}

func (r *chainReader) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch head block: %w", err)
	}
	return head, nil
}

func (r *chainReader) TokenBalance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error) {
	amount, asOf, err := r.callUint256(ctx, r.token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to read token balance for %s: %w", owner.Hex(), err)
	}

	r.logger.Debug().
		Str("owner", owner.Hex()).
		Str("amount", amount.String()).
		Uint64("as_of", asOf).
		Msg("Read token balance from chain")

	return &domain.BalanceReading{
		Owner:    owner,
		Token:    r.token,
		Amount:   amount,
		Source:   domain.SourceChain,
		AsOf:     asOf,
		Realtime: true,
		ReadAt:   time.Now(),
	}, nil
}

func (r *chainReader) Allowance(ctx context.Context, owner common.Address) (*big.Int, uint64, error) {
	amount, asOf, err := r.callUint256(ctx, r.token, erc20ABI, "allowance", owner, r.marketplace)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read allowance for %s: %w", owner.Hex(), err)
	}
	return amount, asOf, nil
}

func (r *chainReader) HasPurchased(ctx context.Context, courseID uint64, user common.Address) (*domain.FlagReading, error) {
	value, asOf, err := r.callBool(ctx, r.marketplace, "hasPurchasedCourse", new(big.Int).SetUint64(courseID), user)
	if err != nil {
		return nil, fmt.Errorf("failed to read purchase flag for course %d, user %s: %w", courseID, user.Hex(), err)
	}

	return &domain.FlagReading{
		Address:  user,
		CourseID: courseID,
		Value:    value,
		Source:   domain.SourceChain,
		AsOf:     asOf,
		Realtime: true,
	}, nil
}

func (r *chainReader) IsInstructor(ctx context.Context, user common.Address) (*domain.FlagReading, error) {
	value, asOf, err := r.callBool(ctx, r.marketplace, "isInstructor", user)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructor flag for %s: %w", user.Hex(), err)
	}

	return &domain.FlagReading{
		Address:  user,
		Value:    value,
		Source:   domain.SourceChain,
		AsOf:     asOf,
		Realtime: true,
	}, nil
}

func (r *chainReader) CoursePrice(ctx context.Context, courseID uint64) (*big.Int, error) {
	price, _, err := r.callUint256(ctx, r.marketplace, marketplaceABI, "getCoursePrice", new(big.Int).SetUint64(courseID))
	if err != nil {
		return nil, fmt.Errorf("failed to read price for course %d: %w", courseID, err)
	}
	return price, nil
}

func (r *chainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	receipt, err := r.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, domain.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to fetch receipt for %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

func (r *chainReader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	asOf, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch head block: %w", err)
	}

	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s call failed: %w", method, err)
	}

	values, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return values, asOf, nil
}

func (r *chainReader) callUint256(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, uint64, error) {
	values, asOf, err := r.call(ctx, to, parsed, method, args...)
	if err != nil {
		return nil, 0, err
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return amount, asOf, nil
}

func (r *chainReader) callBool(ctx context.Context, to common.Address, method string, args ...interface{}) (bool, uint64, error) {
	values, asOf, err := r.call(ctx, to, marketplaceABI, method, args...)
	if err != nil {
		return false, 0, err
	}
	value, ok := values[0].(bool)
	if !ok {
		return false, 0, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return value, asOf, nil
}
