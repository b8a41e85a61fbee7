package strategist

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
)

// Strategist routes each read to a source based on what the answer is for.
// Gate reads feed decisions that move funds: they go to the chain, bypass the
// cache, and fail rather than fall back. Display reads prefer the indexer
// while it is healthy and degrade through the chain down to a stale cached
// value before giving up.
type Strategist struct {
	chain   interfaces.ChainReader
	index   interfaces.IndexReader
	monitor *Monitor
	cache   *BalanceCache
	token   common.Address
	logger  zerolog.Logger
}

func New(chain interfaces.ChainReader, index interfaces.IndexReader, monitor *Monitor, cache *BalanceCache, token common.Address, logger zerolog.Logger) *Strategist {
	return &Strategist{
		chain:   chain,
		index:   index,
		monitor: monitor,
		cache:   cache,
		token:   token,
		logger:  logger.With().Str("component", "query_strategist").Logger(),
	}
}

func (s *Strategist) Balance(ctx context.Context, owner common.Address, purpose domain.Purpose) (*domain.BalanceReading, error) {
	if purpose == domain.PurposeTransactionGate {
		reading, err := s.chain.TokenBalance(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return reading, nil
	}

	if cached := s.cache.Get(owner.Hex(), s.token.Hex(), domain.SourceChain); cached != nil {
		return cached, nil
	}
	if s.monitor.Healthy() {
		if cached := s.cache.Get(owner.Hex(), s.token.Hex(), domain.SourceIndex); cached != nil {
			return cached, nil
		}
		reading, err := s.index.Balance(ctx, owner)
		if err == nil {
			reading.Token = s.token
			s.cache.Put(reading)
			return reading, nil
		}
		s.logger.Warn().Err(err).Str("owner", owner.Hex()).Msg("Index balance read failed, falling back to chain")
	}

	reading, err := s.chain.TokenBalance(ctx, owner)
	if err == nil {
		s.cache.Put(reading)
		return reading, nil
	}
	s.logger.Error().Err(err).Str("owner", owner.Hex()).Msg("Chain balance read failed")

	if stale := s.cache.LastKnown(owner.Hex()); stale != nil {
		s.logger.Warn().
			Str("owner", owner.Hex()).
			Dur("age", Age(stale)).
			Msg("Serving stale cached balance, all live sources unavailable")
		return stale, nil
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
}

func (s *Strategist) HasPurchased(ctx context.Context, courseID uint64, buyer common.Address, purpose domain.Purpose) (*domain.FlagReading, error) {
	if purpose == domain.PurposeTransactionGate {
		reading, err := s.chain.HasPurchased(ctx, courseID, buyer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return reading, nil
	}

	if s.monitor.Healthy() {
		reading, err := s.index.HasPurchased(ctx, courseID, buyer)
		if err == nil {
			return reading, nil
		}
		s.logger.Warn().Err(err).Uint64("course_id", courseID).Msg("Index purchase flag read failed, falling back to chain")
	}

	reading, err := s.chain.HasPurchased(ctx, courseID, buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return reading, nil
}

// IsInstructor has no indexed representation, so display reads also land on
// the chain.
func (s *Strategist) IsInstructor(ctx context.Context, user common.Address) (*domain.FlagReading, error) {
	reading, err := s.chain.IsInstructor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return reading, nil
}

// PurchaseHistory is display-only and index-only: the chain exposes no
// enumeration, so an unhealthy indexer means no history.
func (s *Strategist) PurchaseHistory(ctx context.Context, buyer common.Address, limit, offset int) ([]domain.PurchaseEvent, error) {
	if !s.monitor.Healthy() {
		return nil, fmt.Errorf("%w: indexer unhealthy", domain.ErrSourceUnavailable)
	}
	events, err := s.index.PurchasesByBuyer(ctx, buyer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return events, nil
}

// InvalidateBalance drops cached readings for owner after a state change.
func (s *Strategist) InvalidateBalance(owner common.Address) {
	s.cache.Invalidate(owner.Hex())
}

// IndexerHealth exposes the monitor's current status for the health endpoint.
func (s *Strategist) IndexerHealth() domain.HealthStatus {
	return s.monitor.Status()
}
