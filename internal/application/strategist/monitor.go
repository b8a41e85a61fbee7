package strategist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/pkg/config"
)

// HealthBroadcaster pushes health transitions to interested clients.
type HealthBroadcaster interface {
	BroadcastHealth(status domain.HealthStatus)
}

// Monitor probes the indexer on a fixed interval and tracks its health.
// A source goes unhealthy after failureThreshold consecutive probe failures
// or when its replication head lags the chain head by more than maxBlockLag
// blocks. It returns to healthy only on a successful fresh probe.
type Monitor struct {
	chain       interfaces.ChainReader
	index       interfaces.IndexReader
	interval    time.Duration
	timeout     time.Duration
	threshold   int
	maxLag      uint64
	broadcaster HealthBroadcaster
	logger      zerolog.Logger

	mu     sync.RWMutex
	status domain.HealthStatus
}

func NewMonitor(chain interfaces.ChainReader, index interfaces.IndexReader, cfg config.HealthConfig, broadcaster HealthBroadcaster, logger zerolog.Logger) *Monitor {
	return &Monitor{
		chain:       chain,
		index:       index,
		interval:    cfg.ProbeInterval,
		timeout:     cfg.ProbeTimeout,
		threshold:   cfg.FailureThreshold,
		maxLag:      cfg.MaxBlockLag,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "health_monitor").Logger(),
		status: domain.HealthStatus{
			Source:  domain.SourceIndex,
			Healthy: true,
		},
	}
}

// Run probes until ctx is cancelled. An immediate probe fires before the
// first tick so routing decisions never run against a blank status.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one health check cycle and updates the tracked status.
func (m *Monitor) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	meta, err := m.index.Meta(ctx)
	if err != nil {
		m.recordFailure(err)
		return
	}
	if meta.HasErrors {
		m.recordSuccess(meta.HeadBlock, 0, false, "indexer reports indexing errors")
		return
	}

	head, err := m.chain.HeadBlock(ctx)
	if err != nil {
		// Without the chain head the lag cannot be measured; treat the
		// reachable indexer as current rather than failing it for the
		// chain's problem.
		m.logger.Warn().Err(err).Msg("Chain head unavailable during probe, skipping lag check")
		m.recordSuccess(meta.HeadBlock, 0, true, "")
		return
	}

	var lag uint64
	if head > meta.HeadBlock {
		lag = head - meta.HeadBlock
	}
	if lag > m.maxLag {
		m.recordSuccess(meta.HeadBlock, lag, false, "indexer head lags chain beyond tolerance")
		return
	}
	m.recordSuccess(meta.HeadBlock, lag, true, "")
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.status.ConsecutiveFailures++
	m.status.LastCheckedAt = time.Now()
	m.status.LastError = err.Error()
	wasHealthy := m.status.Healthy
	if m.status.ConsecutiveFailures >= m.threshold {
		m.status.Healthy = false
	}
	status := m.status
	m.mu.Unlock()

	if wasHealthy && !status.Healthy {
		m.logger.Warn().
			Err(err).
			Int("consecutive_failures", status.ConsecutiveFailures).
			Msg("Indexer marked unhealthy")
		m.notify(status)
	}
}

func (m *Monitor) recordSuccess(headBlock, lag uint64, healthy bool, reason string) {
	m.mu.Lock()
	m.status.ConsecutiveFailures = 0
	m.status.LastCheckedAt = time.Now()
	m.status.HeadBlock = headBlock
	m.status.BlockLag = lag
	m.status.LastError = reason
	changed := m.status.Healthy != healthy
	m.status.Healthy = healthy
	status := m.status
	m.mu.Unlock()

	if changed {
		if healthy {
			m.logger.Info().Uint64("head_block", headBlock).Msg("Indexer recovered")
		} else {
			m.logger.Warn().
				Uint64("block_lag", lag).
				Str("reason", reason).
				Msg("Indexer marked unhealthy")
		}
		m.notify(status)
	}
}

func (m *Monitor) notify(status domain.HealthStatus) {
	if m.broadcaster != nil {
		m.broadcaster.BroadcastHealth(status)
	}
}

// Status returns a copy of the current indexer health.
func (m *Monitor) Status() domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Healthy reports whether the strategist may route display reads to the
// indexer.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Healthy
}
