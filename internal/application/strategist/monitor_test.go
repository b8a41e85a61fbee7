package strategist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/pkg/config"
)

func newTestMonitor(chain *stubChain, index *stubIndex, threshold int, maxLag uint64) *Monitor {
	return NewMonitor(chain, index, config.HealthConfig{
		ProbeInterval:    time.Minute,
		ProbeTimeout:     time.Second,
		FailureThreshold: threshold,
		MaxBlockLag:      maxLag,
	}, nil, zerolog.Nop())
}

func TestMonitorStaysHealthyBelowFailureThreshold(t *testing.T) {
	chain := &stubChain{head: 100}
	index := &stubIndex{metaErr: errors.New("connection refused")}
	m := newTestMonitor(chain, index, 3, 30)

	m.Probe(context.Background())
	m.Probe(context.Background())

	assert.True(t, m.Healthy())
	assert.Equal(t, 2, m.Status().ConsecutiveFailures)
}

func TestMonitorUnhealthyAfterConsecutiveFailures(t *testing.T) {
	chain := &stubChain{head: 100}
	index := &stubIndex{metaErr: errors.New("connection refused")}
	m := newTestMonitor(chain, index, 3, 30)

	for i := 0; i < 3; i++ {
		m.Probe(context.Background())
	}

	assert.False(t, m.Healthy())
	assert.Equal(t, "connection refused", m.Status().LastError)
}

func TestMonitorUnhealthyOnExcessiveLag(t *testing.T) {
	chain := &stubChain{head: 200}
	index := &stubIndex{meta: &domain.IndexerMeta{HeadBlock: 150}}
	m := newTestMonitor(chain, index, 3, 30)

	m.Probe(context.Background())

	status := m.Status()
	assert.False(t, status.Healthy)
	assert.Equal(t, uint64(50), status.BlockLag)
}

func TestMonitorRecoversOnFreshProbe(t *testing.T) {
	chain := &stubChain{head: 200}
	index := &stubIndex{metaErr: errors.New("connection refused")}
	m := newTestMonitor(chain, index, 1, 30)

	m.Probe(context.Background())
	assert.False(t, m.Healthy())

	index.metaErr = nil
	index.meta = &domain.IndexerMeta{HeadBlock: 195}
	m.Probe(context.Background())

	status := m.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, uint64(5), status.BlockLag)
	assert.Zero(t, status.ConsecutiveFailures)
}

func TestMonitorUnhealthyOnIndexingErrors(t *testing.T) {
	chain := &stubChain{head: 200}
	index := &stubIndex{meta: &domain.IndexerMeta{HeadBlock: 200, HasErrors: true}}
	m := newTestMonitor(chain, index, 3, 30)

	m.Probe(context.Background())

	assert.False(t, m.Healthy())
}

func TestMonitorToleratesChainOutageDuringProbe(t *testing.T) {
	chain := &stubChain{headErr: errors.New("rpc down")}
	index := &stubIndex{meta: &domain.IndexerMeta{HeadBlock: 200}}
	m := newTestMonitor(chain, index, 3, 30)

	m.Probe(context.Background())

	assert.True(t, m.Healthy())
}
