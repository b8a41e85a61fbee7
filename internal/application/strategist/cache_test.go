package strategist

import (
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/pkg/config"
)

func newEnabledCache(t *testing.T) *BalanceCache {
	t.Helper()
	cache, err := NewBalanceCache(config.CacheConfig{Enabled: true, TTL: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	return cache
}

func sampleReading(amount int64) *domain.BalanceReading {
	return &domain.BalanceReading{
		Owner:  testOwner,
		Token:  testToken,
		Amount: big.NewInt(amount),
		Source: domain.SourceChain,
		AsOf:   42,
		ReadAt: time.Now(),
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache := newEnabledCache(t)
	cache.Put(sampleReading(750))

	got := cache.Get(testOwner.Hex(), testToken.Hex(), domain.SourceChain)

	require.NotNil(t, got)
	assert.Equal(t, big.NewInt(750), got.Amount)
	assert.Equal(t, uint64(42), got.AsOf)
}

func TestCacheGetMissesOtherSource(t *testing.T) {
	cache := newEnabledCache(t)
	cache.Put(sampleReading(750))

	assert.Nil(t, cache.Get(testOwner.Hex(), testToken.Hex(), domain.SourceIndex))
}

func TestCacheLastKnownMarkedStale(t *testing.T) {
	cache := newEnabledCache(t)
	reading := sampleReading(750)
	reading.Realtime = true
	cache.Put(reading)

	stale := cache.LastKnown(testOwner.Hex())

	require.NotNil(t, stale)
	assert.True(t, stale.Stale)
	assert.False(t, stale.Realtime)
	assert.Equal(t, big.NewInt(750), stale.Amount)
}

func TestCacheLastKnownUnknownOwner(t *testing.T) {
	cache := newEnabledCache(t)

	assert.Nil(t, cache.LastKnown("0x3333333333333333333333333333333333333333"))
}

func TestCacheInvalidateDropsOwner(t *testing.T) {
	cache := newEnabledCache(t)
	cache.Put(sampleReading(750))

	cache.Invalidate(testOwner.Hex())

	assert.Nil(t, cache.Get(testOwner.Hex(), testToken.Hex(), domain.SourceChain))
	assert.Nil(t, cache.LastKnown(testOwner.Hex()))
}

func TestCacheDisabledStillTracksLastKnown(t *testing.T) {
	cache, err := NewBalanceCache(config.CacheConfig{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	cache.Put(sampleReading(750))

	assert.Nil(t, cache.Get(testOwner.Hex(), testToken.Hex(), domain.SourceChain))
	require.NotNil(t, cache.LastKnown(testOwner.Hex()))
}

func TestCacheKeyIsCaseInsensitive(t *testing.T) {
	cache := newEnabledCache(t)
	cache.Put(sampleReading(750))

	got := cache.Get("0x1111111111111111111111111111111111111111", testToken.Hex(), domain.SourceChain)

	require.NotNil(t, got)
	assert.Equal(t, big.NewInt(750), got.Amount)
}
