package strategist

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/pkg/config"
)

// BalanceCache memoizes balance readings for the configured TTL and keeps the
// last known reading per owner indefinitely. The TTL copy answers repeat
// display reads cheaply; the last-known copy backs the stale-fallback path
// when every live source is down, which is exactly when the TTL entry has
// already expired.
type BalanceCache struct {
	enabled bool
	cache   *bigcache.BigCache
	logger  zerolog.Logger

	mu        sync.RWMutex
	lastKnown map[string]domain.BalanceReading
}

func NewBalanceCache(cfg config.CacheConfig, logger zerolog.Logger) (*BalanceCache, error) {
	bc := &BalanceCache{
		enabled:   cfg.Enabled,
		lastKnown: make(map[string]domain.BalanceReading),
		logger:    logger.With().Str("component", "balance_cache").Logger(),
	}
	if !cfg.Enabled {
		return bc, nil
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cfg.TTL))
	if err != nil {
		return nil, err
	}
	bc.cache = cache
	return bc, nil
}

func cacheKey(reading *domain.BalanceReading) string {
	return strings.ToLower(reading.Owner.Hex()) + "|" + strings.ToLower(reading.Token.Hex()) + "|" + string(reading.Source)
}

func lastKnownKey(owner string) string {
	return strings.ToLower(owner)
}

// Put stores a fresh reading under both the TTL cache and the last-known map.
func (c *BalanceCache) Put(reading *domain.BalanceReading) {
	if reading == nil {
		return
	}

	c.mu.Lock()
	c.lastKnown[lastKnownKey(reading.Owner.Hex())] = *reading
	c.mu.Unlock()

	if !c.enabled {
		return
	}
	data, err := json.Marshal(reading)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to serialize balance reading for cache")
		return
	}
	if err := c.cache.Set(cacheKey(reading), data); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache balance reading")
	}
}

// Get returns the memoized reading for (owner, token, source), or nil when
// absent or expired.
func (c *BalanceCache) Get(owner, token string, source domain.Source) *domain.BalanceReading {
	if !c.enabled {
		return nil
	}
	key := strings.ToLower(owner) + "|" + strings.ToLower(token) + "|" + string(source)
	data, err := c.cache.Get(key)
	if err != nil {
		return nil
	}

	var reading domain.BalanceReading
	if err := json.Unmarshal(data, &reading); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Discarding corrupt cache entry")
		return nil
	}
	return &reading
}

// LastKnown returns the most recent reading ever observed for owner,
// regardless of TTL, marked stale. Nil when the owner was never read.
func (c *BalanceCache) LastKnown(owner string) *domain.BalanceReading {
	c.mu.RLock()
	reading, ok := c.lastKnown[lastKnownKey(owner)]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	reading.Stale = true
	reading.Realtime = false
	return &reading
}

// Invalidate drops all cached readings for owner. Called after a completed
// purchase so the next display read reflects the spent balance.
func (c *BalanceCache) Invalidate(owner string) {
	c.mu.Lock()
	delete(c.lastKnown, lastKnownKey(owner))
	c.mu.Unlock()

	if !c.enabled {
		return
	}
	c.dropByOwner(owner)
}

// dropByOwner walks the cache because keys embed the token address, which the
// caller does not know.
func (c *BalanceCache) dropByOwner(owner string) {
	prefix := strings.ToLower(owner) + "|"
	it := c.cache.Iterator()
	var stale []string
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), prefix) {
			stale = append(stale, entry.Key())
		}
	}
	for _, key := range stale {
		if err := c.cache.Delete(key); err != nil && err != bigcache.ErrEntryNotFound {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to evict cache entry")
		}
	}
}

// Age reports how old a reading is, for logging staleness on fallback serves.
func Age(reading *domain.BalanceReading) time.Duration {
	return time.Since(reading.ReadAt)
}
