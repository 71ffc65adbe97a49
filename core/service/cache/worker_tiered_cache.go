// Package cache provides the three-tier score cache (hot / warm / pattern)
// with an optional shared Redis L2 behind a circuit breaker.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config configures the tiered cache.
type Config struct {
	HotTTL      time.Duration
	WarmTTL     time.Duration
	PatternTTL  time.Duration
	HotSize     int
	WarmSize    int
	PatternSize int
	Shards      int

	// PromotionHits is the number of pattern hits after which the adjusted
	// result is promoted into the warm tier.
	PromotionHits int

	WorkStartHour int
	WorkEndHour   int

	L2Timeout       time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HotTTL:          5 * time.Minute,
		WarmTTL:         30 * time.Minute,
		PatternTTL:      2 * time.Hour,
		HotSize:         1000,
		WarmSize:        5000,
		PatternSize:     500,
		Shards:          16,
		PromotionHits:   3,
		WorkStartHour:   9,
		WorkEndHour:     18,
		L2Timeout:       25 * time.Millisecond,
		CleanupInterval: time.Minute,
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	HotHits     int64   `json:"hot_hits"`
	WarmHits    int64   `json:"warm_hits"`
	PatternHits int64   `json:"pattern_hits"`
	L2Hits      int64   `json:"l2_hits"`
	Misses      int64   `json:"misses"`
	Promotions  int64   `json:"promotions"`
	Evictions   int64   `json:"evictions"`
	Expired     int64   `json:"expired"`
	L2Errors    int64   `json:"l2_errors"`
	HotSize     int     `json:"hot_size"`
	WarmSize    int     `json:"warm_size"`
	PatternSize int     `json:"pattern_size"`
	HitRate     float64 `json:"hit_rate"`
}

// TieredCache serves score results from the cheapest tier that holds them.
type TieredCache struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	hot         *lruTier[domain.ScoreResult]
	warm        *lruTier[domain.ScoreResult]
	pattern     *lruTier[domain.ScoreResult]
	patternUses *lruTier[int]

	l2      out.ScoreCacheL2
	breaker *gobreaker.CircuitBreaker

	hotHits, warmHits, patternHits, l2Hits atomic.Int64
	misses, promotions, l2Errors          atomic.Int64
}

// Option customizes a TieredCache.
type Option func(*TieredCache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) { c.now = now }
}

// WithL2 enables the shared second-level cache.
func WithL2(l2 out.ScoreCacheL2) Option {
	return func(c *TieredCache) { c.l2 = l2 }
}

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *TieredCache) { c.log = l.With().Str("component", "score_cache").Logger() }
}

// New creates a tiered cache.
func New(cfg Config, opts ...Option) *TieredCache {
	def := DefaultConfig()
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = def.HotTTL
	}
	if cfg.WarmTTL <= 0 {
		cfg.WarmTTL = def.WarmTTL
	}
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = def.PatternTTL
	}
	if cfg.HotSize <= 0 {
		cfg.HotSize = def.HotSize
	}
	if cfg.WarmSize <= 0 {
		cfg.WarmSize = def.WarmSize
	}
	if cfg.PatternSize <= 0 {
		cfg.PatternSize = def.PatternSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.PromotionHits <= 0 {
		cfg.PromotionHits = def.PromotionHits
	}
	if cfg.WorkEndHour <= cfg.WorkStartHour {
		cfg.WorkStartHour, cfg.WorkEndHour = def.WorkStartHour, def.WorkEndHour
	}
	if cfg.L2Timeout <= 0 {
		cfg.L2Timeout = def.L2Timeout
	}

	c := &TieredCache{
		cfg: cfg,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	clock := func() time.Time { return c.now() }
	c.hot = newLRUTier[domain.ScoreResult](cfg.HotSize, cfg.Shards, cfg.HotTTL, clock)
	c.warm = newLRUTier[domain.ScoreResult](cfg.WarmSize, cfg.Shards, cfg.WarmTTL, clock)
	c.pattern = newLRUTier[domain.ScoreResult](cfg.PatternSize, cfg.Shards, cfg.PatternTTL, clock)
	c.patternUses = newLRUTier[int](cfg.WarmSize, cfg.Shards, cfg.PatternTTL, clock)

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "score-cache-l2",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

// Scope namespaces cache keys per user and weights version so that a
// learner update makes previously cached results unreachable.
func Scope(userID string, weightsVersion int64) string {
	return fmt.Sprintf("%s@v%d", userID, weightsVersion)
}

func scopedKey(scope, key string) string {
	return scope + "|" + key
}

// Get looks the signature up hot → (L2) → warm → pattern.
// loc is the user's timezone, used for the pattern-tier work-hours adjustment.
func (c *TieredCache) Get(ctx context.Context, scope string, sig domain.MessageSignature, loc *time.Location) (domain.ScoreResult, bool) {
	hotKey := scopedKey(scope, sig.ExactKey)
	if r, _, ok := c.hot.get(hotKey); ok {
		c.hotHits.Add(1)
		return served(r, domain.CacheTierHot), true
	}

	if r, ok := c.getL2(ctx, hotKey); ok {
		c.l2Hits.Add(1)
		c.hot.put(hotKey, stored(r))
		return served(r, domain.CacheTierHot), true
	}

	warmKey := scopedKey(scope, sig.PatternKey)
	if r, _, ok := c.warm.get(warmKey); ok {
		c.warmHits.Add(1)
		return served(r, domain.CacheTierWarm), true
	}

	for _, frag := range sig.Fragments() {
		r, _, ok := c.pattern.get(scopedKey(scope, frag))
		if !ok {
			continue
		}
		c.patternHits.Add(1)
		adjusted := c.adjustForContext(r, sig, loc)

		uses := c.patternUses.update(warmKey, func(cur int, _ bool) int { return cur + 1 })
		if uses > c.cfg.PromotionHits {
			c.warm.put(warmKey, stored(adjusted))
			c.patternUses.remove(warmKey)
			c.promotions.Add(1)
		}
		return adjusted, true
	}

	c.misses.Add(1)
	return domain.ScoreResult{}, false
}

// Put writes a freshly computed result into the hot tier, the pattern fragments and L2.
func (c *TieredCache) Put(ctx context.Context, scope string, sig domain.MessageSignature, result domain.ScoreResult, computeTimeMs float64) {
	r := stored(result)
	r.ComputeTimeMs = computeTimeMs

	hotKey := scopedKey(scope, sig.ExactKey)
	c.hot.put(hotKey, r)
	for _, frag := range sig.Fragments() {
		c.pattern.put(scopedKey(scope, frag), r.Clone())
	}
	c.putL2(ctx, hotKey, r)
}

// Invalidate drops the hot entry for a signature.
func (c *TieredCache) Invalidate(ctx context.Context, scope string, sig domain.MessageSignature) {
	key := scopedKey(scope, sig.ExactKey)
	c.hot.remove(key)
	c.warm.remove(scopedKey(scope, sig.PatternKey))
	if c.l2 != nil {
		_, _ = c.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
			defer cancel()
			return nil, c.l2.Delete(ctx, key)
		})
	}
}

// Reset clears every tier and counter.
func (c *TieredCache) Reset() {
	c.hot.reset()
	c.warm.reset()
	c.pattern.reset()
	c.patternUses.reset()
	for _, n := range []*atomic.Int64{&c.hotHits, &c.warmHits, &c.patternHits, &c.l2Hits, &c.misses, &c.promotions, &c.l2Errors} {
		n.Store(0)
	}
}

// Stats returns a snapshot of the cache counters.
func (c *TieredCache) Stats() Stats {
	s := Stats{
		HotHits:     c.hotHits.Load(),
		WarmHits:    c.warmHits.Load(),
		PatternHits: c.patternHits.Load(),
		L2Hits:      c.l2Hits.Load(),
		Misses:      c.misses.Load(),
		Promotions:  c.promotions.Load(),
		L2Errors:    c.l2Errors.Load(),
		Evictions:   c.hot.evictions.Load() + c.warm.evictions.Load() + c.pattern.evictions.Load(),
		Expired:     c.hot.expired.Load() + c.warm.expired.Load() + c.pattern.expired.Load(),
		HotSize:     c.hot.len(),
		WarmSize:    c.warm.len(),
		PatternSize: c.pattern.len(),
	}
	hits := s.HotHits + s.WarmHits + s.PatternHits + s.L2Hits
	if total := hits + s.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Run sweeps expired entries until ctx is done.
func (c *TieredCache) Run(ctx context.Context) {
	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.hot.sweep() + c.warm.sweep() + c.pattern.sweep()
			c.patternUses.sweep()
			if n > 0 {
				c.log.Debug().Int("removed", n).Msg("expired cache entries swept")
			}
		}
	}
}

func (c *TieredCache) getL2(ctx context.Context, key string) (domain.ScoreResult, bool) {
	if c.l2 == nil {
		return domain.ScoreResult{}, false
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
		defer cancel()
		return c.l2.Get(ctx, key)
	})
	if err != nil {
		c.l2Errors.Add(1)
		c.log.Debug().Err(fmt.Errorf("%w: %v", domain.ErrTransientCache, err)).Msg("l2 get degraded to miss")
		return domain.ScoreResult{}, false
	}
	r, _ := v.(*domain.ScoreResult)
	if r == nil {
		return domain.ScoreResult{}, false
	}
	return *r, true
}

func (c *TieredCache) putL2(ctx context.Context, key string, r domain.ScoreResult) {
	if c.l2 == nil {
		return
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
		defer cancel()
		return nil, c.l2.Set(ctx, key, &r, c.cfg.HotTTL)
	})
	if err != nil {
		c.l2Errors.Add(1)
		c.log.Debug().Err(fmt.Errorf("%w: %v", domain.ErrTransientCache, err)).Msg("l2 set skipped")
	}
}

// stored normalizes a result before it goes into a tier.
func stored(r domain.ScoreResult) domain.ScoreResult {
	s := r.Clone()
	s.FromCache = false
	s.CacheTier = domain.CacheTierNone
	s.ProcessingTier = ""
	s.Fallback = false
	return s
}

// served marks a copy of a stored result as coming from tier.
func served(r domain.ScoreResult, tier domain.CacheTier) domain.ScoreResult {
	s := r.Clone()
	s.FromCache = true
	s.CacheTier = tier
	return s
}
