// Package scoring implements the composite priority scorer.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"priority_server/core/domain"
	"priority_server/core/service/cache"
	"priority_server/core/service/signature"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	fullConfidence    = 0.9
	sparseFactorLimit = 3
	sparsePenalty     = 0.1
)

// ScoreCache is the cache the scorer reads through.
type ScoreCache interface {
	Get(ctx context.Context, scope string, sig domain.MessageSignature, loc *time.Location) (domain.ScoreResult, bool)
	Put(ctx context.Context, scope string, sig domain.MessageSignature, result domain.ScoreResult, computeTimeMs float64)
}

// PatternSource supplies a user's learned patterns.
type PatternSource interface {
	Patterns(ctx context.Context, userID string) []domain.LearnedPattern
}

// Recorder receives timing metrics.
type Recorder interface {
	Record(op string, durationMs float64, success bool, tags map[string]string)
}

// Scorer computes composite priority scores.
type Scorer struct {
	rules       *RuleSet
	cache       ScoreCache
	patterns    PatternSource
	recorder    Recorder
	log         zerolog.Logger
	now         func() time.Time
	maxParallel int

	flight singleflight.Group
}

// Option customizes a Scorer.
type Option func(*Scorer)

func WithCache(c ScoreCache) Option { return func(s *Scorer) { s.cache = c } }
func WithPatterns(p PatternSource) Option { return func(s *Scorer) { s.patterns = p } }
func WithRecorder(r Recorder) Option { return func(s *Scorer) { s.recorder = r } }
func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }
func WithMaxParallel(n int) Option { return func(s *Scorer) { s.maxParallel = n } }
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scorer) { s.log = l.With().Str("component", "scorer").Logger() }
}

// NewScorer creates a scorer. A nil rule set uses DefaultRules.
func NewScorer(rules *RuleSet, opts ...Option) *Scorer {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scorer{
		rules:       rules,
		log:         zerolog.Nop(),
		now:         time.Now,
		maxParallel: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxParallel <= 0 {
		s.maxParallel = 1
	}
	return s
}

// Score returns the priority score of msg for the owner of weights.
// Only malformed input is an error; every other failure degrades to a computed score.
func (s *Scorer) Score(ctx context.Context, msg *domain.InboundMessage, weights *domain.UserWeights) (domain.ScoreResult, error) {
	if err := msg.Validate(); err != nil {
		return domain.ScoreResult{}, fmt.Errorf("score message: %w", err)
	}
	if weights == nil {
		weights = domain.NewUserWeights(msg.UserID)
	}

	start := time.Now()
	sig := signature.Generate(msg)
	scope := cache.Scope(msg.UserID, weights.Version)
	loc := weights.Location()
	high, medium := weights.Thresholds()

	if s.cache != nil {
		if r, ok := s.cache.Get(ctx, scope, sig, loc); ok {
			r.Tier = domain.TierForScore(r.Score, high, medium)
			s.record(domain.OpCacheHit, start, true, map[string]string{"tier": string(r.CacheTier)})
			return r, nil
		}
	}

	v, _, _ := s.flight.Do(scope+"|"+sig.ExactKey, func() (interface{}, error) {
		computeStart := time.Now()
		r := s.Compute(ctx, msg, sig, weights)
		r.ComputeTimeMs = float64(time.Since(computeStart).Microseconds()) / 1000
		if s.cache != nil {
			s.cache.Put(ctx, scope, sig, r, r.ComputeTimeMs)
		}
		s.log.Debug().Str("user_id", msg.UserID).Int("score", r.Score).Float64("ms", r.ComputeTimeMs).Msg("score computed")
		return r, nil
	})

	r := v.(domain.ScoreResult).Clone()
	s.record(domain.OpScore, start, true, nil)
	return r, nil
}

// Compute evaluates every factor without touching the cache.
func (s *Scorer) Compute(ctx context.Context, msg *domain.InboundMessage, sig domain.MessageSignature, weights *domain.UserWeights) domain.ScoreResult {
	var patterns []domain.LearnedPattern
	if s.patterns != nil {
		patterns = s.patterns.Patterns(ctx, msg.UserID)
	}
	return s.rules.Evaluate(msg, sig, weights, patterns, s.now())
}

// Evaluate is the pure scoring function.
func (r *RuleSet) Evaluate(msg *domain.InboundMessage, sig domain.MessageSignature, weights *domain.UserWeights, patterns []domain.LearnedPattern, now time.Time) domain.ScoreResult {
	v := newView(msg, sig)
	loc := weights.Location()

	marketing := r.marketingScore(v)
	isMarketing := marketing < 0

	raw := map[domain.Factor]int{
		domain.FactorVIP:        r.vipScore(v, weights),
		domain.FactorUrgency:    r.urgencyScore(v),
		domain.FactorMarketing:  marketing,
		domain.FactorPlatform:   r.platformScore(v, isMarketing),
		domain.FactorRecency:    r.recencyScore(v, now, loc, isMarketing),
		domain.FactorContent:    r.contentScore(v),
		domain.FactorReputation: r.reputationScore(v),
		domain.FactorLearned:    r.learnedScore(v, patterns),
	}

	factors := make(map[domain.Factor]int, len(raw))
	total := r.BaseScore
	fired := 0
	for _, f := range domain.AllFactors {
		scaled := clampFactor(f, int(math.Round(float64(raw[f])*weights.Multiplier(f))))
		factors[f] = scaled
		total += scaled
		if scaled != 0 {
			fired++
		}
	}

	confidence := fullConfidence
	if fired < sparseFactorLimit {
		confidence -= sparsePenalty
	}

	score := domain.ClampScore(total)
	high, medium := weights.Thresholds()
	return domain.ScoreResult{
		Score:      score,
		Tier:       domain.TierForScore(score, high, medium),
		Factors:    factors,
		Confidence: confidence,
	}
}

// ScoreBatch scores msgs concurrently. Results are index-aligned with msgs.
func (s *Scorer) ScoreBatch(ctx context.Context, msgs []*domain.InboundMessage, weights *domain.UserWeights) ([]domain.ScoreResult, error) {
	results := make([]domain.ScoreResult, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			r, err := s.Score(gctx, m, weights)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Scorer) record(op string, start time.Time, ok bool, tags map[string]string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(op, float64(time.Since(start).Microseconds())/1000, ok, tags)
}
