// Package learning adapts per-user scoring from explicit and implicit feedback.
package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"
	"priority_server/core/service/signature"

	"github.com/rs/zerolog"
)

const (
	multiplierStep     = 0.05
	defaultWindowSize  = 20
	defaultMinSamples  = 5
	defaultVIPBoost    = 50
	validationInterval = 15 * time.Minute
)

// Config configures the learner.
type Config struct {
	WindowSize         int
	MinSamples         int
	ValidationInterval time.Duration
}

// outcomeWindow is a fixed-size ring of prediction outcomes.
type outcomeWindow struct {
	results []bool
	next    int
	full    bool
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{results: make([]bool, size)}
}

func (w *outcomeWindow) add(correct bool) {
	w.results[w.next] = correct
	w.next = (w.next + 1) % len(w.results)
	if w.next == 0 {
		w.full = true
	}
}

func (w *outcomeWindow) len() int {
	if w.full {
		return len(w.results)
	}
	return w.next
}

func (w *outcomeWindow) accuracy() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < n; i++ {
		if w.results[i] {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// userState is everything learned about one user. mu serializes all mutation.
type userState struct {
	mu       sync.RWMutex
	loaded   bool
	weights  *domain.UserWeights
	patterns map[string]domain.LearnedPattern
	windows  map[string]*outcomeWindow
}

// Learner owns every user's weights and learned patterns.
type Learner struct {
	cfg  Config
	repo out.PatternRepository
	log  zerolog.Logger
	now  func() time.Time

	mu    sync.Mutex
	users map[string]*userState

	defaultLimitCents int64
}

// Option customizes a Learner.
type Option func(*Learner)

func WithRepository(r out.PatternRepository) Option { return func(l *Learner) { l.repo = r } }
func WithClock(now func() time.Time) Option { return func(l *Learner) { l.now = now } }
func WithDefaultLimit(cents int64) Option { return func(l *Learner) { l.defaultLimitCents = cents } }
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Learner) { l.log = lg.With().Str("component", "learner").Logger() }
}

// New creates a learner.
func New(cfg Config, opts ...Option) *Learner {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.ValidationInterval <= 0 {
		cfg.ValidationInterval = validationInterval
	}
	l := &Learner{
		cfg:   cfg,
		log:   zerolog.Nop(),
		now:   time.Now,
		users: make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// state returns the user's state, loading it from the repository on first use.
func (l *Learner) state(ctx context.Context, userID string) *userState {
	l.mu.Lock()
	st, ok := l.users[userID]
	if !ok {
		st = &userState{
			patterns: make(map[string]domain.LearnedPattern),
			windows:  make(map[string]*outcomeWindow),
		}
		l.users[userID] = st
	}
	l.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loaded {
		return st
	}

	st.weights = domain.NewUserWeights(userID)
	if l.defaultLimitCents > 0 {
		st.weights.DailyLimitCents = l.defaultLimitCents
	}
	if l.repo != nil {
		if w, err := l.repo.GetWeights(ctx, userID); err != nil {
			l.log.Warn().Err(err).Str("user_id", userID).Msg("failed to load weights, using defaults")
		} else if w != nil {
			st.weights = w
			if st.weights.Multipliers == nil {
				st.weights.Multipliers = domain.NewUserWeights(userID).Multipliers
			}
			if st.weights.VIPSenders == nil {
				st.weights.VIPSenders = make(map[string]domain.VIPSender)
			}
		}
		if ps, err := l.repo.ListPatterns(ctx, userID); err != nil {
			l.log.Warn().Err(err).Str("user_id", userID).Msg("failed to load patterns")
		} else {
			for _, p := range ps {
				st.patterns[p.Key()] = p
			}
		}
	}
	st.loaded = true
	return st
}

// Weights returns a snapshot of the user's weights.
func (l *Learner) Weights(ctx context.Context, userID string) *domain.UserWeights {
	st := l.state(ctx, userID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.weights.Clone()
}

// Patterns returns the user's patterns sorted by key.
func (l *Learner) Patterns(ctx context.Context, userID string) []domain.LearnedPattern {
	st := l.state(ctx, userID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]domain.LearnedPattern, 0, len(st.patterns))
	for _, p := range st.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// UpdateWeights applies fn to a copy of the user's weights and stores it with a new version.
func (l *Learner) UpdateWeights(ctx context.Context, userID string, fn func(w *domain.UserWeights) error) (*domain.UserWeights, error) {
	st := l.state(ctx, userID)

	st.mu.Lock()
	next := st.weights.Clone()
	if err := fn(next); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	next.Version++
	next.UpdatedAt = l.now()
	st.weights = next
	snapshot := next.Clone()
	st.mu.Unlock()

	l.persist(ctx, snapshot, nil)
	return snapshot, nil
}

// Ingest learns from one feedback event.
func (l *Learner) Ingest(ctx context.Context, fb *domain.Feedback) error {
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("ingest feedback: %w", err)
	}
	if err := fb.Message.Validate(); err != nil {
		return fmt.Errorf("ingest feedback: %w", err)
	}

	at := fb.OccurredAt
	if at.IsZero() {
		at = l.now()
	}
	signals := extractSignals(fb)
	st := l.state(ctx, fb.UserID)

	st.mu.Lock()
	next := st.weights.Clone()
	changed := make([]domain.LearnedPattern, 0, len(signals))
	for _, s := range signals {
		key := domain.PatternKey(s.Type, s.Value)
		p, ok := st.patterns[key]
		if ok {
			p = p.Merge(s, at)
			p.Archived = p.Confidence < domain.ArchiveConfidence
		} else {
			p = domain.PatternFromSignal(fb.UserID, s, at)
		}
		st.patterns[key] = p
		changed = append(changed, p)
	}

	weightsChanged := false
	switch fb.ActionType {
	case domain.FeedbackVIPDesignation:
		sender := fb.Message.SenderAddress()
		next.VIPSenders[sender] = domain.VIPSender{Email: sender, Boost: defaultVIPBoost, Confidence: 1.0, AddedAt: at}
		weightsChanged = true
	case domain.FeedbackScoreCorrection:
		if delta, ok := scoreDelta(fb); ok {
			weightsChanged = nudgeMultipliers(next, fb.Factors, delta)
		}
	}

	var snapshot *domain.UserWeights
	if len(changed) > 0 || weightsChanged {
		next.Version++
		next.UpdatedAt = at
		st.weights = next
		snapshot = next.Clone()
	}
	st.mu.Unlock()

	if snapshot == nil {
		l.log.Debug().Str("user_id", fb.UserID).Str("action", string(fb.ActionType)).Msg("feedback produced no signal")
		return nil
	}

	l.log.Info().
		Str("user_id", fb.UserID).
		Str("action", string(fb.ActionType)).
		Int("signals", len(changed)).
		Int64("version", snapshot.Version).
		Msg("feedback learned")

	l.persist(ctx, snapshot, changed)
	return nil
}

// RecordOutcome records whether the user engaged with msg, grading every
// pattern that matched it. engaged=true means the user treated it as important.
func (l *Learner) RecordOutcome(ctx context.Context, userID string, msg *domain.InboundMessage, engaged bool) {
	sig := signature.Generate(msg)
	keys := []string{
		domain.PatternKey(domain.PatternSender, msg.SenderAddress()),
		domain.PatternKey(domain.PatternDomain, sig.SenderDomain),
		domain.PatternKey(domain.PatternSubject, sig.SubjectClass),
		domain.PatternKey(domain.PatternContent, sig.ContentClass),
	}

	st := l.state(ctx, userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, key := range keys {
		p, ok := st.patterns[key]
		if !ok || p.Archived {
			continue
		}
		w, ok := st.windows[key]
		if !ok {
			w = newOutcomeWindow(l.cfg.WindowSize)
			st.windows[key] = w
		}
		predictedImportant := p.ScoreImpact > 0
		w.add(predictedImportant == engaged)
	}
}

// Validate re-grades the user's patterns against their recent outcomes.
func (l *Learner) Validate(ctx context.Context, userID string) (int, error) {
	st := l.state(ctx, userID)

	st.mu.Lock()
	var changed []domain.LearnedPattern
	for key, w := range st.windows {
		if w.len() < l.cfg.MinSamples {
			continue
		}
		p, ok := st.patterns[key]
		if !ok || p.Archived {
			continue
		}
		next := p.Revalidate(w.accuracy())
		if next != p {
			st.patterns[key] = next
			changed = append(changed, next)
		}
		if next.Archived {
			delete(st.windows, key)
		}
	}

	var snapshot *domain.UserWeights
	if len(changed) > 0 {
		nw := st.weights.Clone()
		nw.Version++
		nw.UpdatedAt = l.now()
		st.weights = nw
		snapshot = nw.Clone()
	}
	st.mu.Unlock()

	if snapshot != nil {
		l.log.Info().Str("user_id", userID).Int("patterns", len(changed)).Msg("patterns revalidated")
		l.persist(ctx, snapshot, changed)
	}
	return len(changed), nil
}

// ValidateAll revalidates every known user.
func (l *Learner) ValidateAll(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.users))
	for id := range l.users {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := l.Validate(ctx, id); err != nil {
			l.log.Error().Err(err).Str("user_id", id).Msg("validation failed")
		}
	}
}

// Run revalidates periodically until ctx is done.
func (l *Learner) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.ValidateAll(ctx)
		}
	}
}

func (l *Learner) persist(ctx context.Context, w *domain.UserWeights, patterns []domain.LearnedPattern) {
	if l.repo == nil {
		return
	}
	if len(patterns) > 0 {
		if err := l.repo.UpsertPatterns(ctx, w.UserID, patterns); err != nil {
			l.log.Error().Err(err).Str("user_id", w.UserID).Msg("failed to persist patterns")
		}
	}
	if err := l.repo.SaveWeights(ctx, w); err != nil {
		l.log.Error().Err(err).Str("user_id", w.UserID).Msg("failed to persist weights")
	}
}
