// Package budget enforces per-user daily AI spend limits.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"

	"github.com/rs/zerolog"
)

var errDenied = errors.New("reservation exceeds remaining budget")

const (
	settleBackoffBase = 2 * time.Millisecond
	settleBackoffMax  = 100 * time.Millisecond
)

// Config configures the tracker.
type Config struct {
	DefaultLimitCents int64
	WarningRatio      float64
	// RaceRetries is how many times a lost optimistic race is retried before denying.
	RaceRetries int
}

// UserSettings supplies the per-user limit and timezone.
type UserSettings interface {
	Weights(ctx context.Context, userID string) *domain.UserWeights
}

// Tracker reserves, settles and reports AI spend.
type Tracker struct {
	cfg      Config
	store    out.BudgetStore
	settings UserSettings
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	overrides map[string]int64
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithSettings(s UserSettings) Option { return func(t *Tracker) { t.settings = s } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l.With().Str("component", "budget").Logger() }
}

// NewTracker creates a tracker over store.
func NewTracker(store out.BudgetStore, cfg Config, opts ...Option) *Tracker {
	if cfg.DefaultLimitCents <= 0 {
		cfg.DefaultLimitCents = domain.DefaultDailyLimitCents
	}
	if cfg.WarningRatio <= 0 || cfg.WarningRatio >= 1 {
		cfg.WarningRatio = domain.DefaultWarningRatio
	}
	if cfg.RaceRetries <= 0 {
		cfg.RaceRetries = 1
	}
	t := &Tracker{
		cfg:       cfg,
		store:     store,
		log:       zerolog.Nop(),
		now:       time.Now,
		overrides: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// limitAndDay resolves the user's limit and current local day.
func (t *Tracker) limitAndDay(ctx context.Context, userID string) (int64, string) {
	limit := t.cfg.DefaultLimitCents
	loc := time.UTC
	if t.settings != nil {
		if w := t.settings.Weights(ctx, userID); w != nil {
			if w.DailyLimitCents > 0 {
				limit = w.DailyLimitCents
			}
			loc = w.Location()
		}
	}
	t.mu.RLock()
	if o, ok := t.overrides[userID]; ok {
		limit = o
	}
	t.mu.RUnlock()
	return limit, domain.DayKey(t.now(), loc)
}

// update applies fn, retrying lost races up to RaceRetries times.
func (t *Tracker) update(ctx context.Context, userID string, fn func(st *domain.BudgetState, limit int64) error) (domain.BudgetState, error) {
	mutate, day := t.mutation(ctx, userID, fn)

	var (
		st  domain.BudgetState
		err error
	)
	for attempt := 0; attempt <= t.cfg.RaceRetries; attempt++ {
		st, err = t.store.Update(ctx, userID, day, mutate)
		if !errors.Is(err, domain.ErrBudgetRace) {
			return st, err
		}
		t.log.Debug().Str("user_id", userID).Int("attempt", attempt+1).Msg("budget update lost race")
	}
	return st, err
}

// apply is update for mutations that cannot be refused (settling, releasing,
// recording spend): lost races are retried with backoff until one wins or ctx ends.
func (t *Tracker) apply(ctx context.Context, userID string, fn func(st *domain.BudgetState, limit int64) error) error {
	mutate, day := t.mutation(ctx, userID, fn)

	wait := settleBackoffBase
	for attempt := 1; ; attempt++ {
		_, err := t.store.Update(ctx, userID, day, mutate)
		if !errors.Is(err, domain.ErrBudgetRace) {
			return err
		}
		t.log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("budget settlement lost race, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > settleBackoffMax {
			wait = settleBackoffMax
		}
	}
}

// mutation wraps fn with the bookkeeping every state change shares.
func (t *Tracker) mutation(ctx context.Context, userID string, fn func(st *domain.BudgetState, limit int64) error) (func(st *domain.BudgetState) error, string) {
	limit, day := t.limitAndDay(ctx, userID)
	mutate := func(st *domain.BudgetState) error {
		st.UserID = userID
		st.Day = day
		st.DailyLimitCents = limit
		if err := fn(st, limit); err != nil {
			return err
		}
		if st.ReservedCents < 0 {
			st.ReservedCents = 0
		}
		st.Mode = domain.ModeFor(st.Committed(), limit, t.cfg.WarningRatio)
		st.UpdatedAt = t.now()
		return nil
	}
	return mutate, day
}

// CheckAndReserve reserves estimatedCents if it fits under today's limit.
// A reservation that keeps losing concurrent races is denied rather than over-spent.
func (t *Tracker) CheckAndReserve(ctx context.Context, userID string, estimatedCents int64) (bool, error) {
	if estimatedCents < 0 {
		return false, domain.NewValidationError("estimated_cents", "must not be negative")
	}

	st, err := t.update(ctx, userID, func(st *domain.BudgetState, limit int64) error {
		if st.Committed()+estimatedCents > limit {
			return errDenied
		}
		st.ReservedCents += estimatedCents
		return nil
	})

	switch {
	case err == nil:
		if st.Mode != domain.BudgetNormal {
			t.log.Info().Str("user_id", userID).Str("mode", string(st.Mode)).Int64("committed", st.Committed()).Int64("limit", st.DailyLimitCents).Msg("budget threshold reached")
		}
		return true, nil
	case errors.Is(err, errDenied):
		return false, nil
	case errors.Is(err, domain.ErrBudgetRace):
		t.log.Warn().Str("user_id", userID).Int64("estimate", estimatedCents).Msg("budget reservation denied after repeated races")
		return false, nil
	default:
		return false, fmt.Errorf("reserve budget: %w", err)
	}
}

// RecordActualCost adds spend that was never reserved.
func (t *Tracker) RecordActualCost(ctx context.Context, userID string, cents int64) error {
	err := t.apply(ctx, userID, func(st *domain.BudgetState, _ int64) error {
		st.DailySpendCents += cents
		return nil
	})
	if err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	return nil
}

// Settle converts a reservation into actual spend.
func (t *Tracker) Settle(ctx context.Context, userID string, reservedCents, actualCents int64) error {
	err := t.apply(ctx, userID, func(st *domain.BudgetState, _ int64) error {
		st.ReservedCents -= reservedCents
		st.DailySpendCents += actualCents
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle budget: %w", err)
	}
	return nil
}

// Release returns an unused reservation.
func (t *Tracker) Release(ctx context.Context, userID string, cents int64) error {
	err := t.apply(ctx, userID, func(st *domain.BudgetState, _ int64) error {
		st.ReservedCents -= cents
		return nil
	})
	if err != nil {
		return fmt.Errorf("release budget: %w", err)
	}
	return nil
}

// DailyState returns today's state for the user.
func (t *Tracker) DailyState(ctx context.Context, userID string) (domain.BudgetState, error) {
	limit, day := t.limitAndDay(ctx, userID)
	st, ok, err := t.store.Load(ctx, userID, day)
	if err != nil {
		return domain.BudgetState{}, fmt.Errorf("load budget: %w", err)
	}
	if !ok {
		st = domain.BudgetState{UserID: userID, Day: day}
	}
	st.DailyLimitCents = limit
	st.Mode = domain.ModeFor(st.Committed(), limit, t.cfg.WarningRatio)
	return st, nil
}

// SetLimit overrides the user's daily limit.
func (t *Tracker) SetLimit(ctx context.Context, userID string, cents int64) (domain.BudgetState, error) {
	if cents < 0 {
		return domain.BudgetState{}, domain.NewValidationError("daily_limit_cents", "must not be negative")
	}
	t.mu.Lock()
	t.overrides[userID] = cents
	t.mu.Unlock()

	return t.update(ctx, userID, func(st *domain.BudgetState, _ int64) error { return nil })
}
