// Package priority wires scoring, learning, budgeting and dispatch into the
// engine's inbound API.
package priority

import (
	"context"
	"fmt"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/in"
	"priority_server/core/service/budget"
	"priority_server/core/service/learning"
	"priority_server/core/service/routing"
	"priority_server/core/service/scoring"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder receives timing metrics.
type Recorder interface {
	Record(op string, durationMs float64, success bool, tags map[string]string)
}

type Service struct {
	scorer     *scoring.Scorer
	learner    *learning.Learner
	budget     *budget.Tracker
	dispatcher *routing.Dispatcher
	recorder   Recorder
	log        zerolog.Logger
	now        func() time.Time
}

var _ in.PriorityService = (*Service)(nil)

// Option customizes a Service.
type Option func(*Service)

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "priority").Logger() }
}

func NewService(
	scorer *scoring.Scorer,
	learner *learning.Learner,
	tracker *budget.Tracker,
	dispatcher *routing.Dispatcher,
	opts ...Option,
) *Service {
	s := &Service{
		scorer:     scorer,
		learner:    learner,
		budget:     tracker,
		dispatcher: dispatcher,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Scoring
// =============================================================================

func (s *Service) Score(ctx context.Context, msg *domain.InboundMessage) (*domain.ScoreResult, error) {
	if msg == nil {
		return nil, domain.NewValidationError("message", "is required")
	}
	weights := s.learner.Weights(ctx, msg.UserID)
	r, err := s.scorer.Score(ctx, msg, weights)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Service) ScoreBatch(ctx context.Context, userID string, msgs []*domain.InboundMessage) ([]domain.ScoreResult, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	for i, m := range msgs {
		if m == nil {
			return nil, domain.NewValidationError(fmt.Sprintf("messages[%d]", i), "is required")
		}
		if m.UserID == "" {
			m.UserID = userID
		}
		if m.UserID != userID {
			return nil, domain.NewValidationError(fmt.Sprintf("messages[%d].user_id", i), "does not match batch owner")
		}
	}
	return s.scorer.ScoreBatch(ctx, msgs, s.learner.Weights(ctx, userID))
}

// Process scores msg and hands it to the dispatcher.
func (s *Service) Process(ctx context.Context, msg *domain.InboundMessage) (*in.ProcessResult, error) {
	if msg == nil {
		return nil, domain.NewValidationError("message", "is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	weights := s.learner.Weights(ctx, msg.UserID)
	result, err := s.scorer.Score(ctx, msg, weights)
	if err != nil {
		return nil, err
	}

	routed, err := s.dispatcher.Dispatch(ctx, routing.DispatchRequest{
		Message: msg,
		Result:  result,
		Weights: weights,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", msg.ID, err)
	}

	return &in.ProcessResult{
		MessageID:     msg.ID,
		Result:        result,
		RequestedTier: result.Tier,
		RoutedTier:    routed,
	}, nil
}

func (s *Service) Flush(ctx context.Context) error {
	return s.dispatcher.Flush(ctx)
}

// =============================================================================
// Learning
// =============================================================================

func (s *Service) SubmitFeedback(ctx context.Context, fb *domain.Feedback) error {
	if fb == nil {
		return domain.NewValidationError("feedback", "is required")
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.OccurredAt.IsZero() {
		fb.OccurredAt = s.now()
	}

	start := time.Now()
	err := s.learner.Ingest(ctx, fb)
	s.record(domain.OpLearnIngest, start, err == nil, map[string]string{"action": string(fb.ActionType)})
	if err != nil {
		return err
	}

	s.log.Debug().Str("user_id", fb.UserID).Str("action", string(fb.ActionType)).Msg("feedback ingested")
	return nil
}

func (s *Service) RecordEngagement(ctx context.Context, userID string, msg *domain.InboundMessage, engaged bool) error {
	if msg == nil {
		return domain.NewValidationError("message", "is required")
	}
	if msg.UserID == "" {
		msg.UserID = userID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	s.learner.RecordOutcome(ctx, userID, msg, engaged)
	return nil
}

func (s *Service) Weights(ctx context.Context, userID string) (*domain.UserWeights, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return s.learner.Weights(ctx, userID), nil
}

func (s *Service) Patterns(ctx context.Context, userID string) ([]domain.LearnedPattern, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return s.learner.Patterns(ctx, userID), nil
}

// =============================================================================
// Budget
// =============================================================================

func (s *Service) Budget(ctx context.Context, userID string) (*domain.BudgetState, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	st, err := s.budget.DailyState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetBudgetLimit stores the new limit on the user's weights and applies it to today's budget.
func (s *Service) SetBudgetLimit(ctx context.Context, userID string, cents int64) (*domain.BudgetState, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	if cents < 0 {
		return nil, domain.NewValidationError("daily_limit_cents", "must not be negative")
	}

	if _, err := s.learner.UpdateWeights(ctx, userID, func(w *domain.UserWeights) error {
		w.DailyLimitCents = cents
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update limit: %w", err)
	}

	st, err := s.budget.SetLimit(ctx, userID, cents)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", userID).Int64("limit_cents", cents).Msg("budget limit updated")
	return &st, nil
}

func (s *Service) record(op string, start time.Time, ok bool, tags map[string]string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(op, float64(time.Since(start).Microseconds())/1000, ok, tags)
}
