package in

import (
	"context"

	"priority_server/core/domain"
)

// PriorityService is the inbound API of the engine.
type PriorityService interface {
	// Scoring
	Score(ctx context.Context, msg *domain.InboundMessage) (*domain.ScoreResult, error)
	ScoreBatch(ctx context.Context, userID string, msgs []*domain.InboundMessage) ([]domain.ScoreResult, error)

	// Score + route. high 은 동기 처리, medium 은 배치 큐에 적재
	Process(ctx context.Context, msg *domain.InboundMessage) (*ProcessResult, error)
	Flush(ctx context.Context) error

	// Learning
	SubmitFeedback(ctx context.Context, fb *domain.Feedback) error
	RecordEngagement(ctx context.Context, userID string, msg *domain.InboundMessage, engaged bool) error
	Weights(ctx context.Context, userID string) (*domain.UserWeights, error)
	Patterns(ctx context.Context, userID string) ([]domain.LearnedPattern, error)

	// Budget
	Budget(ctx context.Context, userID string) (*domain.BudgetState, error)
	SetBudgetLimit(ctx context.Context, userID string, cents int64) (*domain.BudgetState, error)
}

// ProcessResult is the synchronous part of processing one message.
type ProcessResult struct {
	MessageID     string             `json:"message_id"`
	Result        domain.ScoreResult `json:"result"`
	RequestedTier domain.Tier        `json:"requested_tier"`
	RoutedTier    domain.Tier        `json:"routed_tier"`
}
