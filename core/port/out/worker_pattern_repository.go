package out

import (
	"context"

	"priority_server/core/domain"
)

// PatternRepository persists learned patterns and user weights.
type PatternRepository interface {
	ListPatterns(ctx context.Context, userID string) ([]domain.LearnedPattern, error)
	UpsertPatterns(ctx context.Context, userID string, patterns []domain.LearnedPattern) error

	// GetWeights returns (nil, nil) when the user has no stored weights.
	GetWeights(ctx context.Context, userID string) (*domain.UserWeights, error)
	SaveWeights(ctx context.Context, weights *domain.UserWeights) error
}
