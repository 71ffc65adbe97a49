package out

import (
	"context"
	"time"

	"priority_server/core/domain"
)

// ScoreCacheL2 is the shared second-level score cache behind the in-process tiers.
// A miss is (nil, nil); any error is treated as a miss by callers.
type ScoreCacheL2 interface {
	Get(ctx context.Context, key string) (*domain.ScoreResult, error)
	Set(ctx context.Context, key string, result *domain.ScoreResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
