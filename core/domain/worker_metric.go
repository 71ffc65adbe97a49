package domain

import "time"

// Operation names recorded by the performance monitor.
const (
	OpScore         = "score"
	OpCacheHit      = "cache.hit"
	OpCacheMiss     = "cache.miss"
	OpDispatchHigh  = "dispatch.high"
	OpDispatchBatch = "dispatch.batch"
	OpDispatchLow   = "dispatch.low"
	OpAICall        = "ai.call"
	OpBudgetReserve = "budget.reserve"
	OpLearnIngest   = "learn.ingest"
)

// PerformanceMetric is one timed operation.
type PerformanceMetric struct {
	Operation  string            `json:"operation"`
	DurationMs float64           `json:"duration_ms"`
	Success    bool              `json:"success"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Alert is raised when an operation breaches a rule.
type Alert struct {
	ID        string    `json:"id" bson:"_id"`
	Rule      string    `json:"rule" bson:"rule"`
	Operation string    `json:"operation" bson:"operation"`
	Stat      string    `json:"stat" bson:"stat"`
	Value     float64   `json:"value" bson:"value"`
	Threshold float64   `json:"threshold" bson:"threshold"`
	FiredAt   time.Time `json:"fired_at" bson:"fired_at"`
}
