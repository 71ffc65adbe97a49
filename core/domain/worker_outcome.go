package domain

import "time"

// AIAnalysis is the per-message result returned by the AI collaborator.
type AIAnalysis struct {
	MessageID  string   `json:"message_id"`
	Score      int      `json:"score"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Confidence float64  `json:"confidence"`
}

// DispatchOutcome is what the dispatcher publishes once a message has been handled.
type DispatchOutcome struct {
	MessageID     string      `json:"message_id"`
	UserID        string      `json:"user_id"`
	RequestedTier Tier        `json:"requested_tier"`
	Result        ScoreResult `json:"result"`
	Analysis      *AIAnalysis `json:"analysis,omitempty"`
	Model         string      `json:"model,omitempty"`
	BatchID       string      `json:"batch_id,omitempty"`
	CostCents     int64       `json:"cost_cents"`
	Reason        string      `json:"reason,omitempty"` // 다운그레이드 사유
	CompletedAt   time.Time   `json:"completed_at"`
}
