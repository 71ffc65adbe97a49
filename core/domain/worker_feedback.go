package domain

import "time"

// FeedbackAction is the kind of user behavior the learner consumes.
type FeedbackAction string

const (
	FeedbackCategoryCorrection FeedbackAction = "category_correction"
	FeedbackVIPDesignation     FeedbackAction = "vip_designation"
	FeedbackRepeatedIgnore     FeedbackAction = "repeated_ignore"
	FeedbackUnsubscribe        FeedbackAction = "unsubscribe"
	FeedbackScoreCorrection    FeedbackAction = "score_correction"
)

// IsValid reports whether a is a known action.
func (a FeedbackAction) IsValid() bool {
	switch a {
	case FeedbackCategoryCorrection, FeedbackVIPDesignation, FeedbackRepeatedIgnore,
		FeedbackUnsubscribe, FeedbackScoreCorrection:
		return true
	}
	return false
}

// Feedback context keys.
const (
	ContextNewCategory  = "new_category"
	ContextOldCategory  = "old_category"
	ContextIgnoreCount  = "ignore_count"
	ContextCorrectScore = "correct_score"
	ContextPredicted    = "predicted_score"
)

// Feedback is an explicit or implicit signal from the user about a message.
type Feedback struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	ActionType FeedbackAction    `json:"action_type"`
	MessageID  string            `json:"message_id"`
	Message    *InboundMessage   `json:"message,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Factors    map[Factor]int    `json:"factors,omitempty"` // 당시 점수 요인 (score_correction 용)
	OccurredAt time.Time         `json:"occurred_at"`
}

// Validate checks the fields every action needs.
func (f *Feedback) Validate() error {
	if f == nil {
		return NewValidationError("feedback", "is nil")
	}
	if f.UserID == "" {
		return NewValidationError("user_id", "is required")
	}
	if !f.ActionType.IsValid() {
		return NewValidationError("action_type", "is unknown")
	}
	if f.Message == nil {
		return NewValidationError("message", "is required")
	}
	return nil
}
