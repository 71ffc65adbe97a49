package learning

import (
	"math"
	"strconv"
	"strings"

	"priority_server/core/domain"
	"priority_server/core/service/signature"
)

var (
	positiveCategories = map[string]bool{
		"important": true, "work": true, "personal": true, "primary": true, "urgent": true,
	}
	negativeCategories = map[string]bool{
		"promotions": true, "promotion": true, "marketing": true, "spam": true,
		"newsletter": true, "social": true, "notification": true,
	}
)

// extractSignals turns one feedback event into pattern evidence.
func extractSignals(fb *domain.Feedback) []domain.Signal {
	msg := fb.Message
	sig := signature.Generate(msg)
	sender := msg.SenderAddress()

	switch fb.ActionType {
	case domain.FeedbackCategoryCorrection:
		cat := strings.ToLower(fb.Context[domain.ContextNewCategory])
		dir := 0.0
		switch {
		case positiveCategories[cat]:
			dir = 1
		case negativeCategories[cat]:
			dir = -1
		default:
			return nil
		}
		return []domain.Signal{
			{Type: domain.PatternSender, Value: sender, Impact: 15 * dir, Confidence: 0.8, Weight: 1},
			{Type: domain.PatternDomain, Value: sig.SenderDomain, Impact: 10 * dir, Confidence: 0.6, Weight: 1},
			{Type: domain.PatternSubject, Value: sig.SubjectClass, Impact: 5 * dir, Confidence: 0.5, Weight: 1},
		}

	case domain.FeedbackVIPDesignation:
		return []domain.Signal{
			{Type: domain.PatternSender, Value: sender, Impact: 30, Confidence: 0.9, Weight: 1},
			{Type: domain.PatternDomain, Value: sig.SenderDomain, Impact: 10, Confidence: 0.6, Weight: 1},
		}

	case domain.FeedbackRepeatedIgnore:
		n, err := strconv.Atoi(fb.Context[domain.ContextIgnoreCount])
		if err != nil || n < 1 {
			n = 3
		}
		return []domain.Signal{
			{Type: domain.PatternSender, Value: sender, Impact: -math.Min(5*float64(n), 30), Confidence: math.Min(0.6+0.05*float64(n), 0.9), Weight: 1},
			{Type: domain.PatternContent, Value: sig.ContentClass, Impact: -5, Confidence: 0.5, Weight: 1},
		}

	case domain.FeedbackUnsubscribe:
		return []domain.Signal{
			{Type: domain.PatternSender, Value: sender, Impact: -40, Confidence: 0.95, Weight: 1},
			{Type: domain.PatternDomain, Value: sig.SenderDomain, Impact: -20, Confidence: 0.8, Weight: 1},
		}

	case domain.FeedbackScoreCorrection:
		delta, ok := scoreDelta(fb)
		if !ok || delta == 0 {
			return nil
		}
		return []domain.Signal{
			{Type: domain.PatternSender, Value: sender, Impact: delta, Confidence: 0.7, Weight: 1},
		}
	}
	return nil
}

// scoreDelta is the user's corrected score minus the predicted one.
func scoreDelta(fb *domain.Feedback) (float64, bool) {
	correct, err := strconv.Atoi(fb.Context[domain.ContextCorrectScore])
	if err != nil {
		return 0, false
	}
	predicted, err := strconv.Atoi(fb.Context[domain.ContextPredicted])
	if err != nil {
		return 0, false
	}
	return float64(correct - predicted), true
}

// nudgeMultipliers moves each fired factor's multiplier toward the correction:
// factors that pushed the score the wrong way lose weight, the others gain.
func nudgeMultipliers(w *domain.UserWeights, factors map[domain.Factor]int, delta float64) bool {
	if delta == 0 || len(factors) == 0 {
		return false
	}
	changed := false
	for f, v := range factors {
		if v == 0 {
			continue
		}
		step := multiplierStep
		if (v > 0) != (delta > 0) {
			step = -multiplierStep
		}
		next := domain.ClampMultiplier(w.Multiplier(f) + step)
		if next != w.Multiplier(f) {
			w.Multipliers[f] = next
			changed = true
		}
	}
	return changed
}
