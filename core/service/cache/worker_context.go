package cache

import (
	"time"

	"priority_server/core/domain"
)

const (
	offHoursPenalty       = 10
	importantBoost        = 10
	patternConfidenceLoss = 0.2
)

// adjustForContext turns a pattern-tier entry into a result for the current message.
// Pattern entries were computed for a different message, so the score is nudged by
// time-of-day and the message's own importance flag, and confidence is reduced.
func (c *TieredCache) adjustForContext(r domain.ScoreResult, sig domain.MessageSignature, loc *time.Location) domain.ScoreResult {
	out := served(r, domain.CacheTierPattern)

	if loc == nil {
		loc = time.UTC
	}
	if !c.isWorkHours(c.now().In(loc)) {
		out.Score -= offHoursPenalty
	}
	if sig.HasFlag(domain.FlagImportant) {
		out.Score += importantBoost
	}
	out.Score = domain.ClampScore(out.Score)
	out.Confidence = domain.ClampConfidence(out.Confidence - patternConfidenceLoss)
	return out
}

// isWorkHours reports whether t falls on a weekday inside the configured hours.
func (c *TieredCache) isWorkHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= c.cfg.WorkStartHour && h < c.cfg.WorkEndHour
}
