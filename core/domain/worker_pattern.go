package domain

import (
	"math"
	"strings"
	"time"
)

// PatternType is what a learned pattern matches against.
type PatternType string

const (
	PatternSender  PatternType = "sender"
	PatternSubject PatternType = "subject"
	PatternContent PatternType = "content"
	PatternDomain  PatternType = "domain"
)

// Bounds for learned patterns.
const (
	MinPatternImpact = -50
	MaxPatternImpact = 50

	// ApplyConfidence is the minimum confidence for a pattern to influence scores.
	ApplyConfidence = 0.5
	// ArchiveConfidence is the confidence below which a pattern is archived.
	ArchiveConfidence = 0.3

	mergeNewWeight = 0.3
	mergeOldWeight = 0.7
)

// LearnedPattern is a per-user association between a message feature and a score adjustment.
type LearnedPattern struct {
	UserID      string      `json:"user_id" db:"user_id"`
	Type        PatternType `json:"type" db:"pattern_type"`
	Value       string      `json:"value" db:"pattern_value"`
	ScoreImpact float64     `json:"score_impact" db:"score_impact"`
	Confidence  float64     `json:"confidence" db:"confidence"`
	SampleCount int         `json:"sample_count" db:"sample_count"`
	LastSeenAt  time.Time   `json:"last_seen_at" db:"last_seen_at"`
	Archived    bool        `json:"archived" db:"archived"`
}

// Key identifies a pattern within a user's pattern set.
func (p LearnedPattern) Key() string {
	return PatternKey(p.Type, p.Value)
}

// PatternKey builds the map key for a (type, value) pair.
func PatternKey(t PatternType, value string) string {
	return string(t) + ":" + strings.ToLower(value)
}

// Applicable reports whether the pattern participates in scoring.
func (p LearnedPattern) Applicable() bool {
	return !p.Archived && p.Confidence >= ApplyConfidence
}

// Signal is a single piece of evidence extracted from feedback.
type Signal struct {
	Type       PatternType `json:"type"`
	Value      string      `json:"value"`
	Impact     float64     `json:"impact"`
	Confidence float64     `json:"confidence"`
	Weight     float64     `json:"weight"`
}

// PatternFromSignal seeds a new pattern from its first signal.
func PatternFromSignal(userID string, s Signal, at time.Time) LearnedPattern {
	return LearnedPattern{
		UserID:      userID,
		Type:        s.Type,
		Value:       strings.ToLower(s.Value),
		ScoreImpact: clampImpact(s.Impact),
		Confidence:  ClampConfidence(s.Confidence),
		SampleCount: 1,
		LastSeenAt:  at,
	}
}

// Merge folds a signal into the pattern and returns the updated copy.
func (p LearnedPattern) Merge(s Signal, at time.Time) LearnedPattern {
	w := s.Weight
	if w <= 0 {
		w = 1.0
	}
	n := float64(p.SampleCount)
	out := p
	out.ScoreImpact = clampImpact((p.ScoreImpact*n + s.Impact*w) / (n + w))
	out.Confidence = ClampConfidence(mergeNewWeight*s.Confidence + mergeOldWeight*p.Confidence)
	out.SampleCount = p.SampleCount + 1
	out.LastSeenAt = at
	return out
}

// Revalidate adjusts confidence from observed accuracy and returns the updated copy.
// accuracy is the share of recent predictions that matched user behavior.
func (p LearnedPattern) Revalidate(accuracy float64) LearnedPattern {
	out := p
	switch {
	case accuracy >= 0.8:
		out.Confidence = ClampConfidence(p.Confidence + 0.05)
	case accuracy <= 0.4:
		out.Confidence = ClampConfidence(p.Confidence - 0.15)
	}
	if out.Confidence < ArchiveConfidence {
		out.Archived = true
	}
	return out
}

func clampImpact(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(MinPatternImpact, math.Min(MaxPatternImpact, v))
}
