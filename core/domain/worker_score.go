package domain

// Tier is the processing tier that decides how much paid AI work a message receives.
type Tier string

const (
	TierHigh   Tier = "high"   // 즉시 심층 분석
	TierMedium Tier = "medium" // 배치 경량 분석
	TierLow    Tier = "low"    // 룰 기반 (무료)
)

// Downgrade returns the next cheaper tier. Low stays low.
func (t Tier) Downgrade() Tier {
	switch t {
	case TierHigh:
		return TierMedium
	default:
		return TierLow
	}
}

// IsValid reports whether t is one of the known tiers.
func (t Tier) IsValid() bool {
	return t == TierHigh || t == TierMedium || t == TierLow
}

// Factor names one of the eight independent scoring contributions.
type Factor string

const (
	FactorVIP        Factor = "vip"
	FactorUrgency    Factor = "urgency"
	FactorMarketing  Factor = "marketing"
	FactorPlatform   Factor = "platform"
	FactorRecency    Factor = "recency"
	FactorContent    Factor = "content"
	FactorReputation Factor = "reputation"
	FactorLearned    Factor = "learned"
)

// AllFactors lists the factors in evaluation order.
var AllFactors = []Factor{
	FactorVIP,
	FactorUrgency,
	FactorMarketing,
	FactorPlatform,
	FactorRecency,
	FactorContent,
	FactorReputation,
	FactorLearned,
}

// CacheTier identifies which cache tier served a result.
type CacheTier string

const (
	CacheTierNone    CacheTier = ""
	CacheTierHot     CacheTier = "hot"
	CacheTierWarm    CacheTier = "warm"
	CacheTierPattern CacheTier = "pattern"
)

const (
	MinScore = 0
	MaxScore = 100
)

// ScoreResult is the output of the composite scorer.
type ScoreResult struct {
	Score         int            `json:"score"`
	Tier          Tier           `json:"tier"`
	Factors       map[Factor]int `json:"factors"`
	Confidence    float64        `json:"confidence"`
	FromCache     bool           `json:"from_cache"`
	CacheTier     CacheTier      `json:"cache_tier,omitempty"`
	ComputeTimeMs float64        `json:"compute_time_ms"`

	// Set by the dispatcher once the message has been routed.
	ProcessingTier Tier `json:"processing_tier,omitempty"`
	Fallback       bool `json:"fallback,omitempty"`
}

// Clone returns a deep copy so cached results never share the factor map.
func (r ScoreResult) Clone() ScoreResult {
	out := r
	if r.Factors != nil {
		out.Factors = make(map[Factor]int, len(r.Factors))
		for k, v := range r.Factors {
			out.Factors[k] = v
		}
	}
	return out
}

// ClampScore clamps a raw score into [0,100].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ClampConfidence clamps a confidence value into [0,1]. NaN maps to 0.
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// TierForScore maps a score to a tier using the given thresholds.
func TierForScore(score, highThreshold, mediumThreshold int) Tier {
	switch {
	case score >= highThreshold:
		return TierHigh
	case score >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}
