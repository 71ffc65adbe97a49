package domain

import (
	"sync"
	"time"
	_ "time/tzdata" // IANA zones for user timezones on minimal images
)

// Default per-user settings.
const (
	DefaultHighThreshold   = 80
	DefaultMediumThreshold = 40
	DefaultDailyLimitCents = 200

	MinMultiplier = 0.5
	MaxMultiplier = 2.0
)

// VIPSender is a sender the user explicitly marked as important.
type VIPSender struct {
	Email      string    `json:"email"`
	Boost      int       `json:"boost"`
	Confidence float64   `json:"confidence"`
	AddedAt    time.Time `json:"added_at"`
}

// UserWeights holds the per-user scoring configuration.
// Only the pattern learner mutates it; readers receive clones.
type UserWeights struct {
	UserID          string               `json:"user_id"`
	Multipliers     map[Factor]float64   `json:"multipliers"`
	HighThreshold   int                  `json:"high_threshold"`
	MediumThreshold int                  `json:"medium_threshold"`
	DailyLimitCents int64                `json:"daily_limit_cents"`
	VIPSenders      map[string]VIPSender `json:"vip_senders"`
	Domain          string               `json:"domain"`   // 사용자 본인 도메인
	Timezone        string               `json:"timezone"` // IANA, 비어 있으면 UTC
	PreferredModel  string               `json:"preferred_model,omitempty"`
	Version         int64                `json:"version"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NewUserWeights returns weights with default thresholds and neutral multipliers.
func NewUserWeights(userID string) *UserWeights {
	mult := make(map[Factor]float64, len(AllFactors))
	for _, f := range AllFactors {
		mult[f] = 1.0
	}
	return &UserWeights{
		UserID:          userID,
		Multipliers:     mult,
		HighThreshold:   DefaultHighThreshold,
		MediumThreshold: DefaultMediumThreshold,
		DailyLimitCents: DefaultDailyLimitCents,
		VIPSenders:      make(map[string]VIPSender),
	}
}

// Multiplier returns the multiplier for f, defaulting to 1.0.
func (w *UserWeights) Multiplier(f Factor) float64 {
	if w == nil || w.Multipliers == nil {
		return 1.0
	}
	m, ok := w.Multipliers[f]
	if !ok || m <= 0 {
		return 1.0
	}
	return m
}

// Location resolves the user's timezone, falling back to UTC.
func (w *UserWeights) Location() *time.Location {
	if w == nil || w.Timezone == "" {
		return time.UTC
	}
	return LoadLocation(w.Timezone)
}

// zone name -> *time.Location; unknown names resolve to UTC and are cached too
var locations sync.Map

// LoadLocation resolves an IANA zone name once and reuses the result.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	actual, _ := locations.LoadOrStore(name, loc)
	return actual.(*time.Location)
}

// Thresholds returns the routing thresholds with defaults applied for unset values.
func (w *UserWeights) Thresholds() (high, medium int) {
	high, medium = DefaultHighThreshold, DefaultMediumThreshold
	if w == nil {
		return
	}
	if w.HighThreshold > 0 {
		high = w.HighThreshold
	}
	if w.MediumThreshold > 0 && w.MediumThreshold < high {
		medium = w.MediumThreshold
	}
	return
}

// Clone returns a deep copy.
func (w *UserWeights) Clone() *UserWeights {
	if w == nil {
		return nil
	}
	c := *w
	c.Multipliers = make(map[Factor]float64, len(w.Multipliers))
	for k, v := range w.Multipliers {
		c.Multipliers[k] = v
	}
	c.VIPSenders = make(map[string]VIPSender, len(w.VIPSenders))
	for k, v := range w.VIPSenders {
		c.VIPSenders[k] = v
	}
	return &c
}

// ClampMultiplier keeps m within [MinMultiplier, MaxMultiplier].
func ClampMultiplier(m float64) float64 {
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}
