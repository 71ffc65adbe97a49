package domain

import "time"

// BudgetMode drives routing decisions when spending approaches the limit.
type BudgetMode string

const (
	BudgetNormal     BudgetMode = "normal"
	BudgetWarning    BudgetMode = "warning"    // >= 80%
	BudgetRestricted BudgetMode = "restricted" // >= 100%
)

// DefaultWarningRatio is the spend share at which a user enters warning mode.
const DefaultWarningRatio = 0.8

// BudgetState is a user's AI spend for one local calendar day.
type BudgetState struct {
	UserID          string     `json:"user_id"`
	Day             string     `json:"day"` // YYYY-MM-DD in the user's timezone
	DailySpendCents int64      `json:"daily_spend_cents"`
	ReservedCents   int64      `json:"reserved_cents"`
	DailyLimitCents int64      `json:"daily_limit_cents"`
	Mode            BudgetMode `json:"mode"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Committed is spend plus outstanding reservations.
func (s BudgetState) Committed() int64 {
	return s.DailySpendCents + s.ReservedCents
}

// Remaining is the headroom left for new reservations.
func (s BudgetState) Remaining() int64 {
	r := s.DailyLimitCents - s.Committed()
	if r < 0 {
		return 0
	}
	return r
}

// ModeFor derives the mode from committed spend.
func ModeFor(committed, limit int64, warningRatio float64) BudgetMode {
	if limit <= 0 {
		return BudgetRestricted
	}
	if warningRatio <= 0 || warningRatio >= 1 {
		warningRatio = DefaultWarningRatio
	}
	ratio := float64(committed) / float64(limit)
	switch {
	case ratio >= 1:
		return BudgetRestricted
	case ratio >= warningRatio:
		return BudgetWarning
	default:
		return BudgetNormal
	}
}

// DayKey formats t as the calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
