package monitor

import (
	"time"

	"priority_server/core/domain"
)

// Stat names a statistic an alert rule or SLA target is checked against.
type Stat string

const (
	StatP50       Stat = "p50"
	StatP95       Stat = "p95"
	StatP99       Stat = "p99"
	StatAvg       Stat = "avg"
	StatErrorRate Stat = "error_rate"
)

// SLATarget is an upper bound on one statistic of an operation.
type SLATarget struct {
	Operation string  `json:"operation"`
	Stat      Stat    `json:"stat"`
	Limit     float64 `json:"limit"`
}

// DefaultSLATargets returns the latency targets of the scoring pipeline.
func DefaultSLATargets() []SLATarget {
	return []SLATarget{
		{Operation: domain.OpScore, Stat: StatP95, Limit: 100},
		{Operation: domain.OpDispatchBatch, Stat: StatP95, Limit: 2000},
		{Operation: domain.OpCacheHit, Stat: StatP95, Limit: 10},
	}
}

// AlertRule fires when Stat of Operation over Window exceeds Threshold.
// A rule that fired stays quiet for Cooldown.
type AlertRule struct {
	Name       string        `json:"name"`
	Operation  string        `json:"operation"`
	Stat       Stat          `json:"stat"`
	Window     time.Duration `json:"window"`
	Threshold  float64       `json:"threshold"`
	Cooldown   time.Duration `json:"cooldown"`
	MinSamples int           `json:"min_samples"`
}

// DefaultAlertRules mirrors the SLA targets and adds an AI error-rate guard.
func DefaultAlertRules() []AlertRule {
	rules := make([]AlertRule, 0, 4)
	for _, t := range DefaultSLATargets() {
		rules = append(rules, AlertRule{
			Name:       t.Operation + "_" + string(t.Stat),
			Operation:  t.Operation,
			Stat:       t.Stat,
			Threshold:  t.Limit,
			Cooldown:   10 * time.Minute,
			MinSamples: 20,
		})
	}
	rules = append(rules, AlertRule{
		Name:       "ai_error_rate",
		Operation:  domain.OpAICall,
		Stat:       StatErrorRate,
		Threshold:  0.2,
		Cooldown:   10 * time.Minute,
		MinSamples: 10,
	})
	return rules
}

// SLAStatus reports one target against the observed value.
type SLAStatus struct {
	SLATarget
	Actual  float64 `json:"actual"`
	Samples int     `json:"samples"`
	Met     bool    `json:"met"`
}

// Report is the monitor's view of the current window.
type Report struct {
	GeneratedAt time.Time   `json:"generated_at"`
	WindowSec   int         `json:"window_sec"`
	Buffered    int         `json:"buffered"`
	Operations  []OpStats   `json:"operations"`
	SLA         []SLAStatus `json:"sla"`
	Healthy     bool        `json:"healthy"`
}
