// Package monitor records operation timings, reports SLA compliance and
// fires alerts when an operation drifts past its limits.
package monitor

import (
	"sort"
	"time"

	"priority_server/core/domain"
)

// =============================================================================
// Ring Buffer
// =============================================================================

// ring is a fixed-capacity buffer of metrics. Once full, each new metric
// overwrites the oldest one. Callers hold the monitor lock.
type ring struct {
	buf  []domain.PerformanceMetric
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &ring{buf: make([]domain.PerformanceMetric, size)}
}

func (r *ring) add(m domain.PerformanceMetric) {
	r.buf[r.next] = m
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// each visits retained metrics oldest first.
func (r *ring) each(fn func(m *domain.PerformanceMetric)) {
	if r.full {
		for i := r.next; i < len(r.buf); i++ {
			fn(&r.buf[i])
		}
	}
	for i := 0; i < r.next; i++ {
		fn(&r.buf[i])
	}
}

// window collects durations and error counts per operation since the cutoff.
func (r *ring) window(since time.Time) map[string]*sample {
	out := make(map[string]*sample)
	r.each(func(m *domain.PerformanceMetric) {
		if m.Timestamp.Before(since) {
			return
		}
		s, ok := out[m.Operation]
		if !ok {
			s = &sample{}
			out[m.Operation] = s
		}
		s.durations = append(s.durations, m.DurationMs)
		if !m.Success {
			s.errors++
		}
	})
	return out
}

// =============================================================================
// Percentiles
// =============================================================================

type sample struct {
	durations []float64
	errors    int
}

func (s *sample) stats(op string) OpStats {
	n := len(s.durations)
	if n == 0 {
		return OpStats{Operation: op}
	}
	sort.Float64s(s.durations)

	var sum float64
	for _, v := range s.durations {
		sum += v
	}

	return OpStats{
		Operation: op,
		Count:     n,
		Errors:    s.errors,
		ErrorRate: float64(s.errors) / float64(n),
		MinMs:     s.durations[0],
		MaxMs:     s.durations[n-1],
		AvgMs:     sum / float64(n),
		P50Ms:     percentile(s.durations, 0.50),
		P95Ms:     percentile(s.durations, 0.95),
		P99Ms:     percentile(s.durations, 0.99),
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// OpStats summarizes one operation over the monitor window.
type OpStats struct {
	Operation string  `json:"operation"`
	Count     int     `json:"count"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}

// Value returns the named statistic.
func (s OpStats) Value(stat Stat) float64 {
	switch stat {
	case StatP50:
		return s.P50Ms
	case StatP95:
		return s.P95Ms
	case StatP99:
		return s.P99Ms
	case StatAvg:
		return s.AvgMs
	case StatErrorRate:
		return s.ErrorRate
	default:
		return 0
	}
}
