package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize   = 10000
	DefaultWindow       = 5 * time.Minute
	DefaultEvalInterval = 30 * time.Second
)

// Config configures the monitor.
type Config struct {
	BufferSize   int
	Window       time.Duration
	EvalInterval time.Duration
	SLATargets   []SLATarget
	Rules        []AlertRule
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   DefaultBufferSize,
		Window:       DefaultWindow,
		EvalInterval: DefaultEvalInterval,
		SLATargets:   DefaultSLATargets(),
		Rules:        DefaultAlertRules(),
	}
}

// Monitor keeps the most recent metrics in memory and evaluates alert rules
// against them. Recording never blocks on alert delivery.
type Monitor struct {
	cfg  Config
	mu   sync.Mutex
	ring *ring

	firedMu sync.Mutex
	fired   map[string]time.Time

	sink    out.AlertSink
	metrics *collectors
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithAlertSink(s out.AlertSink) Option { return func(m *Monitor) { m.sink = s } }
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.metrics = newCollectors(reg) }
}
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l.With().Str("component", "monitor").Logger() }
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}

	m := &Monitor{
		cfg:   cfg,
		ring:  newRing(cfg.BufferSize),
		fired: make(map[string]time.Time),
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newCollectors(nil)
	}
	return m
}

// =============================================================================
// Recording
// =============================================================================

// Record appends one timed operation.
func (m *Monitor) Record(op string, durationMs float64, success bool, tags map[string]string) {
	if durationMs < 0 {
		durationMs = 0
	}
	metric := domain.PerformanceMetric{
		Operation:  op,
		DurationMs: durationMs,
		Success:    success,
		Timestamp:  m.now(),
		Tags:       tags,
	}

	m.mu.Lock()
	m.ring.add(metric)
	m.mu.Unlock()

	m.metrics.observe(op, durationMs, success)
}

// Track times fn and records it under op.
func (m *Monitor) Track(op string, tags map[string]string, fn func() error) error {
	start := m.now()
	err := fn()
	m.Record(op, float64(m.now().Sub(start).Microseconds())/1000, err == nil, tags)
	return err
}

// Len returns the number of buffered metrics.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.len()
}

// =============================================================================
// Statistics
// =============================================================================

func (m *Monitor) samples(window time.Duration) map[string]*sample {
	if window <= 0 {
		window = m.cfg.Window
	}
	since := m.now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.window(since)
}

// Stats returns the window statistics of one operation.
func (m *Monitor) Stats(op string) OpStats {
	s, ok := m.samples(0)[op]
	if !ok {
		return OpStats{Operation: op}
	}
	return s.stats(op)
}

// AllStats returns window statistics for every recorded operation, sorted by name.
func (m *Monitor) AllStats() []OpStats {
	all := m.samples(0)
	out := make([]OpStats, 0, len(all))
	for op, s := range all {
		out = append(out, s.stats(op))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Report checks every SLA target against the current window.
func (m *Monitor) Report() Report {
	ops := m.AllStats()
	byOp := make(map[string]OpStats, len(ops))
	for _, s := range ops {
		byOp[s.Operation] = s
	}

	rep := Report{
		GeneratedAt: m.now(),
		WindowSec:   int(m.cfg.Window.Seconds()),
		Buffered:    m.Len(),
		Operations:  ops,
		Healthy:     true,
	}
	for _, t := range m.cfg.SLATargets {
		s := byOp[t.Operation]
		st := SLAStatus{
			SLATarget: t,
			Actual:    s.Value(t.Stat),
			Samples:   s.Count,
		}
		// 샘플이 없으면 위반으로 보지 않음
		st.Met = s.Count == 0 || st.Actual <= t.Limit
		if !st.Met {
			rep.Healthy = false
		}
		rep.SLA = append(rep.SLA, st)
	}
	return rep
}

// =============================================================================
// Alerts
// =============================================================================

// Evaluate checks every rule and delivers the alerts that fired.
func (m *Monitor) Evaluate(ctx context.Context) []domain.Alert {
	now := m.now()
	var fired []domain.Alert

	for _, rule := range m.cfg.Rules {
		s, ok := m.samples(rule.Window)[rule.Operation]
		if !ok {
			continue
		}
		stats := s.stats(rule.Operation)
		minSamples := rule.MinSamples
		if minSamples < 1 {
			minSamples = 1
		}
		if stats.Count < minSamples {
			continue
		}
		value := stats.Value(rule.Stat)
		if value <= rule.Threshold {
			continue
		}
		if !m.claim(rule, now) {
			continue
		}

		alert := domain.Alert{
			ID:        uuid.NewString(),
			Rule:      rule.Name,
			Operation: rule.Operation,
			Stat:      string(rule.Stat),
			Value:     value,
			Threshold: rule.Threshold,
			FiredAt:   now,
		}
		fired = append(fired, alert)
		m.metrics.alerts.WithLabelValues(rule.Name).Inc()

		m.log.Warn().
			Str("rule", rule.Name).
			Str("operation", rule.Operation).
			Float64("value", value).
			Float64("threshold", rule.Threshold).
			Msg("alert fired")

		if m.sink != nil {
			if err := m.sink.FireAlert(ctx, &alert); err != nil {
				m.log.Error().Err(err).Str("rule", rule.Name).Msg("failed to deliver alert")
			}
		}
	}
	return fired
}

// claim reports whether rule is outside its cooldown and marks it fired.
func (m *Monitor) claim(rule AlertRule, now time.Time) bool {
	m.firedMu.Lock()
	defer m.firedMu.Unlock()

	if last, ok := m.fired[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
		return false
	}
	m.fired[rule.Name] = now
	return true
}

// Run evaluates the rules every EvalInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}
