package learning

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"priority_server/core/domain"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testMessage(sender string) *domain.InboundMessage {
	return &domain.InboundMessage{
		ID:          "m1",
		UserID:      "u1",
		SenderEmail: sender,
		SubjectText: "Weekly sync notes",
		BodyText:    "Notes from today's sync are attached.",
		ReceivedAt:  testNow.Add(-time.Hour),
	}
}

func feedback(action domain.FeedbackAction, sender string, ctx map[string]string) *domain.Feedback {
	return &domain.Feedback{
		UserID:     "u1",
		ActionType: action,
		MessageID:  "m1",
		Message:    testMessage(sender),
		Context:    ctx,
		OccurredAt: testNow,
	}
}

func findPattern(ps []domain.LearnedPattern, t domain.PatternType, value string) (domain.LearnedPattern, bool) {
	for _, p := range ps {
		if p.Type == t && p.Value == value {
			return p, true
		}
	}
	return domain.LearnedPattern{}, false
}

func TestIngestVIPDesignation(t *testing.T) {
	l := New(Config{}, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	before := l.Weights(ctx, "u1").Version
	if err := l.Ingest(ctx, feedback(domain.FeedbackVIPDesignation, "Ceo@Partner.com", nil)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	w := l.Weights(ctx, "u1")
	vip, ok := w.VIPSenders["ceo@partner.com"]
	if !ok {
		t.Fatalf("VIP sender not recorded: %+v", w.VIPSenders)
	}
	if vip.Boost != defaultVIPBoost || vip.Confidence != 1.0 {
		t.Errorf("VIP = %+v", vip)
	}
	if w.Version != before+1 {
		t.Errorf("Version = %d, want %d", w.Version, before+1)
	}

	p, ok := findPattern(l.Patterns(ctx, "u1"), domain.PatternSender, "ceo@partner.com")
	if !ok {
		t.Fatal("sender pattern not learned")
	}
	if p.ScoreImpact != 30 || p.SampleCount != 1 {
		t.Errorf("pattern = %+v", p)
	}
}

func TestIngestMergesRepeatedSignals(t *testing.T) {
	l := New(Config{}, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Ingest(ctx, feedback(domain.FeedbackUnsubscribe, "news@shop.example", nil)); err != nil {
			t.Fatal(err)
		}
	}

	p, ok := findPattern(l.Patterns(ctx, "u1"), domain.PatternSender, "news@shop.example")
	if !ok {
		t.Fatal("pattern missing")
	}
	if p.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", p.SampleCount)
	}
	if p.ScoreImpact != -40 {
		t.Errorf("ScoreImpact = %v, want -40", p.ScoreImpact)
	}
	if want := 0.3*0.95 + 0.7*0.95; math.Abs(p.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", p.Confidence, want)
	}
}

func TestIngestCategoryCorrection(t *testing.T) {
	tests := []struct {
		category   string
		wantSign   float64
		wantLearns bool
	}{
		{"work", 1, true},
		{"promotions", -1, true},
		{"somethingelse", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			l := New(Config{})
			ctx := context.Background()
			fb := feedback(domain.FeedbackCategoryCorrection, "a@vendor.example", map[string]string{domain.ContextNewCategory: tt.category})
			if err := l.Ingest(ctx, fb); err != nil {
				t.Fatal(err)
			}

			p, ok := findPattern(l.Patterns(ctx, "u1"), domain.PatternDomain, "vendor.example")
			if ok != tt.wantLearns {
				t.Fatalf("learned = %v, want %v", ok, tt.wantLearns)
			}
			if ok && p.ScoreImpact*tt.wantSign <= 0 {
				t.Errorf("ScoreImpact = %v, wrong sign", p.ScoreImpact)
			}
		})
	}
}

func TestIngestScoreCorrectionNudgesMultipliers(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()

	fb := feedback(domain.FeedbackScoreCorrection, "a@b.example", map[string]string{
		domain.ContextCorrectScore: "20",
		domain.ContextPredicted:    "70",
	})
	fb.Factors = map[domain.Factor]int{
		domain.FactorUrgency:   15, // pushed up, user wanted lower
		domain.FactorMarketing: -10,
		domain.FactorVIP:       0,
	}

	if err := l.Ingest(ctx, fb); err != nil {
		t.Fatal(err)
	}
	w := l.Weights(ctx, "u1")

	if got := w.Multiplier(domain.FactorUrgency); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("urgency multiplier = %v, want 0.95", got)
	}
	if got := w.Multiplier(domain.FactorMarketing); math.Abs(got-1.05) > 1e-9 {
		t.Errorf("marketing multiplier = %v, want 1.05", got)
	}
	if got := w.Multiplier(domain.FactorVIP); got != 1.0 {
		t.Errorf("vip multiplier = %v, want unchanged", got)
	}
}

func TestNudgeMultipliersClamped(t *testing.T) {
	w := domain.NewUserWeights("u1")
	w.Multipliers[domain.FactorUrgency] = domain.MinMultiplier

	changed := nudgeMultipliers(w, map[domain.Factor]int{domain.FactorUrgency: 10}, -5)
	if changed {
		t.Error("multiplier at the floor should not change")
	}
	if w.Multipliers[domain.FactorUrgency] != domain.MinMultiplier {
		t.Errorf("multiplier = %v", w.Multipliers[domain.FactorUrgency])
	}
}

func TestIngestRejectsInvalidFeedback(t *testing.T) {
	l := New(Config{})
	err := l.Ingest(context.Background(), &domain.Feedback{UserID: "u1", ActionType: "bogus"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestValidateAdjustsConfidence(t *testing.T) {
	tests := []struct {
		name         string
		engaged      []bool
		wantConf     float64
		wantArchived bool
	}{
		{"accurate", []bool{true, true, true, true, true}, 0.95, false},
		{"inaccurate", []bool{false, false, false, false, false}, 0.75, false},
		{"too few samples", []bool{false, false}, 0.9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(Config{MinSamples: 5})
			ctx := context.Background()
			msg := testMessage("boss@corp.example")

			if err := l.Ingest(ctx, feedback(domain.FeedbackVIPDesignation, "boss@corp.example", nil)); err != nil {
				t.Fatal(err)
			}
			for _, e := range tt.engaged {
				l.RecordOutcome(ctx, "u1", msg, e)
			}
			if _, err := l.Validate(ctx, "u1"); err != nil {
				t.Fatal(err)
			}

			p, _ := findPattern(l.Patterns(ctx, "u1"), domain.PatternSender, "boss@corp.example")
			if math.Abs(p.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", p.Confidence, tt.wantConf)
			}
			if p.Archived != tt.wantArchived {
				t.Errorf("Archived = %v, want %v", p.Archived, tt.wantArchived)
			}
		})
	}
}

func TestValidateArchivesWeakPatterns(t *testing.T) {
	l := New(Config{MinSamples: 5})
	ctx := context.Background()
	msg := testMessage("boss@corp.example")

	if err := l.Ingest(ctx, feedback(domain.FeedbackVIPDesignation, "boss@corp.example", nil)); err != nil {
		t.Fatal(err)
	}
	// each round of misses costs 0.15 confidence until the pattern drops below 0.3
	for round := 0; round < 5; round++ {
		for i := 0; i < 5; i++ {
			l.RecordOutcome(ctx, "u1", msg, false)
		}
		if _, err := l.Validate(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}

	p, _ := findPattern(l.Patterns(ctx, "u1"), domain.PatternSender, "boss@corp.example")
	if !p.Archived {
		t.Errorf("pattern should be archived, got %+v", p)
	}
}

type memRepo struct {
	mu       sync.Mutex
	patterns map[string][]domain.LearnedPattern
	weights  map[string]*domain.UserWeights
}

func newMemRepo() *memRepo {
	return &memRepo{patterns: map[string][]domain.LearnedPattern{}, weights: map[string]*domain.UserWeights{}}
}

func (m *memRepo) ListPatterns(ctx context.Context, userID string) ([]domain.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LearnedPattern(nil), m.patterns[userID]...), nil
}

func (m *memRepo) UpsertPatterns(ctx context.Context, userID string, ps []domain.LearnedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.patterns[userID]
	for _, p := range ps {
		replaced := false
		for i := range existing {
			if existing[i].Key() == p.Key() {
				existing[i] = p
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, p)
		}
	}
	m.patterns[userID] = existing
	return nil
}

func (m *memRepo) GetWeights(ctx context.Context, userID string) (*domain.UserWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights[userID].Clone(), nil
}

func (m *memRepo) SaveWeights(ctx context.Context, w *domain.UserWeights) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights[w.UserID] = w.Clone()
	return nil
}

func TestLearnerPersistsAndReloads(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()

	first := New(Config{}, WithRepository(repo))
	if err := first.Ingest(ctx, feedback(domain.FeedbackVIPDesignation, "boss@corp.example", nil)); err != nil {
		t.Fatal(err)
	}

	second := New(Config{}, WithRepository(repo))
	w := second.Weights(ctx, "u1")
	if _, ok := w.VIPSenders["boss@corp.example"]; !ok {
		t.Error("VIP sender not reloaded")
	}
	if len(second.Patterns(ctx, "u1")) != 2 {
		t.Errorf("patterns reloaded = %d, want 2", len(second.Patterns(ctx, "u1")))
	}
}

func TestUpdateWeightsBumpsVersion(t *testing.T) {
	l := New(Config{}, WithDefaultLimit(500))
	ctx := context.Background()

	if got := l.Weights(ctx, "u1").DailyLimitCents; got != 500 {
		t.Errorf("DailyLimitCents = %d, want 500", got)
	}

	w, err := l.UpdateWeights(ctx, "u1", func(w *domain.UserWeights) error {
		w.Timezone = "Asia/Seoul"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Version != 1 || w.Timezone != "Asia/Seoul" {
		t.Errorf("weights = %+v", w)
	}

	_, err = l.UpdateWeights(ctx, "u1", func(w *domain.UserWeights) error { return errors.New("nope") })
	if err == nil {
		t.Error("expected error from mutation")
	}
	if l.Weights(ctx, "u1").Version != 1 {
		t.Error("failed mutation must not bump version")
	}
}

func TestLearnerConcurrentIngest(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Ingest(ctx, feedback(domain.FeedbackRepeatedIgnore, "bot@alerts.example", map[string]string{domain.ContextIgnoreCount: "4"}))
			_ = l.Patterns(ctx, "u1")
		}()
	}
	wg.Wait()

	p, ok := findPattern(l.Patterns(ctx, "u1"), domain.PatternSender, "bot@alerts.example")
	if !ok || p.SampleCount != 20 {
		t.Errorf("pattern = %+v, want 20 samples", p)
	}
	if l.Weights(ctx, "u1").Version != 20 {
		t.Errorf("Version = %d, want 20", l.Weights(ctx, "u1").Version)
	}
}
