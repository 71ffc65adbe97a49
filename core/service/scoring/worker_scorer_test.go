package scoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"priority_server/core/domain"
	"priority_server/core/service/cache"
	"priority_server/core/service/signature"
)

// Monday 2026-03-02 14:00 UTC
var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func bossWeights() *domain.UserWeights {
	w := domain.NewUserWeights("u1")
	w.Domain = "company.com"
	w.VIPSenders["boss@company.com"] = domain.VIPSender{Email: "boss@company.com", Boost: 50, Confidence: 1.0}
	return w
}

func evaluate(t *testing.T, msg *domain.InboundMessage, w *domain.UserWeights, patterns []domain.LearnedPattern) domain.ScoreResult {
	t.Helper()
	return DefaultRules().Evaluate(msg, signature.Generate(msg), w, patterns, testNow)
}

func TestEvaluateVIPUrgentMessage(t *testing.T) {
	msg := &domain.InboundMessage{
		ID:          "m1",
		UserID:      "u1",
		SenderEmail: "boss@company.com",
		SubjectText: "URGENT: Client meeting moved to 2pm",
		BodyText:    "Re our call - can you join at 2? Thanks",
		ReceivedAt:  testNow.Add(-30 * time.Minute),
		IsImportant: true,
		IsUnread:    true,
	}

	got := evaluate(t, msg, bossWeights(), nil)

	if got.Score != 100 {
		t.Errorf("Score = %d, want 100 (factors %v)", got.Score, got.Factors)
	}
	if got.Tier != domain.TierHigh {
		t.Errorf("Tier = %s, want high", got.Tier)
	}
	want := map[domain.Factor]int{
		domain.FactorVIP:      50,
		domain.FactorUrgency:  25,
		domain.FactorPlatform: 12,
		domain.FactorRecency:  15,
	}
	for f, v := range want {
		if got.Factors[f] != v {
			t.Errorf("factor %s = %d, want %d", f, got.Factors[f], v)
		}
	}
	if got.Confidence != fullConfidence {
		t.Errorf("Confidence = %v, want %v", got.Confidence, fullConfidence)
	}
}

func TestEvaluateMarketingMessage(t *testing.T) {
	msg := &domain.InboundMessage{
		ID:          "m2",
		UserID:      "u1",
		SenderEmail: "deals@store.com",
		SubjectText: "50% OFF Flash Sale - Limited Time Only!",
		BodyText:    "Shop now.",
		ReceivedAt:  testNow.Add(-10 * time.Minute),
	}

	got := evaluate(t, msg, domain.NewUserWeights("u1"), nil)

	if got.Score != 0 {
		t.Errorf("Score = %d, want 0 (factors %v)", got.Score, got.Factors)
	}
	if got.Tier != domain.TierLow {
		t.Errorf("Tier = %s, want low", got.Tier)
	}
	if got.Factors[domain.FactorMarketing] != -30 {
		t.Errorf("marketing = %d, want -30 (no stacking)", got.Factors[domain.FactorMarketing])
	}
	if got.Factors[domain.FactorRecency] > 0 {
		t.Errorf("recency = %d, marketing mail must not earn freshness", got.Factors[domain.FactorRecency])
	}
}

func TestEvaluateFactorRanges(t *testing.T) {
	rules := DefaultRules()
	w := bossWeights()
	for f := range w.Multipliers {
		w.Multipliers[f] = domain.MaxMultiplier
	}

	msg := &domain.InboundMessage{
		UserID:         "u1",
		SenderEmail:    "boss@company.com",
		SubjectText:    "[URGENT] !!! RE: RE: action required",
		BodyText:       "please let me know, thanks",
		ReceivedAt:     testNow,
		Labels:         []string{"IMPORTANT", "STARRED"},
		IsImportant:    true,
		IsStarred:      true,
		IsUnread:       true,
		HasAttachments: true,
	}
	patterns := []domain.LearnedPattern{
		{Type: domain.PatternSender, Value: "boss@company.com", ScoreImpact: 50, Confidence: 1},
	}

	got := rules.Evaluate(msg, signature.Generate(msg), w, patterns, testNow)
	for f, v := range got.Factors {
		r := factorRanges[f]
		if v < r.min || v > r.max {
			t.Errorf("factor %s = %d outside [%d,%d]", f, v, r.min, r.max)
		}
	}
	if got.Score < domain.MinScore || got.Score > domain.MaxScore {
		t.Errorf("Score = %d out of range", got.Score)
	}
}

func TestUrgencyScore(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name    string
		subject string
		body    string
		want    int
	}{
		{"explicit marker", "[URGENT] prod down", "", 25},
		{"high keyword", "need this asap", "", 25},
		{"medium keyword", "deadline for Q3 report", "", 15},
		{"low keyword", "quick question", "", 5},
		{"body only, medium", "report", "the deadline is friday", 11},
		{"subject medium beats body high", "deadline for Q3 report", "this is urgent", 15},
		{"subject low beats body high", "quick question", "urgent: reply now", 5},
		{"body only, high", "report", "this is urgent", 18},
		{"reply chain floor", "RE: RE: lunch", "", 10},
		{"reply chain keeps higher", "RE: RE: deadline moved", "", 15},
		{"nothing", "lunch", "see you", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.InboundMessage{SenderEmail: "a@b.com", SubjectText: tt.subject, BodyText: tt.body}
			got := rules.urgencyScore(newView(msg, signature.Generate(msg)))
			if got != tt.want {
				t.Errorf("urgencyScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMarketingScoreMostNegativeWins(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name    string
		sender  string
		subject string
		labels  []string
		want    int
	}{
		{"promo sender only", "promo@shop.example", "Your picks", nil, -20},
		{"sale beats sender", "deals@store.com", "Flash sale today", nil, -30},
		{"newsletter", "editor@paper.example", "The Monday Newsletter", nil, -15},
		{"social", "notify@social.example", "Sam commented on your photo", nil, -10},
		{"social label", "sam@friend.example", "hey", []string{"CATEGORY_SOCIAL"}, -15},
		{"promotions label", "sam@friend.example", "hey", []string{"category_promotions"}, -20},
		{"clean", "sam@friend.example", "lunch?", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.InboundMessage{SenderEmail: tt.sender, SubjectText: tt.subject, Labels: tt.labels}
			if got := rules.marketingScore(newView(msg, signature.Generate(msg))); got != tt.want {
				t.Errorf("marketingScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecencyScore(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name      string
		age       time.Duration
		marketing bool
		want      int
	}{
		{"fresh", 30 * time.Minute, false, 15},
		{"two hours", 2 * time.Hour, false, 10},
		{"five hours", 5 * time.Hour, false, 5},
		{"half day", 12 * time.Hour, false, 0},
		{"sunday evening, weekend bonus", 20 * time.Hour, false, 3},
		{"sunday morning, weekend bonus", 30 * time.Hour, false, 0},
		{"this week", 100 * time.Hour, false, -6},
		{"old", 400 * time.Hour, false, -10},
		{"fresh marketing", 30 * time.Minute, true, 0},
		{"old marketing", 400 * time.Hour, true, -10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.InboundMessage{SenderEmail: "a@b.com", ReceivedAt: testNow.Add(-tt.age)}
			got := rules.recencyScore(newView(msg, signature.Generate(msg)), testNow, time.UTC, tt.marketing)
			if got != tt.want {
				t.Errorf("recencyScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecencyWeekendBonus(t *testing.T) {
	rules := DefaultRules()
	// received Saturday 10:00, reviewed Monday 14:00 (52h later)
	msg := &domain.InboundMessage{SenderEmail: "a@b.com", ReceivedAt: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)}
	got := rules.recencyScore(newView(msg, signature.Generate(msg)), testNow, time.UTC, false)
	if got != -3 {
		t.Errorf("recencyScore() = %d, want -3 (-6 + weekend 3)", got)
	}
}

func TestContentScore(t *testing.T) {
	rules := DefaultRules()
	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"short", "ok", -5},
		{"medium", "The numbers for the quarter are attached, see the second tab for detail.", 5},
		{"medium personal", "Could you please look at the numbers for the quarter? Let me know, thanks.", 10},
		{"very long", string(long), -5},
		{"automated", "This is an automated message, do not reply to this address.", -10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.InboundMessage{SenderEmail: "a@b.com", BodyText: tt.body}
			if got := rules.contentScore(newView(msg, signature.Generate(msg))); got != tt.want {
				t.Errorf("contentScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReputationScore(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		sender string
		want   int
	}{
		{"service@paypal.com", 10},
		{"notice@irs.gov", 10},
		{"noreply@example.com", -15},
		{"news@list.mailchimp.com", -15},
		{"friend@gmail.com", -2},
		{"someone@unknown.example", 0},
	}
	for _, tt := range tests {
		msg := &domain.InboundMessage{SenderEmail: tt.sender}
		if got := rules.reputationScore(newView(msg, signature.Generate(msg))); got != tt.want {
			t.Errorf("reputationScore(%s) = %d, want %d", tt.sender, got, tt.want)
		}
	}
}

func TestLearnedScore(t *testing.T) {
	rules := DefaultRules()
	msg := &domain.InboundMessage{SenderEmail: "alerts@vendor.example", SubjectText: "hello"}
	v := newView(msg, signature.Generate(msg))

	patterns := []domain.LearnedPattern{
		{Type: domain.PatternSender, Value: "alerts@vendor.example", ScoreImpact: -20, Confidence: 0.8},
		{Type: domain.PatternDomain, Value: "vendor.example", ScoreImpact: -10, Confidence: 0.6},
		{Type: domain.PatternDomain, Value: "vendor.example", ScoreImpact: 40, Confidence: 0.4}, // below threshold
		{Type: domain.PatternSender, Value: "alerts@vendor.example", ScoreImpact: 40, Confidence: 0.9, Archived: true},
		{Type: domain.PatternSender, Value: "other@vendor.example", ScoreImpact: 40, Confidence: 0.9},
	}

	if got := rules.learnedScore(v, patterns); got != -22 {
		t.Errorf("learnedScore() = %d, want -22", got)
	}
}

func TestEvaluateMultipliers(t *testing.T) {
	msg := &domain.InboundMessage{
		UserID:      "u1",
		SenderEmail: "peer@company.com",
		SubjectText: "deadline for Q3 report",
		BodyText:    "See the draft attached when you get a chance to review it properly.",
		ReceivedAt:  testNow.Add(-12 * time.Hour),
	}
	w := domain.NewUserWeights("u1")
	base := evaluate(t, msg, w, nil)

	w.Multipliers[domain.FactorUrgency] = 2.0
	boosted := evaluate(t, msg, w, nil)

	if base.Factors[domain.FactorUrgency] != 15 {
		t.Fatalf("base urgency = %d, want 15", base.Factors[domain.FactorUrgency])
	}
	if boosted.Factors[domain.FactorUrgency] != 25 {
		t.Errorf("boosted urgency = %d, want 25 (clamped)", boosted.Factors[domain.FactorUrgency])
	}
}

func TestEvaluateSparseConfidence(t *testing.T) {
	msg := &domain.InboundMessage{
		UserID:      "u1",
		SenderEmail: "someone@unknown.example",
		SubjectText: "Notes from the offsite",
		BodyText:    "The notes from the offsite are in the shared folder for everyone to read.",
		ReceivedAt:  testNow.Add(-12 * time.Hour),
	}
	got := evaluate(t, msg, domain.NewUserWeights("u1"), nil)
	if got.Confidence != fullConfidence-sparsePenalty {
		t.Errorf("Confidence = %v, want %v (factors %v)", got.Confidence, fullConfidence-sparsePenalty, got.Factors)
	}
}

type countingPatterns struct{ calls atomic.Int32 }

func (c *countingPatterns) Patterns(ctx context.Context, userID string) []domain.LearnedPattern {
	c.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestScorerUsesCache(t *testing.T) {
	c := cache.New(cache.Config{Shards: 1}, cache.WithClock(fixedNow))
	src := &countingPatterns{}
	s := NewScorer(nil, WithCache(c), WithPatterns(src), WithClock(fixedNow))
	ctx := context.Background()

	msg := &domain.InboundMessage{
		ID: "m1", UserID: "u1", SenderEmail: "peer@company.com",
		SubjectText: "status", BodyText: "All green today.", ReceivedAt: testNow.Add(-time.Hour),
	}

	first, err := s.Score(ctx, msg, nil)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if first.FromCache {
		t.Error("first score should be computed")
	}

	second, err := s.Score(ctx, msg, nil)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if !second.FromCache || second.CacheTier != domain.CacheTierHot {
		t.Errorf("second score should be a hot hit, got %+v", second)
	}
	if second.Score != first.Score {
		t.Errorf("cached score %d != computed %d", second.Score, first.Score)
	}
	if src.calls.Load() != 1 {
		t.Errorf("patterns loaded %d times, want 1", src.calls.Load())
	}
}

func TestScorerCollapsesConcurrentComputations(t *testing.T) {
	src := &countingPatterns{}
	s := NewScorer(nil, WithPatterns(src), WithClock(fixedNow))
	msg := &domain.InboundMessage{
		ID: "m1", UserID: "u1", SenderEmail: "peer@company.com",
		SubjectText: "status", BodyText: "All green today.", ReceivedAt: testNow,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Score(context.Background(), msg, nil); err != nil {
				t.Errorf("Score() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := src.calls.Load(); n >= 8 {
		t.Errorf("patterns loaded %d times, expected concurrent calls to share work", n)
	}
}

func TestScorerRejectsInvalidMessage(t *testing.T) {
	s := NewScorer(nil)
	_, err := s.Score(context.Background(), &domain.InboundMessage{UserID: "u1"}, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestScoreBatch(t *testing.T) {
	s := NewScorer(nil, WithClock(fixedNow), WithMaxParallel(2))
	msgs := []*domain.InboundMessage{
		{ID: "a", UserID: "u1", SenderEmail: "deals@store.com", SubjectText: "50% off", ReceivedAt: testNow},
		{ID: "b", UserID: "u1", SenderEmail: "boss@company.com", SubjectText: "URGENT: call me", ReceivedAt: testNow, IsImportant: true},
		{ID: "c", UserID: "u1", SenderEmail: "peer@company.com", SubjectText: "lunch", ReceivedAt: testNow},
	}

	results, err := s.ScoreBatch(context.Background(), msgs, bossWeights())
	if err != nil {
		t.Fatalf("ScoreBatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len = %d, want 3", len(results))
	}
	if results[0].Score >= results[1].Score {
		t.Errorf("marketing %d should score below VIP %d", results[0].Score, results[1].Score)
	}
	if results[1].Tier != domain.TierHigh {
		t.Errorf("VIP tier = %s, want high", results[1].Tier)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
base_score: 25
urgency_markers: ["[p0]"]
marketing:
  - name: crypto
    field: subject
    keywords: ["airdrop"]
    impact: -25
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if rules.BaseScore != 25 {
		t.Errorf("BaseScore = %d, want 25", rules.BaseScore)
	}
	if len(rules.Marketing) != 1 || rules.Marketing[0].Name != "crypto" {
		t.Errorf("Marketing = %+v", rules.Marketing)
	}
	if rules.SameDomainBoost != 20 {
		t.Errorf("SameDomainBoost = %d, defaults should survive", rules.SameDomainBoost)
	}
}

func TestLoadRulesRejectsBadImpact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "marketing:\n  - name: bad\n    field: subject\n    keywords: [x]\n    impact: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for positive marketing impact")
	}
}
