package routing

import (
	"testing"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

func TestRoute(t *testing.T) {
	r := NewRouter(0)
	w := domain.NewUserWeights("u1")

	tests := []struct {
		name  string
		score int
		mode  domain.BudgetMode
		want  domain.Tier
	}{
		{"normal high", 85, domain.BudgetNormal, domain.TierHigh},
		{"normal boundary high", 80, domain.BudgetNormal, domain.TierHigh},
		{"normal medium", 72, domain.BudgetNormal, domain.TierMedium},
		{"normal boundary medium", 40, domain.BudgetNormal, domain.TierMedium},
		{"normal low", 39, domain.BudgetNormal, domain.TierLow},
		{"warning does not restrict", 72, domain.BudgetWarning, domain.TierMedium},
		{"warning high", 85, domain.BudgetWarning, domain.TierHigh},
		{"restricted medium becomes low", 72, domain.BudgetRestricted, domain.TierLow},
		{"restricted high below override", 89, domain.BudgetRestricted, domain.TierLow},
		{"restricted override", 90, domain.BudgetRestricted, domain.TierHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(tt.score, domain.BudgetState{Mode: tt.mode}, w)
			if got != tt.want {
				t.Errorf("Route(%d, %s) = %s, want %s", tt.score, tt.mode, got, tt.want)
			}
		})
	}
}

func TestRouteCustomThresholds(t *testing.T) {
	w := domain.NewUserWeights("u1")
	w.HighThreshold = 60
	w.MediumThreshold = 20

	r := NewRouter(95)
	if got := r.Route(65, domain.BudgetState{}, w); got != domain.TierHigh {
		t.Errorf("got %s, want high", got)
	}
	if got := r.Route(25, domain.BudgetState{}, w); got != domain.TierMedium {
		t.Errorf("got %s, want medium", got)
	}
	if got := r.Route(92, domain.BudgetState{Mode: domain.BudgetRestricted}, w); got != domain.TierLow {
		t.Errorf("got %s, want low below custom override", got)
	}
}

func TestCostCents(t *testing.T) {
	tests := []struct {
		name  string
		model string
		in    int
		out   int
		want  int64
	}{
		{"nothing billed", ModelMini, 0, 0, 0},
		{"tiny call rounds up to a cent", ModelMini, 500, 100, 1},
		{"standard model", ModelStandard, 100_000, 10_000, 35},
		{"unknown model priced as standard", "mystery", 100_000, 10_000, 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CostCents(tt.model, tt.in, tt.out); got != tt.want {
				t.Errorf("CostCents() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAIRequestTruncated(t *testing.T) {
	req := &out.AIRequest{Model: ModelMini, Messages: []out.AIMessageInput{{Body: "abcdefgh"}, {Body: "가나다라"}}}
	got := req.Truncated()
	if got.Messages[0].Body != "abcd" || got.Messages[1].Body != "가나" {
		t.Errorf("Truncated() bodies = %q, %q", got.Messages[0].Body, got.Messages[1].Body)
	}
	if req.Messages[0].Body != "abcdefgh" {
		t.Error("Truncated() must not modify the original request")
	}
}
