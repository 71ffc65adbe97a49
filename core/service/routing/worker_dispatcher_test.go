package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"
	"priority_server/core/service/budget"
)

type fakeAI struct {
	mu       sync.Mutex
	requests []*out.AIRequest
	fail     func(n int, req *out.AIRequest) error
	calls    atomic.Int32
}

func (f *fakeAI) Analyze(ctx context.Context, req *out.AIRequest) (*out.AIResponse, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(n, req); err != nil {
			return nil, err
		}
	}
	resp := &out.AIResponse{Model: req.Model, InputTokens: 1000, OutputTokens: 200}
	for _, m := range req.Messages {
		resp.Analyses = append(resp.Analyses, domain.AIAnalysis{MessageID: m.MessageID, Score: m.Score, Category: "work", Confidence: 0.9})
	}
	return resp, nil
}

func (f *fakeAI) Requests() []*out.AIRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*out.AIRequest(nil), f.requests...)
}

type collectSink struct {
	mu       sync.Mutex
	outcomes []*domain.DispatchOutcome
}

func (s *collectSink) PublishOutcome(ctx context.Context, o *domain.DispatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *collectSink) All() []*domain.DispatchOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.DispatchOutcome(nil), s.outcomes...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BatchTimeout = time.Hour
	return cfg
}

func newTracker(limit int64) *budget.Tracker {
	return budget.NewTracker(budget.NewMemoryStore(), budget.Config{DefaultLimitCents: limit})
}

func request(id string, score int) DispatchRequest {
	return DispatchRequest{
		Message: &domain.InboundMessage{
			ID:          id,
			UserID:      "u1",
			SenderEmail: "a@b.example",
			SubjectText: "subject " + id,
			BodyText:    "body of message " + id,
			ReceivedAt:  time.Now(),
		},
		Result: domain.ScoreResult{Score: score, Confidence: 0.9, Factors: map[domain.Factor]int{}},
	}
}

func TestDispatchHighTier(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	tr := newTracker(200)
	d := NewDispatcher(testConfig(), ai, tr, sink)
	ctx := context.Background()

	tier, err := d.Dispatch(ctx, request("m1", 95))
	if err != nil {
		t.Fatal(err)
	}
	if tier != domain.TierHigh {
		t.Fatalf("tier = %s, want high", tier)
	}

	outs := sink.All()
	if len(outs) != 1 || outs[0].Result.ProcessingTier != domain.TierHigh || outs[0].Analysis == nil {
		t.Fatalf("outcomes = %+v", outs)
	}
	if reqs := ai.Requests(); !reqs[0].Deep || reqs[0].Model != ModelStandard {
		t.Errorf("request = %+v", reqs[0])
	}

	st, _ := tr.DailyState(ctx, "u1")
	if st.ReservedCents != 0 || st.DailySpendCents != outs[0].CostCents || st.DailySpendCents == 0 {
		t.Errorf("budget state = %+v, outcome cost = %d", st, outs[0].CostCents)
	}
}

func TestDispatchLowTierNeverCallsAI(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	d := NewDispatcher(testConfig(), ai, newTracker(200), sink)

	tier, err := d.Dispatch(context.Background(), request("m1", 10))
	if err != nil || tier != domain.TierLow {
		t.Fatalf("tier = %s, err = %v", tier, err)
	}
	if ai.calls.Load() != 0 {
		t.Error("low tier must not call AI")
	}
	o := sink.All()[0]
	if o.Result.Fallback || o.Result.Confidence != 0.9 || o.Result.ProcessingTier != domain.TierLow {
		t.Errorf("outcome = %+v", o.Result)
	}
}

func TestDispatchHighDowngradesWhenBudgetRefused(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	tr := newTracker(1) // too little for a deep call
	d := NewDispatcher(testConfig(), ai, tr, sink)
	ctx := context.Background()

	// a long body makes the deep estimate exceed one cent
	req := request("m1", 85)
	req.Message.BodyText = string(make([]byte, 40_000))

	tier, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if tier != domain.TierMedium {
		t.Fatalf("tier = %s, want medium after refused reservation", tier)
	}
	if ai.calls.Load() != 0 {
		t.Error("refused reservation must not call AI")
	}
	if d.Pending()["u1"] != 1 {
		t.Errorf("pending = %v, want 1 queued", d.Pending())
	}
}

func TestDispatchRestrictedMode(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	tr := newTracker(200)
	ctx := context.Background()
	if err := tr.RecordActualCost(ctx, "u1", 200); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(testConfig(), ai, tr, sink)

	tier, _ := d.Dispatch(ctx, request("m1", 72))
	if tier != domain.TierLow {
		t.Errorf("restricted score 72 tier = %s, want low", tier)
	}
}

func TestCallWithRecovery(t *testing.T) {
	rateLimited := &domain.AIFault{Kind: domain.FaultRateLimit, Err: errors.New("429")}
	tooLong := &domain.AIFault{Kind: domain.FaultContextTooLong, Err: errors.New("context length")}
	unavailable := &domain.AIFault{Kind: domain.FaultModelUnavailable, Err: errors.New("503")}
	other := &domain.AIFault{Kind: domain.FaultOther, Err: errors.New("boom")}

	tests := []struct {
		name      string
		fail      func(n int, req *out.AIRequest) error
		wantErr   bool
		wantCalls int32
		check     func(t *testing.T, reqs []*out.AIRequest)
	}{
		{
			name:      "rate limit recovers within retries",
			fail: func(n int, _ *out.AIRequest) error {
				if n <= 2 {
					return rateLimited
				}
				return nil
			},
			wantCalls: 3,
		},
		{
			name:      "rate limit exhausts retries",
			fail:      func(int, *out.AIRequest) error { return rateLimited },
			wantErr:   true,
			wantCalls: 3,
		},
		{
			name:      "context too long truncates once",
			fail: func(n int, _ *out.AIRequest) error {
				if n == 1 {
					return tooLong
				}
				return nil
			},
			wantCalls: 2,
			check: func(t *testing.T, reqs []*out.AIRequest) {
				if len(reqs[1].Messages[0].Body) >= len(reqs[0].Messages[0].Body) {
					t.Error("retry should carry a truncated body")
				}
			},
		},
		{
			name:      "context too long twice gives up",
			fail:      func(int, *out.AIRequest) error { return tooLong },
			wantErr:   true,
			wantCalls: 2,
		},
		{
			name:      "model unavailable switches model",
			fail: func(n int, _ *out.AIRequest) error {
				if n == 1 {
					return unavailable
				}
				return nil
			},
			wantCalls: 2,
			check: func(t *testing.T, reqs []*out.AIRequest) {
				if reqs[1].Model != ModelMini {
					t.Errorf("retry model = %s, want %s", reqs[1].Model, ModelMini)
				}
			},
		},
		{
			name:      "other fault is not retried",
			fail:      func(int, *out.AIRequest) error { return other },
			wantErr:   true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &fakeAI{fail: tt.fail}
			d := NewDispatcher(testConfig(), ai, newTracker(200), &collectSink{})
			req := &out.AIRequest{Model: ModelStandard, Messages: []out.AIMessageInput{{MessageID: "m1", Body: "0123456789"}}}

			_, err := d.callWithRecovery(context.Background(), req, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := ai.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.check != nil {
				tt.check(t, ai.Requests())
			}
		})
	}
}

func TestDispatchHighFaultFallsBackToBatch(t *testing.T) {
	ai := &fakeAI{fail: func(n int, req *out.AIRequest) error {
		if req.Deep {
			return &domain.AIFault{Kind: domain.FaultOther, Err: errors.New("boom")}
		}
		return nil
	}}
	sink := &collectSink{}
	tr := newTracker(200)
	d := NewDispatcher(testConfig(), ai, tr, sink)
	ctx := context.Background()

	tier, _ := d.Dispatch(ctx, request("m1", 95))
	if tier != domain.TierMedium {
		t.Fatalf("tier = %s, want medium", tier)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	outs := sink.All()
	if len(outs) != 1 || outs[0].Result.ProcessingTier != domain.TierMedium {
		t.Fatalf("outcomes = %+v", outs)
	}
	o := outs[0]
	if !o.Result.Fallback || o.RequestedTier != domain.TierHigh || o.Reason != string(domain.FaultOther) {
		t.Errorf("outcome fallback=%v requested=%s reason=%q", o.Result.Fallback, o.RequestedTier, o.Reason)
	}
	if c := o.Result.Confidence; c < 0.69 || c > 0.71 {
		t.Errorf("Confidence = %v, want 0.7", c)
	}
	st, _ := tr.DailyState(ctx, "u1")
	if st.ReservedCents != 0 {
		t.Errorf("failed deep call left %d cents reserved", st.ReservedCents)
	}
}

func TestDowngradeChainKeepsRequestedTier(t *testing.T) {
	ai := &fakeAI{fail: func(int, *out.AIRequest) error {
		return &domain.AIFault{Kind: domain.FaultOther, Err: errors.New("down")}
	}}
	sink := &collectSink{}
	d := NewDispatcher(testConfig(), ai, newTracker(200), sink)
	ctx := context.Background()

	d.Dispatch(ctx, request("m1", 95))
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	outs := sink.All()
	if len(outs) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outs))
	}
	o := outs[0]
	if o.Result.ProcessingTier != domain.TierLow || !o.Result.Fallback || o.RequestedTier != domain.TierHigh {
		t.Errorf("outcome tier=%s fallback=%v requested=%s", o.Result.ProcessingTier, o.Result.Fallback, o.RequestedTier)
	}
	// confidence drops once, not once per tier fallen through
	if c := o.Result.Confidence; c < 0.69 || c > 0.71 {
		t.Errorf("Confidence = %v, want 0.7", c)
	}
}

func TestBatchOutcomeCostsSumToSettledCost(t *testing.T) {
	sink := &collectSink{}
	tr := newTracker(200)
	d := NewDispatcher(testConfig(), &fakeAI{}, tr, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Dispatch(ctx, request(fmt.Sprintf("m%d", i), 60))
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	var sum int64
	for _, o := range sink.All() {
		sum += o.CostCents
	}
	st, _ := tr.DailyState(ctx, "u1")
	if st.DailySpendCents == 0 || sum != st.DailySpendCents {
		t.Errorf("outcome costs sum to %d, settled spend = %d", sum, st.DailySpendCents)
	}
}

// Eleven medium messages for one user produce exactly two batches: ten by size, one on flush.
func TestBatchingFlushesExactlyOnce(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	d := NewDispatcher(testConfig(), ai, newTracker(200), sink)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		tier, err := d.Dispatch(ctx, request(fmt.Sprintf("m%d", i), 60))
		if err != nil || tier != domain.TierMedium {
			t.Fatalf("dispatch %d: tier=%s err=%v", i, tier, err)
		}
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}

	reqs := ai.Requests()
	if len(reqs) != 2 {
		t.Fatalf("AI calls = %d, want 2", len(reqs))
	}
	sizes := map[int]int{}
	for _, r := range reqs {
		sizes[len(r.Messages)]++
	}
	if sizes[10] != 1 || sizes[1] != 1 {
		t.Errorf("batch sizes = %v, want one of 10 and one of 1", sizes)
	}

	seen := map[string]int{}
	for _, o := range sink.All() {
		seen[o.MessageID]++
		if o.Result.ProcessingTier != domain.TierMedium || o.BatchID == "" {
			t.Errorf("outcome = %+v", o)
		}
	}
	if len(seen) != 11 {
		t.Errorf("distinct outcomes = %d, want 11", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s published %d times", id, n)
		}
	}
}

func TestBatchTimerFlush(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	cfg := testConfig()
	cfg.BatchTimeout = 20 * time.Millisecond
	d := NewDispatcher(cfg, ai, newTracker(200), sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Dispatch(ctx, request(fmt.Sprintf("m%d", i), 50))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.All()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.All()) != 3 {
		t.Fatalf("outcomes = %d, want 3 after timer flush", len(sink.All()))
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if ai.calls.Load() != 1 {
		t.Errorf("AI calls = %d, want 1", ai.calls.Load())
	}
}

func TestBatchFailureFallsBackToLow(t *testing.T) {
	ai := &fakeAI{fail: func(int, *out.AIRequest) error {
		return &domain.AIFault{Kind: domain.FaultOther, Err: errors.New("bad gateway")}
	}}
	sink := &collectSink{}
	tr := newTracker(200)
	d := NewDispatcher(testConfig(), ai, tr, sink)
	ctx := context.Background()

	d.Dispatch(ctx, request("m1", 50))
	d.Dispatch(ctx, request("m2", 55))
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	outs := sink.All()
	if len(outs) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outs))
	}
	for _, o := range outs {
		if o.Result.ProcessingTier != domain.TierLow || !o.Result.Fallback {
			t.Errorf("outcome = %+v", o.Result)
		}
		if c := o.Result.Confidence; c < 0.69 || c > 0.71 {
			t.Errorf("Confidence = %v, want 0.7", c)
		}
		if o.Reason != string(domain.FaultOther) {
			t.Errorf("Reason = %q", o.Reason)
		}
	}
	st, _ := tr.DailyState(ctx, "u1")
	if st.Committed() != 0 {
		t.Errorf("failed batch left budget committed: %+v", st)
	}
}

func TestBatchBudgetRefusedGoesLow(t *testing.T) {
	ai := &fakeAI{}
	sink := &collectSink{}
	tr := newTracker(200)
	ctx := context.Background()
	if err := tr.RecordActualCost(ctx, "u1", 199); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.BatchModel = ModelStandard
	d := NewDispatcher(cfg, ai, tr, sink)

	// warning mode still routes 60 to medium; the batch itself cannot be afforded
	for i := 0; i < 10; i++ {
		req := request(fmt.Sprintf("m%d", i), 60)
		req.Message.BodyText = string(make([]byte, 400))
		d.Dispatch(ctx, req)
	}
	d.Flush(ctx)

	if ai.calls.Load() != 0 {
		t.Errorf("AI calls = %d, want 0", ai.calls.Load())
	}
	for _, o := range sink.All() {
		if o.Result.ProcessingTier != domain.TierLow || o.Reason != ReasonBudget {
			t.Errorf("outcome = %+v reason=%s", o.Result, o.Reason)
		}
	}
}

func TestDispatchAfterCloseRejected(t *testing.T) {
	d := NewDispatcher(testConfig(), &fakeAI{}, newTracker(200), &collectSink{})
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch(context.Background(), request("m1", 50)); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("err = %v, want ErrDispatcherClosed", err)
	}
}
