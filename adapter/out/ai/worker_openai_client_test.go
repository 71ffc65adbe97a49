package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

func completion(content string) string {
	return fmt.Sprintf(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 321, "completion_tokens": 45, "total_tokens": 366}
}`, content)
}

func apiError(code, message string) string {
	return fmt.Sprintf(`{"error": {"message": %q, "type": "invalid_request_error", "code": %q}}`, message, code)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", RequestsPerSecond: 1000}, zerolog.Nop())
}

func batchRequest(model string) *out.AIRequest {
	return &out.AIRequest{
		Model:  model,
		UserID: "u1",
		Messages: []out.AIMessageInput{
			{MessageID: "m1", Sender: "a@b.com", Subject: "hi", Body: "hello", Score: 50},
			{MessageID: "m2", Sender: "c@d.com", Subject: "yo", Body: "there", Score: 45},
		},
	}
}

func TestAnalyzeParsesResults(t *testing.T) {
	var prompt string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompt = string(body)
		content := `{"results": [
			{"id": "m1", "score": 140, "category": "work", "confidence": 0.8},
			{"id": "m2", "score": 20, "category": "promotions", "confidence": 1.5},
			{"score": 10}
		]}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(content))
	})

	resp, err := c.Analyze(context.Background(), batchRequest("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if resp.InputTokens != 321 || resp.OutputTokens != 45 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.Analyses) != 2 {
		t.Fatalf("analyses = %+v, want 2 (entry without id dropped)", resp.Analyses)
	}
	if resp.Analyses[0].Score != 100 || resp.Analyses[1].Confidence != 1 {
		t.Errorf("analyses not clamped: %+v", resp.Analyses)
	}
	if !strings.Contains(prompt, "[m1]") || !strings.Contains(prompt, "json_object") {
		t.Errorf("request body missing message or JSON response format: %s", prompt)
	}
}

func TestAnalyzeClassifiesFaults(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.FaultKind
	}{
		{"rate limit", http.StatusTooManyRequests, apiError("rate_limit_exceeded", "slow down"), domain.FaultRateLimit},
		{"context too long", http.StatusBadRequest, apiError("context_length_exceeded", "This model's maximum context length is 128000 tokens"), domain.FaultContextTooLong},
		{"model missing", http.StatusNotFound, apiError("model_not_found", "The model does not exist"), domain.FaultModelUnavailable},
		{"overloaded", http.StatusServiceUnavailable, apiError("", "overloaded"), domain.FaultModelUnavailable},
		{"server error", http.StatusInternalServerError, apiError("", "boom"), domain.FaultOther},
		{"bad json content", http.StatusOK, completion("not json"), domain.FaultOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Analyze(context.Background(), batchRequest("gpt-4o"))
			var fault *domain.AIFault
			if !errors.As(err, &fault) {
				t.Fatalf("error = %v, want *domain.AIFault", err)
			}
			if fault.Kind != tt.want || fault.Model != "gpt-4o" {
				t.Errorf("fault = %+v, want kind %s", fault, tt.want)
			}
		})
	}
}

func TestBreakerIsPerModel(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(string(body), `"model":"gpt-4o"`) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, apiError("", "boom"))
			return
		}
		_, _ = io.WriteString(w, completion(`{"results": [{"id": "m1", "score": 50}]}`))
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.Analyze(ctx, batchRequest("gpt-4o"))
	}
	before := calls.Load()

	_, err := c.Analyze(ctx, batchRequest("gpt-4o"))
	if got := domain.FaultKindOf(err); got != domain.FaultModelUnavailable {
		t.Errorf("open breaker fault = %s, want model_unavailable", got)
	}
	if calls.Load() != before {
		t.Error("open breaker should not reach the server")
	}

	if _, err := c.Analyze(ctx, batchRequest("gpt-4o-mini")); err != nil {
		t.Errorf("fallback model blocked by primary breaker: %v", err)
	}
}

func TestContextTooLongDoesNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, apiError("context_length_exceeded", "too long"))
	})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := c.Analyze(ctx, batchRequest("gpt-4o"))
		if got := domain.FaultKindOf(err); got != domain.FaultContextTooLong {
			t.Fatalf("call %d fault = %s, want context_too_long", i, got)
		}
	}
}

func TestAnalyzeEmptyRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty request should not call the API")
	})
	resp, err := c.Analyze(context.Background(), &out.AIRequest{Model: "gpt-4o"})
	if err != nil || len(resp.Analyses) != 0 {
		t.Errorf("resp = %+v, err = %v", resp, err)
	}
}
