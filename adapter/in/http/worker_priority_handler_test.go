package http

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"priority_server/core/domain"
	"priority_server/core/port/in"
	"priority_server/infra/middleware"
)

type fakeService struct {
	in.PriorityService
	gotUser  string
	routed   domain.Tier
	limit    int64
	feedback *domain.Feedback
}

func (f *fakeService) Score(_ context.Context, msg *domain.InboundMessage) (*domain.ScoreResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	f.gotUser = msg.UserID
	return &domain.ScoreResult{Score: 64, Tier: domain.TierMedium}, nil
}

func (f *fakeService) Process(_ context.Context, msg *domain.InboundMessage) (*in.ProcessResult, error) {
	f.gotUser = msg.UserID
	return &in.ProcessResult{MessageID: "m1", RequestedTier: f.routed, RoutedTier: f.routed}, nil
}

func (f *fakeService) SubmitFeedback(_ context.Context, fb *domain.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	fb.ID = "fb-1"
	f.feedback = fb
	return nil
}

func (f *fakeService) SetBudgetLimit(_ context.Context, userID string, cents int64) (*domain.BudgetState, error) {
	if cents < 0 {
		return nil, domain.NewValidationError("daily_limit_cents", "must not be negative")
	}
	f.limit = cents
	return &domain.BudgetState{UserID: userID, DailyLimitCents: cents, Mode: domain.BudgetNormal}, nil
}

func testApp(svc in.PriorityService) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(middleware.RequestID())
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		if uid := c.Get("X-Test-User"); uid != "" {
			c.Locals(middleware.LocalUserID, uid)
		}
		return c.Next()
	})
	NewPriorityHandler(svc).Register(api)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, user, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestPriorityHandler(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       string
		routed     domain.Tier
		wantStatus int
		wantBody   string
	}{
		{"score", "POST", "/api/v1/score", "u1", `{"id":"m1","user_id":"spoofed","sender_email":"a@b.com","received_at":"2026-03-02T14:00:00Z"}`, "", 200, `"score":64`},
		{"score unauthenticated", "POST", "/api/v1/score", "", `{"id":"m1"}`, "", 401, "UNAUTHORIZED"},
		{"score malformed", "POST", "/api/v1/score", "u1", `{`, "", 400, "BAD_REQUEST"},
		{"batch empty", "POST", "/api/v1/score/batch", "u1", `{"messages":[]}`, "", 400, "INVALID_INPUT"},
		{"process high", "POST", "/api/v1/process", "u1", `{"id":"m1","sender_email":"a@b.com"}`, domain.TierHigh, 200, `"routed_tier":"high"`},
		{"process medium accepted", "POST", "/api/v1/process", "u1", `{"id":"m1","sender_email":"a@b.com"}`, domain.TierMedium, 202, `"routed_tier":"medium"`},
		{"feedback", "POST", "/api/v1/feedback", "u1", `{"action_type":"unsubscribe","message":{"id":"m1","sender_email":"news@shop.com"}}`, "", 202, `"feedback_id":"fb-1"`},
		{"feedback invalid", "POST", "/api/v1/feedback", "u1", `{"action_type":"nope"}`, "", 400, "INVALID_INPUT"},
		{"budget limit", "PUT", "/api/v1/budget", "u1", `{"daily_limit_cents":500}`, "", 200, `"daily_limit_cents":500`},
		{"budget negative", "PUT", "/api/v1/budget", "u1", `{"daily_limit_cents":-1}`, "", 400, "daily_limit_cents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{routed: tt.routed}
			status, body := do(t, testApp(svc), tt.method, tt.path, tt.user, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", status, tt.wantStatus, body)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %s, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestScoreUsesAuthenticatedUser(t *testing.T) {
	svc := &fakeService{}
	do(t, testApp(svc), "POST", "/api/v1/score", "u1", `{"id":"m1","user_id":"spoofed","sender_email":"a@b.com","received_at":"2026-03-02T14:00:00Z"}`)
	if svc.gotUser != "u1" {
		t.Errorf("user = %q, want token subject", svc.gotUser)
	}
}
