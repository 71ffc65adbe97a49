package http

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"priority_server/core/domain"
	"priority_server/core/service/cache"
	"priority_server/core/service/monitor"
	"priority_server/infra/middleware"
)

type fakeReport struct{}

func (fakeReport) Report() monitor.Report {
	return monitor.Report{WindowSec: 300, Healthy: true}
}

func (fakeReport) AllStats() []monitor.OpStats {
	return []monitor.OpStats{{Operation: "score", Count: 3}}
}

type fakeAlerts struct{ rule string }

func (f *fakeAlerts) Recent(_ context.Context, rule string, _ int) ([]domain.Alert, error) {
	f.rule = rule
	return []domain.Alert{{ID: "a1", Rule: rule, FiredAt: time.Now()}}, nil
}

type fakeCache struct{ resets int }

func (f *fakeCache) Stats() cache.Stats { return cache.Stats{HotHits: 7} }
func (f *fakeCache) Reset()             { f.resets++ }

type fakePurger struct {
	user string
	err  error
}

func (f *fakePurger) PurgeUser(_ context.Context, userID string) (int, error) {
	f.user = userID
	return 4, f.err
}

type fakeFlusher struct{ calls int }

func (f *fakeFlusher) Flush(context.Context) error {
	f.calls++
	return nil
}

func monitorApp(h *MonitorHandler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	h.Register(app.Group("/internal/monitor"))
	return app
}

func TestMonitorHandler(t *testing.T) {
	alerts := &fakeAlerts{}
	fc := &fakeCache{}
	purger := &fakePurger{}
	flusher := &fakeFlusher{}
	app := monitorApp(NewMonitorHandler(fakeReport{}, alerts, fc, purger, flusher))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"report", "GET", "/internal/monitor/report", 200, `"healthy":true`},
		{"stats", "GET", "/internal/monitor/stats", 200, `"operation":"score"`},
		{"alerts", "GET", "/internal/monitor/alerts?rule=score_p95", 200, `"rule":"score_p95"`},
		{"cache stats", "GET", "/internal/monitor/cache", 200, `"hot_hits":7`},
		{"cache reset", "DELETE", "/internal/monitor/cache", 204, ""},
		{"cache purge user", "DELETE", "/internal/monitor/cache?user_id=u1", 200, `"purged":4`},
		{"flush", "POST", "/internal/monitor/flush", 204, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, app, tt.method, tt.path, "", "")
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", status, tt.wantStatus, body)
			}
			if tt.wantBody != "" && !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %s, want it to contain %q", body, tt.wantBody)
			}
		})
	}

	if alerts.rule != "score_p95" {
		t.Errorf("alert rule filter = %q", alerts.rule)
	}
	if fc.resets != 1 {
		t.Errorf("resets = %d, want 1", fc.resets)
	}
	if purger.user != "u1" {
		t.Errorf("purged user = %q, want u1", purger.user)
	}
	if flusher.calls != 1 {
		t.Errorf("flush calls = %d, want 1", flusher.calls)
	}
}

func TestMonitorHandlerOptionalDependencies(t *testing.T) {
	app := monitorApp(NewMonitorHandler(fakeReport{}, nil, nil, nil, &fakeFlusher{}))

	if status, body := do(t, app, "GET", "/internal/monitor/alerts", "", ""); status != 200 || !strings.Contains(body, `"alerts":[]`) {
		t.Errorf("alerts without archive: %d %s", status, body)
	}
	if status, _ := do(t, app, "GET", "/internal/monitor/cache", "", ""); status != 404 {
		t.Errorf("cache stats without cache: %d, want 404", status)
	}
	if status, _ := do(t, app, "DELETE", "/internal/monitor/cache?user_id=u1", "", ""); status != 404 {
		t.Errorf("purge without shared cache: %d, want 404", status)
	}
}

func TestMonitorHandlerPurgeFailure(t *testing.T) {
	app := monitorApp(NewMonitorHandler(fakeReport{}, nil, &fakeCache{}, &fakePurger{err: errors.New("redis down")}, &fakeFlusher{}))

	status, body := do(t, app, "DELETE", "/internal/monitor/cache?user_id=u1", "", "")
	if status != 503 || !strings.Contains(body, "SERVICE_UNAVAILABLE") {
		t.Errorf("purge failure: %d %s", status, body)
	}
}
