package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"priority_server/core/domain"
	"priority_server/core/service/cache"
	"priority_server/core/service/monitor"
	"priority_server/pkg/apperr"
)

// ReportSource produces the SLA report.
type ReportSource interface {
	Report() monitor.Report
	AllStats() []monitor.OpStats
}

// AlertHistory lists archived alerts.
type AlertHistory interface {
	Recent(ctx context.Context, rule string, limit int) ([]domain.Alert, error)
}

// CacheAdmin exposes score cache counters and resets the in-process tiers.
type CacheAdmin interface {
	Stats() cache.Stats
	Reset()
}

// UserPurger drops one user's entries from the shared score cache.
type UserPurger interface {
	PurgeUser(ctx context.Context, userID string) (int, error)
}

// Flusher forces pending batches out.
type Flusher interface {
	Flush(ctx context.Context) error
}

type MonitorHandler struct {
	monitor ReportSource
	alerts  AlertHistory
	cache   CacheAdmin
	purger  UserPurger
	flusher Flusher
}

// NewMonitorHandler builds the handler. alerts, cacheAdmin and purger may be nil.
func NewMonitorHandler(m ReportSource, alerts AlertHistory, cacheAdmin CacheAdmin, purger UserPurger, flusher Flusher) *MonitorHandler {
	return &MonitorHandler{monitor: m, alerts: alerts, cache: cacheAdmin, purger: purger, flusher: flusher}
}

func (h *MonitorHandler) Register(router fiber.Router) {
	router.Get("/report", h.Report)
	router.Get("/stats", h.Stats)
	router.Get("/alerts", h.Alerts)
	router.Get("/cache", h.CacheStats)
	router.Delete("/cache", h.ResetCache)
	router.Post("/flush", h.Flush)
}

// RegisterMetrics mounts the Prometheus scrape endpoint.
func RegisterMetrics(app *fiber.App, gatherer prometheus.Gatherer) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *MonitorHandler) Report(c *fiber.Ctx) error {
	return SuccessResponse(c, h.monitor.Report())
}

func (h *MonitorHandler) Stats(c *fiber.Ctx) error {
	return SuccessResponse(c, fiber.Map{"operations": h.monitor.AllStats()})
}

func (h *MonitorHandler) Alerts(c *fiber.Ctx) error {
	if h.alerts == nil {
		return SuccessResponse(c, fiber.Map{"alerts": []domain.Alert{}})
	}
	alerts, err := h.alerts.Recent(c.UserContext(), c.Query("rule"), c.QueryInt("limit", 50))
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, fiber.Map{"alerts": alerts})
}

func (h *MonitorHandler) CacheStats(c *fiber.Ctx) error {
	if h.cache == nil {
		return fiber.NewError(fiber.StatusNotFound, "score cache not enabled")
	}
	return SuccessResponse(c, h.cache.Stats())
}

// ResetCache clears the in-process tiers. With ?user_id= it only purges that
// user's entries from the shared tier.
func (h *MonitorHandler) ResetCache(c *fiber.Ctx) error {
	if userID := c.Query("user_id"); userID != "" {
		if h.purger == nil {
			return fiber.NewError(fiber.StatusNotFound, "shared score cache not enabled")
		}
		n, err := h.purger.PurgeUser(c.UserContext(), userID)
		if err != nil {
			return apperr.Unavailable("score cache", err)
		}
		return SuccessResponse(c, fiber.Map{"purged": n})
	}
	if h.cache == nil {
		return fiber.NewError(fiber.StatusNotFound, "score cache not enabled")
	}
	h.cache.Reset()
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MonitorHandler) Flush(c *fiber.Ctx) error {
	if err := h.flusher.Flush(c.UserContext()); err != nil {
		return toAppError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
