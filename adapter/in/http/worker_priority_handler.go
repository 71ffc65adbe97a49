package http

import (
	"github.com/gofiber/fiber/v2"

	"priority_server/core/domain"
	"priority_server/core/port/in"
	"priority_server/pkg/apperr"
)

// maxBatchSize caps /score/batch requests.
const maxBatchSize = 500

type PriorityHandler struct {
	svc in.PriorityService
}

func NewPriorityHandler(svc in.PriorityService) *PriorityHandler {
	return &PriorityHandler{svc: svc}
}

func (h *PriorityHandler) Register(router fiber.Router) {
	router.Post("/score", h.Score)
	router.Post("/score/batch", h.ScoreBatch)
	router.Post("/process", h.Process)

	router.Post("/feedback", h.SubmitFeedback)
	router.Post("/engagement", h.RecordEngagement)
	router.Get("/weights", h.GetWeights)
	router.Get("/patterns", h.GetPatterns)

	router.Get("/budget", h.GetBudget)
	router.Put("/budget", h.SetBudgetLimit)
}

// =============================================================================
// Scoring
// =============================================================================

// Score scores one message without routing it.
func (h *PriorityHandler) Score(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var msg domain.InboundMessage
	if err := parseBody(c, &msg); err != nil {
		return err
	}
	msg.UserID = userID

	result, err := h.svc.Score(c.UserContext(), &msg)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, result)
}

type scoreBatchRequest struct {
	Messages []*domain.InboundMessage `json:"messages"`
}

func (h *PriorityHandler) ScoreBatch(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var req scoreBatchRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return apperr.InvalidInput("messages", "must not be empty")
	}
	if len(req.Messages) > maxBatchSize {
		return apperr.InvalidInput("messages", "too many messages").WithDetail("max", maxBatchSize)
	}

	results, err := h.svc.ScoreBatch(c.UserContext(), userID, req.Messages)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, fiber.Map{"results": results})
}

// Process scores and routes a message. medium-tier messages are queued for
// batch analysis, so the response is 202 for them.
func (h *PriorityHandler) Process(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var msg domain.InboundMessage
	if err := parseBody(c, &msg); err != nil {
		return err
	}
	msg.UserID = userID

	res, err := h.svc.Process(c.UserContext(), &msg)
	if err != nil {
		return toAppError(err)
	}
	if res.RoutedTier == domain.TierMedium {
		return AcceptedResponse(c, res)
	}
	return SuccessResponse(c, res)
}

// =============================================================================
// Learning
// =============================================================================

func (h *PriorityHandler) SubmitFeedback(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var fb domain.Feedback
	if err := parseBody(c, &fb); err != nil {
		return err
	}
	fb.UserID = userID
	if fb.Message != nil {
		fb.Message.UserID = userID
	}

	if err := h.svc.SubmitFeedback(c.UserContext(), &fb); err != nil {
		return toAppError(err)
	}
	return AcceptedResponse(c, fiber.Map{"feedback_id": fb.ID})
}

type engagementRequest struct {
	Message *domain.InboundMessage `json:"message"`
	Engaged bool                   `json:"engaged"`
}

func (h *PriorityHandler) RecordEngagement(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var req engagementRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Message == nil {
		return apperr.InvalidInput("message", "is required")
	}
	req.Message.UserID = userID

	if err := h.svc.RecordEngagement(c.UserContext(), userID, req.Message, req.Engaged); err != nil {
		return toAppError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *PriorityHandler) GetWeights(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.Weights(c.UserContext(), userID)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, w)
}

func (h *PriorityHandler) GetPatterns(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	patterns, err := h.svc.Patterns(c.UserContext(), userID)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, fiber.Map{"patterns": patterns, "total": len(patterns)})
}

// =============================================================================
// Budget
// =============================================================================

func (h *PriorityHandler) GetBudget(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Budget(c.UserContext(), userID)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, st)
}

type budgetLimitRequest struct {
	DailyLimitCents int64 `json:"daily_limit_cents"`
}

func (h *PriorityHandler) SetBudgetLimit(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	var req budgetLimitRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	st, err := h.svc.SetBudgetLimit(c.UserContext(), userID, req.DailyLimitCents)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, st)
}
