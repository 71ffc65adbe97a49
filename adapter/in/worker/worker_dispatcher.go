package worker

import (
	"context"
	"errors"
	"fmt"

	"priority_server/core/domain"
	"priority_server/core/port/in"
	"priority_server/pkg/logger"
)

type Handler struct {
	svc in.PriorityService
}

func NewHandler(svc in.PriorityService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobProcess:
		inbound, err := ParsePayload[domain.InboundMessage](msg)
		if err != nil {
			return err
		}
		res, err := h.svc.Process(ctx, inbound)
		if err != nil {
			return classify(err)
		}
		logger.Debug("Message %s scored %d, routed %s", res.MessageID, res.Result.Score, res.RoutedTier)
		return nil

	case JobFeedback:
		fb, err := ParsePayload[domain.Feedback](msg)
		if err != nil {
			return err
		}
		return classify(h.svc.SubmitFeedback(ctx, fb))

	case JobEngagement:
		p, err := ParsePayload[EngagementPayload](msg)
		if err != nil {
			return err
		}
		return classify(h.svc.RecordEngagement(ctx, p.UserID, p.Message, p.Engaged))

	default:
		return fmt.Errorf("%w: unknown job type %q", ErrPermanent, msg.Type)
	}
}

// classify marks validation failures as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrValidation) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
