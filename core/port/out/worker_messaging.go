package out

import (
	"context"

	"priority_server/core/domain"
)

// Stream names.
const (
	StreamInbound  = "priority:inbound"
	StreamFeedback = "priority:feedback"
	StreamOutcomes = "priority:outcomes"
	StreamDLQ      = "priority:dlq"
)

// OutcomeSink receives every dispatch outcome.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, outcome *domain.DispatchOutcome) error
}

// AlertSink receives fired performance alerts.
type AlertSink interface {
	FireAlert(ctx context.Context, alert *domain.Alert) error
}

// MessageProducer publishes raw jobs to a stream.
type MessageProducer interface {
	Publish(ctx context.Context, stream string, job any) error
}
