package worker

import (
	"context"
	"errors"
	"fmt"

	"priority_server/core/port/out"
	"priority_server/pkg/logger"
)

// ErrPoolRejected is returned when the pool refuses a job. The stream entry
// stays pending and the consumer reclaims it later.
var ErrPoolRejected = errors.New("worker pool rejected job")

// Submitter accepts jobs for asynchronous processing.
type Submitter interface {
	Submit(msg *Message) bool
}

// StreamHandler adapts Redis Stream entries to worker pool jobs.
type StreamHandler struct {
	pool Submitter
}

func NewStreamHandler(pool Submitter) *StreamHandler {
	return &StreamHandler{pool: pool}
}

// Streams lists the streams the handler understands.
func (h *StreamHandler) Streams() []string {
	return []string{out.StreamInbound, out.StreamFeedback}
}

func (h *StreamHandler) Handle(_ context.Context, stream string, data []byte) error {
	var (
		msg *Message
		err error
	)
	switch stream {
	case out.StreamInbound:
		msg, err = NewInboundMessage(data)
	case out.StreamFeedback:
		msg = NewMessage(JobFeedback, data)
	default:
		return fmt.Errorf("%w: unknown stream %q", ErrPermanent, stream)
	}
	if err != nil {
		// 파싱 불가능한 항목은 재시도해도 소용없으므로 pool 에서 DLQ 로 보냄
		logger.Warn("[StreamHandler] Malformed entry on %s: %v", stream, err)
		msg = NewMessage(JobProcess, data)
	}

	if !h.pool.Submit(msg) {
		return fmt.Errorf("%w: %s", ErrPoolRejected, msg.Type)
	}
	logger.Debug("[StreamHandler] Job %s submitted from %s", msg.ID, stream)
	return nil
}
