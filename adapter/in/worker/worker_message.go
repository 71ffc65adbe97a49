package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"priority_server/core/domain"
)

// Priority levels for job scheduling.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// JobType represents the type of a job.
type JobType = string

const (
	JobProcess    JobType = "priority.process"    // score + dispatch
	JobFeedback   JobType = "priority.feedback"   // learner feedback
	JobEngagement JobType = "priority.engagement" // implicit outcome
)

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
}

func NewMessage(jobType string, payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// IsPriority checks if message should go to the priority pool.
func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// EngagementPayload reports whether the user acted on a scored message.
type EngagementPayload struct {
	UserID  string                 `json:"user_id"`
	Message *domain.InboundMessage `json:"message"`
	Engaged bool                   `json:"engaged"`
}

// ParsePayload decodes the payload; malformed payloads are permanent failures.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrPermanent, msg.Type, err)
	}
	return &payload, nil
}

// NewInboundMessage wraps an inbound email. Flagged mail goes to the priority pool.
func NewInboundMessage(data []byte) (*Message, error) {
	var peek struct {
		IsImportant bool `json:"is_important"`
		IsStarred   bool `json:"is_starred"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: decode inbound message: %v", ErrPermanent, err)
	}
	m := NewMessage(JobProcess, data)
	if peek.IsImportant || peek.IsStarred {
		m.Priority = PriorityHigh
	}
	return m, nil
}
