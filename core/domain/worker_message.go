package domain

import (
	"net/mail"
	"strings"
	"time"
)

// InboundMessage is the message contract handed over by the ingestion layer.
type InboundMessage struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SenderEmail    string    `json:"sender_email"`
	SubjectText    string    `json:"subject"`
	BodyText       string    `json:"body"`
	SnippetText    string    `json:"snippet"`
	ReceivedAt     time.Time `json:"received_at"`
	Labels         []string  `json:"labels"`
	IsImportant    bool      `json:"is_important"`
	IsStarred      bool      `json:"is_starred"`
	IsUnread       bool      `json:"is_unread"`
	HasAttachments bool      `json:"has_attachments"`
}

// Provider label names understood by the scorer.
const (
	LabelImportant  = "IMPORTANT"
	LabelStarred    = "STARRED"
	LabelPromotions = "CATEGORY_PROMOTIONS"
	LabelSocial     = "CATEGORY_SOCIAL"
)

// maxBodyBytes bounds the amount of body text accepted at the boundary.
const maxBodyBytes = 1 << 20

// Validate rejects malformed messages before they reach scoring.
func (m *InboundMessage) Validate() error {
	if m == nil {
		return NewValidationError("message", "is nil")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return NewValidationError("user_id", "is required")
	}
	if strings.TrimSpace(m.SenderEmail) == "" {
		return NewValidationError("sender_email", "is required")
	}
	if _, err := mail.ParseAddress(m.SenderEmail); err != nil {
		return NewValidationError("sender_email", "is not a valid address")
	}
	if m.ReceivedAt.IsZero() {
		return NewValidationError("received_at", "is required")
	}
	if len(m.BodyText) > maxBodyBytes {
		return NewValidationError("body", "exceeds maximum size")
	}
	return nil
}

// SenderAddress returns the bare, lower-cased address of the sender.
func (m *InboundMessage) SenderAddress() string {
	addr := strings.TrimSpace(m.SenderEmail)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	return strings.ToLower(addr)
}

// SenderLocalPart returns the part of the sender address before '@'.
func (m *InboundMessage) SenderLocalPart() string {
	addr := m.SenderAddress()
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// SenderHost returns the host part of the sender address.
func (m *InboundMessage) SenderHost() string {
	addr := m.SenderAddress()
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// Content returns the body text, falling back to the snippet.
func (m *InboundMessage) Content() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	return m.SnippetText
}

// HasLabel reports whether the message carries the given provider label (case-insensitive).
func (m *InboundMessage) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
