package out

import (
	"context"

	"priority_server/core/domain"
)

// AIClient AI 분석 클라이언트 인터페이스.
// Implementations classify failures as *domain.AIFault.
type AIClient interface {
	Analyze(ctx context.Context, req *AIRequest) (*AIResponse, error)
}

// AIRequest is one call to the AI collaborator. A high-tier call carries one
// message with full context, a batch call carries many with snippets only.
type AIRequest struct {
	Model    string
	UserID   string
	Deep     bool
	Messages []AIMessageInput
}

// AIMessageInput 분석용 메시지 정보
type AIMessageInput struct {
	MessageID string `json:"id"`
	Sender    string `json:"from"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Score     int    `json:"rule_score"`
}

// AIResponse carries analyses and the token usage billed for them.
type AIResponse struct {
	Model        string
	Analyses     []domain.AIAnalysis
	InputTokens  int
	OutputTokens int
}

// Truncated returns a copy of the request with every body cut to half its length.
func (r *AIRequest) Truncated() *AIRequest {
	c := *r
	c.Messages = make([]AIMessageInput, len(r.Messages))
	for i, m := range r.Messages {
		runes := []rune(m.Body)
		m.Body = string(runes[:len(runes)/2])
		c.Messages[i] = m
	}
	return &c
}

// PromptChars is the total body/subject size of the request.
func (r *AIRequest) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Subject) + len(m.Body) + len(m.Sender)
	}
	return n
}
