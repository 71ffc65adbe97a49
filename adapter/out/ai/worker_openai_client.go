// Package ai implements the AI collaborator on top of the OpenAI chat API.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

// Config configures the OpenAI client.
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Temperature       float32
	DeepMaxTokens     int
	BatchMaxTokens    int // per message
}

// Client implements out.AIClient. Each model gets its own circuit breaker so
// an outage of the primary model does not block the fallback.
type Client struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ out.AIClient = (*Client)(nil)

func NewClient(cfg Config, log zerolog.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2 // 낮은 temperature로 일관성 확보
	}
	if cfg.DeepMaxTokens <= 0 {
		cfg.DeepMaxTokens = 400
	}
	if cfg.BatchMaxTokens <= 0 {
		cfg.BatchMaxTokens = 80
	}

	return &Client{
		client:   openai.NewClientWithConfig(oc),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		log:      log.With().Str("component", "openai").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(model string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-" + model,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 요청 자체의 문제 (context 길이 등) 는 장애로 보지 않음
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			kind := classify(err)
			return kind == domain.FaultContextTooLong
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	c.breakers[model] = cb
	return cb
}

// Analyze sends one deep or batch request and classifies any failure as *domain.AIFault.
func (c *Client) Analyze(ctx context.Context, req *out.AIRequest) (*out.AIResponse, error) {
	if len(req.Messages) == 0 {
		return &out.AIResponse{Model: req.Model}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.AIFault{Kind: domain.FaultOther, Model: req.Model, Err: err}
	}

	maxTokens := c.cfg.BatchMaxTokens * len(req.Messages)
	if req.Deep {
		maxTokens = c.cfg.DeepMaxTokens
	}

	v, err := c.breaker(req.Model).Execute(func() (interface{}, error) {
		return c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: req.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Deep)},
				{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: c.cfg.Temperature,
			MaxTokens:   maxTokens,
		})
	})
	if err != nil {
		kind := classify(err)
		c.log.Debug().Err(err).Str("model", req.Model).Str("kind", string(kind)).Msg("analysis failed")
		return nil, &domain.AIFault{Kind: kind, Model: req.Model, Err: err}
	}

	resp := v.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return nil, &domain.AIFault{Kind: domain.FaultOther, Model: req.Model, Err: errors.New("no response from LLM")}
	}

	analyses, err := parseAnalyses(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &domain.AIFault{Kind: domain.FaultOther, Model: req.Model, Err: err}
	}

	return &out.AIResponse{
		Model:        req.Model,
		Analyses:     analyses,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// =============================================================================
// Error classification
// =============================================================================

func classify(err error) domain.FaultKind {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.FaultModelUnavailable
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		switch {
		case code == "context_length_exceeded" || strings.Contains(apiErr.Message, "maximum context length"):
			return domain.FaultContextTooLong
		case code == "model_not_found":
			return domain.FaultModelUnavailable
		}
		return statusFault(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusFault(reqErr.HTTPStatusCode)
	}
	return domain.FaultOther
}

func statusFault(status int) domain.FaultKind {
	switch status {
	case http.StatusTooManyRequests:
		return domain.FaultRateLimit
	case http.StatusNotFound, http.StatusServiceUnavailable, http.StatusBadGateway:
		return domain.FaultModelUnavailable
	default:
		return domain.FaultOther
	}
}

// =============================================================================
// Prompt
// =============================================================================

func systemPrompt(deep bool) string {
	if deep {
		return "You triage email for a busy professional. Analyze the message in depth: " +
			"assign a priority score 0-100, a category, a two sentence summary and the concrete actions the reader must take."
	}
	return "You triage email for a busy professional. For each message assign a priority score 0-100 and a category. " +
		"Keep summaries to one short sentence."
}

func buildPrompt(req *out.AIRequest) string {
	var sb strings.Builder

	sb.WriteString("Categories: primary, work, finance, social, promotions, updates, newsletter, spam.\n")
	sb.WriteString("Each message carries the rule-based score (rule_score) for reference.\n\n")

	for _, m := range req.Messages {
		sb.WriteString(fmt.Sprintf("[%s]\nFrom: %s\nSubject: %s\nRuleScore: %d\nBody: %s\n\n",
			m.MessageID, m.Sender, m.Subject, m.Score, m.Body))
	}

	sb.WriteString(`Respond in JSON:
{
  "results": [
    {"id": "<message id>", "score": 72, "category": "work", "summary": "...", "actions": ["..."], "confidence": 0.8}
  ]
}`)
	return sb.String()
}

type analysisResult struct {
	ID         string   `json:"id"`
	Score      int      `json:"score"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Actions    []string `json:"actions"`
	Confidence float64  `json:"confidence"`
}

func parseAnalyses(content string) ([]domain.AIAnalysis, error) {
	var parsed struct {
		Results []analysisResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	analyses := make([]domain.AIAnalysis, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.ID == "" {
			continue
		}
		analyses = append(analyses, domain.AIAnalysis{
			MessageID:  r.ID,
			Score:      domain.ClampScore(r.Score),
			Category:   r.Category,
			Summary:    r.Summary,
			Actions:    r.Actions,
			Confidence: domain.ClampConfidence(r.Confidence),
		})
	}
	return analyses, nil
}
