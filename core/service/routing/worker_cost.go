package routing

import (
	"math"

	"priority_server/core/port/out"
)

// Model names.
const (
	ModelStandard = "gpt-4o"      // 고품질, 복잡 작업
	ModelMini     = "gpt-4o-mini" // 저비용, 단순 작업
)

// ModelPrice is USD per 1M tokens.
type ModelPrice struct {
	InputPer1M  float64
	OutputPer1M float64
}

var modelPricing = map[string]ModelPrice{
	ModelMini:      {InputPer1M: 0.15, OutputPer1M: 0.60},
	ModelStandard:  {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4.1":      {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini": {InputPer1M: 0.40, OutputPer1M: 1.60},
}

// unknown models are priced like the standard model so budgets stay conservative
var fallbackPrice = modelPricing[ModelStandard]

// promptOverheadTokens covers the system prompt and JSON framing.
const promptOverheadTokens = 250

// EstimateTokens approximates the token count of text (about 4 characters per token).
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return chars/4 + 1
}

// CostCents converts token usage into whole cents, rounding up.
// Any billable call costs at least one cent.
func CostCents(model string, inputTokens, outputTokens int) int64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	p, ok := modelPricing[model]
	if !ok {
		p = fallbackPrice
	}
	usd := float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	cents := int64(math.Ceil(usd * 100))
	if cents < 1 {
		cents = 1
	}
	return cents
}

// EstimateRequestCents estimates the cost of req before it is sent.
func EstimateRequestCents(req *out.AIRequest, outputTokens int) int64 {
	in := EstimateTokens(req.PromptChars()) + promptOverheadTokens
	return CostCents(req.Model, in, outputTokens)
}
