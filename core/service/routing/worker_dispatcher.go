package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"priority_server/core/domain"
	"priority_server/core/port/out"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

const (
	fallbackConfidenceLoss = 0.2
	batchSnippetChars      = 500
)

// Downgrade reasons recorded on outcomes.
const (
	ReasonBudget          = "budget"
	ReasonBudgetUnknown   = "budget_unavailable"
	ReasonMissingAnalysis = "missing_analysis"
	ReasonRule            = "rule"
)

// Config configures the dispatcher.
type Config struct {
	BatchSize            int
	BatchTimeout         time.Duration
	HighTimeout          time.Duration
	BatchCallTimeout     time.Duration
	PrimaryModel         string
	BatchModel           string
	FallbackModel        string
	MaxConcurrentBatches int
	RateLimitRetries     int
	BackoffBase          time.Duration
	DeepOutputTokens     int
	BatchOutputTokens    int // per message
	RestrictedOverride   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            10,
		BatchTimeout:         30 * time.Second,
		HighTimeout:          30 * time.Second,
		BatchCallTimeout:     30 * time.Second,
		PrimaryModel:         ModelStandard,
		BatchModel:           ModelMini,
		FallbackModel:        ModelMini,
		MaxConcurrentBatches: 4,
		RateLimitRetries:     2,
		BackoffBase:          500 * time.Millisecond,
		DeepOutputTokens:     400,
		BatchOutputTokens:    80,
		RestrictedOverride:   DefaultRestrictedOverride,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.HighTimeout <= 0 {
		c.HighTimeout = def.HighTimeout
	}
	if c.BatchCallTimeout <= 0 {
		c.BatchCallTimeout = def.BatchCallTimeout
	}
	if c.PrimaryModel == "" {
		c.PrimaryModel = def.PrimaryModel
	}
	if c.BatchModel == "" {
		c.BatchModel = def.BatchModel
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if c.RateLimitRetries < 0 {
		c.RateLimitRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.DeepOutputTokens <= 0 {
		c.DeepOutputTokens = def.DeepOutputTokens
	}
	if c.BatchOutputTokens <= 0 {
		c.BatchOutputTokens = def.BatchOutputTokens
	}
}

// Budget is the part of the budget tracker the dispatcher needs.
type Budget interface {
	CheckAndReserve(ctx context.Context, userID string, estimatedCents int64) (bool, error)
	Settle(ctx context.Context, userID string, reservedCents, actualCents int64) error
	Release(ctx context.Context, userID string, cents int64) error
	DailyState(ctx context.Context, userID string) (domain.BudgetState, error)
}

// Recorder receives timing metrics.
type Recorder interface {
	Record(op string, durationMs float64, success bool, tags map[string]string)
}

// DispatchRequest is a scored message ready for routing.
type DispatchRequest struct {
	Message *domain.InboundMessage
	Result  domain.ScoreResult
	Weights *domain.UserWeights

	// set when a high-tier message was pushed down to the batch path
	requested       domain.Tier
	downgradeReason string
}

// asFallback marks r as a degraded result. Confidence is lowered only once per
// message, however many tiers it falls through.
func asFallback(r domain.ScoreResult) domain.ScoreResult {
	if r.Fallback {
		return r
	}
	r.Fallback = true
	r.Confidence = domain.ClampConfidence(r.Confidence - fallbackConfidenceLoss)
	return r
}

type pendingBatch struct {
	id     string
	userID string
	gen    uint64
	items  []DispatchRequest
	timer  *time.Timer
}

// Dispatcher routes scored messages to deep, batched or rule-only treatment.
type Dispatcher struct {
	cfg      Config
	ai       out.AIClient
	budget   Budget
	sink     out.OutcomeSink
	router   *Router
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	batches map[string]*pendingBatch
	nextGen uint64
	closed  bool

	sem     chan struct{}
	wg      sync.WaitGroup
	runCtx  context.Context
	stopRun context.CancelFunc
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l.With().Str("component", "dispatcher").Logger() }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, ai out.AIClient, budget Budget, sink out.OutcomeSink, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	runCtx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		ai:      ai,
		budget:  budget,
		sink:    sink,
		router:  NewRouter(cfg.RestrictedOverride),
		log:     zerolog.Nop(),
		now:     time.Now,
		batches: make(map[string]*pendingBatch),
		sem:     make(chan struct{}, cfg.MaxConcurrentBatches),
		runCtx:  runCtx,
		stopRun: stop,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Router exposes the tier router.
func (d *Dispatcher) Router() *Router { return d.router }

// Dispatch routes req and starts its treatment. It returns the tier the message
// was routed to; high-tier work runs synchronously, medium is queued for batching.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (domain.Tier, error) {
	if req.Message == nil {
		return "", domain.NewValidationError("message", "is required")
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", ErrDispatcherClosed
	}
	if req.Weights == nil {
		req.Weights = domain.NewUserWeights(req.Message.UserID)
	}

	state, err := d.budget.DailyState(ctx, req.Message.UserID)
	if err != nil {
		// unknown budget is treated as exhausted
		d.log.Warn().Err(err).Str("user_id", req.Message.UserID).Msg("budget state unavailable")
		state = domain.BudgetState{UserID: req.Message.UserID, Mode: domain.BudgetRestricted}
	}

	tier := d.router.Route(req.Result.Score, state, req.Weights)
	switch tier {
	case domain.TierHigh:
		return d.dispatchHigh(ctx, req), nil
	case domain.TierMedium:
		d.enqueue(req)
		return domain.TierMedium, nil
	default:
		d.emitLow(ctx, req, "", ReasonRule, false)
		return domain.TierLow, nil
	}
}

// =============================================================================
// High tier
// =============================================================================

func (d *Dispatcher) dispatchHigh(ctx context.Context, req DispatchRequest) domain.Tier {
	start := time.Now()
	userID := req.Message.UserID

	model := d.cfg.PrimaryModel
	if req.Weights.PreferredModel != "" {
		model = req.Weights.PreferredModel
	}
	aiReq := &out.AIRequest{
		Model:    model,
		UserID:   userID,
		Deep:     true,
		Messages: []out.AIMessageInput{toAIInput(req, 0)},
	}
	estimate := EstimateRequestCents(aiReq, d.cfg.DeepOutputTokens)

	ok, err := d.budget.CheckAndReserve(ctx, userID, estimate)
	if err != nil || !ok {
		reason := ReasonBudget
		if err != nil {
			reason = ReasonBudgetUnknown
			d.log.Warn().Err(err).Str("user_id", userID).Msg("budget reservation failed")
		}
		d.log.Info().Str("user_id", userID).Str("message_id", req.Message.ID).Str("reason", reason).Msg("high tier downgraded")
		d.enqueueDowngraded(req, reason)
		d.record(domain.OpDispatchHigh, start, false, map[string]string{"outcome": "downgraded"})
		return domain.TierMedium
	}

	resp, err := d.callWithRecovery(ctx, aiReq, d.cfg.HighTimeout)
	if err != nil {
		if rerr := d.budget.Release(ctx, userID, estimate); rerr != nil {
			d.log.Error().Err(rerr).Str("user_id", userID).Msg("failed to release reservation")
		}
		kind := domain.FaultKindOf(err)
		d.log.Warn().Err(err).Str("user_id", userID).Str("fault", string(kind)).Msg("deep analysis failed, downgrading")
		d.enqueueDowngraded(req, string(kind))
		d.record(domain.OpDispatchHigh, start, false, map[string]string{"outcome": string(kind)})
		return domain.TierMedium
	}

	cost := CostCents(resp.Model, resp.InputTokens, resp.OutputTokens)
	if err := d.budget.Settle(ctx, userID, estimate, cost); err != nil {
		d.log.Error().Err(err).Str("user_id", userID).Msg("failed to settle reservation")
	}

	result := req.Result.Clone()
	result.ProcessingTier = domain.TierHigh
	outcome := &domain.DispatchOutcome{
		MessageID:     req.Message.ID,
		UserID:        userID,
		RequestedTier: domain.TierHigh,
		Result:        result,
		Model:         resp.Model,
		CostCents:     cost,
		CompletedAt:   d.now(),
	}
	if len(resp.Analyses) > 0 {
		a := resp.Analyses[0]
		outcome.Analysis = &a
	}
	d.publish(ctx, outcome)
	d.record(domain.OpDispatchHigh, start, true, nil)
	return domain.TierHigh
}

// callWithRecovery applies the fault recovery table around one AI call.
func (d *Dispatcher) callWithRecovery(ctx context.Context, req *out.AIRequest, timeout time.Duration) (*out.AIResponse, error) {
	var (
		rateRetries int
		truncated   bool
		switched    bool
	)
	for {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := d.ai.Analyze(callCtx, req)
		cancel()
		d.record(domain.OpAICall, start, err == nil, map[string]string{"model": req.Model})
		if err == nil {
			if resp.Model == "" {
				resp.Model = req.Model
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := domain.FaultKindOf(err)
		switch domain.FaultRecovery(kind) {
		case domain.RecoveryRetryBackoff:
			if rateRetries < d.cfg.RateLimitRetries {
				wait := d.cfg.BackoffBase << rateRetries
				rateRetries++
				d.log.Debug().Dur("backoff", wait).Int("retry", rateRetries).Msg("rate limited, backing off")
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
		case domain.RecoveryTruncateRetry:
			if !truncated {
				truncated = true
				req = req.Truncated()
				d.log.Debug().Int("chars", req.PromptChars()).Msg("context too long, retrying truncated")
				continue
			}
		case domain.RecoverySwitchModel:
			if !switched && d.cfg.FallbackModel != "" && req.Model != d.cfg.FallbackModel {
				switched = true
				next := *req
				next.Model = d.cfg.FallbackModel
				req = &next
				d.log.Debug().Str("model", next.Model).Msg("model unavailable, switching")
				continue
			}
		}
		return nil, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Medium tier - per-user batching
// =============================================================================

func (d *Dispatcher) enqueueDowngraded(req DispatchRequest, reason string) {
	req.requested = domain.TierHigh
	req.downgradeReason = reason
	req.Result = asFallback(req.Result.Clone())
	d.log.Debug().Str("message_id", req.Message.ID).Str("reason", reason).Msg("queued for batch after downgrade")
	d.enqueue(req)
}

// enqueue adds req to its user's pending batch. The batch flushes when it reaches
// BatchSize or when its timer fires, whichever comes first; removal from the
// pending map under the lock guarantees exactly one flush per batch.
func (d *Dispatcher) enqueue(req DispatchRequest) {
	userID := req.Message.UserID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.emitLow(context.Background(), req, "", ErrDispatcherClosed.Error(), true)
		return
	}
	b, ok := d.batches[userID]
	if !ok {
		d.nextGen++
		gen := d.nextGen
		b = &pendingBatch{id: uuid.NewString(), userID: userID, gen: gen}
		b.timer = time.AfterFunc(d.cfg.BatchTimeout, func() { d.flushTimer(userID, gen) })
		d.batches[userID] = b
	}
	b.items = append(b.items, req)

	if len(b.items) < d.cfg.BatchSize {
		d.mu.Unlock()
		return
	}
	delete(d.batches, userID)
	b.timer.Stop()
	d.wg.Add(1)
	d.mu.Unlock()

	d.log.Debug().Str("user_id", userID).Str("batch_id", b.id).Int("size", len(b.items)).Msg("batch full, flushing")
	go d.runBatch(b)
}

func (d *Dispatcher) flushTimer(userID string, gen uint64) {
	d.mu.Lock()
	b, ok := d.batches[userID]
	if !ok || b.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.batches, userID)
	d.wg.Add(1)
	d.mu.Unlock()

	d.log.Debug().Str("user_id", userID).Str("batch_id", b.id).Int("size", len(b.items)).Msg("batch timer fired, flushing")
	go d.runBatch(b)
}

// Flush sends every pending batch now and waits for in-flight batches to finish.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]*pendingBatch, 0, len(d.batches))
	for userID, b := range d.batches {
		b.timer.Stop()
		delete(d.batches, userID)
		pending = append(pending, b)
	}
	d.wg.Add(len(pending))
	d.mu.Unlock()

	for _, b := range pending {
		go d.runBatch(b)
	}
	return d.wait(ctx)
}

// Close flushes pending work and stops accepting new requests.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.Flush(ctx)
	d.stopRun()
	return err
}

// Pending returns the number of queued medium-tier messages per user.
func (d *Dispatcher) Pending() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.batches))
	for userID, b := range d.batches {
		out[userID] = len(b.items)
	}
	return out
}

func (d *Dispatcher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for batches: %w", ctx.Err())
	}
}

// runBatch is bounded by MaxConcurrentBatches. The caller has already done wg.Add.
func (d *Dispatcher) runBatch(b *pendingBatch) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
	case <-d.runCtx.Done():
		for _, item := range b.items {
			d.emitLow(context.Background(), item, b.id, ErrDispatcherClosed.Error(), true)
		}
		return
	}
	defer func() { <-d.sem }()

	d.processBatch(d.runCtx, b)
}

func (d *Dispatcher) processBatch(ctx context.Context, b *pendingBatch) {
	start := time.Now()

	aiReq := &out.AIRequest{
		Model:    d.cfg.BatchModel,
		UserID:   b.userID,
		Messages: make([]out.AIMessageInput, 0, len(b.items)),
	}
	for _, item := range b.items {
		aiReq.Messages = append(aiReq.Messages, toAIInput(item, batchSnippetChars))
	}
	estimate := EstimateRequestCents(aiReq, d.cfg.BatchOutputTokens*len(b.items))

	ok, err := d.budget.CheckAndReserve(ctx, b.userID, estimate)
	if err != nil || !ok {
		reason := ReasonBudget
		if err != nil {
			reason = ReasonBudgetUnknown
		}
		d.log.Info().Str("user_id", b.userID).Str("batch_id", b.id).Str("reason", reason).Msg("batch downgraded to rules")
		for _, item := range b.items {
			d.emitLow(ctx, item, b.id, reason, true)
		}
		d.record(domain.OpDispatchBatch, start, false, map[string]string{"outcome": "downgraded"})
		return
	}

	resp, err := d.callWithRecovery(ctx, aiReq, d.cfg.BatchCallTimeout)
	if err != nil {
		if rerr := d.budget.Release(ctx, b.userID, estimate); rerr != nil {
			d.log.Error().Err(rerr).Str("user_id", b.userID).Msg("failed to release reservation")
		}
		kind := domain.FaultKindOf(err)
		d.log.Warn().Err(err).Str("batch_id", b.id).Str("fault", string(kind)).Msg("batch analysis failed, falling back to rules")
		for _, item := range b.items {
			d.emitLow(ctx, item, b.id, string(kind), true)
		}
		d.record(domain.OpDispatchBatch, start, false, map[string]string{"outcome": string(kind)})
		return
	}

	cost := CostCents(resp.Model, resp.InputTokens, resp.OutputTokens)
	if err := d.budget.Settle(ctx, b.userID, estimate, cost); err != nil {
		d.log.Error().Err(err).Str("user_id", b.userID).Msg("failed to settle reservation")
	}

	byID := make(map[string]domain.AIAnalysis, len(resp.Analyses))
	for _, a := range resp.Analyses {
		byID[a.MessageID] = a
	}
	perItem, remainder := cost/int64(len(b.items)), cost%int64(len(b.items))
	for _, item := range b.items {
		a, ok := byID[item.Message.ID]
		if !ok {
			d.emitLow(ctx, item, b.id, ReasonMissingAnalysis, true)
			continue
		}
		result := item.Result.Clone()
		result.ProcessingTier = domain.TierMedium
		requested := domain.TierMedium
		if item.requested != "" {
			requested = item.requested
		}
		// the first analyzed item carries the rounding remainder so outcomes sum to cost
		itemCost := perItem + remainder
		remainder = 0
		d.publish(ctx, &domain.DispatchOutcome{
			MessageID:     item.Message.ID,
			UserID:        b.userID,
			RequestedTier: requested,
			Result:        result,
			Analysis:      &a,
			Model:         resp.Model,
			BatchID:       b.id,
			Reason:        item.downgradeReason,
			CostCents:     itemCost,
			CompletedAt:   d.now(),
		})
	}

	d.log.Info().Str("user_id", b.userID).Str("batch_id", b.id).Int("size", len(b.items)).Int64("cost_cents", cost).Msg("batch analyzed")
	d.record(domain.OpDispatchBatch, start, true, map[string]string{"size": strconv.Itoa(len(b.items))})
}

// =============================================================================
// Low tier
// =============================================================================

// emitLow publishes the rule-based result. A fallback lowers confidence.
func (d *Dispatcher) emitLow(ctx context.Context, req DispatchRequest, batchID, reason string, fallback bool) {
	start := time.Now()
	result := req.Result.Clone()
	result.ProcessingTier = domain.TierLow

	requested := domain.TierLow
	if fallback {
		result = asFallback(result)
		requested = domain.TierMedium
	}
	if req.requested != "" {
		requested = req.requested
	}

	d.publish(ctx, &domain.DispatchOutcome{
		MessageID:     req.Message.ID,
		UserID:        req.Message.UserID,
		RequestedTier: requested,
		Result:        result,
		BatchID:       batchID,
		Reason:        reason,
		CompletedAt:   d.now(),
	})
	d.record(domain.OpDispatchLow, start, true, nil)
}

func (d *Dispatcher) publish(ctx context.Context, o *domain.DispatchOutcome) {
	if d.sink == nil {
		return
	}
	if err := d.sink.PublishOutcome(ctx, o); err != nil {
		d.log.Error().Err(err).Str("message_id", o.MessageID).Msg("failed to publish outcome")
	}
}

func (d *Dispatcher) record(op string, start time.Time, ok bool, tags map[string]string) {
	if d.recorder == nil {
		return
	}
	d.recorder.Record(op, float64(time.Since(start).Microseconds())/1000, ok, tags)
}

func toAIInput(req DispatchRequest, maxBody int) out.AIMessageInput {
	body := req.Message.Content()
	if maxBody > 0 {
		if r := []rune(body); len(r) > maxBody {
			body = string(r[:maxBody])
		}
	}
	return out.AIMessageInput{
		MessageID: req.Message.ID,
		Sender:    req.Message.SenderEmail,
		Subject:   req.Message.SubjectText,
		Body:      body,
		Score:     req.Result.Score,
	}
}
