package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"priority_server/core/port/out"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// =============================================================================
// go-pkgz/pool 기반 Worker Pool
// =============================================================================

// Processor handles one job.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int                       // 일반 풀 워커 수
	PriorityWorkers  int                       // 우선순위 풀 워커 수
	JobTimeout       time.Duration             // 작업 타임아웃
	JobTimeoutByType map[JobType]time.Duration // 작업 유형별 타임아웃
	WorkerChanSize   int                       // 워커 채널 버퍼 크기
	MaxRetries       int                       // DLQ 이동 전 최대 재시도
	RatePerSecond    float64                   // 초당 허용 작업 수
	RetryBase        time.Duration             // 재시도 backoff 기본값
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:         16,
		PriorityWorkers: 4,
		JobTimeout:      30 * time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			JobProcess:    45 * time.Second, // high tier 는 AI 호출 포함 (30초) + 재시도
			JobFeedback:   10 * time.Second,
			JobEngagement: 5 * time.Second,
		},
		WorkerChanSize: 100,
		MaxRetries:     3,
		RatePerSecond:  200,
		RetryBase:      time.Second,
	}
}

// Pool runs jobs on two go-pkgz worker groups: flagged mail gets its own
// group so a backlog of bulk mail cannot delay it.
type Pool struct {
	handler Processor
	config  *PoolConfig

	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger
	limiter *rate.Limiter

	// Dead Letter Queue
	dlq     out.MessageProducer
	retries sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64 `json:"jobs_processed"`
	JobsFailed     int64 `json:"jobs_failed"`
	JobsDropped    int64 `json:"jobs_dropped"`
	JobsRetried    int64 `json:"jobs_retried"`
	AvgProcessTime int64 `json:"avg_process_ms"`
	InFlight       int32 `json:"in_flight"`
}

// messageWorker implements pool.Worker for Message processing.
type messageWorker struct {
	pool *Pool
}

func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

// NewPool creates a worker pool. dlq may be nil, in which case dead jobs are only logged.
func NewPool(handler Processor, config *PoolConfig, dlq out.MessageProducer, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	def := DefaultPoolConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.PriorityWorkers <= 0 {
		config.PriorityWorkers = config.Workers/4 + 1
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = def.WorkerChanSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = def.RatePerSecond
	}
	if config.RetryBase <= 0 {
		config.RetryBase = def.RetryBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		log:     log.With().Str("component", "worker_pool").Logger(),
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), int(config.RatePerSecond)+1),
		dlq:     dlq,
	}
}

// Start starts the worker groups.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	// 배치 모드는 부분 배치를 Close 전까지 붙잡으므로 사용하지 않음
	p.pool = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	p.priorityPool = pool.New[*Message](p.config.PriorityWorkers, &messageWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("priority_workers", p.config.PriorityWorkers).
		Msg("worker pool started")
	return nil
}

// Stop drains both groups and waits for scheduled retries to settle.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing main pool")
	}
	if err := p.priorityPool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing priority pool")
	}

	p.cancel()
	p.retries.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit submits a job. It returns false when the pool is stopped or the job was rate limited.
func (p *Pool) Submit(msg *Message) bool {
	// Stop 과 Close 사이에 Submit 이 끼어들지 않도록 lock 유지
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}

	if !p.limiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().Str("job_id", msg.ID).Str("job_type", msg.Type).Msg("job dropped due to rate limiting")
		return false
	}

	atomic.AddInt32(&p.metrics.InFlight, 1)
	if msg.IsPriority() {
		p.priorityPool.Submit(msg)
	} else {
		p.pool.Submit(msg)
	}
	return true
}

func (p *Pool) jobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout(msg.Type))
	defer cancel()

	err := p.handler.Process(jobCtx, msg)
	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		return nil
	}

	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("retries", msg.Retries).
		Msg("job processing failed")

	if errors.Is(err, ErrPermanent) || msg.Retries >= p.config.MaxRetries {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		p.deadLetter(msg, err)
		return err
	}

	// Exponential backoff with jitter: base * 2^retries + random(0, 500ms)
	msg.Retries++
	atomic.AddInt64(&p.metrics.JobsRetried, 1)
	backoff := p.config.RetryBase*time.Duration(1<<msg.Retries) + time.Duration(rand.Intn(500))*time.Millisecond

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-p.ctx.Done():
			p.deadLetter(msg, p.ctx.Err())
		case <-t.C:
			if !p.Submit(msg) {
				p.deadLetter(msg, errors.New("resubmit rejected"))
			}
		}
	}()
	return err
}

func (p *Pool) deadLetter(msg *Message, cause error) {
	if p.dlq == nil {
		p.log.Error().Str("job_id", msg.ID).Str("job_type", msg.Type).Msg("DLQ: job permanently failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := map[string]any{
		"job":   msg,
		"error": cause.Error(),
	}
	if err := p.dlq.Publish(ctx, out.StreamDLQ, entry); err != nil {
		p.log.Error().Err(err).Str("job_id", msg.ID).Msg("DLQ publish failed, job lost")
		return
	}
	p.log.Warn().Str("job_id", msg.ID).Str("job_type", msg.Type).Int("retries", msg.Retries).Msg("job moved to DLQ")
}

// updateAvgProcessTime keeps an exponential moving average.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	for {
		current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
		next := elapsed
		if current != 0 {
			next = (current*9 + elapsed) / 10
		}
		if atomic.CompareAndSwapInt64(&p.metrics.AvgProcessTime, current, next) {
			return
		}
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("in_flight", m.InFlight).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
	}
}
