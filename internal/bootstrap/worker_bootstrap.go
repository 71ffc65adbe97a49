package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"priority_server/adapter/in/worker"
	"priority_server/adapter/out/messaging"
	"priority_server/config"
	"priority_server/core/port/out"
	"priority_server/pkg/logger"
)

// Worker consumes inbound mail and feedback from Redis Streams.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  chan struct{}
}

func NewWorker(cfg *config.Config, deps *Dependencies) (*Worker, error) {
	if deps.Redis == nil {
		return nil, errors.New("worker mode requires REDIS_URL")
	}
	zlog := logger.Default().Zerolog()

	poolConfig := worker.DefaultPoolConfig()
	poolConfig.Workers = cfg.WorkerCount
	poolConfig.PriorityWorkers = cfg.WorkerPriorityCount
	poolConfig.MaxRetries = cfg.WorkerMaxRetries
	poolConfig.RatePerSecond = cfg.WorkerRatePerSecond

	var dlq out.MessageProducer
	if deps.Producer != nil {
		dlq = deps.Producer
	}
	pool := worker.NewPool(worker.NewHandler(deps.Priority), poolConfig, dlq, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	handler := worker.NewStreamHandler(pool)
	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                "priority-workers",
		Consumer:             cfg.WorkerID,
		Streams:              handler.Streams(),
		Handler:              handler,
		Logger:               zlog,
		ReadCount:            int64(cfg.ConsumerBatchSize),
		Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingChkSec) * time.Second,
		MaxRetries:           cfg.ConsumerMaxRetries,
	})
	logger.Info("Redis Stream Consumer configured for %d streams", len(handler.Streams()))

	return w, nil
}

// Start runs the pool and the consumer; it blocks until Stop is called.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Consumer stopped: %v", err)
		}
	}()

	<-w.stopped
	return nil
}

// Stop stops reading new entries, then drains the pool.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.pool.Stop()
	close(w.stopped)
	logger.Info("Worker stopped")
}
