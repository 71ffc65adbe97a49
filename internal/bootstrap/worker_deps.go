package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"priority_server/adapter/out/ai"
	budgetstore "priority_server/adapter/out/budget"
	scorecache "priority_server/adapter/out/cache"
	"priority_server/adapter/out/messaging"
	"priority_server/adapter/out/mongodb"
	"priority_server/adapter/out/persistence"
	"priority_server/config"
	"priority_server/core/domain"
	"priority_server/core/port/out"
	"priority_server/core/service/budget"
	"priority_server/core/service/cache"
	"priority_server/core/service/learning"
	"priority_server/core/service/monitor"
	"priority_server/core/service/priority"
	"priority_server/core/service/routing"
	"priority_server/core/service/scoring"
	"priority_server/infra/database"
	"priority_server/pkg/logger"
)

// Dependencies holds every long-lived component shared by the API and the worker.
type Dependencies struct {
	// Infrastructure
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Outbound adapters
	Producer   *messaging.RedisProducer
	Alerts     *mongodb.AlertAdapter
	ScoreCache *scorecache.ScoreCache

	// Engine
	Cache      *cache.TieredCache
	Learner    *learning.Learner
	Scorer     *scoring.Scorer
	Budget     *budget.Tracker
	Dispatcher *routing.Dispatcher
	Monitor    *monitor.Monitor
	Priority   *priority.Service

	Registry *prometheus.Registry
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	ctx := context.Background()
	zlog := logger.Default().Zerolog()
	var cleanups []func()
	deps := &Dependencies{}

	// =========================================================================
	// Infrastructure
	// =========================================================================

	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { db.Close() })
		deps.DB = db

		if err := database.Migrate(ctx, db); err != nil {
			closeAll(cleanups)
			return nil, nil, err
		}

		sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
		if err != nil {
			closeAll(cleanups)
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { sqlDB.Close() })
		deps.SQLDB = sqlDB
	} else {
		logger.Warn("DATABASE_URL not set, learned patterns will not be persisted")
	}

	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL, nil)
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			cleanups = append(cleanups, func() { redisClient.Close() })
			deps.Redis = redisClient
		}
	}

	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed: %v", err)
		} else {
			cleanups = append(cleanups, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mongoClient.Disconnect(ctx)
			})
			deps.MongoDB = mongoClient
			deps.Alerts = mongodb.NewAlertAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := deps.Alerts.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure alert indexes: %v", err)
			}
		}
	}

	// =========================================================================
	// Monitor
	// =========================================================================

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	monCfg := monitor.DefaultConfig()
	monCfg.BufferSize = cfg.MonitorBufferSize
	monCfg.Window = cfg.MonitorWindow
	monOpts := []monitor.Option{
		monitor.WithRegisterer(deps.Registry),
		monitor.WithLogger(zlog),
	}
	if deps.Alerts != nil {
		monOpts = append(monOpts, monitor.WithAlertSink(deps.Alerts))
	}
	deps.Monitor = monitor.New(monCfg, monOpts...)

	// =========================================================================
	// Learning & Cache
	// =========================================================================

	learnOpts := []learning.Option{
		learning.WithDefaultLimit(cfg.BudgetDefaultLimitCents),
		learning.WithLogger(zlog),
	}
	if deps.SQLDB != nil {
		learnOpts = append(learnOpts, learning.WithRepository(persistence.NewPatternAdapter(deps.SQLDB)))
	}
	deps.Learner = learning.New(learning.Config{
		WindowSize: cfg.LearningWindowSize,
		MinSamples: cfg.LearningMinSamples,
	}, learnOpts...)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.HotTTL = cfg.CacheHotTTL
	cacheCfg.WarmTTL = cfg.CacheWarmTTL
	cacheCfg.PatternTTL = cfg.CachePatternTTL
	cacheCfg.HotSize = cfg.CacheHotSize
	cacheCfg.WarmSize = cfg.CacheWarmSize
	cacheCfg.PatternSize = cfg.CachePatternSize
	cacheCfg.PromotionHits = cfg.CachePromotionHits
	cacheCfg.WorkStartHour = cfg.WorkHoursStart
	cacheCfg.WorkEndHour = cfg.WorkHoursEnd
	cacheOpts := []cache.Option{cache.WithLogger(zlog)}
	if deps.Redis != nil {
		deps.ScoreCache = scorecache.NewScoreCache(deps.Redis)
		cacheOpts = append(cacheOpts, cache.WithL2(deps.ScoreCache))
	}
	deps.Cache = cache.New(cacheCfg, cacheOpts...)

	// =========================================================================
	// Scoring
	// =========================================================================

	var rules *scoring.RuleSet
	if cfg.RulesFile != "" {
		loaded, err := scoring.LoadRules(cfg.RulesFile)
		if err != nil {
			closeAll(cleanups)
			return nil, nil, err
		}
		rules = loaded
		logger.Info("Scoring rules loaded from %s", cfg.RulesFile)
	}
	deps.Scorer = scoring.NewScorer(rules,
		scoring.WithCache(deps.Cache),
		scoring.WithPatterns(deps.Learner),
		scoring.WithRecorder(deps.Monitor),
		scoring.WithLogger(zlog),
	)

	// =========================================================================
	// Budget & Dispatch
	// =========================================================================

	var store out.BudgetStore = budget.NewMemoryStore()
	if deps.Redis != nil {
		store = budgetstore.NewRedisStore(deps.Redis)
	} else {
		logger.Warn("Redis not available, budget state is process-local")
	}
	deps.Budget = budget.NewTracker(store, budget.Config{
		DefaultLimitCents: cfg.BudgetDefaultLimitCents,
		WarningRatio:      cfg.BudgetWarningRatio,
	},
		budget.WithSettings(deps.Learner),
		budget.WithLogger(zlog),
	)

	aiClient := ai.NewClient(ai.Config{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		RequestsPerSecond: cfg.LLMRequestsPerSec,
	}, zlog)
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, AI analysis calls will fail and fall back to rule scores")
	}

	var sink out.OutcomeSink = logOutcomeSink{}
	if deps.Redis != nil {
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
		sink = deps.Producer
	}

	llmTimeout := time.Duration(cfg.LLMTimeoutSec) * time.Second
	deps.Dispatcher = routing.NewDispatcher(routing.Config{
		BatchSize:            cfg.BatchSize,
		BatchTimeout:         cfg.BatchTimeout,
		HighTimeout:          llmTimeout,
		BatchCallTimeout:     llmTimeout,
		PrimaryModel:         cfg.LLMModel,
		BatchModel:           cfg.LLMBatchModel,
		FallbackModel:        cfg.LLMFallbackModel,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		RateLimitRetries:     2,
		RestrictedOverride:   cfg.RestrictedOverrideScore,
	}, aiClient, deps.Budget, sink,
		routing.WithRecorder(deps.Monitor),
		routing.WithLogger(zlog),
	)
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := deps.Dispatcher.Close(ctx); err != nil {
			logger.Warn("Dispatcher close: %v", err)
		}
	})

	deps.Priority = priority.NewService(deps.Scorer, deps.Learner, deps.Budget, deps.Dispatcher,
		priority.WithRecorder(deps.Monitor),
		priority.WithLogger(zlog),
	)

	logger.Info("Dependencies initialized (postgres=%t redis=%t mongodb=%t)",
		deps.DB != nil, deps.Redis != nil, deps.MongoDB != nil)

	return deps, func() { closeAll(cleanups) }, nil
}

// RunBackground starts the periodic loops of the engine until ctx is done.
func (d *Dependencies) RunBackground(ctx context.Context) {
	go d.Monitor.Run(ctx)
	go d.Learner.Run(ctx)
	go d.Cache.Run(ctx)
}

func closeAll(cleanups []func()) {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// logOutcomeSink is used when no stream is available for outcomes.
type logOutcomeSink struct{}

func (logOutcomeSink) PublishOutcome(_ context.Context, o *domain.DispatchOutcome) error {
	logger.Debug("Dispatch outcome %s: tier=%s model=%s cost=%d reason=%s", o.MessageID, o.RequestedTier, o.Model, o.CostCents, o.Reason)
	return nil
}
