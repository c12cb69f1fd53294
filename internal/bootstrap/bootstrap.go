package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/dealflow/internal/config"
	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
	"github.com/kirillkom/dealflow/internal/core/usecase"
	"github.com/kirillkom/dealflow/internal/infrastructure/extractor/document"
	"github.com/kirillkom/dealflow/internal/infrastructure/llm"
	"github.com/kirillkom/dealflow/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/dealflow/internal/infrastructure/llm/openai"
	"github.com/kirillkom/dealflow/internal/infrastructure/lock/memlock"
	"github.com/kirillkom/dealflow/internal/infrastructure/lock/redislock"
	"github.com/kirillkom/dealflow/internal/infrastructure/notify/shoutrrr"
	"github.com/kirillkom/dealflow/internal/infrastructure/queue/nats"
	"github.com/kirillkom/dealflow/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/dealflow/internal/infrastructure/resilience"
	"github.com/kirillkom/dealflow/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/dealflow/internal/observability/metrics"
	"github.com/kirillkom/dealflow/internal/scheduler"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Registry *prometheus.Registry
	Pipeline *metrics.PipelineMetrics

	Queue *nats.Queue
	Deals *postgres.DealRepository

	ScoreUC    *usecase.ScoreUseCase
	ProposalUC *usecase.ProposalQueueUseCase
	SnoozeUC   *usecase.SnoozeReactivationUseCase

	closeFn func()
}

// New wires every adapter for a process. service names the process in logs
// and metrics.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := config.LoadScoringPolicy(cfg.ScoringPolicyPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		closeAll()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	deals := postgres.NewDealRepository(db)
	scores := postgres.NewScoreRepository(db)
	proposals := postgres.NewProposalRepository(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipeline := metrics.NewPipelineMetrics(service, registry)

	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
		EventsSubject:      cfg.NATSEventsSubject,
		AlertsSubject:      cfg.NATSAlertsSubject,
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
		Logger:             logger,
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	closers = append(closers, queue.Close)

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, closeLocker)

	judge, err := newJudge(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	var mailer ports.Mailer
	if cfg.MailerURL != "" {
		m, err := shoutrrr.New(cfg.MailerURL, cfg.MailerTimeout)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init mailer: %w", err)
		}
		mailer = m
	} else {
		logger.Warn("mailer_disabled", "reason", "MAILER_URL is empty")
	}

	scoreUC := usecase.NewScoreUseCase(deals, scores, scores, locker, policy, usecase.ScoreOptions{
		Publisher:   queue,
		Observer:    pipeline,
		Concurrency: cfg.RecomputeConcurrency,
		Logger:      logger,
	})
	proposalUC := usecase.NewProposalQueueUseCase(proposals, deals, scoreUC, policy, usecase.ProposalQueueOptions{
		Storage:   storage,
		Extractor: document.NewExtractor(storage),
		Analyzer:  judge,
		Composer:  judge,
		Mailer:    mailer,
		Observer:  pipeline,
		Logger:    logger,
	})
	snoozeUC := usecase.NewSnoozeReactivationUseCase(proposals, proposalUC, judge, pipeline, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Registry:   registry,
		Pipeline:   pipeline,
		Queue:      queue,
		Deals:      deals,
		ScoreUC:    scoreUC,
		ProposalUC: proposalUC,
		SnoozeUC:   snoozeUC,
		closeFn:    closeAll,
	}, nil
}

// SnoozeSchedulers builds one scheduler per configured organization mailbox.
func (a *App) SnoozeSchedulers() []*scheduler.SnoozeScheduler {
	out := make([]*scheduler.SnoozeScheduler, 0, len(a.Config.SnoozeOrganizations))
	for _, orgID := range a.Config.SnoozeOrganizations {
		out = append(out, scheduler.NewSnoozeScheduler(a.SnoozeUC, orgID, scheduler.Options{
			Interval:     a.Config.SnoozeCheckInterval,
			QuotaBackoff: a.Config.SnoozeQuotaBackoff,
			Logger:       a.Logger,
		}))
	}
	return out
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newLocker(cfg config.Config, logger *slog.Logger) (ports.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("recompute_lock_in_process", "reason", "REDIS_URL is empty")
		return memlock.New(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return redislock.New(client, redislock.Options{TTL: cfg.LockTTL, Logger: logger}), func() { _ = client.Close() }, nil
}

func judgeExecutorConfig(cfg config.Config) resilience.Config {
	exec := resilience.DefaultConfig()
	exec.RetryMaxAttempts = cfg.JudgeRetryMaxAttempts
	exec.RetryInitialBackoff = cfg.JudgeRetryInitialBackoff
	exec.RetryMaxBackoff = cfg.JudgeRetryMaxBackoff
	exec.BreakerEnabled = cfg.JudgeBreakerEnabled
	exec.BreakerOpenTimeout = cfg.JudgeBreakerOpenTimeout
	exec.RateLimitPerSecond = cfg.JudgeRateLimitPerSecond
	exec.RateLimitBurst = cfg.JudgeRateLimitBurst
	return exec
}

func newJudge(cfg config.Config) (*llm.Judge, error) {
	executor := resilience.NewExecutor(judgeExecutorConfig(cfg))

	var completer llm.Completer
	switch cfg.LLMBackend {
	case config.LLMBackendOllama:
		completer = ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, executor)
	case config.LLMBackendOpenAI:
		client, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init openai judge: %w", err)
		}
		completer = client
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "init judge", fmt.Errorf("unknown LLM_BACKEND %q", cfg.LLMBackend))
	}
	return llm.NewJudge(completer, cfg.MessageSignature), nil
}
