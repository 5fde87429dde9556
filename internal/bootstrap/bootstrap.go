package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mlindgren/lagrum/internal/config"
	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
	"github.com/mlindgren/lagrum/internal/core/usecase"
	"github.com/mlindgren/lagrum/internal/infrastructure/llm/ollama"
	natsqueue "github.com/mlindgren/lagrum/internal/infrastructure/queue/nats"
	"github.com/mlindgren/lagrum/internal/infrastructure/rerank"
	"github.com/mlindgren/lagrum/internal/infrastructure/repository/postgres"
	"github.com/mlindgren/lagrum/internal/infrastructure/resilience"
	"github.com/mlindgren/lagrum/internal/infrastructure/vector/qdrant"
	"github.com/mlindgren/lagrum/internal/observability/metrics"
)

type App struct {
	Config   config.Config
	Metrics  *metrics.HTTPServerMetrics
	Answerer ports.QuestionAnswerer

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conversations := postgres.NewConversationRepository(db)
	if err := conversations.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	llmExecutor := resilience.NewExecutor(resilience.LLMPolicy().WithBreakerEnabled(cfg.BreakerEnabled))
	auditExecutor := resilience.NewExecutor(resilience.AuditPolicy().WithBreakerEnabled(cfg.BreakerEnabled))

	var audit ports.AuditPublisher
	var closeAudit func()
	if cfg.NATSEnabled {
		publisher, err := natsqueue.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsqueue.Options{
			ResilienceExecutor: auditExecutor,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init audit publisher: %w", err)
		}
		audit = publisher
		closeAudit = publisher.Close
	} else {
		slog.Info("audit publisher disabled")
	}

	llm := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, llmExecutor)
	vectorDB := qdrant.New(cfg.QdrantURL)
	reranker := rerank.New(cfg.RerankerURL)

	understander := usecase.NewUnderstander(llm)
	retriever := usecase.NewOrchestrator(vectorDB, vectorDB, reranker, llm, llm, usecase.OrchestratorConfig{
		Collections:         cfg.Collections,
		CandidateLimit:      cfg.CandidateLimit,
		TopK:                cfg.TopK,
		RRFK:                cfg.RRFK,
		MaxVariants:         cfg.MaxQueryVariants,
		MinRerankScore:      cfg.MinRerankScore,
		EscalationThreshold: cfg.EscalationThreshold,
	})
	grader := usecase.NewGrader(llm, 0)
	controller := usecase.NewController(llm, understander, cfg.ProceedThreshold)
	generator := usecase.NewGenerator(llm)
	critic := usecase.NewCritic(llm)

	pipeline := usecase.NewPipeline(
		understander,
		retriever,
		grader,
		controller,
		generator,
		critic,
		conversations,
		audit,
		usecase.PipelineConfig{
			Budget: domain.RetryBudget{
				Rewrite: cfg.RewriteBudget,
				Revise:  cfg.ReviseBudget,
				Repair:  cfg.RepairBudget,
			},
			Timeouts: usecase.Timeouts{
				Retrieval:  cfg.RetrievalTimeout,
				Reflection: cfg.ReflectionTimeout,
				Generation: cfg.GenerationTimeout,
			},
			HighScoreThreshold: cfg.HighScoreThreshold,
			HistoryLimit:       cfg.HistoryLimit,
		},
	)

	return &App{
		Config:   cfg,
		Metrics:  metrics.NewHTTPServerMetrics("api"),
		Answerer: pipeline,

		closeFn: func() {
			if closeAudit != nil {
				closeAudit()
			}
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
