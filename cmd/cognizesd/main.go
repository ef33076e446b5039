// Command cognizesd is the cognitive engine runtime's entrypoint: load
// config, open the database, apply migrations, wire the engine's
// components behind the system manager lifecycle, and serve the ops
// HTTP surface until signalled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/agent"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/config"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/consolidation"
	cognizescontext "github.com/ThreeFish-AI/agentic-ai-cognizes/internal/context"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/eventbridge"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/httpapi"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/pgnotify"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/platform/database"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/platform/migrations"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/provider"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/retention"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/retrieval"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/storage/postgres"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/system"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(rootCtx, cfg.DatabaseDSN)
	if err != nil {
		appLog.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxConnections)
	db.SetMaxIdleConns(cfg.DBMinConnections)
	db.SetConnMaxIdleTime(cfg.DBIdleTimeout)
	db.SetConnMaxLifetime(cfg.DBConnLifetime)

	if err := migrations.Apply(rootCtx, db); err != nil {
		appLog.Fatalf("apply migrations: %v", err)
	}

	store := postgres.New(db)
	toolStore := postgres.NewToolStore(db)

	lmClient := provider.NewAnthropicClient(provider.AnthropicConfig{
		APIKey:  cfg.LMAPIKey,
		Model:   cfg.LMModel,
		BaseURL: cfg.LMAPIBaseURL,
	})
	embedder := provider.NewOpenAIEmbedder(provider.OpenAIEmbedderConfig{
		APIKey:  cfg.EmbeddingAPIKey,
		Model:   cfg.EmbeddingModel,
		BaseURL: cfg.EmbeddingBaseURL,
		Dim:     cfg.EmbeddingDim,
	})

	listener := pgnotify.New(cfg.DatabaseDSN, cfg.NotifyChannel, appLog)
	bridge := eventbridge.New(listener, appLog, eventbridge.Config{
		QueueSize:         cfg.SubscriberQueue,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	sessions := session.New(store, appLog)

	worker := consolidation.New(store, store, lmClient, embedder, appLog, consolidation.Config{
		EventWindow:         cfg.ConsolidationBatchSize,
		LMRequestsPerSecond: cfg.LMRateLimitPerSecond,
		SweepInterval:       cfg.ConsolidationInterval,
	})

	retentionMgr := retention.New(store, appLog, retention.Config{
		DecayRate:        cfg.RetentionDecayRate,
		CleanupThreshold: cfg.RetentionThreshold,
		MinAgeDays:       cfg.RetentionMinAgeDays,
		CleanupInterval:  cfg.RetentionCleanupPeriod,
	})

	pipeline := retrieval.New(store, nil, retrieval.Config{
		L0Limit:                 cfg.RetrievalL0Limit,
		L1Limit:                 cfg.RetrievalL1Limit,
		EfSearch:                cfg.RetrievalEfSearch,
		DecayRate:               cfg.RetentionDecayRate,
		RerankRequestsPerSecond: cfg.RerankRateLimitPerSecond,
	})

	assembler := cognizescontext.New(store, store, pipeline, cognizescontext.Config{
		MaxTokens:     cfg.ContextMaxTokens,
		SystemRatio:   cfg.ContextSystemRatio,
		FactsRatio:    cfg.ContextFactsRatio,
		MemoriesRatio: cfg.ContextMemoriesRatio,
		HistoryRatio:  cfg.ContextHistoryRatio,
	})
	_ = assembler // exercised by retrieval/context callers (§4.6); wired here for lifecycle parity with the rest of the engine

	registry := agent.NewRegistry(toolStore, appLog)
	executor := agent.NewExecutor(lmClient, registry, cfg.AgentMaxSteps, cfg.AgentTimeoutSeconds)
	_ = executor // invoked per-run by the (out-of-scope) handler that drives agent turns

	httpSvc := httpapi.NewService(sessions, bridge, cfg.HTTPListenAddr, cfg.JWTSigningKey, appLog)

	manager := system.NewManager()
	for _, svc := range []system.Service{listener, bridge, worker, retentionMgr, httpSvc} {
		if err := manager.Register(svc); err != nil {
			appLog.Fatalf("register service: %v", err)
		}
	}

	if err := manager.Start(rootCtx); err != nil {
		appLog.Fatalf("start services: %v", err)
	}
	appLog.Infof("cognizes runtime listening on %s", cfg.HTTPListenAddr)

	<-rootCtx.Done()
	appLog.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		appLog.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}
