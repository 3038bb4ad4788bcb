package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/borderdesk/borderdesk/internal/auth"
	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
	"github.com/borderdesk/borderdesk/internal/config"
	"github.com/borderdesk/borderdesk/internal/conversation"
	"github.com/borderdesk/borderdesk/internal/decompose"
	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/httpapi"
	"github.com/borderdesk/borderdesk/internal/insertblock"
	"github.com/borderdesk/borderdesk/internal/intent"
	"github.com/borderdesk/borderdesk/internal/kb"
	"github.com/borderdesk/borderdesk/internal/llm"
	"github.com/borderdesk/borderdesk/internal/retrieval"
	"github.com/borderdesk/borderdesk/internal/tracing"
	"github.com/borderdesk/borderdesk/internal/transcript"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	stopWatch, err := config.Watch(logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "borderdesk",
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	circuitbreaker.StartMetricsCollection()

	// Shared clients.
	var cache embeddings.VectorCache
	if cfg.RedisAddr != "" {
		rc, err := embeddings.NewRedisCache(cfg.RedisAddr)
		if err != nil {
			logger.Warn("Redis embedding cache unavailable, using local LRU only", zap.Error(err))
		} else {
			cache = rc
		}
	}
	embeddings.Initialize(embeddings.Config{
		BaseURL:        cfg.ModelServerURL,
		EmbeddingModel: cfg.EmbeddingModel,
		RerankerModel:  cfg.RerankerModel,
		Timeout:        cfg.EmbeddingTimeout,
		CacheTTL:       cfg.EmbeddingCacheTTL,
	}, cache)
	embedder := embeddings.Get()

	vdb := vectordb.Initialize(vectordb.Config{
		Host:                 cfg.QdrantHost,
		Port:                 cfg.QdrantPort,
		Timeout:              cfg.QdrantTimeout,
		ExpectedEmbeddingDim: cfg.EmbeddingDim,
	}, logger)

	endpoints := make(map[string]llm.Endpoint, len(cfg.LLMEndpoints))
	for id, ep := range cfg.LLMEndpoints {
		endpoints[id] = llm.Endpoint{BaseURL: ep.BaseURL, AccessToken: ep.AccessToken, ModelName: ep.ModelName}
	}
	llmClient := llm.Initialize(llm.Config{
		Endpoints:  endpoints,
		DefaultID:  cfg.DefaultLLMID,
		Timeout:    cfg.LLMRequestTimeout,
		MaxTokens:  cfg.LLMMaxTokens,
		MaxRetries: cfg.LLMMaxRetries,
	}, logger)

	// Knowledge bases.
	ctx := context.Background()
	loader := &kb.Loader{
		VDB:      vdb,
		Embedder: embedder,
		HashFile: cfg.KBHashFile,
		Dim:      cfg.EmbeddingDim,
		Logger:   logger,
	}
	fusion := retrieval.FusionParams{
		K:            cfg.RRFK,
		VectorWeight: cfg.RRFVectorWeight,
		BM25Weight:   cfg.RRFBM25Weight,
		TopKVector:   cfg.RetrievalTopK,
		TopKBM25:     cfg.RetrievalTopKBM25,
		TopKMerged:   cfg.TopKMerged,
	}

	loadKB := func(name, dir, collection string) retrieval.Retriever {
		base, err := loader.LoadOrReindex(ctx, name, dir, collection)
		if err != nil {
			logger.Fatal("Knowledge base load failed", zap.String("kb", name), zap.Error(err))
		}
		return retrieval.NewHybrid(base, vdb, embedder, fusion, logger)
	}

	general := loadKB("general", cfg.KnowledgeBaseDir, cfg.GeneralCollection)
	multi := &retrieval.MultiKB{
		General: general,
		Counts: retrieval.StrategyCounts{
			VisaFree:        cfg.VisaFreeStrategyReturnCount,
			Airline:         cfg.AirlineStrategyReturnCount,
			AirlineVisaFree: cfg.AirlineVisaFreeStrategyReturnCount,
		},
		Logger: logger,
	}
	if cfg.EnableVisaFreeFeature {
		multi.VisaFree = loadKB("visa_free", cfg.VisaFreeKBDir, cfg.VisaFreeCollection)
	}
	if cfg.EnableAirlineFeature {
		multi.Airline = loadKB("airline", cfg.AirlineKBDir, cfg.AirlineCollection)
	}

	var rules *retrieval.RuleInjector
	if cfg.EnableRulesFeature {
		rules = &retrieval.RuleInjector{
			Rules:         loadKB("rules", cfg.RulesKBDir, cfg.RulesCollection),
			Threshold:     cfg.RulesScoreThreshold,
			HighThreshold: cfg.RulesHighScoreThreshold,
			TopN:          cfg.RulesTopN,
			Logger:        logger,
		}
	}
	var hidden retrieval.Retriever
	if cfg.EnableHiddenKBFeature {
		hidden = loadKB("hidden", cfg.HiddenKBDir, cfg.HiddenCollection)
	}

	// Pipeline stages.
	router := intent.NewRouter(cfg.EnableIntentClassifier, llmClient, cfg.IntentLLMID,
		cfg.IntentTimeout, cfg.IntentCacheSize, logger)
	decomposer := &decompose.Decomposer{
		Cfg: decompose.Config{
			Enabled:             cfg.EnableSubquestionDecomposition,
			ComplexityThreshold: cfg.SubquestionComplexityThreshold,
			MinEntities:         cfg.SubquestionMinEntities,
			MaxDepth:            cfg.SubquestionMaxDepth,
			MinScore:            cfg.SubquestionMinScore,
			MaxEmptyResults:     cfg.SubquestionMaxEmptyResults,
			DecompTimeout:       cfg.SubquestionDecompTimeout,
			AnswerTimeout:       cfg.SubquestionAnswerTimeout,
			SynthesisTimeout:    cfg.SubquestionSynthesisTimeout,
			MaxWorkers:          cfg.SubquestionMaxWorkers,
			HistoryTurns:        cfg.HistoryCompressTurns,
			HistoryMaxTokens:    cfg.HistoryMaxTokens,
		},
		LLM:     llmClient,
		ModelID: cfg.DefaultLLMID,
		Logger:  logger,
	}
	reranker := &retrieval.Reranker{
		Svc:       embedder,
		InputTopN: cfg.RerankerInputTopN,
		Threshold: cfg.RerankScoreThreshold,
		Logger:    logger,
	}
	filter := insertblock.New(llmClient, cfg.DefaultLLMID, cfg.InsertBlockMaxWorkers,
		cfg.InsertBlockTimeout, cfg.InsertBlockDeadline, logger)
	conversations := conversation.NewManager(conversation.Config{
		Collection:     cfg.ConversationCollection,
		ExpireDays:     cfg.ConversationExpireDays,
		MaxRecent:      cfg.MaxRecentTurns,
		MaxRelevant:    cfg.MaxRelevantTurns,
		RecentCacheTTL: cfg.RecentCacheTTL,
	}, vdb, embedder, logger)

	transcripts, err := transcript.Open(cfg.TranscriptDSN, logger)
	if err != nil {
		logger.Warn("Transcript store unavailable", zap.Error(err))
	}

	authSvc := auth.NewService(cfg.AuthServiceURL, cfg.DevAuthSecret, cfg.AuthCacheTTL, logger)

	handler := &httpapi.Handler{
		Cfg:           config.Get,
		Auth:          authSvc,
		Router:        router,
		Multi:         multi,
		Decomposer:    decomposer,
		Reranker:      reranker,
		Rules:         rules,
		Hidden:        hidden,
		Filter:        filter,
		Conversations: conversations,
		LLM:           llmClient,
		Transcripts:   transcripts,
		Logger:        logger,
	}
	server := httpapi.NewServer(cfg.ServerHost, cfg.ServerPort, handler,
		cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	// Daily expiry sweep for conversation turns.
	gcStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gcStop:
				return
			case <-ticker.C:
				n, err := conversations.GC(context.Background(), cfg.ConversationExpireDays)
				if err != nil {
					logger.Warn("Conversation GC failed", zap.Error(err))
					continue
				}
				logger.Info("Conversation GC done", zap.Int("deleted", n))
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("Shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		logger.Error("Server stopped", zap.Error(err))
	}
	close(gcStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	if transcripts != nil {
		transcripts.Close()
	}
	tracing.Shutdown(shutdownCtx)
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewExample()
	}
	return logger
}
