// Package main implements the Maple API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/MapleHealthAI/maple-mvp/engine/chunk"
	"github.com/MapleHealthAI/maple-mvp/engine/domain"
	"github.com/MapleHealthAI/maple-mvp/engine/embed"
	"github.com/MapleHealthAI/maple-mvp/engine/ingest"
	"github.com/MapleHealthAI/maple-mvp/engine/rag"
	"github.com/MapleHealthAI/maple-mvp/engine/semantic"
	"github.com/MapleHealthAI/maple-mvp/pkg/extract"
	"github.com/MapleHealthAI/maple-mvp/pkg/metrics"
	"github.com/MapleHealthAI/maple-mvp/pkg/mid"
	"github.com/MapleHealthAI/maple-mvp/pkg/openai"
	"github.com/MapleHealthAI/maple-mvp/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port           string
	OpenAIKey      string
	OpenAIBaseURL  string
	EmbeddingModel string
	ChatModel      string
	QdrantURL      string
	Collection     string
	NATSURL        string
	ExtractURL     string
	CORSOrigin     string
	EmbedRPS       float64
}

func loadConfig() Config {
	// Missing .env is fine in deployed environments.
	_ = godotenv.Load()

	rps, _ := strconv.ParseFloat(envOr("OPENAI_EMBED_RPS", "10"), 64)
	return Config{
		Port:           envOr("PORT", "8080"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  envOr("OPENAI_BASE_URL", openai.DefaultBaseURL),
		EmbeddingModel: envOr("OPENAI_EMBED_MODEL", openai.DefaultEmbeddingModel),
		ChatModel:      envOr("OPENAI_CHAT_MODEL", openai.DefaultChatModel),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:     envOr("QDRANT_COLLECTION", "maple"),
		NATSURL:        os.Getenv("NATS_URL"),
		ExtractURL:     envOr("EXTRACT_URL", "http://localhost:9998"),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		EmbedRPS:       rps,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- OpenAI client, embedding guarded by a circuit breaker ---
	oai := openai.New(openai.Config{
		BaseURL:           cfg.OpenAIBaseURL,
		APIKey:            cfg.OpenAIKey,
		EmbeddingModel:    cfg.EmbeddingModel,
		ChatModel:         cfg.ChatModel,
		RequestsPerSecond: cfg.EmbedRPS,
	})
	embedClient := &guardedEmbedder{
		client:  oai,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
	gateway, err := embed.New(embedClient, embed.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("embed gateway: %w", err)
	}

	// --- Connect to Qdrant ---
	storeCfg := semantic.Config{Collection: cfg.Collection, Dimension: embed.DefaultDimension, BatchSize: semantic.DefaultBatchSize}
	vectorStore, err := semantic.New(cfg.QdrantURL, storeCfg, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	// --- Build RAG service ---
	chunker, err := chunk.New(chunk.DefaultConfig())
	if err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	ragSvc := rag.New(
		chunker,
		gateway,
		vectorStore,
		&generatorAdapter{client: oai},
		semantic.RecordID,
		rag.DefaultOptions(),
		logger,
	)

	// --- Upload path: enqueue via NATS when configured, otherwise inline ---
	var enqueue enqueueFunc
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		enqueue = func(ctx context.Context, doc domain.UploadedDocument) error {
			return ingest.Enqueue(ctx, nc, doc)
		}
		logger.Info("upload ingestion via nats", "url", cfg.NATSURL)
	}

	reg := metrics.New()
	extractor := extract.New(extract.Config{BaseURL: cfg.ExtractURL})
	h := &handlers{
		rag:     ragSvc,
		extract: extractor,
		enqueue: enqueue,
		metrics: reg,
		logger:  logger,
	}

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("POST /api/chat", h.chat)
	mux.HandleFunc("POST /api/upload", h.upload)
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.OTel("maple-api"),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// guardedEmbedder routes embedding calls through a circuit breaker so a
// degraded upstream fails fast instead of piling up requests.
type guardedEmbedder struct {
	client  *openai.Client
	breaker *resilience.Breaker
}

func (g *guardedEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Do(ctx, g.breaker, func(ctx context.Context) ([][]float32, error) {
		return g.client.CreateEmbeddings(ctx, texts)
	})
}

// generatorAdapter adapts the OpenAI chat API to the rag.Generator interface.
type generatorAdapter struct {
	client *openai.Client
}

func (a *generatorAdapter) Generate(ctx context.Context, req rag.GenerationRequest) (string, error) {
	return a.client.CreateChatCompletion(ctx, openai.ChatRequest{
		System:      req.SystemPrompt,
		User:        req.UserMessage,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}
