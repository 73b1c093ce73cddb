// Command ingest runs the document indexing worker. It consumes uploaded
// documents from NATS, chunks and embeds them, and writes the vectors to
// Qdrant.
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
	"github.com/MapleHealthAI/maple-mvp/pkg/metrics"
	"github.com/MapleHealthAI/maple-mvp/pkg/openai"
	"github.com/MapleHealthAI/maple-mvp/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	NATSURL        string
	OpenAIKey      string
	OpenAIBaseURL  string
	EmbeddingModel string
	QdrantURL      string
	Collection     string
	MetricsPort    string
	EmbedRPS       float64
}

func loadConfig() Config {
	_ = godotenv.Load()

	rps, _ := strconv.ParseFloat(envOr("OPENAI_EMBED_RPS", "10"), 64)
	return Config{
		NATSURL:        envOr("NATS_URL", nats.DefaultURL),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  envOr("OPENAI_BASE_URL", openai.DefaultBaseURL),
		EmbeddingModel: envOr("OPENAI_EMBED_MODEL", openai.DefaultEmbeddingModel),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:     envOr("QDRANT_COLLECTION", "maple"),
		MetricsPort:    envOr("METRICS_PORT", "9091"),
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

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- OpenAI embedding client behind a circuit breaker ---
	oai := openai.New(openai.Config{
		BaseURL:           cfg.OpenAIBaseURL,
		APIKey:            cfg.OpenAIKey,
		EmbeddingModel:    cfg.EmbeddingModel,
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
	logger.Info("connected to qdrant", "collection", cfg.Collection)

	// --- RAG service (no generator; the worker only indexes) ---
	chunker, err := chunk.New(chunk.DefaultConfig())
	if err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	ragSvc := rag.New(chunker, gateway, vectorStore, nil, semantic.RecordID, rag.DefaultOptions(), logger)

	// --- Metrics ---
	reg := metrics.New()
	metered := &meteredIngestor{svc: ragSvc, reg: reg}
	go serveMetrics(cfg.MetricsPort, reg, logger)

	// --- NATS consumer ---
	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	consumer := ingest.NewConsumer(nc, metered, logger)
	sub, err := consumer.Start()
	if err != nil {
		return err
	}
	defer sub.Drain()

	logger.Info("ingest worker started", "subject", ingest.Subject, "queue", ingest.Queue)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// meteredIngestor counts documents, chunks, and records around the
// underlying service.
type meteredIngestor struct {
	svc *rag.Service
	reg *metrics.Registry
}

func (m *meteredIngestor) Ingest(ctx context.Context, doc domain.Document) (domain.IngestResult, error) {
	start := time.Now()
	res, err := m.svc.Ingest(ctx, doc)
	m.reg.Histogram("maple_ingest_seconds", "Per-document indexing time.", nil).Since(start)
	if err != nil {
		m.reg.Counter("maple_ingest_docs_total", "Documents processed.", "status", "error").Inc()
		return res, err
	}
	m.reg.Counter("maple_ingest_docs_total", "Documents processed.", "status", "ok").Inc()
	m.reg.Counter("maple_ingest_chunks_total", "Chunks created.").Add(int64(res.ChunksCreated))
	m.reg.Counter("maple_ingest_records_total", "Vector records written.").Add(int64(res.RecordsWritten))
	return res, nil
}

func serveMetrics(port string, reg *metrics.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("metrics server failed", "err", err)
	}
}

// guardedEmbedder routes embedding calls through a circuit breaker.
type guardedEmbedder struct {
	client  *openai.Client
	breaker *resilience.Breaker
}

func (g *guardedEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Do(ctx, g.breaker, func(ctx context.Context) ([][]float32, error) {
		return g.client.CreateEmbeddings(ctx, texts)
	})
}
