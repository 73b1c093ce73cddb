// Package embed batches text segments into embedding-model calls. It owns
// the batch-size policy toward the rate-limited embedding service; the
// actual model call sits behind the Client interface.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
)

const (
	// DefaultBatchSize reflects the embedding service's per-call input limit.
	DefaultBatchSize = 2000
	// DefaultDimension is the vector width of text-embedding-ada-002.
	DefaultDimension = 1536
)

// Client is the black-box embedding-model call: one network round trip per
// invocation, returning one vector per input text in input order.
type Client interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the gateway limits, validated once at construction.
type Config struct {
	BatchSize int
	Dimension int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Dimension: DefaultDimension}
}

// Validate checks the configured limits.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("embed: batch size %d: %w", c.BatchSize, domain.ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("embed: dimension %d: %w", c.Dimension, domain.ErrInvalidConfig)
	}
	return nil
}

// Gateway partitions inputs into contiguous batch groups and issues one
// client call per group. It holds no mutable state; concurrent use from
// unrelated requests is safe.
type Gateway struct {
	client Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Gateway.
func New(client Client, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, cfg: cfg, logger: logger}, nil
}

// EmbedBatch embeds texts in contiguous groups of at most BatchSize,
// preserving input order: result[i] is the embedding of texts[i]. A failure
// in any group fails the whole call with a *domain.EmbeddingError naming the
// group; the caller decides whether to retry. Empty input returns an empty
// result without any external call.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	groups := (len(texts) + g.cfg.BatchSize - 1) / g.cfg.BatchSize

	for group := 0; group*g.cfg.BatchSize < len(texts); group++ {
		lo := group * g.cfg.BatchSize
		hi := lo + g.cfg.BatchSize
		if hi > len(texts) {
			hi = len(texts)
		}

		vectors, err := g.client.CreateEmbeddings(ctx, texts[lo:hi])
		if err != nil {
			return nil, &domain.EmbeddingError{
				GroupIndex: group,
				Retryable:  transient(err),
				Err:        err,
			}
		}
		if len(vectors) != hi-lo {
			return nil, &domain.EmbeddingError{
				GroupIndex: group,
				Err:        fmt.Errorf("got %d vectors for %d inputs", len(vectors), hi-lo),
			}
		}
		for i, v := range vectors {
			if len(v) != g.cfg.Dimension {
				return nil, &domain.EmbeddingError{
					GroupIndex: group,
					Err:        fmt.Errorf("vector %d has dimension %d, want %d", lo+i, len(v), g.cfg.Dimension),
				}
			}
		}

		out = append(out, vectors...)
		g.logger.Debug("embed group done", "group", group+1, "groups", groups, "size", hi-lo)
	}
	return out, nil
}

// EmbedOne is the size-1 specialization used for queries.
func (g *Gateway) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// transient classifies an external failure as retryable: explicit Transient
// markers from the client, timeouts, and cancellations all qualify.
func transient(err error) bool {
	var te interface{ Transient() bool }
	if errors.As(err, &te) {
		return te.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
