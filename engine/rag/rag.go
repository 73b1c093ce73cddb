// Package rag orchestrates the retrieval-augmented generation pipeline.
// Ingestion runs chunk → embed → upsert; retrieval embeds the question,
// queries the vector index, assembles a bounded context block, and hands it
// to the generation model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MapleHealthAI/maple-mvp/engine/chunk"
	"github.com/MapleHealthAI/maple-mvp/engine/domain"
	"github.com/MapleHealthAI/maple-mvp/pkg/fn"
)

// Embedder abstracts the batched embedding gateway.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex abstracts the vector store gateway.
type VectorIndex interface {
	UpsertBatch(ctx context.Context, records []domain.IndexedRecord) (int, error)
	Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]domain.RetrievalMatch, error)
	DeleteByDocID(ctx context.Context, docID string) error
}

// Generator is the black-box generation-model call.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GenerationRequest carries one generation call's inputs.
type GenerationRequest struct {
	SystemPrompt string
	UserMessage  string
	MaxTokens    int
	Temperature  float32
}

// Options configures the pipeline behaviour.
type Options struct {
	TopK          int
	DisplayLimit  int
	MaxTokens     int
	Temperature   float32
	SearchTimeout time.Duration
	IngestTimeout time.Duration
	// ReplaceExisting deletes a document's previous records before
	// upserting, so re-ingestion never leaves stale chunks behind.
	ReplaceExisting bool
	// Now stamps upload timestamps; overridable in tests.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:            3,
		DisplayLimit:    200,
		MaxTokens:       1000,
		Temperature:     0.7,
		SearchTimeout:   30 * time.Second,
		IngestTimeout:   5 * time.Minute,
		ReplaceExisting: true,
		Now:             time.Now,
	}
}

// RecordIDFunc derives the deterministic record id for a chunk.
type RecordIDFunc func(docID string, seq int) string

// Service is the RAG orchestration service.
type Service struct {
	chunker  *chunk.Chunker
	embed    Embedder
	index    VectorIndex
	gen      Generator
	recordID RecordIDFunc
	opts     Options
	logger   *slog.Logger
}

// New creates a Service. recordID must be deterministic for a given
// (document id, sequence index) pair.
func New(chunker *chunk.Chunker, embed Embedder, index VectorIndex, gen Generator, recordID RecordIDFunc, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		chunker:  chunker,
		embed:    embed,
		index:    index,
		gen:      gen,
		recordID: recordID,
		opts:     opts,
		logger:   logger,
	}
}

type chunkedDoc struct {
	doc        domain.Document
	chunks     []domain.Chunk
	uploadedAt time.Time
}

type embeddedDoc struct {
	chunkedDoc
	vectors [][]float32
}

// Ingest runs a document through chunking, embedding, and upsert. It fails
// fast with ErrNoExtractableContent before any external call when the text
// is empty. On partial failure the returned IngestResult still reports the
// counts actually achieved alongside the error.
func (s *Service) Ingest(ctx context.Context, doc domain.Document) (domain.IngestResult, error) {
	if err := domain.ValidateDocument(doc); err != nil {
		return domain.IngestResult{}, fmt.Errorf("rag: ingest: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.IngestTimeout)
	defer cancel()

	start := time.Now()
	chunksCreated := 0

	chunkStage := fn.TracedStage("ingest.chunk", func(_ context.Context, d domain.Document) fn.Result[chunkedDoc] {
		chunks := s.chunker.Split(d.ID, d.RawText)
		chunksCreated = len(chunks)
		return fn.Ok(chunkedDoc{doc: d, chunks: chunks, uploadedAt: s.opts.Now().UTC()})
	})

	embedStage := fn.TracedStage("ingest.embed", func(ctx context.Context, cd chunkedDoc) fn.Result[embeddedDoc] {
		texts := make([]string, len(cd.chunks))
		for i, ch := range cd.chunks {
			texts[i] = ch.Text
		}
		vectors, err := s.embed.EmbedBatch(ctx, texts)
		if err != nil {
			var ee *domain.EmbeddingError
			if errors.As(err, &ee) {
				return fn.Errf[embeddedDoc]("rag: ingest %s: failed during embedding, %d groups succeeded: %w", cd.doc.ID, ee.GroupIndex, err)
			}
			return fn.Errf[embeddedDoc]("rag: ingest %s: failed during embedding: %w", cd.doc.ID, err)
		}
		return fn.Ok(embeddedDoc{chunkedDoc: cd, vectors: vectors})
	})

	storeStage := fn.TracedStage("ingest.store", func(ctx context.Context, ed embeddedDoc) fn.Result[domain.IngestResult] {
		if s.opts.ReplaceExisting {
			if err := s.index.DeleteByDocID(ctx, ed.doc.ID); err != nil {
				s.logger.Warn("stale record cleanup failed, continuing", "doc_id", ed.doc.ID, "err", err)
			}
		}

		records := s.buildRecords(ed)
		written, err := s.index.UpsertBatch(ctx, records)
		if err != nil {
			return fn.Errf[domain.IngestResult]("rag: ingest %s: failed during upsert, %d of %d records written: %w", ed.doc.ID, written, len(records), err)
		}
		return fn.Ok(domain.IngestResult{
			DocumentID:     ed.doc.ID,
			ChunksCreated:  len(ed.chunks),
			RecordsWritten: written,
		})
	})

	logChunks := fn.TapStage(func(_ context.Context, cd chunkedDoc) {
		s.logger.Debug("chunking done", "doc_id", cd.doc.ID, "chunks", len(cd.chunks))
	})

	pipeline := fn.Then(fn.Then(fn.Then(chunkStage, logChunks), embedStage), storeStage)
	result, err := pipeline(ctx, doc).Unwrap()
	if err != nil {
		// Preserve achieved counts for partial upsert failures.
		var ue *domain.UpsertError
		if errors.As(err, &ue) {
			result = domain.IngestResult{DocumentID: doc.ID, ChunksCreated: chunksCreated, RecordsWritten: ue.Written}
		}
		return result, err
	}

	s.logger.Info("ingest done",
		"doc_id", doc.ID,
		"chunks", result.ChunksCreated,
		"records", result.RecordsWritten,
		"duration", time.Since(start),
	)
	return result, nil
}

// buildRecords zips chunks with their vectors and merges document-level
// metadata with per-chunk fields.
func (s *Service) buildRecords(ed embeddedDoc) []domain.IndexedRecord {
	records := make([]domain.IndexedRecord, len(ed.chunks))
	for i, ch := range ed.chunks {
		meta := map[string]any{
			"content":          ch.Text,
			"document_id":      ed.doc.ID,
			"source_filename":  ed.doc.SourceFilename,
			"sequence_index":   ch.SequenceIndex,
			"content_length":   len(ch.Text),
			"char_start":       ch.CharStart,
			"char_end":         ch.CharEnd,
			"upload_timestamp": ed.uploadedAt.Format(time.RFC3339),
		}
		if ed.doc.PatientID != "" {
			meta["patient_id"] = ed.doc.PatientID
		}
		records[i] = domain.IndexedRecord{
			ID:       s.recordID(ed.doc.ID, ch.SequenceIndex),
			Vector:   ed.vectors[i],
			Metadata: meta,
		}
	}
	return records
}

// Retrieve embeds the query and returns the top-k matches unmodified,
// ranked by the index gateway. Zero matches is a valid empty result, not an
// error.
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]domain.RetrievalMatch, error) {
	return s.RetrieveFiltered(ctx, query, k, nil)
}

// RetrieveFiltered is Retrieve with metadata filters (e.g. patient_id).
func (s *Service) RetrieveFiltered(ctx context.Context, query string, k int, filter map[string]string) ([]domain.RetrievalMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("rag: empty query: %w", domain.ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("rag: top-k %d: %w", k, domain.ErrInvalidArgument)
	}

	vector, err := s.embed.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	matches, err := s.index.Query(searchCtx, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	s.logger.Info("retrieve done", "query_len", len(query), "k", k, "matches", len(matches))
	return matches, nil
}

// BuildContext formats matches into a context block for the generation
// prompt: ranking order preserved, each content field truncated to the
// display limit. The stored records are never altered.
func (s *Service) BuildContext(matches []domain.RetrievalMatch) string {
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("[%s] (score: %.3f)\n%s", m.RecordID, m.Score, truncate(m.Content, s.opts.DisplayLimit))
	}
	return strings.Join(parts, "\n\n")
}

// Answer represents the structured response from the full pipeline.
type Answer struct {
	Text      string   `json:"text"`
	Sources   []Source `json:"sources,omitempty"`
	NoContext bool     `json:"no_context"`
}

// Source is a citation backing the answer; content is truncated for display.
type Source struct {
	RecordID string  `json:"record_id"`
	Content  string  `json:"content"`
	Score    float32 `json:"score"`
}

// Query runs retrieval and generation for a user question. An empty
// retrieval is not an error: the generation call proceeds with a
// context-free prompt and the answer is flagged NoContext.
func (s *Service) Query(ctx context.Context, question, patientID string) (*Answer, error) {
	var filter map[string]string
	if patientID != "" {
		filter = map[string]string{"patient_id": patientID}
	}

	matches, err := s.RetrieveFiltered(ctx, question, s.opts.TopK, filter)
	if err != nil {
		return nil, err
	}

	text, err := s.gen.Generate(ctx, GenerationRequest{
		SystemPrompt: buildSystemPrompt(matches, patientID),
		UserMessage:  question,
		MaxTokens:    s.opts.MaxTokens,
		Temperature:  s.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: generate: %w", err)
	}

	sources := make([]Source, len(matches))
	for i, m := range matches {
		sources[i] = Source{
			RecordID: m.RecordID,
			Content:  truncate(m.Content, s.opts.DisplayLimit),
			Score:    m.Score,
		}
	}
	return &Answer{Text: text, Sources: sources, NoContext: len(matches) == 0}, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
