// Package chunk splits extracted document text into overlapping,
// boundary-aware segments sized for embedding.
package chunk

import (
	"fmt"
	"unicode/utf8"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
)

const (
	// DefaultMaxChars is the maximum characters per chunk.
	DefaultMaxChars = 1000
	// DefaultOverlapChars is how many trailing characters each chunk shares
	// with its successor.
	DefaultOverlapChars = 200
	// DefaultLookBack bounds the backward search for a sentence boundary
	// from the hard cut point.
	DefaultLookBack = 100
)

// Config holds the chunking parameters. Validated once at construction,
// never re-read per call.
type Config struct {
	MaxChars     int
	OverlapChars int
	LookBack     int
}

// DefaultConfig returns the chunking defaults.
func DefaultConfig() Config {
	return Config{
		MaxChars:     DefaultMaxChars,
		OverlapChars: DefaultOverlapChars,
		LookBack:     DefaultLookBack,
	}
}

// Validate checks the parameter constraints.
func (c Config) Validate() error {
	if c.OverlapChars < 0 {
		return fmt.Errorf("chunk: overlap %d: %w", c.OverlapChars, domain.ErrInvalidConfig)
	}
	if c.MaxChars <= c.OverlapChars {
		return fmt.Errorf("chunk: max %d must exceed overlap %d: %w", c.MaxChars, c.OverlapChars, domain.ErrInvalidConfig)
	}
	if c.LookBack < 0 {
		return fmt.Errorf("chunk: look-back %d: %w", c.LookBack, domain.ErrInvalidConfig)
	}
	return nil
}

// Chunker produces chunks under a fixed configuration.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, validating the configuration.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Split walks text producing segments of at most MaxChars. Each segment
// after the first begins OverlapChars before the previous segment's end, so
// consecutive chunks share that much content. Cut points are pulled backward
// to the nearest sentence-ending punctuation or newline within LookBack;
// when none is found the hard cut is used unadjusted. Cut points never land
// inside a multi-byte rune: every chunk is valid UTF-8. Empty text yields no
// chunks and no error.
func (c *Chunker) Split(docID, text string) []domain.Chunk {
	if text == "" {
		return nil
	}

	var chunks []domain.Chunk
	start := 0
	for seq := 0; ; seq++ {
		end := start + c.cfg.MaxChars
		if end >= len(text) {
			chunks = append(chunks, newChunk(docID, seq, text, start, len(text)))
			break
		}
		end = snapToRuneStart(text, end)
		if end <= start {
			// A single rune is wider than the budget; emit it whole.
			_, w := utf8.DecodeRuneInString(text[start:])
			end = start + w
			if end >= len(text) {
				chunks = append(chunks, newChunk(docID, seq, text, start, len(text)))
				break
			}
		}
		end = c.adjustBoundary(text, start, end)

		chunks = append(chunks, newChunk(docID, seq, text, start, end))

		next := end - c.cfg.OverlapChars
		if next > start {
			next = snapToRuneStart(text, next)
		}
		if next <= start {
			// Boundary adjustment shrank the chunk below the overlap width;
			// advance past it to guarantee forward progress.
			next = end
		}
		start = next
	}
	return chunks
}

// snapToRuneStart moves i backward to the start of the rune it lands in.
func snapToRuneStart(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func newChunk(docID string, seq int, text string, start, end int) domain.Chunk {
	return domain.Chunk{
		SequenceIndex: seq,
		Text:          text[start:end],
		CharStart:     start,
		CharEnd:       end,
		DocumentID:    docID,
	}
}

// adjustBoundary moves the cut point backward from end to just after the
// nearest sentence-ending punctuation or line break, searching at most
// LookBack characters and never crossing start.
func (c *Chunker) adjustBoundary(text string, start, end int) int {
	floor := end - c.cfg.LookBack
	if floor < start+1 {
		floor = start + 1
	}
	for i := end; i > floor; i-- {
		switch text[i-1] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return end
}
