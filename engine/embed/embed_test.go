package embed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
)

// mockClient embeds each text as a deterministic vector derived from its
// global arrival order, so order preservation is observable.
type mockClient struct {
	dim    int
	calls  int
	sizes  []int
	failAt int // 1-based call index to fail at, 0 = never
	err    error
}

func (m *mockClient) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	m.sizes = append(m.sizes, len(texts))
	if m.failAt != 0 && m.calls == m.failAt {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, m.dim)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Transient() bool { return true }

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%0*d", i+1, i+1) // text i has length i+1
	}
	return out
}

func TestNew_BadConfig(t *testing.T) {
	if _, err := New(&mockClient{}, Config{BatchSize: 0, Dimension: 4}, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(&mockClient{}, Config{BatchSize: 10, Dimension: 0}, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	client := &mockClient{dim: 4}
	g, _ := New(client, Config{BatchSize: 10, Dimension: 4}, nil)
	out, err := g.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
	if client.calls != 0 {
		t.Fatalf("expected zero external calls, got %d", client.calls)
	}
}

func TestEmbedBatch_OrderPreserved(t *testing.T) {
	for _, batchSize := range []int{1, 3, 7, 100} {
		client := &mockClient{dim: 4}
		g, _ := New(client, Config{BatchSize: batchSize, Dimension: 4}, nil)
		in := texts(7)
		out, err := g.EmbedBatch(context.Background(), in)
		if err != nil {
			t.Fatalf("batchSize=%d: %v", batchSize, err)
		}
		if len(out) != len(in) {
			t.Fatalf("batchSize=%d: got %d vectors, want %d", batchSize, len(out), len(in))
		}
		for i, v := range out {
			if v[0] != float32(len(in[i])) {
				t.Fatalf("batchSize=%d: result[%d] does not match texts[%d]", batchSize, i, i)
			}
		}
	}
}

// Batching must be transparent: batch size 1 and batch size >= len(texts)
// produce identical output for a fixed embedding function.
func TestEmbedBatch_BatchingTransparency(t *testing.T) {
	in := texts(9)

	one, _ := New(&mockClient{dim: 4}, Config{BatchSize: 1, Dimension: 4}, nil)
	all, _ := New(&mockClient{dim: 4}, Config{BatchSize: len(in), Dimension: 4}, nil)

	a, err := one.EmbedBatch(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := all.EmbedBatch(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i][0] != b[i][0] {
			t.Fatalf("vector %d differs between batch sizes", i)
		}
	}
}

func TestEmbedBatch_GroupSizes(t *testing.T) {
	client := &mockClient{dim: 4}
	g, _ := New(client, Config{BatchSize: 4, Dimension: 4}, nil)
	if _, err := g.EmbedBatch(context.Background(), texts(10)); err != nil {
		t.Fatal(err)
	}
	want := []int{4, 4, 2}
	if len(client.sizes) != len(want) {
		t.Fatalf("got %d calls, want %d", len(client.sizes), len(want))
	}
	for i, n := range want {
		if client.sizes[i] != n {
			t.Fatalf("call %d had %d texts, want %d", i, client.sizes[i], n)
		}
	}
}

func TestEmbedBatch_GroupFailure(t *testing.T) {
	client := &mockClient{dim: 4, failAt: 2, err: errors.New("boom")}
	g, _ := New(client, Config{BatchSize: 3, Dimension: 4}, nil)

	_, err := g.EmbedBatch(context.Background(), texts(8))
	var ee *domain.EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if ee.GroupIndex != 1 {
		t.Fatalf("failed group index = %d, want 1", ee.GroupIndex)
	}
	if ee.Retryable {
		t.Fatal("plain error should not be retryable")
	}
	// The gateway stops at the failing group.
	if client.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", client.calls)
	}
}

func TestEmbedBatch_TransientFailureIsRetryable(t *testing.T) {
	client := &mockClient{dim: 4, failAt: 1, err: &transientErr{msg: "rate limited"}}
	g, _ := New(client, Config{BatchSize: 2, Dimension: 4}, nil)

	_, err := g.EmbedBatch(context.Background(), texts(3))
	var ee *domain.EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if !ee.Retryable {
		t.Fatal("transient failure should be retryable")
	}
	if !domain.Retryable(err) {
		t.Fatal("domain.Retryable should agree")
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	client := &mockClient{dim: 3}
	g, _ := New(client, Config{BatchSize: 10, Dimension: 4}, nil)
	_, err := g.EmbedBatch(context.Background(), texts(2))
	var ee *domain.EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if ee.Retryable {
		t.Fatal("dimension mismatch is permanent")
	}
}

func TestEmbedOne(t *testing.T) {
	client := &mockClient{dim: 4}
	g, _ := New(client, Config{BatchSize: 10, Dimension: 4}, nil)
	v, err := g.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 5 {
		t.Fatalf("unexpected vector: %v", v)
	}
	if client.calls != 1 || client.sizes[0] != 1 {
		t.Fatalf("expected a single size-1 call, got %v", client.sizes)
	}
}
