package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nlowen/cited/internal/engine"
)

// embedEngine maps texts to fixed vectors; chat calls are unsupported.
type embedEngine struct {
	vectors map[string][]float32
	err     error
}

func (e *embedEngine) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	return "", errors.New("not implemented")
}

func (e *embedEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (e *embedEngine) IsRunning(ctx context.Context) bool { return true }

func (e *embedEngine) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (e *embedEngine) HasModel(ctx context.Context, name string) bool { return true }

func (e *embedEngine) PullModel(ctx context.Context, name string, onProgress func(engine.PullProgress)) error {
	return nil
}

func TestRetrieve_EmbedsAndSearches(t *testing.T) {
	store := NewSQLiteStore(openTestDB(t))
	insertFragment(t, store, "hit", []float32{1, 0})
	insertFragment(t, store, "miss", []float32{0, 1})

	eng := &embedEngine{vectors: map[string][]float32{
		"warranty length": {1, 0},
	}}
	r := NewRetriever(NewEmbedder(eng, "embed-model"), store)

	results, err := r.Retrieve(context.Background(), "warranty length", 1)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "hit" {
		t.Fatalf("results = %+v, want hit", results)
	}
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	store := NewSQLiteStore(openTestDB(t))
	eng := &embedEngine{err: errors.New("engine down")}
	r := NewRetriever(NewEmbedder(eng, "embed-model"), store)

	if _, err := r.Retrieve(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error when embedding fails")
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	eng := &embedEngine{vectors: map[string][]float32{
		"one":   {1},
		"two":   {2},
		"three": {3},
	}}
	e := NewEmbedder(eng, "embed-model")

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("vecs = %d, want 3", len(vecs))
	}
	for i, want := range []float32{1, 2, 3} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d] = %v, want [%f]", i, vecs[i], want)
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(&embedEngine{}, "embed-model")
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if vecs != nil {
		t.Errorf("vecs = %v, want nil", vecs)
	}
}
