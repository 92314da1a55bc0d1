package retrieval

import (
	"context"
	"fmt"
)

// Retriever combines embedding and similarity search to find evidence
// fragments relevant to a question.
type Retriever struct {
	embedder *Embedder
	store    EvidenceStore
}

// NewRetriever creates a Retriever backed by the given Embedder and EvidenceStore.
func NewRetriever(embedder *Embedder, store EvidenceStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the question and returns the top-K most similar fragments.
// An empty result is not an error; the caller decides how to treat weak
// evidence.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) ([]ScoredFragment, error) {
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	scored, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching evidence store: %w", err)
	}

	return scored, nil
}
