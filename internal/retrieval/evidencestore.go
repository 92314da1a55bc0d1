package retrieval

import "context"

// EvidenceStore is the interface for evidence fragment storage and similarity
// search backends. The default implementation uses SQLite with brute-force
// cosine similarity; an ANN-capable vector database can be swapped in behind
// this interface without touching the agent loop.
//
// Search may return fewer than topK fragments (small store, unembedded
// fragments); callers observe the shortfall from the result length. An empty
// result is valid and is treated upstream as weak evidence, never as an error.
type EvidenceStore interface {
	// Insert adds fragments to the store. Fragments without embeddings are
	// stored and excluded from Search until an embedding is attached.
	Insert(frags []Fragment) error

	// Search performs vector similarity search, returning the topK most
	// similar embedded fragments in descending score order.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredFragment, error)

	// GetByIDs returns fragments matching the given IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Fragment, error)

	// UpdateEmbedding attaches an embedding to a stored fragment.
	UpdateEmbedding(id string, vector []float32) error

	// PendingEmbedding returns IDs of fragments stored without embeddings.
	PendingEmbedding(limit int) ([]string, error)

	// Delete removes a fragment by ID.
	Delete(id string) error

	// Count returns the number of stored fragments.
	Count() (int, error)

	// ExportAll returns every fragment in ingestion order.
	// Used for data migration between backends.
	ExportAll() ([]Fragment, error)
}
