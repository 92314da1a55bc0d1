package retrieval

import "time"

// Fragment is one retrievable unit of source text with provenance metadata.
// The ID is assigned at ingestion time (chunk identifier from the ETL output,
// or a generated one for fragments loaded without IDs) and is stable across
// runs against an unchanged store.
type Fragment struct {
	ID        string
	Source    string // URL or file path the text came from
	Title     string // optional
	Page      int    // 1-based PDF page; 0 when not applicable
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredFragment is a Fragment with a cosine similarity score attached.
type ScoredFragment struct {
	Fragment
	Score float32
}
