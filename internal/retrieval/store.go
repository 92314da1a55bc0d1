package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements EvidenceStore.
var _ EvidenceStore = (*SQLiteStore)(nil)

// SQLiteStore provides fragment storage and brute-force cosine similarity
// search backed by SQLite. This is the default EvidenceStore implementation;
// it is adequate up to roughly 100K fragments, after which an ANN-backed
// store should replace it behind the same interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for fragment operations.
// The evidence_fragments table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds fragments to the evidence_fragments table.
func (s *SQLiteStore) Insert(frags []Fragment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO evidence_fragments (id, source, title, page, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range frags {
		var blob []byte
		if len(f.Embedding) > 0 {
			blob = encodeFloat32s(f.Embedding)
		}
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(f.ID, f.Source, f.Title, f.Page, f.Text, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting fragment %s: %w", f.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full fragment details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over all embedded
// fragments, returning the top-K most similar in descending score order.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredFragment, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM evidence_fragments WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			// Dimension mismatch means the fragment was embedded with a
			// different model; skip it rather than poisoning the scores.
			continue
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full fragments only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	frags, err := s.GetByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Fragment, len(frags))
	for _, f := range frags {
		byID[f.ID] = f
	}

	result := make([]ScoredFragment, 0, len(topIDs))
	for _, id := range topIDs {
		f, ok := byID[id]
		if !ok {
			continue
		}
		result = append(result, ScoredFragment{Fragment: f, Score: scores[id]})
	}
	return result, nil
}

// GetByIDs returns fragments matching the given IDs.
func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []string) ([]Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}

	query := `SELECT id, source, title, page, content, embedding, created_at
		FROM evidence_fragments WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

// UpdateEmbedding attaches an embedding to a stored fragment.
func (s *SQLiteStore) UpdateEmbedding(id string, vector []float32) error {
	res, err := s.db.Exec(`UPDATE evidence_fragments SET embedding = ? WHERE id = ?`, encodeFloat32s(vector), id)
	if err != nil {
		return fmt.Errorf("updating embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fragment %s not found", id)
	}
	return nil
}

// PendingEmbedding returns IDs of fragments stored without embeddings, in
// ingestion order.
func (s *SQLiteStore) PendingEmbedding(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id FROM evidence_fragments WHERE embedding IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending fragments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a fragment by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM evidence_fragments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting fragment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fragment %s not found", id)
	}
	return nil
}

// Count returns the number of stored fragments.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM evidence_fragments").Scan(&count)
	return count, err
}

// ExportAll returns every fragment in ingestion order.
func (s *SQLiteStore) ExportAll() ([]Fragment, error) {
	rows, err := s.db.Query(`
		SELECT id, source, title, page, content, embedding, created_at
		FROM evidence_fragments ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all fragments: %w", err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

func scanFragments(rows *sql.Rows) ([]Fragment, error) {
	var frags []Fragment
	for rows.Next() {
		var f Fragment
		var blob []byte
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Source, &f.Title, &f.Page, &f.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning fragment: %w", err)
		}
		if len(blob) > 0 {
			embedding, err := decodeFloat32s(blob)
			if err != nil {
				return nil, fmt.Errorf("decoding embedding for %s: %w", f.ID, err)
			}
			f.Embedding = embedding
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for fragment %s: %w", f.ID, err)
		}
		f.CreatedAt = t
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity between the query vector and a
// candidate, given the precomputed query norm.
func dotProduct(query, candidate []float32, queryNorm float32) float32 {
	var dot, candSum float64
	for i := range query {
		dot += float64(query[i]) * float64(candidate[i])
		candSum += float64(candidate[i]) * float64(candidate[i])
	}
	candNorm := math.Sqrt(candSum)
	if candNorm == 0 {
		return 0
	}
	return float32(dot / (float64(queryNorm) * candNorm))
}

// idScoreHeap is a min-heap of idScore by score, used to keep the running
// top-K during the scan phase.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
