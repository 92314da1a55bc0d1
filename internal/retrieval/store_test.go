package retrieval

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE evidence_fragments (
			id         TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			page       INTEGER NOT NULL DEFAULT 0,
			content    TEXT NOT NULL,
			embedding  BLOB,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	return db
}

func insertFragment(t *testing.T, s *SQLiteStore, id string, embedding []float32) {
	t.Helper()
	if err := s.Insert([]Fragment{{
		ID:        id,
		Source:    "doc.md",
		Title:     "Doc",
		Text:      "text for " + id,
		Embedding: embedding,
	}}); err != nil {
		t.Fatalf("inserting %s: %v", id, err)
	}
}

func TestSearch_RanksByCosineSimilarity(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	insertFragment(t, s, "exact", []float32{1, 0, 0})
	insertFragment(t, s, "close", []float32{0.9, 0.1, 0})
	insertFragment(t, s, "far", []float32{0, 1, 0})

	results, err := s.Search(context.Background(), []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != "exact" || results[1].ID != "close" {
		t.Errorf("order = %s, %s; want exact, close", results[0].ID, results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores out of order: %f < %f", results[0].Score, results[1].Score)
	}
	if results[0].Text != "text for exact" {
		t.Errorf("Text = %q, full fragment should be returned", results[0].Text)
	}
}

func TestSearch_SkipsUnembeddedFragments(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	insertFragment(t, s, "embedded", []float32{1, 0})
	insertFragment(t, s, "pending", nil)

	results, err := s.Search(context.Background(), []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "embedded" {
		t.Fatalf("results = %+v, want only the embedded fragment", results)
	}
}

func TestSearch_SkipsDimensionMismatch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	insertFragment(t, s, "threedim", []float32{1, 0, 0})
	insertFragment(t, s, "twodim", []float32{1, 0})

	results, err := s.Search(context.Background(), []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "threedim" {
		t.Fatalf("results = %+v, want only the matching-dimension fragment", results)
	}
}

func TestSearch_EmptyStore(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	results, err := s.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestSearch_FewerThanTopK(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "only", []float32{1, 0})

	results, err := s.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
}

func TestSearch_CanceledContext(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "a", []float32{1, 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Search(ctx, []float32{1, 0}, 5); err == nil {
		t.Fatal("expected error when the context is already canceled")
	}
}

func TestUpdateEmbedding_MakesFragmentSearchable(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "f1", nil)

	if err := s.UpdateEmbedding("f1", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("UpdateEmbedding() error = %v", err)
	}

	results, err := s.Search(context.Background(), []float32{0.5, 0.5}, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "f1" {
		t.Fatalf("results = %+v, want f1", results)
	}
}

func TestPendingEmbedding(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "a", nil)
	insertFragment(t, s, "b", []float32{1})
	insertFragment(t, s, "c", nil)

	ids, err := s.PendingEmbedding(10)
	if err != nil {
		t.Fatalf("PendingEmbedding() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want a and c", ids)
	}
}

func TestGetByIDs(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "a", []float32{1})
	insertFragment(t, s, "b", []float32{0.5})

	frags, err := s.GetByIDs(context.Background(), []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("frags = %d, want 2", len(frags))
	}
	if len(frags[0].Embedding) == 0 {
		t.Error("embeddings should round-trip through the blob encoding")
	}
}

func TestDeleteAndCount(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	insertFragment(t, s, "a", nil)
	insertFragment(t, s, "b", nil)

	if count, err := s.Count(); err != nil || count != 2 {
		t.Fatalf("Count() = %d, %v; want 2", count, err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if count, err := s.Count(); err != nil || count != 1 {
		t.Fatalf("Count() after delete = %d, %v; want 1", count, err)
	}
}

func TestExportAll_PreservesInsertionOrder(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	base := time.Now().UTC()
	for i, id := range []string{"first", "second", "third"} {
		if err := s.Insert([]Fragment{{
			ID:        id,
			Source:    "s",
			Text:      id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}}); err != nil {
			t.Fatalf("inserting %s: %v", id, err)
		}
	}

	frags, err := s.ExportAll()
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("frags = %d, want 3", len(frags))
	}
	if frags[0].ID != "first" || frags[2].ID != "third" {
		t.Errorf("order = %s..%s, want first..third", frags[0].ID, frags[2].ID)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0.1, -2.5, 1e10, 0}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestDecodeFloat32s_TruncatedBlob(t *testing.T) {
	blob := encodeFloat32s([]float32{1, 2})
	if _, err := decodeFloat32s(blob[:5]); err == nil {
		t.Error("expected error for truncated blob")
	}
}
