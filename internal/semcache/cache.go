// Package semcache is an in-memory semantic response cache: finished answers
// are keyed by the embedding of the question that produced them, and a new
// question whose embedding lands close enough to a stored one is served the
// stored answer without running the loop.
package semcache

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nlowen/cited/internal/citation"
)

// DefaultThreshold is the cosine similarity at or above which a stored entry
// counts as a hit.
const DefaultThreshold = 0.92

// DefaultMaxEntries bounds the cache; the oldest entry by insertion order is
// evicted when full.
const DefaultMaxEntries = 2048

// DefaultTTL is how long an entry stays servable after insertion.
const DefaultTTL = time.Hour

// QueryEmbedder turns a question into an embedding vector. Implemented by
// retrieval.Embedder.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type entry struct {
	question  string
	embedding []float32
	answer    string
	citations []citation.Citation
	createdAt time.Time
	hits      int
}

// Hit is a successful cache lookup.
type Hit struct {
	Answer     string
	Citations  []citation.Citation
	Question   string // the stored question that matched
	Similarity float64
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Entries   int     `json:"entries"`
	Lookups   int64   `json:"lookups"`
	Hits      int64   `json:"hits"`
	Threshold float64 `json:"threshold"`
	MaxSize   int     `json:"max_size"`
}

// Options tunes the cache. Zero values pick the defaults.
type Options struct {
	Threshold  float64
	MaxEntries int
	TTL        time.Duration
}

// Cache holds answered questions and serves semantically close repeats.
// Safe for concurrent use.
type Cache struct {
	embedder  QueryEmbedder
	threshold float64
	max       int
	ttl       time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	entries []entry // insertion order, oldest first
	lookups int64
	hits    int64
}

// New creates a cache over the given query embedder.
func New(embedder QueryEmbedder, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		embedder:  embedder,
		threshold: opts.Threshold,
		max:       opts.MaxEntries,
		ttl:       opts.TTL,
		logger:    logger,
	}
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}
	if c.max <= 0 {
		c.max = DefaultMaxEntries
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	return c
}

// Lookup returns the stored answer for the closest question at or above the
// similarity threshold, or ok=false on a miss. An embedding failure is a
// miss, never an error: the caller falls through to the full loop.
func (c *Cache) Lookup(ctx context.Context, question string) (Hit, bool) {
	vec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		c.logger.Warn("cache lookup embedding failed, treating as miss", "error", err)
		return Hit{}, false
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	c.expire(now)

	best := -1
	bestScore := 0.0
	for i := range c.entries {
		// Entries stored under a different embedding model can have a
		// different dimension; they never match.
		if len(c.entries[i].embedding) != len(vec) {
			continue
		}
		score := cosine(vec, c.entries[i].embedding)
		if score >= c.threshold && score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return Hit{}, false
	}

	c.hits++
	c.entries[best].hits++
	e := c.entries[best]
	return Hit{
		Answer:     e.answer,
		Citations:  e.citations,
		Question:   e.question,
		Similarity: bestScore,
	}, true
}

// Store records an answered question under the embedding of the question as
// originally asked, not any rewritten form of it. Concurrent stores for the
// same question are last-write-wins; both entries are valid answers.
func (c *Cache) Store(ctx context.Context, question, answer string, citations []citation.Citation) error {
	vec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{
		question:  question,
		embedding: vec,
		answer:    answer,
		citations: citations,
		createdAt: time.Now(),
	})
	if over := len(c.entries) - c.max; over > 0 {
		// Shift survivors to the front and zero the freed tail; reslicing
		// from the middle would keep evicted embeddings and answers alive
		// through the shared backing array.
		n := copy(c.entries, c.entries[over:])
		clearTail(c.entries, n)
		c.entries = c.entries[:n]
	}
	return nil
}

// Flush discards every entry. Hit and lookup counters survive a flush.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns current cache statistics.
func (c *Cache) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Lookups:   c.lookups,
		Hits:      c.hits,
		Threshold: c.threshold,
		MaxSize:   c.max,
	}
}

// expire drops entries past their TTL. Caller holds the write lock.
func (c *Cache) expire(now time.Time) {
	cutoff := now.Add(-c.ttl)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.createdAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	clearTail(c.entries, len(kept))
	c.entries = kept
}

// clearTail zeroes entries[from:] so dropped entries are collectable.
func clearTail(entries []entry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = entry{}
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
