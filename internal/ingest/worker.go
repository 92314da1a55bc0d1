// Package ingest runs the background embedding worker: fragments loaded
// without vectors are embedded asynchronously through the job queue so the
// load endpoint stays fast.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nlowen/cited/internal/retrieval"
	"github.com/nlowen/cited/internal/storage"
)

// JobEmbedFragment embeds one fragment that was loaded without a vector.
const JobEmbedFragment = "embed_fragment"

// EmbedFragmentPayload is the payload for JobEmbedFragment jobs.
type EmbedFragmentPayload struct {
	FragmentID string `json:"fragment_id"`
}

// ContentEmbedder embeds fragment text. Implemented by retrieval.Embedder.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Worker polls the job queue and embeds pending fragments.
type Worker struct {
	jobs      *storage.Store
	fragments retrieval.EvidenceStore
	embedder  ContentEmbedder
	interval  time.Duration
	logger    *slog.Logger
}

// NewWorker creates a worker polling at the given interval. A zero interval
// defaults to two seconds.
func NewWorker(jobs *storage.Store, fragments retrieval.EvidenceStore, embedder ContentEmbedder, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:      jobs,
		fragments: fragments,
		embedder:  embedder,
		interval:  interval,
		logger:    logger,
	}
}

// Run polls until the context is canceled. Between polls it drains the queue
// so a burst of loaded fragments is embedded back to back.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes claimable jobs until the queue is empty or the context is
// canceled.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("job processing failed", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed; a failed job is rescheduled with backoff and still counts as
// processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobEmbedFragment})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("recording job failure: %w", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job: %w", err)
	}
	w.logger.Debug("job completed", "job", job.ID, "type", job.Type)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload EmbedFragmentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	if payload.FragmentID == "" {
		return fmt.Errorf("payload missing fragment_id")
	}

	frags, err := w.fragments.GetByIDs(ctx, []string{payload.FragmentID})
	if err != nil {
		return fmt.Errorf("loading fragment %s: %w", payload.FragmentID, err)
	}
	if len(frags) == 0 {
		// Deleted before the worker got to it; nothing to embed.
		w.logger.Debug("fragment gone, skipping", "fragment", payload.FragmentID)
		return nil
	}
	frag := frags[0]
	if len(frag.Embedding) > 0 {
		return nil
	}

	vec, err := w.embedder.Embed(ctx, frag.Text)
	if err != nil {
		return fmt.Errorf("embedding fragment %s: %w", frag.ID, err)
	}
	if err := w.fragments.UpdateEmbedding(frag.ID, vec); err != nil {
		return fmt.Errorf("storing embedding for %s: %w", frag.ID, err)
	}
	return nil
}

// Enqueue queues an embedding job for one fragment.
func Enqueue(jobs *storage.Store, fragmentID string) error {
	payload, err := json.Marshal(EmbedFragmentPayload{FragmentID: fragmentID})
	if err != nil {
		return err
	}
	return jobs.EnqueueJob(storage.Job{ID: uuid.NewString(), Type: JobEmbedFragment, PayloadJSON: string(payload)})
}

// EnqueuePending scans for fragments without embeddings and queues a job for
// each. Used at startup to pick up work left over from a previous run.
func (w *Worker) EnqueuePending(limit int) (int, error) {
	ids, err := w.fragments.PendingEmbedding(limit)
	if err != nil {
		return 0, fmt.Errorf("listing pending fragments: %w", err)
	}
	queued := 0
	for _, id := range ids {
		payload, err := json.Marshal(EmbedFragmentPayload{FragmentID: id})
		if err != nil {
			return queued, err
		}
		if err := w.jobs.EnqueueJob(storage.Job{ID: uuid.NewString(), Type: JobEmbedFragment, PayloadJSON: string(payload)}); err != nil {
			return queued, fmt.Errorf("queueing fragment %s: %w", id, err)
		}
		queued++
	}
	return queued, nil
}
