// Package agent runs the adaptive retrieval loop: route, retrieve, grade,
// rewrite within a retry budget, then generate a grounded answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nlowen/cited/internal/citation"
	"github.com/nlowen/cited/internal/engine"
	"github.com/nlowen/cited/internal/retrieval"
)

// DefaultMaxRewrites is the retry budget: how many times a request may move
// through the rewrite transition before generation is forced.
const DefaultMaxRewrites = 2

// DefaultTopK is how many fragments a retrieval round asks for.
const DefaultTopK = 3

// EvidenceRetriever embeds a question and returns the best-matching
// fragments. Implemented by retrieval.Retriever.
type EvidenceRetriever interface {
	Retrieve(ctx context.Context, question string, topK int) ([]retrieval.ScoredFragment, error)
}

// Agent is the per-request state machine. It is safe for concurrent use;
// each Ask call owns its own conversation state.
type Agent struct {
	router    *Router
	grader    *Grader
	rewriter  *Rewriter
	generator *Generator
	retriever EvidenceRetriever

	topK        int
	maxRewrites int
	logger      *slog.Logger
}

// Options tunes the loop. A TopK of zero picks the default. MaxRewrites is
// the exact budget, so zero means the first bundle is final; a negative
// value picks the default.
type Options struct {
	TopK        int
	MaxRewrites int
}

// New wires an agent from a chat engine, model and evidence retriever.
func New(e engine.Engine, model string, retriever EvidenceRetriever, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	maxRewrites := opts.MaxRewrites
	if maxRewrites < 0 {
		maxRewrites = DefaultMaxRewrites
	}
	return &Agent{
		router:      NewRouter(e, model, logger),
		grader:      NewGrader(e, model, logger),
		rewriter:    NewRewriter(e, model, logger),
		generator:   NewGenerator(e, model),
		retriever:   retriever,
		topK:        topK,
		maxRewrites: maxRewrites,
		logger:      logger,
	}
}

// Ask runs one question through the loop and returns the answer with the
// citations it is grounded on. Direct answers carry no citations and touch
// the evidence store zero times. When the caller's context deadline expires
// mid-loop the error wraps ErrTimeout.
func (a *Agent) Ask(ctx context.Context, question string) (Result, error) {
	conv := NewConversation(question)

	decision := a.router.Route(ctx, conv)
	if decision.Kind == RouteAnswer {
		a.logger.Debug("answered directly", "question", question)
		conv.Append(Turn{Role: "assistant", Content: decision.Answer})
		return Result{Answer: decision.Answer}, nil
	}

	query := decision.Query
	var (
		citations []citation.Citation
		block     string
	)

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, timeoutOr(err)
		}

		frags, err := a.retriever.Retrieve(ctx, query, a.topK)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, timeoutOr(ctx.Err())
			}
			// A broken store yields an empty bundle; the loop degrades the
			// same way an empty search result does.
			a.logger.Warn("retrieval failed", "query", query, "error", err)
			frags = nil
		}

		citations, block = citation.Format(frags)
		conv.Append(Turn{
			Role:     "tool",
			Content:  block,
			ToolCall: &ToolCall{Query: query, Fragments: len(frags)},
		})

		if a.grader.Grade(ctx, query, block) {
			break
		}
		if ctx.Err() != nil {
			return Result{}, timeoutOr(ctx.Err())
		}

		if conv.rewrites >= a.maxRewrites {
			// Budget exhausted: answer best-effort from the last bundle.
			a.logger.Info("retry budget exhausted, generating from last bundle",
				"question", question, "rewrites", conv.rewrites)
			break
		}

		rewritten := a.rewriter.Rewrite(ctx, query)
		conv.rewrites++
		a.logger.Debug("rewrote question", "from", query, "to", rewritten, "rewrites", conv.rewrites)
		query = rewritten
	}

	answer, err := a.generator.Generate(ctx, question, block, len(citations))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, timeoutOr(ctx.Err())
		}
		return Result{}, fmt.Errorf("generating answer: %w", err)
	}

	conv.Append(Turn{Role: "assistant", Content: answer})
	return Result{Answer: answer, Citations: citations}, nil
}

func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
