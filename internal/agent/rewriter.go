package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlowen/cited/internal/engine"
)

const rewritePromptFormat = `A search with the question below returned evidence that was judged
not relevant. Look at the question and reason about its underlying
semantic intent, then reformulate it as a better search question.

Original question:
%s

Reply with the improved question only, no preamble.`

// Rewriter reformulates a question after a failed grading round.
type Rewriter struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewRewriter creates a rewriter backed by the given chat model.
func NewRewriter(e engine.Engine, model string, logger *slog.Logger) *Rewriter {
	return &Rewriter{engine: e, model: model, logger: logger}
}

// Rewrite returns a reformulated version of the question. On model failure
// or empty output it returns the input unchanged; the caller still charges
// the retry budget so a broken rewriter cannot loop forever.
func (rw *Rewriter) Rewrite(ctx context.Context, question string) string {
	msgs := []engine.Message{
		{Role: "user", Content: fmt.Sprintf(rewritePromptFormat, question)},
	}

	raw, err := rw.engine.Chat(ctx, rw.model, msgs, nil)
	if err != nil {
		rw.logger.Warn("rewrite call failed, keeping question", "error", err)
		return question
	}

	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if rewritten == "" {
		return question
	}
	return rewritten
}
