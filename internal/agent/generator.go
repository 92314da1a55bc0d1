package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlowen/cited/internal/citation"
	"github.com/nlowen/cited/internal/engine"
)

const generatePromptFormat = `You are an assistant that answers questions using only the evidence
provided below. Each evidence block is numbered. When a statement in your
answer is supported by a block, mark it with the block number in square
brackets, like [1] or [2]. Do not cite numbers that are not in the evidence.
If the evidence does not fully answer the question, answer as best you can
from what is there and say what is missing.

Question:
%s

Evidence:
%s`

// Generator produces the final grounded answer from an evidence bundle.
type Generator struct {
	engine engine.Engine
	model  string
}

// NewGenerator creates a generator backed by the given chat model.
func NewGenerator(e engine.Engine, model string) *Generator {
	return &Generator{engine: e, model: model}
}

// Generate answers the question from the evidence bundle. Inline references
// are sanitized so every [n] that survives resolves into the bundle. A model
// error or empty answer is a generation failure; generation is never retried.
func (g *Generator) Generate(ctx context.Context, question, contextBlock string, bundleSize int) (string, error) {
	msgs := []engine.Message{
		{Role: "user", Content: fmt.Sprintf(generatePromptFormat, question, contextBlock)},
	}

	raw, err := g.engine.Chat(ctx, g.model, msgs, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", fmt.Errorf("%w: model returned empty answer", ErrGeneration)
	}

	return citation.SanitizeRefs(answer, bundleSize), nil
}
