package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlowen/cited/internal/engine"
)

const graderPromptFormat = `You are grading whether retrieved evidence is relevant to a question.

Question:
%s

Retrieved evidence:
%s

Answer "yes" if the evidence contains information that helps answer the
question, "no" otherwise.`

var gradeSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"relevant": {
			Type:        "string",
			Description: "yes if the evidence helps answer the question, no otherwise",
			Enum:        []string{"yes", "no"},
		},
	},
	Required: []string{"relevant"},
}

type gradeResponse struct {
	Relevant string `json:"relevant"`
}

// Grader judges whether an evidence bundle is relevant to a question.
type Grader struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewGrader creates a grader backed by the given chat model.
func NewGrader(e engine.Engine, model string, logger *slog.Logger) *Grader {
	return &Grader{engine: e, model: model, logger: logger}
}

// Grade returns true when the evidence bundle is relevant to the question.
// It fails closed: an empty bundle, a model error, or malformed output all
// grade as not relevant, so bad grader behavior costs a rewrite rather than
// an answer built on junk evidence.
func (g *Grader) Grade(ctx context.Context, question, contextBlock string) bool {
	if strings.TrimSpace(contextBlock) == "" {
		return false
	}

	msgs := []engine.Message{
		{Role: "user", Content: fmt.Sprintf(graderPromptFormat, question, contextBlock)},
	}

	raw, err := g.engine.Chat(ctx, g.model, msgs, gradeSchema)
	if err != nil {
		g.logger.Warn("grade call failed, treating as not relevant", "error", err)
		return false
	}

	var resp gradeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		g.logger.Warn("grade output malformed, treating as not relevant", "error", err)
		return false
	}

	return strings.EqualFold(strings.TrimSpace(resp.Relevant), "yes")
}
