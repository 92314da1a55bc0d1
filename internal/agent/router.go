package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nlowen/cited/internal/engine"
)

const routerSystemPrompt = `You decide how to handle a user question.

If the question needs facts, documents, or anything you are not certain about,
set action to "retrieve" and write a focused search query in the query field.

If the question is small talk, a greeting, or something you can answer with
full confidence from general knowledge alone, set action to "answer" and write
the complete answer in the answer field.

When in doubt, retrieve.`

var routeSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"action": {
			Type:        "string",
			Description: "retrieve to search for evidence, answer to reply directly",
			Enum:        []string{"retrieve", "answer"},
		},
		"query": {
			Type:        "string",
			Description: "search query, required when action is retrieve",
		},
		"answer": {
			Type:        "string",
			Description: "complete answer, required when action is answer",
		},
	},
	Required: []string{"action"},
}

type routeResponse struct {
	Action string `json:"action"`
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

// Router makes the single-shot entry decision for each request: retrieve
// evidence or answer directly.
type Router struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewRouter creates a router backed by the given chat model.
func NewRouter(e engine.Engine, model string, logger *slog.Logger) *Router {
	return &Router{engine: e, model: model, logger: logger}
}

// Route decides the entry path for a conversation. It never fails: any model
// error or malformed output falls back to retrieving with the original
// question, which is the conservative path.
func (r *Router) Route(ctx context.Context, conv *Conversation) RouteDecision {
	question := conv.Question()
	fallback := RouteDecision{Kind: RouteRetrieve, Query: question}

	msgs := append([]engine.Message{
		{Role: "system", Content: routerSystemPrompt},
	}, conv.Messages()...)

	raw, err := r.engine.Chat(ctx, r.model, msgs, routeSchema)
	if err != nil {
		r.logger.Warn("route call failed, defaulting to retrieval", "error", err)
		return fallback
	}

	var resp routeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		r.logger.Warn("route output malformed, defaulting to retrieval", "error", err)
		return fallback
	}

	switch resp.Action {
	case "answer":
		answer := strings.TrimSpace(resp.Answer)
		if answer == "" {
			return fallback
		}
		return RouteDecision{Kind: RouteAnswer, Answer: answer}
	case "retrieve":
		query := strings.TrimSpace(resp.Query)
		if query == "" {
			query = question
		}
		return RouteDecision{Kind: RouteRetrieve, Query: query}
	default:
		r.logger.Warn("route output unrecognized, defaulting to retrieval", "action", resp.Action)
		return fallback
	}
}
