package agent

import (
	"errors"

	"github.com/nlowen/cited/internal/citation"
	"github.com/nlowen/cited/internal/engine"
)

// ErrTimeout is returned when the caller-supplied deadline expires before the
// loop produces an answer. Distinct from generation failure so callers can
// tell "took too long" from "could not answer".
var ErrTimeout = errors.New("request timed out")

// ErrGeneration is returned when the answer generator fails or produces an
// empty answer. The loop never retries generation; only retrieval is retried.
var ErrGeneration = errors.New("answer generation failed")

// Turn is one entry in the per-request conversation log.
type Turn struct {
	Role     string // "user", "assistant", "tool"
	Content  string
	ToolCall *ToolCall // set on turns that invoked the retrieval tool
}

// ToolCall records a retrieval invocation attached to a turn.
type ToolCall struct {
	Query     string
	Fragments int // fragments returned
}

// Conversation is the ordered turn log for a single request. It is owned by
// the state machine running that request and never shared across requests.
type Conversation struct {
	turns    []Turn
	rewrites int
}

// NewConversation starts a conversation with the user's question.
func NewConversation(question string) *Conversation {
	return &Conversation{turns: []Turn{{Role: "user", Content: question}}}
}

// Append adds a turn to the log.
func (c *Conversation) Append(t Turn) {
	c.turns = append(c.turns, t)
}

// Turns returns the turn log.
func (c *Conversation) Turns() []Turn {
	return c.turns
}

// Question returns the original user question (the first turn).
func (c *Conversation) Question() string {
	return c.turns[0].Content
}

// Rewrites returns how many rewrite transitions this request has taken.
func (c *Conversation) Rewrites() int {
	return c.rewrites
}

// Messages renders the conversation as chat messages for a judgment call.
func (c *Conversation) Messages() []engine.Message {
	msgs := make([]engine.Message, 0, len(c.turns))
	for _, t := range c.turns {
		role := t.Role
		if role == "tool" {
			// Engines without a native tool role see retrieval output as a
			// user-visible context message.
			role = "user"
		}
		msgs = append(msgs, engine.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// RouteKind discriminates the router's decision.
type RouteKind int

const (
	// RouteRetrieve means external evidence is needed before answering.
	RouteRetrieve RouteKind = iota
	// RouteAnswer means the question is answerable directly, no retrieval.
	RouteAnswer
)

// RouteDecision is the tagged result of the ROUTE step: either a retrieval
// request with a search query, or a direct answer.
type RouteDecision struct {
	Kind   RouteKind
	Query  string // set when Kind == RouteRetrieve
	Answer string // set when Kind == RouteAnswer
}

// Result is the outcome of one request through the loop.
type Result struct {
	Answer    string
	Citations []citation.Citation
	Cached    bool
}
