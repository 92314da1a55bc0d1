// Package api exposes the question-answering loop over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nlowen/cited/internal/agent"
	"github.com/nlowen/cited/internal/citation"
	"github.com/nlowen/cited/internal/retrieval"
	"github.com/nlowen/cited/internal/semcache"
	"github.com/nlowen/cited/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// DefaultChatTimeout bounds a chat request when the client does not ask for
// a specific budget.
const DefaultChatTimeout = 60 * time.Second

// maxChatTimeout caps client-requested budgets.
const maxChatTimeout = 300 * time.Second

// Asker answers one question. Implemented by agent.Agent.
type Asker interface {
	Ask(ctx context.Context, question string) (agent.Result, error)
}

// ResponseCache is the semantic cache surface the API needs.
type ResponseCache interface {
	Lookup(ctx context.Context, question string) (semcache.Hit, bool)
	Store(ctx context.Context, question, answer string, citations []citation.Citation) error
	Flush()
	Snapshot() semcache.Stats
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Agent     Asker
	Cache     ResponseCache
	Store     *storage.Store
	Fragments retrieval.EvidenceStore
	Enqueue   func(fragmentID string) error // queue background embedding; nil disables
	Token     string
	Logger    *slog.Logger
}

// NewAppHandler returns the HTTP API. Chat, health and cache stats are open;
// fragment loading, the interaction log and cache flushing require the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/v1/chat", handleChat(deps))
	r.Get("/v1/cache/stats", handleCacheStats(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/v1/fragments/count", handleFragmentCount(deps))
		r.Delete("/v1/cache", handleCacheFlush(deps))
		r.Post("/v1/fragments", handleLoadFragments(deps))
		r.Get("/v1/interactions", handleListInteractions(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Fragments.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting fragments: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"fragments": count,
		})
	}
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message  string  `json:"message"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	TraceID   string              `json:"trace_id"`
	Answer    string              `json:"answer"`
	Citations []citation.Citation `json:"citations"`
	Cached    bool                `json:"cached"`
	LatencyMs int64               `json:"latency_ms"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		timeout := DefaultChatTimeout
		if req.TimeoutS > 0 {
			timeout = time.Duration(req.TimeoutS * float64(time.Second))
			if timeout > maxChatTimeout {
				timeout = maxChatTimeout
			}
		}

		traceID := uuid.NewString()
		logger := deps.Logger.With("trace_id", traceID)
		start := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if hit, ok := deps.Cache.Lookup(ctx, req.Message); ok {
			logger.Info("cache hit", "question", req.Message, "matched", hit.Question, "similarity", hit.Similarity)
			resp := ChatResponse{
				TraceID:   traceID,
				Answer:    hit.Answer,
				Citations: emptyIfNil(hit.Citations),
				Cached:    true,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			recordInteraction(deps, logger, traceID, req.Message, resp, "cached")
			writeJSON(w, http.StatusOK, resp)
			return
		}

		result, err := deps.Agent.Ask(ctx, req.Message)
		if err != nil {
			switch {
			case errors.Is(err, agent.ErrTimeout):
				logger.Warn("chat timed out", "question", req.Message, "timeout", timeout)
				httpError(w, http.StatusGatewayTimeout, "timeout_error", "request exceeded %s budget", timeout)
			default:
				logger.Error("chat failed", "question", req.Message, "error", err)
				httpError(w, http.StatusBadGateway, "api_error", "failed to answer: %v", err)
			}
			return
		}

		resp := ChatResponse{
			TraceID:   traceID,
			Answer:    result.Answer,
			Citations: emptyIfNil(result.Citations),
			Cached:    false,
			LatencyMs: time.Since(start).Milliseconds(),
		}

		// Cache under the question as asked; timeouts and failures above
		// never reach this point, so only full answers are cached.
		if err := deps.Cache.Store(ctx, req.Message, result.Answer, result.Citations); err != nil {
			logger.Warn("caching answer failed", "error", err)
		}
		recordInteraction(deps, logger, traceID, req.Message, resp, "answered")
		logger.Info("chat answered", "question", req.Message, "citations", len(resp.Citations), "latency_ms", resp.LatencyMs)

		writeJSON(w, http.StatusOK, resp)
	}
}

func recordInteraction(deps AppDeps, logger *slog.Logger, traceID, question string, resp ChatResponse, status string) {
	citationsJSON, err := json.Marshal(resp.Citations)
	if err != nil {
		logger.Warn("encoding citations failed", "error", err)
		citationsJSON = []byte("[]")
	}
	if err := deps.Store.SaveInteraction(storage.Interaction{
		ID:            traceID,
		Question:      question,
		Answer:        resp.Answer,
		CitationsJSON: string(citationsJSON),
		Cached:        resp.Cached,
		LatencyMs:     resp.LatencyMs,
		Status:        status,
	}); err != nil {
		logger.Warn("recording interaction failed", "error", err)
	}
}

func handleCacheStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Cache.Snapshot())
	}
}

func handleCacheFlush(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Cache.Flush()
		writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
	}
}

// LoadFragmentsRequest is the body of POST /v1/fragments. Fragments arrive
// pre-chunked; embeddings are optional and are computed in the background
// when absent.
type LoadFragmentsRequest struct {
	Fragments []FragmentInput `json:"fragments"`
}

type FragmentInput struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Page      int       `json:"page"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

func handleLoadFragments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 10<<20) // bulk loads
		defer r.Body.Close()

		var req LoadFragmentsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Fragments) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fragments is required")
			return
		}

		frags := make([]retrieval.Fragment, 0, len(req.Fragments))
		var pending []string
		for i, in := range req.Fragments {
			if in.Text == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "fragments[%d].text is required", i)
				return
			}
			if in.Source == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "fragments[%d].source is required", i)
				return
			}
			id := in.ID
			if id == "" {
				id = uuid.NewString()
			}
			frags = append(frags, retrieval.Fragment{
				ID:        id,
				Source:    in.Source,
				Title:     in.Title,
				Page:      in.Page,
				Text:      in.Text,
				Embedding: in.Embedding,
			})
			if len(in.Embedding) == 0 {
				pending = append(pending, id)
			}
		}

		if err := deps.Fragments.Insert(frags); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing fragments: %v", err)
			return
		}

		queued := 0
		if deps.Enqueue != nil {
			for _, id := range pending {
				if err := deps.Enqueue(id); err != nil {
					deps.Logger.Warn("queueing embedding failed", "fragment", id, "error", err)
					continue
				}
				queued++
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"loaded": len(frags),
			"queued": queued,
		})
	}
}

func handleFragmentCount(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Fragments.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting fragments: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
	}
}

// interactionView is the wire projection of a logged interaction.
type interactionView struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Question  string          `json:"question"`
	Answer    string          `json:"answer"`
	Citations json.RawMessage `json:"citations"`
	Cached    bool            `json:"cached"`
	LatencyMs int64           `json:"latency_ms"`
	Status    string          `json:"status"`
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
		}
		interactions, err := deps.Store.GetRecentInteractions(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing interactions: %v", err)
			return
		}
		views := make([]interactionView, 0, len(interactions))
		for _, i := range interactions {
			citations := json.RawMessage(i.CitationsJSON)
			if !json.Valid(citations) {
				citations = json.RawMessage("[]")
			}
			views = append(views, interactionView{
				ID:        i.ID,
				CreatedAt: i.CreatedAt,
				Question:  i.Question,
				Answer:    i.Answer,
				Citations: citations,
				Cached:    i.Cached,
				LatencyMs: i.LatencyMs,
				Status:    i.Status,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"interactions": views})
	}
}

func emptyIfNil(c []citation.Citation) []citation.Citation {
	if c == nil {
		return []citation.Citation{}
	}
	return c
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
