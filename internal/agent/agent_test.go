package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nlowen/cited/internal/engine"
	"github.com/nlowen/cited/internal/retrieval"
)

// fakeEngine scripts the chat calls the loop makes. It tells the call kinds
// apart the same way the backend would: structured calls by their schema,
// free-text calls by their prompt.
type fakeEngine struct {
	routeResp    string
	gradeResps   []string
	rewriteResps []string
	generateResp string
	generateErr  error

	routeCalls    int
	gradeCalls    int
	rewriteCalls  int
	generateCalls int

	lastGeneratePrompt string
}

func (f *fakeEngine) Chat(ctx context.Context, model string, msgs []engine.Message, schema *engine.Schema) (string, error) {
	if schema != nil {
		if _, ok := schema.Properties["action"]; ok {
			f.routeCalls++
			return f.routeResp, nil
		}
		if _, ok := schema.Properties["relevant"]; ok {
			f.gradeCalls++
			if len(f.gradeResps) == 0 {
				return `{"relevant":"no"}`, nil
			}
			resp := f.gradeResps[0]
			f.gradeResps = f.gradeResps[1:]
			return resp, nil
		}
		return "", errors.New("unexpected schema")
	}

	prompt := msgs[len(msgs)-1].Content
	if strings.Contains(prompt, "Evidence:") {
		f.generateCalls++
		f.lastGeneratePrompt = prompt
		return f.generateResp, f.generateErr
	}
	f.rewriteCalls++
	if len(f.rewriteResps) == 0 {
		return "rewritten question", nil
	}
	resp := f.rewriteResps[0]
	f.rewriteResps = f.rewriteResps[1:]
	return resp, nil
}

func (f *fakeEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEngine) IsRunning(ctx context.Context) bool { return true }

func (f *fakeEngine) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeEngine) HasModel(ctx context.Context, name string) bool { return true }

func (f *fakeEngine) PullModel(ctx context.Context, name string, onProgress func(engine.PullProgress)) error {
	return nil
}

type fakeRetriever struct {
	frags   []retrieval.ScoredFragment
	err     error
	calls   int
	queries []string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, question string, topK int) ([]retrieval.ScoredFragment, error) {
	f.calls++
	f.queries = append(f.queries, question)
	return f.frags, f.err
}

func testFragments() []retrieval.ScoredFragment {
	return []retrieval.ScoredFragment{
		{Fragment: retrieval.Fragment{ID: "frag-1", Source: "manual.pdf", Title: "Manual", Page: 3, Text: "The warranty covers two years."}, Score: 0.91},
		{Fragment: retrieval.Fragment{ID: "frag-2", Source: "faq.md", Title: "FAQ", Text: "Returns are accepted within 30 days."}, Score: 0.85},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(e *fakeEngine, r *fakeRetriever, opts Options) *Agent {
	return New(e, "test-model", r, opts, quietLogger())
}

func TestAsk_DirectAnswerSkipsRetrieval(t *testing.T) {
	eng := &fakeEngine{routeResp: `{"action":"answer","answer":"Hello there!"}`}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	res, err := a.Ask(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Answer != "Hello there!" {
		t.Errorf("Answer = %q, want %q", res.Answer, "Hello there!")
	}
	if len(res.Citations) != 0 {
		t.Errorf("Citations = %d, want 0", len(res.Citations))
	}
	if ret.calls != 0 {
		t.Errorf("retriever calls = %d, want 0", ret.calls)
	}
	if eng.gradeCalls != 0 || eng.generateCalls != 0 {
		t.Errorf("grade/generate calls = %d/%d, want 0/0", eng.gradeCalls, eng.generateCalls)
	}
}

func TestAsk_RelevantFirstRound(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"warranty duration"}`,
		gradeResps:   []string{`{"relevant":"yes"}`},
		generateResp: "The warranty lasts two years [1].",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	res, err := a.Ask(context.Background(), "how long is the warranty?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if ret.calls != 1 {
		t.Errorf("retriever calls = %d, want 1", ret.calls)
	}
	if ret.queries[0] != "warranty duration" {
		t.Errorf("retrieval query = %q, want router's query", ret.queries[0])
	}
	if len(res.Citations) != 2 {
		t.Fatalf("Citations = %d, want 2", len(res.Citations))
	}
	if res.Citations[0].FragmentID != "frag-1" {
		t.Errorf("Citations[0].FragmentID = %q, want frag-1", res.Citations[0].FragmentID)
	}
	if res.Answer != "The warranty lasts two years [1]." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if eng.rewriteCalls != 0 {
		t.Errorf("rewrite calls = %d, want 0", eng.rewriteCalls)
	}
}

func TestAsk_RetryBudgetBoundsRewrites(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		gradeResps:   nil, // every grade returns "no"
		rewriteResps: []string{"first rewrite", "second rewrite"},
		generateResp: "Best effort answer.",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{MaxRewrites: 2})

	res, err := a.Ask(context.Background(), "unanswerable")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if eng.rewriteCalls != 2 {
		t.Errorf("rewrite calls = %d, want 2", eng.rewriteCalls)
	}
	// One retrieval per attempt: the initial round plus one per rewrite.
	if ret.calls != 3 {
		t.Errorf("retriever calls = %d, want 3", ret.calls)
	}
	if ret.queries[2] != "second rewrite" {
		t.Errorf("final retrieval query = %q, want last rewrite", ret.queries[2])
	}
	// Budget exhaustion still produces an answer, cited from the last bundle.
	if res.Answer != "Best effort answer." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Citations) != 2 {
		t.Errorf("Citations = %d, want 2", len(res.Citations))
	}
	if eng.generateCalls != 1 {
		t.Errorf("generate calls = %d, want 1", eng.generateCalls)
	}
}

func TestAsk_ZeroRewriteBudget(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		gradeResps:   nil, // every grade returns "no"
		generateResp: "First bundle is all you get.",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{MaxRewrites: 0})

	res, err := a.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	// A zero budget means the first bundle is final: no rewrites, one
	// retrieval, still a best-effort answer.
	if eng.rewriteCalls != 0 {
		t.Errorf("rewrite calls = %d, want 0", eng.rewriteCalls)
	}
	if ret.calls != 1 {
		t.Errorf("retriever calls = %d, want 1", ret.calls)
	}
	if res.Answer != "First bundle is all you get." {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestAsk_NegativeMaxRewritesPicksDefault(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		gradeResps:   nil,
		generateResp: "Best effort answer.",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{MaxRewrites: -1})

	if _, err := a.Ask(context.Background(), "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if eng.rewriteCalls != DefaultMaxRewrites {
		t.Errorf("rewrite calls = %d, want %d", eng.rewriteCalls, DefaultMaxRewrites)
	}
}

func TestAsk_MalformedRouteOutputRetrieves(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `not json at all`,
		gradeResps:   []string{`{"relevant":"yes"}`},
		generateResp: "Grounded answer [1].",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	if _, err := a.Ask(context.Background(), "what is the refund policy?"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if ret.calls != 1 {
		t.Fatalf("retriever calls = %d, want 1", ret.calls)
	}
	if ret.queries[0] != "what is the refund policy?" {
		t.Errorf("retrieval query = %q, want original question", ret.queries[0])
	}
}

func TestAsk_MalformedGradeOutputFailsClosed(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		gradeResps:   []string{`{{{broken`, `{"relevant":"yes"}`},
		generateResp: "Answer after recovery.",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{MaxRewrites: 2})

	if _, err := a.Ask(context.Background(), "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	// The malformed grade counts as not relevant and costs a rewrite.
	if eng.rewriteCalls != 1 {
		t.Errorf("rewrite calls = %d, want 1", eng.rewriteCalls)
	}
	if ret.calls != 2 {
		t.Errorf("retriever calls = %d, want 2", ret.calls)
	}
}

func TestAsk_EmptyBundleSkipsGradeCall(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		generateResp: "Nothing in the corpus matches this.",
	}
	ret := &fakeRetriever{} // zero fragments every round
	a := newTestAgent(eng, ret, Options{MaxRewrites: 1})

	res, err := a.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if eng.gradeCalls != 0 {
		t.Errorf("grade calls = %d, want 0 for empty bundles", eng.gradeCalls)
	}
	if len(res.Citations) != 0 {
		t.Errorf("Citations = %d, want 0", len(res.Citations))
	}
}

func TestAsk_RetrievalFailureDegradesToEmptyBundle(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		generateResp: "Answer without evidence.",
	}
	ret := &fakeRetriever{err: errors.New("store offline")}
	a := newTestAgent(eng, ret, Options{MaxRewrites: 1})

	res, err := a.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Answer == "" {
		t.Error("expected a best-effort answer")
	}
	if len(res.Citations) != 0 {
		t.Errorf("Citations = %d, want 0", len(res.Citations))
	}
}

func TestAsk_GenerationFailure(t *testing.T) {
	eng := &fakeEngine{
		routeResp:   `{"action":"retrieve","query":"q"}`,
		gradeResps:  []string{`{"relevant":"yes"}`},
		generateErr: errors.New("model crashed"),
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	_, err := a.Ask(context.Background(), "q")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("Ask() error = %v, want ErrGeneration", err)
	}
	if eng.generateCalls != 1 {
		t.Errorf("generate calls = %d, want 1 (no generation retries)", eng.generateCalls)
	}
}

func TestAsk_DeadlineMapsToTimeout(t *testing.T) {
	eng := &fakeEngine{routeResp: `{"action":"retrieve","query":"q"}`}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := a.Ask(ctx, "q")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Ask() error = %v, want ErrTimeout", err)
	}
}

func TestAsk_GenerateCitesOriginalQuestion(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"rewritten search terms"}`,
		gradeResps:   []string{`{"relevant":"yes"}`},
		generateResp: "Answer [1].",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	if _, err := a.Ask(context.Background(), "what the user actually asked"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !strings.Contains(eng.lastGeneratePrompt, "what the user actually asked") {
		t.Error("generation prompt should carry the original question")
	}
}

func TestAsk_SanitizesOutOfRangeRefs(t *testing.T) {
	eng := &fakeEngine{
		routeResp:    `{"action":"retrieve","query":"q"}`,
		gradeResps:   []string{`{"relevant":"yes"}`},
		generateResp: "Supported [1] and invented [7].",
	}
	ret := &fakeRetriever{frags: testFragments()}
	a := newTestAgent(eng, ret, Options{})

	res, err := a.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if strings.Contains(res.Answer, "[7]") {
		t.Errorf("Answer = %q, out-of-range ref should be removed", res.Answer)
	}
	if !strings.Contains(res.Answer, "[1]") {
		t.Errorf("Answer = %q, in-range ref should survive", res.Answer)
	}
}
