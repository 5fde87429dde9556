package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

// scriptedJSON routes CompleteJSON calls to canned responses by a prompt
// marker, so one fake LLM can serve every pipeline stage.
func scriptedJSON(routes map[string]string) func(string) (string, error) {
	return func(prompt string) (string, error) {
		for marker, response := range routes {
			if strings.Contains(prompt, marker) {
				return response, nil
			}
		}
		return "", fmt.Errorf("no scripted response for prompt %q", prompt[:min(len(prompt), 60)])
	}
}

type pipelineFixture struct {
	llm      *fakeLLM
	vector   *fakeVector
	lexical  *fakeLexical
	reranker *fakeReranker
	store    *fakeStore
	audit    *fakeAudit
	pipeline *Pipeline
}

func newPipelineFixture(llm *fakeLLM, budget domain.RetryBudget) *pipelineFixture {
	f := &pipelineFixture{
		llm:      llm,
		vector:   &fakeVector{},
		lexical:  &fakeLexical{results: map[string][]domain.SourceCandidate{}},
		reranker: &fakeReranker{scores: map[string]float64{}},
		store:    &fakeStore{},
		audit:    &fakeAudit{},
	}

	understander := NewUnderstander(llm)
	orchestrator := NewOrchestrator(f.vector, f.lexical, f.reranker, &fakeEmbedder{err: fmt.Errorf("no embeddings")}, llm, testOrchestratorConfig())
	f.pipeline = NewPipeline(
		understander,
		orchestrator,
		NewGrader(llm, 0),
		NewController(llm, understander, 0.6),
		NewGenerator(llm),
		NewCritic(llm),
		f.store,
		f.audit,
		PipelineConfig{Budget: budget},
	)
	return f
}

func TestAskChatModeSkipsRetrieval(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions": `{"intent":"chat"}`,
		}),
		completeFn: func(string) (string, error) {
			return "Hej! Hur kan jag hjälpa till?", nil
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "hej!"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result.Outcome != domain.OutcomeAnswered || result.Mode != domain.ModeChat {
		t.Fatalf("result = %+v", result)
	}
	if result.EvidenceLevel != domain.EvidenceNone || len(result.Sources) != 0 {
		t.Errorf("chat answer carries evidence: %+v", result)
	}
	if f.vector.calls != 0 || f.lexical.calls != 0 {
		t.Errorf("retrieval ran for a chat question: dense=%d lexical=%d", f.vector.calls, f.lexical.calls)
	}

	persisted := f.store.appended()
	if len(persisted) != 2 || persisted[0].Role != "user" || persisted[1].Role != "assistant" {
		t.Fatalf("persisted = %+v", persisted)
	}
	if persisted[0].Turn != persisted[1].Turn {
		t.Errorf("user and assistant persisted on different turns")
	}
	if audits := f.audit.published(); len(audits) != 1 || audits[0].Outcome != domain.OutcomeAnswered {
		t.Errorf("audits = %+v", audits)
	}
}

func TestAskEvidenceFlowAnswersWithCitations(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions":    `{"intent":"legal_lookup"}`,
			"Judge whether the passage": `{"verdict":"relevant"}`,
			"Check the answer":          `{"grounded":true}`,
		}),
		completeFn: func(string) (string, error) {
			return "Enligt 4 § semesterlagen har arbetstagare rätt till 25 semesterdagar.\nKÄLLOR: a", nil
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())
	f.lexical.results["lagar"] = []domain.SourceCandidate{
		testCandidate("a", 3),
		testCandidate("b", 1),
	}
	f.reranker.scores = map[string]float64{"text-a": 0.9, "text-b": 0.85}

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "hur många semesterdagar har jag rätt till?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result.Outcome != domain.OutcomeAnswered || result.Mode != domain.ModeEvidence {
		t.Fatalf("result = %+v", result)
	}
	if result.EvidenceLevel != domain.EvidenceMedium {
		t.Errorf("evidence level = %q, want medium with two relevant sources", result.EvidenceLevel)
	}
	if len(result.Citations) != 1 || result.Citations[0] != "a" {
		t.Errorf("citations = %v", result.Citations)
	}
	if len(result.Sources) != 1 || result.Sources[0].ID != "a" {
		t.Errorf("sources = %+v", result.Sources)
	}
	if result.Metrics.RetrievalRounds != 1 {
		t.Errorf("retrieval rounds = %d, want 1", result.Metrics.RetrievalRounds)
	}
}

func TestAskRefusesAfterRewriteBudgetExhausted(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions":      `{"intent":"general"}`,
			"Judge whether the passage":   `{"verdict":"irrelevant"}`,
			"found insufficient evidence": `{"query":"semesterlagen rätt till semesterdagar"}`,
		}),
	}
	f := newPipelineFixture(llm, domain.RetryBudget{Rewrite: 1, Revise: 1, Repair: 1})
	f.lexical.results["lagar"] = []domain.SourceCandidate{testCandidate("a", 1)}

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "hur många semesterdagar?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !result.Refused() {
		t.Fatalf("result = %+v, want refusal", result)
	}
	if result.RefusalReason != "insufficient evidence after 1 rewrite attempt" {
		t.Errorf("refusal reason = %q", result.RefusalReason)
	}
	if result.Answer != refusalAnswerText() {
		t.Errorf("refusal answer = %q", result.Answer)
	}
	if result.Metrics.Rewrites != 1 || result.Metrics.RetrievalRounds != 2 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
	if audits := f.audit.published(); len(audits) != 1 || audits[0].Outcome != domain.OutcomeRefused {
		t.Errorf("audits = %+v", audits)
	}
}

func TestAskRefusesWhenOnlyPartialEvidenceSurvivesGrading(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions":      `{"intent":"legal_lookup"}`,
			"Judge whether the passage":   `{"verdict":"partially_relevant"}`,
			"Decide whether the passages": `{"sufficient":true,"reason":"delvis stöd"}`,
			"Check the answer":            `{"grounded":true}`,
		}),
		completeFn: func(string) (string, error) {
			return "Ett svar utan fullt stöd.\nKÄLLOR: a", nil
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())
	f.lexical.results["lagar"] = []domain.SourceCandidate{testCandidate("a", 3)}
	f.reranker.scores = map[string]float64{"text-a": 0.9}

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "vad säger lagen?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !result.Refused() {
		t.Fatalf("result = %+v, want refusal when nothing is graded relevant", result)
	}
	if result.Answer != refusalAnswerText() {
		t.Errorf("refusal answer = %q", result.Answer)
	}
	if result.RefusalReason != "no source was graded relevant enough to support an answer" {
		t.Errorf("refusal reason = %q", result.RefusalReason)
	}
	if audits := f.audit.published(); len(audits) != 1 || audits[0].Outcome != domain.OutcomeRefused {
		t.Errorf("audits = %+v", audits)
	}
}

func TestAskRevisesCriticizedAnswer(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions":    `{"intent":"legal_lookup"}`,
			"Judge whether the passage": `{"verdict":"relevant"}`,
			"Check the answer":          `{"grounded":true}`,
		}),
		completeFn: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Revise the answer") {
				return "Reviderat svar med korrekt källa.\nKÄLLOR: a", nil
			}
			return "Svar med påhittad källa.\nKÄLLOR: okand", nil
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())
	f.lexical.results["lagar"] = []domain.SourceCandidate{
		testCandidate("a", 3),
		testCandidate("b", 1),
	}
	f.reranker.scores = map[string]float64{"text-a": 0.9, "text-b": 0.85}

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "fråga"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result.Outcome != domain.OutcomeAnswered {
		t.Fatalf("result = %+v", result)
	}
	if result.Metrics.Revisions != 1 {
		t.Errorf("revisions = %d, want 1", result.Metrics.Revisions)
	}
	if len(result.Citations) != 1 || result.Citations[0] != "a" {
		t.Errorf("citations = %v", result.Citations)
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	f := newPipelineFixture(&fakeLLM{}, domain.DefaultRetryBudget())

	_, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input kind", err)
	}
}

func TestAskStreamEmitsTokensAndSingleTerminalEvent(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions": `{"intent":"chat"}`,
		}),
		streamFn: func(_ context.Context, _ string) (<-chan string, <-chan error) {
			tokens := make(chan string, 3)
			errs := make(chan error, 1)
			tokens <- "Hej"
			tokens <- "!"
			close(tokens)
			close(errs)
			return tokens, errs
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())

	events, err := f.pipeline.AskStream(context.Background(), domain.Query{Question: "hej"})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}

	var tokens int
	var terminal int
	var last domain.Event
	for event := range events {
		switch event.Type {
		case domain.EventToken:
			tokens++
		case domain.EventDone, domain.EventError:
			terminal++
		}
		last = event
	}
	if tokens != 2 {
		t.Errorf("token events = %d, want 2", tokens)
	}
	if terminal != 1 || last.Type != domain.EventDone {
		t.Fatalf("terminal events = %d, last = %q", terminal, last.Type)
	}
	if last.Result == nil || last.Result.Answer != "Hej!" {
		t.Errorf("final result = %+v", last.Result)
	}
}

func TestAskStreamAnnouncesRepairedAnswer(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions":            `{"intent":"legal_lookup"}`,
			"Judge whether the passage":         `{"verdict":"relevant"}`,
			"missing or has a malformed source": `{"answer":"Ett reparerat svar.","citations":["a"]}`,
			"Check the answer":                  `{"grounded":true}`,
		}),
		streamFn: func(_ context.Context, _ string) (<-chan string, <-chan error) {
			tokens := make(chan string, 3)
			errs := make(chan error, 1)
			tokens <- "Ett svar"
			tokens <- " utan källrad."
			close(tokens)
			close(errs)
			return tokens, errs
		},
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())
	f.lexical.results["lagar"] = []domain.SourceCandidate{
		testCandidate("a", 3),
		testCandidate("b", 1),
	}
	f.reranker.scores = map[string]float64{"text-a": 0.9, "text-b": 0.85}

	events, err := f.pipeline.AskStream(context.Background(), domain.Query{Question: "hur många semesterdagar?"})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}

	var corrected string
	var last domain.Event
	for event := range events {
		if event.Type == domain.EventCorrections && corrected == "" {
			corrected = event.CorrectedAnswer
		}
		last = event
	}
	if corrected != "Ett reparerat svar." {
		t.Fatalf("corrected answer = %q, want the repaired text announced to the stream", corrected)
	}
	if last.Type != domain.EventDone || last.Result == nil {
		t.Fatalf("last event = %+v", last)
	}
	if last.Result.Answer != "Ett reparerat svar." {
		t.Errorf("final answer = %q", last.Result.Answer)
	}
	if last.Result.Metrics.Repairs != 1 {
		t.Errorf("repairs = %d, want 1", last.Result.Metrics.Repairs)
	}
}

func TestAskGeneratesConversationID(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: scriptedJSON(map[string]string{
			"You classify questions": `{"intent":"chat"}`,
		}),
		completeFn: func(string) (string, error) { return "Hej!", nil },
	}
	f := newPipelineFixture(llm, domain.DefaultRetryBudget())

	result, err := f.pipeline.Ask(context.Background(), domain.Query{Question: "hej"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result.ConversationID == "" {
		t.Fatal("expected a generated conversation id")
	}
}

// blockingLexical parks every search until its context is cancelled, so a
// test can hold a session mid-retrieval.
type blockingLexical struct {
	once    sync.Once
	entered chan struct{}
}

func (b *blockingLexical) SearchLexical(ctx context.Context, _ string, _ string, _ int) ([]domain.SourceCandidate, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAskTakeoverCancelsInFlightSession(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(prompt string) (string, error) {
			if !strings.Contains(prompt, "You classify questions") {
				return "", fmt.Errorf("no scripted response")
			}
			if strings.Contains(prompt, "vad gäller vid uppsägning?") {
				return `{"intent":"legal_lookup"}`, nil
			}
			return `{"intent":"chat"}`, nil
		},
		completeFn: func(string) (string, error) { return "Hej!", nil },
	}
	lexical := &blockingLexical{entered: make(chan struct{})}
	understander := NewUnderstander(llm)
	orchestrator := NewOrchestrator(&fakeVector{}, lexical, &fakeReranker{scores: map[string]float64{}}, &fakeEmbedder{err: fmt.Errorf("no embeddings")}, llm, testOrchestratorConfig())
	pipeline := NewPipeline(
		understander,
		orchestrator,
		NewGrader(llm, 0),
		NewController(llm, understander, 0.6),
		NewGenerator(llm),
		NewCritic(llm),
		&fakeStore{},
		&fakeAudit{},
		PipelineConfig{Budget: domain.DefaultRetryBudget()},
	)

	eventsA, err := pipeline.AskStream(context.Background(), domain.Query{
		Question:       "vad gäller vid uppsägning?",
		ConversationID: "conv-takeover",
	})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	select {
	case <-lexical.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never reached retrieval")
	}

	resultB, err := pipeline.Ask(context.Background(), domain.Query{
		Question:       "hej",
		ConversationID: "conv-takeover",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resultB.Outcome != domain.OutcomeAnswered || resultB.Answer != "Hej!" {
		t.Fatalf("second session result = %+v", resultB)
	}

	var sawDone bool
	var last domain.Event
	for event := range eventsA {
		if event.Type == domain.EventDone {
			sawDone = true
		}
		last = event
	}
	if sawDone {
		t.Fatal("cancelled session released an answer")
	}
	if last.Type != domain.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
}
