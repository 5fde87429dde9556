package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

func gradedCandidate(id string, verdict domain.Verdict) domain.SourceCandidate {
	c := testCandidate(id, 0.5)
	c.Verdict = verdict
	return c
}

func TestDecide(t *testing.T) {
	controller := NewController(&fakeLLM{}, nil, 0.6)

	graded := []domain.SourceCandidate{gradedCandidate("a", domain.VerdictRelevant)}
	if got := controller.Decide(0.6, graded); got != DecisionProceed {
		t.Errorf("at threshold: got %q, want proceed", got)
	}
	if got := controller.Decide(0.59, graded); got != DecisionReflect {
		t.Errorf("below threshold: got %q, want reflect", got)
	}
	if got := controller.Decide(0.9, nil); got != DecisionReflect {
		t.Errorf("empty round: got %q, want reflect", got)
	}
}

func TestReflectWithoutUsableEvidenceSkipsLLM(t *testing.T) {
	llm := &fakeLLM{}
	controller := NewController(llm, nil, 0.6)

	graded := []domain.SourceCandidate{gradedCandidate("a", domain.VerdictIrrelevant)}
	sufficient, reason := controller.Reflect(context.Background(), domain.StandaloneQuery{Text: "fraga"}, graded)
	if sufficient {
		t.Error("expected insufficient with no usable evidence")
	}
	if reason != "no relevant evidence was retrieved for this query" {
		t.Errorf("reason = %q", reason)
	}
	if llm.jsonCallCount() != 0 {
		t.Errorf("expected no LLM call, got %d", llm.jsonCallCount())
	}
}

func TestReflectLLMFailureCountsAsSufficient(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return "", errors.New("model overloaded")
		},
	}
	controller := NewController(llm, nil, 0.6)

	graded := []domain.SourceCandidate{gradedCandidate("a", domain.VerdictRelevant)}
	sufficient, reason := controller.Reflect(context.Background(), domain.StandaloneQuery{Text: "fraga"}, graded)
	if !sufficient {
		t.Error("advisory reflection failure must not block generation")
	}
	if reason != "sufficiency check unavailable, proceeding with retrieved evidence" {
		t.Errorf("reason = %q", reason)
	}
}

func TestReflectParsesJudgment(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return `{"sufficient":false,"reason":"evidence covers vacation pay, not vacation days"}`, nil
		},
	}
	controller := NewController(llm, nil, 0.6)

	graded := []domain.SourceCandidate{gradedCandidate("a", domain.VerdictPartiallyRelevant)}
	sufficient, reason := controller.Reflect(context.Background(), domain.StandaloneQuery{Text: "fraga"}, graded)
	if sufficient {
		t.Error("expected insufficient")
	}
	if reason != "evidence covers vacation pay, not vacation days" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRewriteQueryConsumesBudget(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return `{"query":"semesterlagen antal betalda semesterdagar"}`, nil
		},
	}
	controller := NewController(llm, NewUnderstander(llm), 0.6)

	budget := domain.RetryBudget{Rewrite: 1}
	previous := domain.StandaloneQuery{Text: "semesterdagar", Intent: domain.IntentGeneral}

	rewritten, had, err := controller.RewriteQuery(context.Background(), &budget, "hur manga semesterdagar?", previous, "too little evidence")
	if err != nil {
		t.Fatalf("RewriteQuery: %v", err)
	}
	if !had {
		t.Fatal("expected budget available")
	}
	if !rewritten.Rewritten || rewritten.Text != "semesterlagen antal betalda semesterdagar" {
		t.Fatalf("rewritten = %+v", rewritten)
	}
	if budget.Rewrite != 0 {
		t.Errorf("budget not consumed: %d", budget.Rewrite)
	}

	_, had, err = controller.RewriteQuery(context.Background(), &budget, "hur manga semesterdagar?", previous, "too little evidence")
	if had || err != nil {
		t.Fatalf("exhausted budget: had=%v err=%v", had, err)
	}
}

func TestRewriteQueryRejectsSameQuery(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return `{"query":"Semesterdagar"}`, nil
		},
	}
	controller := NewController(llm, NewUnderstander(llm), 0.6)

	budget := domain.RetryBudget{Rewrite: 2}
	_, had, err := controller.RewriteQuery(context.Background(), &budget, "fraga", domain.StandaloneQuery{Text: "semesterdagar"}, "weak evidence")
	if !had {
		t.Fatal("budget should have been consumed before the rewrite call")
	}
	if err == nil {
		t.Fatal("expected error for a case-insensitive duplicate rewrite")
	}
	if budget.Rewrite != 1 {
		t.Errorf("budget = %d, want 1", budget.Rewrite)
	}
}

func TestRefusalReason(t *testing.T) {
	if got := RefusalReason(1); got != "insufficient evidence after 1 rewrite attempt" {
		t.Errorf("singular: %q", got)
	}
	if got := RefusalReason(2); got != "insufficient evidence after 2 rewrite attempts" {
		t.Errorf("plural: %q", got)
	}
}

func TestRelevantOnly(t *testing.T) {
	graded := []domain.SourceCandidate{
		gradedCandidate("a", domain.VerdictRelevant),
		gradedCandidate("b", domain.VerdictIrrelevant),
		gradedCandidate("c", domain.VerdictPartiallyRelevant),
	}
	usable := relevantOnly(graded)
	if len(usable) != 2 || usable[0].ID != "a" || usable[1].ID != "c" {
		t.Fatalf("usable = %+v", usable)
	}
}
