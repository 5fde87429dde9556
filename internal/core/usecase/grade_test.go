package usecase

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

func TestGradeParsesVerdictsAndPreservesOrder(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(prompt string) (string, error) {
			switch {
			case strings.Contains(prompt, "text-a"):
				return `{"verdict":"relevant"}`, nil
			case strings.Contains(prompt, "text-b"):
				return `{"verdict":"partially_relevant"}`, nil
			default:
				return `{"verdict":"irrelevant"}`, nil
			}
		},
	}
	grader := NewGrader(llm, 2)

	candidates := []domain.SourceCandidate{
		testCandidate("a", 0.9),
		testCandidate("b", 0.5),
		testCandidate("c", 0.1),
	}
	graded, _ := grader.Grade(context.Background(), candidates, domain.StandaloneQuery{Text: "fraga"})

	if len(graded) != 3 {
		t.Fatalf("expected 3 graded candidates, got %d", len(graded))
	}
	wantVerdicts := []domain.Verdict{
		domain.VerdictRelevant,
		domain.VerdictPartiallyRelevant,
		domain.VerdictIrrelevant,
	}
	for i, want := range wantVerdicts {
		if graded[i].ID != candidates[i].ID {
			t.Fatalf("position %d: got %q, order not preserved", i, graded[i].ID)
		}
		if graded[i].Verdict != want {
			t.Errorf("candidate %q verdict = %q, want %q", graded[i].ID, graded[i].Verdict, want)
		}
	}
	if candidates[0].Verdict != "" {
		t.Errorf("input slice was mutated")
	}
}

func TestGradeFailureDegradesToIrrelevant(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return "", errors.New("model overloaded")
		},
	}
	grader := NewGrader(llm, 0)

	graded, confidence := grader.Grade(context.Background(), []domain.SourceCandidate{
		testCandidate("a", 0.9),
		testCandidate("b", 0.5),
	}, domain.StandaloneQuery{Text: "fraga"})

	for _, c := range graded {
		if c.Verdict != domain.VerdictIrrelevant {
			t.Errorf("candidate %q verdict = %q, want irrelevant", c.ID, c.Verdict)
		}
	}
	if confidence > 0.2 {
		t.Errorf("confidence = %v, want at most 0.2 with no relevant evidence", confidence)
	}
}

func TestGradeUnknownVerdictIsIrrelevant(t *testing.T) {
	llm := &fakeLLM{
		completeJSONFn: func(string) (string, error) {
			return `{"verdict":"maybe"}`, nil
		},
	}
	grader := NewGrader(llm, 0)

	graded, _ := grader.Grade(context.Background(), []domain.SourceCandidate{testCandidate("a", 1)}, domain.StandaloneQuery{Text: "fraga"})
	if graded[0].Verdict != domain.VerdictIrrelevant {
		t.Errorf("verdict = %q, want irrelevant", graded[0].Verdict)
	}
}

func TestGradeEmptyInput(t *testing.T) {
	grader := NewGrader(&fakeLLM{}, 0)

	graded, confidence := grader.Grade(context.Background(), nil, domain.StandaloneQuery{Text: "fraga"})
	if graded != nil || confidence != 0 {
		t.Fatalf("got %v, %v; want nil, 0", graded, confidence)
	}
}

func TestAggregateConfidence(t *testing.T) {
	reranked := func(id string, verdict domain.Verdict, score float64) domain.SourceCandidate {
		c := testCandidate(id, score)
		c.Verdict = verdict
		c.Reranked = true
		c.RerankScore = score
		return c
	}

	allRelevant := []domain.SourceCandidate{
		reranked("a", domain.VerdictRelevant, 1),
		reranked("b", domain.VerdictRelevant, 0.8),
	}
	if got := aggregateConfidence(allRelevant); math.Abs(float64(got)-1) > 1e-9 {
		t.Errorf("all relevant confidence = %v, want 1", got)
	}

	oneRelevant := []domain.SourceCandidate{
		reranked("a", domain.VerdictRelevant, 1),
		reranked("b", domain.VerdictIrrelevant, 0.8),
	}
	if got := aggregateConfidence(oneRelevant); got != 0.45 {
		t.Errorf("single relevant confidence = %v, want cap 0.45", got)
	}

	onlyPartial := []domain.SourceCandidate{
		reranked("a", domain.VerdictPartiallyRelevant, 1),
		reranked("b", domain.VerdictPartiallyRelevant, 0.8),
	}
	if got := aggregateConfidence(onlyPartial); got != 0.2 {
		t.Errorf("partial-only confidence = %v, want cap 0.2", got)
	}
}
