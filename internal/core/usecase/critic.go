package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
)

const (
	ViolationUnknownCitation = "unknown_citation"
	ViolationNoCitations     = "no_citations"
	ViolationUngrounded      = "ungrounded_claim"
)

type Violation struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Critic checks a generated answer against the graded evidence: every cited
// id must exist among the usable candidates, evidence-mode answers must cite
// at all, and an LLM grounding pass flags unsupported claims. The critic only
// detects; enforcement is the guardrail's call.
type Critic struct {
	llm ports.TextGenerator
}

func NewCritic(llm ports.TextGenerator) *Critic {
	return &Critic{llm: llm}
}

func (c *Critic) Critique(ctx context.Context, answer Generated, candidates []domain.SourceCandidate, mode domain.Mode) []Violation {
	if mode == domain.ModeChat {
		return nil
	}

	violations := c.checkCitations(answer, candidates, mode)
	violations = append(violations, c.checkGrounding(ctx, answer, candidates)...)
	return violations
}

func (c *Critic) checkCitations(answer Generated, candidates []domain.SourceCandidate, mode domain.Mode) []Violation {
	known := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		known[candidate.ID] = struct{}{}
	}

	var violations []Violation
	for _, id := range answer.Citations {
		if _, ok := known[id]; !ok {
			violations = append(violations, Violation{
				Kind:   ViolationUnknownCitation,
				Detail: fmt.Sprintf("cited source %q is not among the retrieved evidence", id),
			})
		}
	}

	if mode == domain.ModeEvidence && len(answer.Citations) == 0 && len(candidates) > 0 {
		violations = append(violations, Violation{
			Kind:   ViolationNoCitations,
			Detail: "evidence-mode answer cites no sources although evidence was retrieved",
		})
	}
	return violations
}

// checkGrounding runs the model-based hallucination check. It is advisory:
// a failed or unparseable check adds no violations.
func (c *Critic) checkGrounding(ctx context.Context, answer Generated, candidates []domain.SourceCandidate) []Violation {
	if len(candidates) == 0 {
		return nil
	}

	raw, err := c.llm.CompleteJSON(ctx, buildGroundingCheckPrompt(answer.Answer, candidates))
	if err != nil {
		slog.Warn("grounding_check_failed", "error", err)
		return nil
	}

	var parsed struct {
		Grounded bool     `json:"grounded"`
		Problems []string `json:"problems"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("grounding_check_unparseable", "error", err)
		return nil
	}
	if parsed.Grounded {
		return nil
	}

	violations := make([]Violation, 0, len(parsed.Problems))
	for _, problem := range parsed.Problems {
		problem = strings.TrimSpace(problem)
		if problem == "" {
			continue
		}
		violations = append(violations, Violation{Kind: ViolationUngrounded, Detail: problem})
	}
	if len(violations) == 0 {
		violations = append(violations, Violation{
			Kind:   ViolationUngrounded,
			Detail: "answer contains claims the sources do not support",
		})
	}
	return violations
}
