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

type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionReflect Decision = "reflect"
)

// Controller is the corrective-retrieval decision point: from a graded
// round it either releases the evidence to generation or triggers the
// reflect path (sufficiency check, query rewrite, re-retrieval, or refusal
// once the rewrite budget is gone).
type Controller struct {
	llm          ports.TextGenerator
	understander *Understander

	// proceedThreshold is the confidence at or above which grading output
	// goes straight to generation without a reflection call.
	proceedThreshold float64
}

func NewController(llm ports.TextGenerator, understander *Understander, proceedThreshold float64) *Controller {
	if proceedThreshold <= 0 || proceedThreshold > 1 {
		proceedThreshold = 0.6
	}
	return &Controller{llm: llm, understander: understander, proceedThreshold: proceedThreshold}
}

func (c *Controller) Decide(confidence domain.ConfidenceSignal, graded []domain.SourceCandidate) Decision {
	if len(graded) == 0 {
		return DecisionReflect
	}
	if float64(confidence) >= c.proceedThreshold {
		return DecisionProceed
	}
	return DecisionReflect
}

// Reflect asks whether the graded evidence suffices to answer. The judgment
// string is surfaced to streaming clients as the thought chain. An LLM
// failure counts as sufficient: reflection is advisory and must not turn an
// answerable round into a refusal.
func (c *Controller) Reflect(ctx context.Context, query domain.StandaloneQuery, graded []domain.SourceCandidate) (bool, string) {
	usable := relevantOnly(graded)
	if len(usable) == 0 {
		return false, "no relevant evidence was retrieved for this query"
	}

	raw, err := c.llm.CompleteJSON(ctx, buildSufficiencyPrompt(query.Text, usable))
	if err != nil {
		slog.Warn("reflection_failed", "error", err)
		return true, "sufficiency check unavailable, proceeding with retrieved evidence"
	}

	var parsed struct {
		Sufficient bool   `json:"sufficient"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("reflection_unparseable", "error", err)
		return true, "sufficiency check unavailable, proceeding with retrieved evidence"
	}

	reason := strings.TrimSpace(parsed.Reason)
	if reason == "" {
		if parsed.Sufficient {
			reason = "retrieved evidence judged sufficient"
		} else {
			reason = "retrieved evidence judged insufficient"
		}
	}
	return parsed.Sufficient, reason
}

// RewriteQuery consumes one rewrite-budget unit and produces the next
// retrieval query. The caller loops back to retrieval with the adaptive
// strategy forced on. Exhausted budget reports false: the session must
// refuse instead of looping.
func (c *Controller) RewriteQuery(ctx context.Context, budget *domain.RetryBudget, question string, previous domain.StandaloneQuery, reason string) (domain.StandaloneQuery, bool, error) {
	if !budget.ConsumeRewrite() {
		return domain.StandaloneQuery{}, false, nil
	}

	rewritten, err := c.understander.Rewrite(ctx, question, previous, reason)
	if err != nil {
		return domain.StandaloneQuery{}, true, fmt.Errorf("correction rewrite: %w", err)
	}
	return rewritten, true, nil
}

// RefusalReason renders the user-facing insufficient-evidence message in the
// same register as a normal answer.
func RefusalReason(attempts int) string {
	if attempts == 1 {
		return "insufficient evidence after 1 rewrite attempt"
	}
	return fmt.Sprintf("insufficient evidence after %d rewrite attempts", attempts)
}

// relevantOnly filters to candidates the grader found usable. Irrelevant
// candidates never travel further down the pipeline.
func relevantOnly(graded []domain.SourceCandidate) []domain.SourceCandidate {
	out := make([]domain.SourceCandidate, 0, len(graded))
	for _, c := range graded {
		if c.Verdict == domain.VerdictRelevant || c.Verdict == domain.VerdictPartiallyRelevant {
			out = append(out, c)
		}
	}
	return out
}
