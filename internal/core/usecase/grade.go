package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
)

// Grader classifies each candidate as relevant, partially relevant or
// irrelevant with one lightweight LLM call per candidate. Candidates are
// independent, so grading runs concurrently. Any malformed or failed grade
// becomes Irrelevant: grading degrades per candidate, never fails the batch.
type Grader struct {
	llm           ports.TextGenerator
	maxConcurrent int
}

func NewGrader(llm ports.TextGenerator, maxConcurrent int) *Grader {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Grader{llm: llm, maxConcurrent: maxConcurrent}
}

// Grade returns a verdict-annotated copy of the candidates plus the round's
// aggregate confidence signal. Input order is preserved.
func (g *Grader) Grade(ctx context.Context, candidates []domain.SourceCandidate, query domain.StandaloneQuery) ([]domain.SourceCandidate, domain.ConfidenceSignal) {
	if len(candidates) == 0 {
		return nil, 0
	}

	graded := make([]domain.SourceCandidate, len(candidates))
	copy(graded, candidates)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.maxConcurrent)
	for i := range graded {
		i := i
		group.Go(func() error {
			graded[i].Verdict = g.gradeOne(groupCtx, query.Text, graded[i])
			return nil
		})
	}
	// Workers only annotate their own slot and never return an error.
	_ = group.Wait()

	return graded, aggregateConfidence(graded)
}

func (g *Grader) gradeOne(ctx context.Context, queryText string, candidate domain.SourceCandidate) domain.Verdict {
	raw, err := g.llm.CompleteJSON(ctx, buildGradePrompt(queryText, candidate.Text))
	if err != nil {
		slog.Warn("grading_call_failed", "candidate", candidate.ID, "error", err)
		return domain.VerdictIrrelevant
	}

	var parsed struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("grading_unparseable", "candidate", candidate.ID, "error", err)
		return domain.VerdictIrrelevant
	}
	verdict, ok := domain.ParseVerdict(parsed.Verdict)
	if !ok {
		return domain.VerdictIrrelevant
	}
	return verdict
}

// aggregateConfidence combines the fraction of relevant candidates (partial
// matches weighted half) with the top rerank score. Zero or one relevant
// candidate caps the signal low regardless of scores.
func aggregateConfidence(graded []domain.SourceCandidate) domain.ConfidenceSignal {
	if len(graded) == 0 {
		return 0
	}

	relevant, partial := 0, 0
	topRerank := 0.0
	for _, c := range graded {
		switch c.Verdict {
		case domain.VerdictRelevant:
			relevant++
		case domain.VerdictPartiallyRelevant:
			partial++
		}
		if c.Reranked && c.RerankScore > topRerank {
			topRerank = c.RerankScore
		}
	}

	fraction := (float64(relevant) + 0.5*float64(partial)) / float64(len(graded))
	confidence := 0.7*fraction + 0.3*topRerank

	switch relevant {
	case 0:
		confidence = min(confidence, 0.2)
	case 1:
		confidence = min(confidence, 0.45)
	}
	if confidence > 1 {
		confidence = 1
	}
	return domain.ConfidenceSignal(confidence)
}
