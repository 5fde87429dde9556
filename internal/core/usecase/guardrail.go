package usecase

import (
	"github.com/mlindgren/lagrum/internal/core/domain"
)

// Verdict of the final deterministic pass before an answer is released.
type GuardrailOutcome struct {
	EvidenceLevel domain.EvidenceLevel
	Refuse        bool
	RefusalReason string
}

// ValidateAnswer is the guardrail: a pure function of the graded evidence,
// the answer, and the critic's unresolved violations. It assigns the
// evidence level and, in evidence mode, downgrades an answer with unresolved
// violations to a refusal rather than releasing an unverified claim.
//
// Level policy: HIGH needs at least three relevant candidates, a top rerank
// score above highScoreThreshold, and zero violations. MEDIUM needs one
// relevant candidate and zero violations. Everything else is LOW; NONE is
// reserved for sessions that never saw a source or refused. In evidence mode
// a round with zero relevant candidates refuses outright, even when partial
// matches talked the sufficiency check into proceeding.
func ValidateAnswer(
	answer Generated,
	graded []domain.SourceCandidate,
	violations []Violation,
	mode domain.Mode,
	highScoreThreshold float64,
) GuardrailOutcome {
	if mode == domain.ModeChat || len(graded) == 0 {
		return GuardrailOutcome{EvidenceLevel: domain.EvidenceNone}
	}

	if mode == domain.ModeEvidence && len(violations) > 0 {
		return GuardrailOutcome{
			EvidenceLevel: domain.EvidenceNone,
			Refuse:        true,
			RefusalReason: "answer could not be verified against the retrieved sources",
		}
	}

	relevant := 0
	topRerank := 0.0
	for _, c := range graded {
		if c.Verdict == domain.VerdictRelevant {
			relevant++
		}
		if c.Reranked && c.RerankScore > topRerank {
			topRerank = c.RerankScore
		}
	}

	if mode == domain.ModeEvidence && relevant == 0 {
		return GuardrailOutcome{
			EvidenceLevel: domain.EvidenceNone,
			Refuse:        true,
			RefusalReason: "no source was graded relevant enough to support an answer",
		}
	}

	switch {
	case len(violations) == 0 && relevant >= 3 && topRerank > highScoreThreshold:
		return GuardrailOutcome{EvidenceLevel: domain.EvidenceHigh}
	case len(violations) == 0 && relevant >= 1:
		return GuardrailOutcome{EvidenceLevel: domain.EvidenceMedium}
	default:
		return GuardrailOutcome{EvidenceLevel: domain.EvidenceLow}
	}
}

// CitedSources resolves the answer's citation ids to candidates, preserving
// citation order and dropping ids the evidence does not contain.
func CitedSources(answer Generated, graded []domain.SourceCandidate) []domain.SourceCandidate {
	byID := make(map[string]domain.SourceCandidate, len(graded))
	for _, c := range graded {
		byID[c.ID] = c
	}
	out := make([]domain.SourceCandidate, 0, len(answer.Citations))
	for _, id := range answer.Citations {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
