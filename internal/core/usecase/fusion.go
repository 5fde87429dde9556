package usecase

import (
	"sort"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

type fusedCandidate struct {
	candidate domain.SourceCandidate
	score     float64
}

// fuseRankedListsRRF combines several ranked candidate lists with Reciprocal
// Rank Fusion: score(d) = sum over lists of 1/(k + rank). A document ranked
// well in many lists beats one ranked first in a single list.
func fuseRankedListsRRF(lists [][]domain.SourceCandidate, rrfK int) []domain.SourceCandidate {
	if rrfK <= 0 {
		rrfK = 60
	}

	total := 0
	for _, list := range lists {
		total += len(list)
	}
	acc := make(map[string]fusedCandidate, total)
	for _, list := range lists {
		for rank, candidate := range list {
			entry := acc[candidate.ID]
			entry.candidate = preferRicherCandidate(entry.candidate, candidate)
			entry.score += 1.0 / float64(rrfK+rank+1)
			acc[candidate.ID] = entry
		}
	}

	out := make([]domain.SourceCandidate, 0, len(acc))
	for _, entry := range acc {
		candidate := entry.candidate
		candidate.Score = entry.score
		out = append(out, candidate)
	}
	sortCandidates(out)
	return out
}

// mergeByID deduplicates candidates from independent retrievers, keeping the
// highest score on document-id collision.
func mergeByID(lists ...[]domain.SourceCandidate) []domain.SourceCandidate {
	total := 0
	for _, list := range lists {
		total += len(list)
	}
	acc := make(map[string]domain.SourceCandidate, total)
	for _, list := range lists {
		for _, candidate := range list {
			current, ok := acc[candidate.ID]
			if !ok {
				acc[candidate.ID] = candidate
				continue
			}
			keep := preferRicherCandidate(current, candidate)
			if candidate.Score > current.Score {
				keep.Score = candidate.Score
			} else {
				keep.Score = current.Score
			}
			acc[candidate.ID] = keep
		}
	}

	out := make([]domain.SourceCandidate, 0, len(acc))
	for _, candidate := range acc {
		out = append(out, candidate)
	}
	sortCandidates(out)
	return out
}

// normalizeScores rescales one retriever's scores to 0..1 so dense and
// lexical results merge on a comparable range.
func normalizeScores(candidates []domain.SourceCandidate) []domain.SourceCandidate {
	if len(candidates) == 0 {
		return candidates
	}

	minScore, maxScore := candidates[0].Score, candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	scoreRange := maxScore - minScore
	out := make([]domain.SourceCandidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		if scoreRange <= 0 {
			if out[i].Score > 0 {
				out[i].Score = 1
			} else {
				out[i].Score = 0
			}
			continue
		}
		out[i].Score = (out[i].Score - minScore) / scoreRange
	}
	return out
}

func trimCandidates(candidates []domain.SourceCandidate, limit int) []domain.SourceCandidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}

// sortCandidates orders by score descending with deterministic tie-breaks:
// document-type priority first (statute outranks guidance), then document id.
func sortCandidates(candidates []domain.SourceCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if pi, pj := candidates[i].DocType.Priority(), candidates[j].DocType.Priority(); pi != pj {
			return pi > pj
		}
		return candidates[i].ID < candidates[j].ID
	})
}

func preferRicherCandidate(current, candidate domain.SourceCandidate) domain.SourceCandidate {
	if current.ID == "" {
		return candidate
	}
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.Collection == "" && candidate.Collection != "" {
		current.Collection = candidate.Collection
	}
	if current.DocType == "" && candidate.DocType != "" {
		current.DocType = candidate.DocType
	}
	return current
}
