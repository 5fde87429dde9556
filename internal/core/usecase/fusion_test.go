package usecase

import (
	"math"
	"testing"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

func TestFuseRankedListsRRFPrefersConsensus(t *testing.T) {
	listA := []domain.SourceCandidate{
		{ID: "solo", Text: "a"},
		{ID: "both", Text: "b"},
	}
	listB := []domain.SourceCandidate{
		{ID: "other", Text: "c"},
		{ID: "both", Text: "b"},
	}

	fused := fuseRankedListsRRF([][]domain.SourceCandidate{listA, listB}, 60)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused candidates, got %d", len(fused))
	}
	if fused[0].ID != "both" {
		t.Fatalf("expected consensus candidate first, got %q", fused[0].ID)
	}

	wantTop := 2.0 / 62.0
	if math.Abs(fused[0].Score-wantTop) > 1e-9 {
		t.Fatalf("expected rrf score %v, got %v", wantTop, fused[0].Score)
	}
}

func TestFuseRankedListsRRFDefaultsK(t *testing.T) {
	list := []domain.SourceCandidate{{ID: "x", Text: "t"}}
	fused := fuseRankedListsRRF([][]domain.SourceCandidate{list}, 0)
	want := 1.0 / 61.0
	if math.Abs(fused[0].Score-want) > 1e-9 {
		t.Fatalf("expected default k=60 score %v, got %v", want, fused[0].Score)
	}
}

func TestMergeByIDKeepsHighestScore(t *testing.T) {
	dense := []domain.SourceCandidate{
		{ID: "dup", Text: "text", Score: 0.4, Collection: "lagar"},
		{ID: "a", Text: "a", Score: 0.9},
	}
	lexical := []domain.SourceCandidate{
		{ID: "dup", Text: "text", Score: 0.8},
	}

	merged := mergeByID(dense, lexical)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged candidates, got %d", len(merged))
	}
	for _, c := range merged {
		if c.ID == "dup" {
			if c.Score != 0.8 {
				t.Fatalf("expected max score 0.8 on collision, got %v", c.Score)
			}
			if c.Collection != "lagar" {
				t.Fatalf("expected first occurrence metadata kept, got %q", c.Collection)
			}
		}
	}
}

func TestNormalizeScoresRescalesToUnitRange(t *testing.T) {
	in := []domain.SourceCandidate{
		{ID: "a", Score: 2},
		{ID: "b", Score: 6},
		{ID: "c", Score: 4},
	}
	out := normalizeScores(in)
	if out[0].Score != 0 || out[1].Score != 1 || out[2].Score != 0.5 {
		t.Fatalf("unexpected normalized scores: %v %v %v", out[0].Score, out[1].Score, out[2].Score)
	}
	if in[0].Score != 2 {
		t.Fatalf("input slice must not be mutated")
	}
}

func TestNormalizeScoresFlatList(t *testing.T) {
	positive := normalizeScores([]domain.SourceCandidate{{ID: "a", Score: 3}, {ID: "b", Score: 3}})
	if positive[0].Score != 1 || positive[1].Score != 1 {
		t.Fatalf("flat positive scores should normalize to 1, got %v %v", positive[0].Score, positive[1].Score)
	}
	zero := normalizeScores([]domain.SourceCandidate{{ID: "a", Score: 0}})
	if zero[0].Score != 0 {
		t.Fatalf("flat zero scores should stay 0, got %v", zero[0].Score)
	}
}

func TestSortCandidatesTieBreaks(t *testing.T) {
	candidates := []domain.SourceCandidate{
		{ID: "b-guidance", Score: 0.5, DocType: domain.DocTypeGuidance},
		{ID: "a-statute", Score: 0.5, DocType: domain.DocTypeStatute},
		{ID: "z-top", Score: 0.9, DocType: domain.DocTypeOther},
		{ID: "a-guidance", Score: 0.5, DocType: domain.DocTypeGuidance},
	}
	sortCandidates(candidates)

	wantOrder := []string{"z-top", "a-statute", "a-guidance", "b-guidance"}
	for i, want := range wantOrder {
		if candidates[i].ID != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, candidates[i].ID)
		}
	}
}
