package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
)

type OrchestratorConfig struct {
	Collections []string

	// CandidateLimit caps each retriever call and the merged set before
	// reranking; TopK caps the final reranked set.
	CandidateLimit int
	TopK           int

	RRFK        int
	MaxVariants int

	// MinRerankScore drops weak candidates after reranking.
	MinRerankScore float64

	// EscalationThreshold is the pre-grading confidence below which the
	// adaptive strategy escalates from parallel to fusion retrieval.
	EscalationThreshold float64

	// RetryBackoff is the single-retry delay after a failed search call.
	RetryBackoff time.Duration
}

func (c OrchestratorConfig) normalize() OrchestratorConfig {
	out := c
	if len(out.Collections) == 0 {
		out.Collections = []string{"documents"}
	}
	if out.CandidateLimit <= 0 {
		out.CandidateLimit = 30
	}
	if out.TopK <= 0 {
		out.TopK = 8
	}
	if out.RRFK <= 0 {
		out.RRFK = 60
	}
	if out.MaxVariants < 2 {
		out.MaxVariants = 3
	}
	if out.MaxVariants > 4 {
		out.MaxVariants = 4
	}
	if out.EscalationThreshold <= 0 {
		out.EscalationThreshold = 0.45
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 150 * time.Millisecond
	}
	return out
}

// Orchestrator runs one retrieval round: fan out dense and lexical search
// across collections, merge, rerank, truncate. Stateless across calls.
type Orchestrator struct {
	vector   ports.VectorSearcher
	lexical  ports.LexicalSearcher
	reranker ports.Reranker
	embedder ports.Embedder
	llm      ports.TextGenerator
	cfg      OrchestratorConfig
}

func NewOrchestrator(
	vector ports.VectorSearcher,
	lexical ports.LexicalSearcher,
	reranker ports.Reranker,
	embedder ports.Embedder,
	llm ports.TextGenerator,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		vector:   vector,
		lexical:  lexical,
		reranker: reranker,
		embedder: embedder,
		llm:      llm,
		cfg:      cfg.normalize(),
	}
}

// Retrieve returns a deduplicated, reranked candidate set for one query.
// Search adapter failures degrade to fewer (possibly zero) candidates; the
// only hard error is context cancellation.
func (o *Orchestrator) Retrieve(ctx context.Context, query domain.StandaloneQuery, strategy domain.RetrievalStrategy) ([]domain.SourceCandidate, error) {
	var (
		merged []domain.SourceCandidate
		err    error
	)

	switch strategy {
	case domain.StrategyFusion:
		merged, err = o.retrieveFusion(ctx, query)
	case domain.StrategyAdaptive:
		merged, err = o.retrieveAdaptive(ctx, query)
	default:
		merged, err = o.retrieveParallel(ctx, query)
	}
	if err != nil {
		return nil, err
	}

	merged = trimCandidates(merged, o.cfg.CandidateLimit)
	return o.rerank(ctx, query, merged)
}

// retrieveParallel fans out one dense and one lexical search per collection,
// normalizes each retriever's score range, and merges keeping the highest
// score per document id.
func (o *Orchestrator) retrieveParallel(ctx context.Context, query domain.StandaloneQuery) ([]domain.SourceCandidate, error) {
	queryVector := o.embedQuery(ctx, query.Text)

	group, groupCtx := errgroup.WithContext(ctx)
	lists := make([][]domain.SourceCandidate, 2*len(o.cfg.Collections))

	for i, collection := range o.cfg.Collections {
		denseSlot, lexicalSlot := 2*i, 2*i+1
		collection := collection

		if len(queryVector) > 0 {
			group.Go(func() error {
				found, err := o.searchDense(groupCtx, collection, queryVector)
				if err != nil {
					return err
				}
				lists[denseSlot] = normalizeScores(found)
				return nil
			})
		}
		group.Go(func() error {
			found, err := o.searchLexical(groupCtx, collection, query.Text)
			if err != nil {
				return err
			}
			lists[lexicalSlot] = normalizeScores(found)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return mergeByID(lists...), nil
}

// retrieveFusion expands the query into paraphrased variants, retrieves each
// variant concurrently, and combines per-candidate ranks with RRF.
func (o *Orchestrator) retrieveFusion(ctx context.Context, query domain.StandaloneQuery) ([]domain.SourceCandidate, error) {
	variants := o.expandQuery(ctx, query.Text)

	group, groupCtx := errgroup.WithContext(ctx)
	lists := make([][]domain.SourceCandidate, len(variants))
	for i, variant := range variants {
		i, variant := i, variant
		group.Go(func() error {
			found, err := o.retrieveParallel(groupCtx, domain.StandaloneQuery{Text: variant, Intent: query.Intent})
			if err != nil {
				return err
			}
			lists[i] = found
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return fuseRankedListsRRF(lists, o.cfg.RRFK), nil
}

// retrieveAdaptive starts with the cheap parallel strategy and escalates to
// fusion at most once when the pre-grading confidence estimate is weak.
func (o *Orchestrator) retrieveAdaptive(ctx context.Context, query domain.StandaloneQuery) ([]domain.SourceCandidate, error) {
	merged, err := o.retrieveParallel(ctx, query)
	if err != nil {
		return nil, err
	}
	if preGradingConfidence(merged) >= o.cfg.EscalationThreshold {
		return merged, nil
	}

	slog.Info("retrieval_escalation", "query", query.Text, "candidates", len(merged))
	escalated, err := o.retrieveFusion(ctx, query)
	if err != nil {
		return nil, err
	}
	return escalated, nil
}

// preGradingConfidence is a cheap evidence-quality estimate from normalized
// retriever scores: the top score, damped when the head of the ranking is
// flat (little separation suggests nothing stood out).
func preGradingConfidence(candidates []domain.SourceCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	top := candidates[0].Score
	if len(candidates) == 1 {
		return top * 0.5
	}
	spread := top - candidates[len(candidates)-1].Score
	if spread > 1 {
		spread = 1
	}
	return top * (0.6 + 0.4*spread)
}

func (o *Orchestrator) rerank(ctx context.Context, query domain.StandaloneQuery, candidates []domain.SourceCandidate) ([]domain.SourceCandidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := o.reranker.Score(ctx, query.Text, texts)
	if err != nil || len(scores) != len(candidates) {
		// Reranker trouble keeps the retriever ordering instead of
		// discarding the round.
		if err != nil {
			slog.Warn("rerank_failed", "error", err)
		}
		return trimCandidates(candidates, o.cfg.TopK), ctx.Err()
	}

	out := make([]domain.SourceCandidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].RerankScore = scores[i]
		out[i].Reranked = true
		out[i].Score = scores[i]
	}
	sortCandidates(out)

	kept := out[:0:len(out)]
	for _, c := range out {
		if c.RerankScore < o.cfg.MinRerankScore {
			continue
		}
		kept = append(kept, c)
	}
	return trimCandidates(kept, o.cfg.TopK), nil
}

// expandQuery asks the LLM for paraphrased variants; the original query is
// always the first variant, and expansion failure means fusion degrades to a
// single-variant (parallel-equivalent) round.
func (o *Orchestrator) expandQuery(ctx context.Context, query string) []string {
	variants := []string{query}

	raw, err := o.llm.CompleteJSON(ctx, buildParaphrasePrompt(query, o.cfg.MaxVariants-1))
	if err != nil {
		slog.Warn("query_expansion_failed", "error", err)
		return variants
	}
	var parsed struct {
		Variants []string `json:"variants"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("query_expansion_unparseable", "error", err)
		return variants
	}

	seen := map[string]struct{}{strings.ToLower(query): {}}
	for _, variant := range parsed.Variants {
		variant = strings.TrimSpace(variant)
		if variant == "" {
			continue
		}
		key := strings.ToLower(variant)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		variants = append(variants, variant)
		if len(variants) >= o.cfg.MaxVariants {
			break
		}
	}
	return variants
}

func (o *Orchestrator) embedQuery(ctx context.Context, text string) []float32 {
	vector, err := withSingleRetryImpl(ctx, "embed query", o.cfg.RetryBackoff, func(callCtx context.Context) ([]float32, error) {
		return o.embedder.EmbedQuery(callCtx, text)
	})
	if err != nil {
		slog.Warn("query_embedding_failed", "error", err)
		return nil
	}
	return vector
}

func (o *Orchestrator) searchDense(ctx context.Context, collection string, queryVector []float32) ([]domain.SourceCandidate, error) {
	return o.withSingleRetry(ctx, fmt.Sprintf("dense search %s", collection), func(callCtx context.Context) ([]domain.SourceCandidate, error) {
		return o.vector.Search(callCtx, collection, queryVector, o.cfg.CandidateLimit)
	})
}

func (o *Orchestrator) searchLexical(ctx context.Context, collection string, queryText string) ([]domain.SourceCandidate, error) {
	return o.withSingleRetry(ctx, fmt.Sprintf("lexical search %s", collection), func(callCtx context.Context) ([]domain.SourceCandidate, error) {
		return o.lexical.SearchLexical(callCtx, collection, queryText, o.cfg.CandidateLimit)
	})
}

// withSingleRetry retries a search call once after a short backoff, then
// degrades to zero results. A failed retriever never aborts the round; only
// cancellation does.
func withSingleRetryImpl[T any](ctx context.Context, operation string, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	slog.Warn("search_retry", "operation", operation, "error", err)
	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return zero, ctx.Err()
	case <-timer.C:
	}

	result, err = fn(ctx)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	slog.Warn("search_degraded_to_empty", "operation", operation, "error", err)
	return zero, nil
}

func (o *Orchestrator) withSingleRetry(ctx context.Context, operation string, fn func(context.Context) ([]domain.SourceCandidate, error)) ([]domain.SourceCandidate, error) {
	return withSingleRetryImpl(ctx, operation, o.cfg.RetryBackoff, fn)
}
