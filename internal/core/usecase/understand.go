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

// Understander classifies query intent and rewrites follow-up questions into
// standalone search queries. All LLM failures degrade gracefully: intent
// falls back to general, decontextualization falls back to the identity
// transform. The understander never aborts a session.
type Understander struct {
	llm ports.TextGenerator
}

func NewUnderstander(llm ports.TextGenerator) *Understander {
	return &Understander{llm: llm}
}

func (u *Understander) Classify(ctx context.Context, question string, history []domain.ConversationMessage) domain.Intent {
	raw, err := u.llm.CompleteJSON(ctx, buildIntentPrompt(question, history))
	if err != nil {
		slog.Warn("intent_classification_failed", "error", err)
		return domain.IntentGeneral
	}

	var parsed struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("intent_classification_unparseable", "error", err)
		return domain.IntentGeneral
	}
	intent, ok := domain.ParseIntent(parsed.Intent)
	if !ok {
		return domain.IntentGeneral
	}
	return intent
}

// Decontextualize resolves pronouns and ellipsis against the conversation.
// With no history it is the identity transform and makes no LLM call.
func (u *Understander) Decontextualize(ctx context.Context, question string, history []domain.ConversationMessage, intent domain.Intent) domain.StandaloneQuery {
	identity := domain.StandaloneQuery{Text: strings.TrimSpace(question), Intent: intent}
	if len(history) == 0 {
		return identity
	}

	raw, err := u.llm.CompleteJSON(ctx, buildDecontextualizePrompt(question, history))
	if err != nil {
		slog.Warn("decontextualization_failed", "error", err)
		return identity
	}

	var parsed struct {
		StandaloneQuestion string `json:"standalone_question"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		slog.Warn("decontextualization_unparseable", "error", err)
		return identity
	}
	text := strings.TrimSpace(parsed.StandaloneQuestion)
	if text == "" {
		return identity
	}
	return domain.StandaloneQuery{Text: text, Intent: intent}
}

// Rewrite produces an improved search query after a failed retrieval round.
// Unlike classification and decontextualization this can fail: the caller
// owns the rewrite budget and must decide what an error means.
func (u *Understander) Rewrite(ctx context.Context, question string, previous domain.StandaloneQuery, reason string) (domain.StandaloneQuery, error) {
	raw, err := u.llm.CompleteJSON(ctx, buildRewritePrompt(question, previous.Text, reason))
	if err != nil {
		return domain.StandaloneQuery{}, fmt.Errorf("rewrite query: %w", err)
	}

	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return domain.StandaloneQuery{}, fmt.Errorf("parse rewrite json: %w", err)
	}
	text := strings.TrimSpace(parsed.Query)
	if text == "" || strings.EqualFold(text, previous.Text) {
		return domain.StandaloneQuery{}, fmt.Errorf("rewrite produced no new query")
	}
	return domain.StandaloneQuery{Text: text, Intent: previous.Intent, Rewritten: true}, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
