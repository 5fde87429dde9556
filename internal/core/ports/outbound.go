package ports

import (
	"context"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

// VectorSearcher performs dense nearest-neighbor search inside one collection.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, queryVector []float32, limit int) ([]domain.SourceCandidate, error)
}

// LexicalSearcher performs sparse/keyword search inside one collection.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, collection string, queryText string, limit int) ([]domain.SourceCandidate, error)
}

// Reranker scores candidate texts against a query in one batched call.
// Scores are returned in candidate order.
type Reranker interface {
	Score(ctx context.Context, queryText string, candidateTexts []string) ([]float64, error)
}

// Embedder builds vectors for query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TextGenerator is the LLM boundary. All calls honor ctx deadline and
// cancellation; Stream delivers tokens in model output order until the
// model finishes, the channel then closes.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// ConversationStore persists conversation turns used for decontextualization.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	NextTurn(ctx context.Context, conversationID string) (int, error)
	AppendMessage(ctx context.Context, message domain.ConversationMessage) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error)
}

// AuditPublisher emits one answer-audit event per terminal session.
type AuditPublisher interface {
	PublishAnswerAudit(ctx context.Context, audit domain.AnswerAudit) error
}
