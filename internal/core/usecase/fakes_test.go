package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

type fakeLLM struct {
	mu sync.Mutex

	completeFn     func(prompt string) (string, error)
	completeJSONFn func(prompt string) (string, error)
	streamFn       func(ctx context.Context, prompt string) (<-chan string, <-chan error)

	completePrompts []string
	jsonPrompts     []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.completePrompts = append(f.completePrompts, prompt)
	f.mu.Unlock()
	if f.completeFn == nil {
		return "", fmt.Errorf("unexpected Complete call")
	}
	return f.completeFn(prompt)
}

func (f *fakeLLM) CompleteJSON(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.jsonPrompts = append(f.jsonPrompts, prompt)
	f.mu.Unlock()
	if f.completeJSONFn == nil {
		return "", fmt.Errorf("unexpected CompleteJSON call")
	}
	return f.completeJSONFn(prompt)
}

func (f *fakeLLM) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, prompt)
	}
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		text, err := f.Complete(ctx, prompt)
		if err != nil {
			errs <- err
			return
		}
		tokens <- text
	}()
	return tokens, errs
}

func (f *fakeLLM) jsonCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jsonPrompts)
}

type fakeVector struct {
	mu      sync.Mutex
	results map[string][]domain.SourceCandidate
	err     error
	calls   int
}

func (f *fakeVector) Search(_ context.Context, collection string, _ []float32, _ int) ([]domain.SourceCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[collection], nil
}

type fakeLexical struct {
	mu      sync.Mutex
	results map[string][]domain.SourceCandidate
	err     error
	calls   int
}

func (f *fakeLexical) SearchLexical(_ context.Context, collection string, _ string, _ int) ([]domain.SourceCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[collection], nil
}

type fakeReranker struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeReranker) Score(_ context.Context, _ string, candidateTexts []string) ([]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(candidateTexts))
	for i, text := range candidateTexts {
		out[i] = f.scores[text]
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	turn     int
	messages []domain.ConversationMessage
	history  []domain.ConversationMessage
}

func (f *fakeStore) EnsureConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	return &domain.Conversation{ConversationID: conversationID}, nil
}

func (f *fakeStore) NextTurn(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turn++
	return f.turn, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, message domain.ConversationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeStore) ListRecentMessages(_ context.Context, _ string, _ int) ([]domain.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStore) appended() []domain.ConversationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ConversationMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	audits []domain.AnswerAudit
}

func (f *fakeAudit) PublishAnswerAudit(_ context.Context, audit domain.AnswerAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeAudit) published() []domain.AnswerAudit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AnswerAudit, len(f.audits))
	copy(out, f.audits)
	return out
}
