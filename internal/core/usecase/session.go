package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
)

type Timeouts struct {
	Retrieval  time.Duration
	Reflection time.Duration
	Generation time.Duration
}

func (t Timeouts) normalize() Timeouts {
	out := t
	if out.Retrieval <= 0 {
		out.Retrieval = 20 * time.Second
	}
	if out.Reflection <= 0 {
		out.Reflection = 25 * time.Second
	}
	if out.Generation <= 0 {
		out.Generation = 120 * time.Second
	}
	return out
}

type PipelineConfig struct {
	Budget             domain.RetryBudget
	Timeouts           Timeouts
	HighScoreThreshold float64
	HistoryLimit       int
}

func (c PipelineConfig) normalize() PipelineConfig {
	out := c
	if out.Budget == (domain.RetryBudget{}) {
		out.Budget = domain.DefaultRetryBudget()
	}
	out.Budget = out.Budget.Normalize()
	out.Timeouts = out.Timeouts.normalize()
	if out.HighScoreThreshold <= 0 {
		out.HighScoreThreshold = 0.8
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 12
	}
	return out
}

// Pipeline runs one session per question: understand, retrieve, grade,
// reflect (with bounded rewrite-and-retry), generate, criticize, validate.
// Sessions are independent; the only cross-session coupling is that a new
// question on a conversation cancels that conversation's in-flight session.
type Pipeline struct {
	understander  *Understander
	retriever     *Orchestrator
	grader        *Grader
	controller    *Controller
	generator     *Generator
	critic        *Critic
	conversations ports.ConversationStore
	audit         ports.AuditPublisher
	cfg           PipelineConfig

	mu     sync.Mutex
	active map[string]*activeSession
}

type activeSession struct {
	cancel context.CancelFunc
}

func NewPipeline(
	understander *Understander,
	retriever *Orchestrator,
	grader *Grader,
	controller *Controller,
	generator *Generator,
	critic *Critic,
	conversations ports.ConversationStore,
	audit ports.AuditPublisher,
	cfg PipelineConfig,
) *Pipeline {
	return &Pipeline{
		understander:  understander,
		retriever:     retriever,
		grader:        grader,
		controller:    controller,
		generator:     generator,
		critic:        critic,
		conversations: conversations,
		audit:         audit,
		cfg:           cfg.normalize(),
		active:        make(map[string]*activeSession),
	}
}

func (p *Pipeline) Ask(ctx context.Context, query domain.Query) (*domain.Result, error) {
	events, err := p.askEvents(ctx, query, false)
	if err != nil {
		return nil, err
	}

	var result *domain.Result
	var failure string
	for event := range events {
		switch event.Type {
		case domain.EventDone:
			result = event.Result
		case domain.EventError:
			failure = event.Message
		}
	}
	if result != nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if failure == "" {
		failure = "pipeline produced no result"
	}
	return nil, fmt.Errorf("ask: %s", failure)
}

func (p *Pipeline) AskStream(ctx context.Context, query domain.Query) (<-chan domain.Event, error) {
	return p.askEvents(ctx, query, true)
}

func (p *Pipeline) askEvents(ctx context.Context, query domain.Query, streamTokens bool) (<-chan domain.Event, error) {
	if strings.TrimSpace(query.Question) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("question is required"))
	}
	if query.Mode == "" {
		query.Mode = domain.ModeAuto
	}
	if query.ConversationID == "" {
		query.ConversationID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	release := p.takeOver(query.ConversationID, cancel)

	events := make(chan domain.Event, 64)
	go func() {
		defer close(events)
		defer release()
		session := &session{
			pipeline:     p,
			query:        query,
			streamTokens: streamTokens,
			events:       events,
			ctx:          runCtx,
			budget:       p.cfg.Budget,
			state:        domain.StateClassifying,
			started:      time.Now(),
		}
		session.run()
	}()
	return events, nil
}

// takeOver cancels the conversation's in-flight session, if any, and
// registers this one. The returned release removes the registration unless
// a newer session already took over.
func (p *Pipeline) takeOver(conversationID string, cancel context.CancelFunc) func() {
	entry := &activeSession{cancel: cancel}

	p.mu.Lock()
	if prior, ok := p.active[conversationID]; ok {
		prior.cancel()
	}
	p.active[conversationID] = entry
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		if p.active[conversationID] == entry {
			delete(p.active, conversationID)
		}
		p.mu.Unlock()
		cancel()
	}
}

// session carries the per-request mutable state of one pipeline run.
type session struct {
	pipeline     *Pipeline
	query        domain.Query
	streamTokens bool
	events       chan<- domain.Event
	ctx          context.Context

	budget  domain.RetryBudget
	state   domain.State
	started time.Time
	metrics domain.Metrics

	sessionID string
	mode      domain.Mode
}

func (s *session) run() {
	s.sessionID = uuid.NewString()
	p := s.pipeline

	history := s.loadHistory()
	intent := p.understander.Classify(s.ctx, s.query.Question, history)
	s.mode = domain.ResolveMode(s.query.Mode, intent)
	if s.cancelled() {
		return
	}

	if s.mode == domain.ModeChat {
		s.runChat()
		return
	}

	standalone := p.understander.Decontextualize(s.ctx, s.query.Question, history, intent)
	strategy := domain.StrategyForIntent(intent)

	graded := s.retrievalLoop(&standalone, strategy)
	if s.state.Terminal() || s.cancelled() {
		return
	}

	usable := relevantOnly(graded)
	answer, ok := s.generate(standalone, usable)
	if !ok {
		return
	}

	answer, violations := s.criticLoop(standalone, answer, usable)
	if s.cancelled() {
		return
	}

	outcome := ValidateAnswer(answer, graded, violations, s.mode, p.cfg.HighScoreThreshold)
	if outcome.Refuse {
		s.refuse(outcome.RefusalReason)
		return
	}

	sources := CitedSources(answer, usable)
	if len(sources) == 0 {
		sources = usable
	}
	s.finish(&domain.Result{
		Outcome:        domain.OutcomeAnswered,
		Answer:         answer.Answer,
		Sources:        sources,
		Citations:      answer.Citations,
		EvidenceLevel:  outcome.EvidenceLevel,
		ConversationID: s.query.ConversationID,
	})
}

// runChat skips retrieval entirely: chat answers carry no evidence.
func (s *session) runChat() {
	s.advance(domain.StateGenerating)
	answer, ok := s.generate(domain.StandaloneQuery{Text: s.query.Question, Intent: domain.IntentChat}, nil)
	if !ok {
		return
	}
	s.advance(domain.StateValidating)
	s.finish(&domain.Result{
		Outcome:        domain.OutcomeAnswered,
		Answer:         answer.Answer,
		Sources:        []domain.SourceCandidate{},
		Citations:      []string{},
		EvidenceLevel:  domain.EvidenceNone,
		ConversationID: s.query.ConversationID,
	})
}

// retrievalLoop is the corrective loop: retrieve, grade, reflect, and either
// proceed, rewrite-and-retry, or refuse once the rewrite budget is gone. The
// grading/reflection watchdog forces best-effort progression on timeout.
func (s *session) retrievalLoop(standalone *domain.StandaloneQuery, strategy domain.RetrievalStrategy) []domain.SourceCandidate {
	p := s.pipeline

	for {
		s.advance(domain.StateRetrieving)
		retrieveStart := time.Now()
		retrieveCtx, cancelRetrieve := context.WithTimeout(s.ctx, p.cfg.Timeouts.Retrieval)
		candidates, err := p.retriever.Retrieve(retrieveCtx, *standalone, strategy)
		cancelRetrieve()
		s.metrics.Retrieval += time.Since(retrieveStart)
		s.metrics.RetrievalRounds++
		if err != nil {
			if s.cancelled() {
				return nil
			}
			// A timed-out round counts as zero candidates, not an abort.
			slog.Warn("retrieval_round_failed", "session", s.sessionID, "error", err)
			candidates = nil
		}
		s.emit(domain.Event{Type: domain.EventMetadata, Sources: candidates})

		s.advance(domain.StateGrading)
		gradeStart := time.Now()
		reflectCtx, cancelReflect := context.WithTimeout(s.ctx, p.cfg.Timeouts.Reflection)
		graded, confidence := p.grader.Grade(reflectCtx, candidates, *standalone)
		s.metrics.Grading += time.Since(gradeStart)
		s.emit(domain.Event{
			Type:          domain.EventGrading,
			RelevantCount: len(relevantOnly(graded)),
			TotalCount:    len(graded),
			Summary:       fmt.Sprintf("confidence %.2f", confidence),
		})

		if p.controller.Decide(confidence, graded) == DecisionProceed {
			cancelReflect()
			return graded
		}

		s.advance(domain.StateReflecting)
		sufficient, judgment := p.controller.Reflect(reflectCtx, *standalone, graded)
		watchdogFired := reflectCtx.Err() != nil && s.ctx.Err() == nil
		cancelReflect()
		s.emit(domain.Event{Type: domain.EventThoughtChain, Thought: judgment})

		if s.cancelled() {
			return nil
		}
		if sufficient || watchdogFired {
			return graded
		}

		rewritten, hadBudget, err := p.controller.RewriteQuery(s.ctx, &s.budget, s.query.Question, *standalone, judgment)
		if !hadBudget || err != nil {
			attempts := s.metrics.Rewrites
			if err != nil {
				slog.Warn("rewrite_failed", "session", s.sessionID, "error", err)
				attempts++
			}
			s.refuse(RefusalReason(attempts))
			return graded
		}
		s.metrics.Rewrites++
		*standalone = rewritten
		strategy = domain.StrategyAdaptive
	}
}

func (s *session) generate(standalone domain.StandaloneQuery, usable []domain.SourceCandidate) (Generated, bool) {
	p := s.pipeline
	s.advance(domain.StateGenerating)

	var emitToken func(string)
	if s.streamTokens {
		emitToken = func(token string) {
			s.emit(domain.Event{Type: domain.EventToken, Token: token})
		}
	}

	repairsBefore := s.budget.Repair
	generateStart := time.Now()
	generateCtx, cancelGenerate := context.WithTimeout(s.ctx, p.cfg.Timeouts.Generation)
	answer, err := p.generator.Generate(generateCtx, standalone, usable, s.mode, &s.budget, emitToken)
	cancelGenerate()
	s.metrics.Generation += time.Since(generateStart)
	s.metrics.Repairs += repairsBefore - s.budget.Repair
	if err != nil {
		if s.cancelled() {
			return Generated{}, false
		}
		slog.Error("generation_failed", "session", s.sessionID, "error", err)
		s.fail("the answer could not be generated")
		return Generated{}, false
	}
	if s.streamTokens && answer.Repaired {
		// The repaired text supersedes whatever tokens already went out.
		s.emit(domain.Event{
			Type:            domain.EventCorrections,
			CorrectedAnswer: answer.Answer,
			Corrections:     1,
		})
	}
	return answer, true
}

// criticLoop detects citation and grounding violations and requests bounded
// revisions. Leftover violations do not fail the session here; the guardrail
// decides final disposition.
func (s *session) criticLoop(standalone domain.StandaloneQuery, answer Generated, usable []domain.SourceCandidate) (Generated, []Violation) {
	p := s.pipeline
	s.advance(domain.StateValidating)

	violations := p.critic.Critique(s.ctx, answer, usable, s.mode)
	for len(violations) > 0 && s.budget.ConsumeRevise() {
		s.metrics.Revisions++
		s.advance(domain.StateGenerating)
		reviseCtx, cancelRevise := context.WithTimeout(s.ctx, p.cfg.Timeouts.Generation)
		revised, err := p.generator.Revise(reviseCtx, standalone, answer.Answer, violations, usable, s.mode)
		cancelRevise()
		s.advance(domain.StateValidating)
		if err != nil {
			slog.Warn("revision_failed", "session", s.sessionID, "error", err)
			break
		}
		answer = revised
		s.emit(domain.Event{
			Type:            domain.EventCorrections,
			CorrectedAnswer: revised.Answer,
			Corrections:     len(violations),
		})
		violations = p.critic.Critique(s.ctx, answer, usable, s.mode)
	}
	return answer, violations
}

func (s *session) refuse(reason string) {
	s.finish(&domain.Result{
		Outcome:        domain.OutcomeRefused,
		Sources:        []domain.SourceCandidate{},
		Citations:      []string{},
		EvidenceLevel:  domain.EvidenceNone,
		RefusalReason:  reason,
		ConversationID: s.query.ConversationID,
	})
}

// fail ends the session in the errored terminal state with a generic
// user-facing message; details stay in the log.
func (s *session) fail(message string) {
	s.advance(domain.StateErrored)
	s.metrics.Total = time.Since(s.started)
	s.publishAudit(&domain.Result{
		Outcome:        domain.OutcomeErrored,
		Mode:           s.mode,
		EvidenceLevel:  domain.EvidenceNone,
		ConversationID: s.query.ConversationID,
		Metrics:        s.metrics,
	})
	s.emit(domain.Event{Type: domain.EventError, Message: message})
}

func (s *session) finish(result *domain.Result) {
	switch result.Outcome {
	case domain.OutcomeRefused:
		s.advance(domain.StateRefused)
	default:
		s.advance(domain.StateDone)
	}

	s.metrics.Total = time.Since(s.started)
	result.Mode = s.mode
	result.Metrics = s.metrics
	if result.Outcome == domain.OutcomeRefused && result.Answer == "" {
		result.Answer = refusalAnswerText()
	}

	s.persistTurn(result)
	s.publishAudit(result)
	s.emit(domain.Event{Type: domain.EventDone, Result: result})
}

// refusalAnswerText keeps refusals in the same voice as a normal answer.
func refusalAnswerText() string {
	return "Jag hittar inte tillräckligt stöd i underlaget för att kunna svara på frågan."
}

func (s *session) persistTurn(result *domain.Result) {
	store := s.pipeline.conversations
	if store == nil {
		return
	}
	// Best effort: a storage hiccup must not undo a finished answer.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()

	if _, err := store.EnsureConversation(persistCtx, s.query.ConversationID); err != nil {
		slog.Warn("conversation_ensure_failed", "session", s.sessionID, "error", err)
		return
	}
	turn, err := store.NextTurn(persistCtx, s.query.ConversationID)
	if err != nil {
		slog.Warn("conversation_turn_failed", "session", s.sessionID, "error", err)
		return
	}
	now := time.Now().UTC()
	userMsg := domain.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: s.query.ConversationID,
		Role:           "user",
		Content:        s.query.Question,
		Turn:           turn,
		CreatedAt:      now,
	}
	assistantMsg := domain.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: s.query.ConversationID,
		Role:           "assistant",
		Content:        result.Answer,
		Turn:           turn,
		CreatedAt:      now,
	}
	if err := store.AppendMessage(persistCtx, userMsg); err != nil {
		slog.Warn("conversation_append_failed", "session", s.sessionID, "error", err)
		return
	}
	if err := store.AppendMessage(persistCtx, assistantMsg); err != nil {
		slog.Warn("conversation_append_failed", "session", s.sessionID, "error", err)
	}
}

func (s *session) publishAudit(result *domain.Result) {
	audit := s.pipeline.audit
	if audit == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()

	err := audit.PublishAnswerAudit(publishCtx, domain.AnswerAudit{
		SessionID:      s.sessionID,
		ConversationID: s.query.ConversationID,
		Question:       s.query.Question,
		Mode:           s.mode,
		Outcome:        result.Outcome,
		EvidenceLevel:  result.EvidenceLevel,
		RefusalReason:  result.RefusalReason,
		SourceCount:    len(result.Sources),
		Rewrites:       result.Metrics.Rewrites,
		Revisions:      result.Metrics.Revisions,
		TotalMS:        result.Metrics.Total.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("audit_publish_failed", "session", s.sessionID, "error", err)
	}
}

func (s *session) loadHistory() []domain.ConversationMessage {
	if len(s.query.History) > 0 {
		history := make([]domain.ConversationMessage, 0, len(s.query.History))
		for _, turn := range s.query.History {
			history = append(history, domain.ConversationMessage{
				ConversationID: s.query.ConversationID,
				Role:           turn.Role,
				Content:        turn.Content,
			})
		}
		return history
	}
	if s.pipeline.conversations == nil {
		return nil
	}
	history, err := s.pipeline.conversations.ListRecentMessages(s.ctx, s.query.ConversationID, s.pipeline.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("history_load_failed", "session", s.sessionID, "error", err)
		return nil
	}
	return history
}

// advance moves the state machine along a legal edge; an illegal transition
// is a programming error and is logged, not acted on.
func (s *session) advance(to domain.State) {
	if s.state == to {
		return
	}
	if !s.state.CanTransition(to) {
		slog.Error("illegal_state_transition", "session", s.sessionID, "from", string(s.state), "to", string(to))
		return
	}
	s.state = to
}

func (s *session) cancelled() bool {
	if s.ctx.Err() == nil {
		return false
	}
	if !s.state.Terminal() {
		s.advance(domain.StateErrored)
		s.emit(domain.Event{Type: domain.EventError, Message: "the question was cancelled"})
	}
	return true
}

func (s *session) emit(event domain.Event) {
	select {
	case s.events <- event:
	case <-s.ctx.Done():
		// Consumer likely gone; deliver without blocking if buffer allows.
		select {
		case s.events <- event:
		default:
		}
	}
}
