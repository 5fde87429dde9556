package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
	"github.com/mlindgren/lagrum/internal/observability/metrics"
)

type Router struct {
	answerer ports.QuestionAnswerer
	metrics  *metrics.HTTPServerMetrics
	service  string

	rateLimitPerMinute int
	maxConcurrentAsks  int
}

type RouterOptions struct {
	RateLimitPerMinute int
	MaxConcurrentAsks  int
}

func NewRouter(answerer ports.QuestionAnswerer, m *metrics.HTTPServerMetrics, service string, options RouterOptions) *Router {
	return &Router{
		answerer:           answerer,
		metrics:            m,
		service:            service,
		rateLimitPerMinute: options.RateLimitPerMinute,
		maxConcurrentAsks:  options.MaxConcurrentAsks,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/ask", rt.withTrafficControl(http.HandlerFunc(rt.ask)))
	mux.Handle("/v1/ask/stream", rt.withTrafficControl(http.HandlerFunc(rt.askStream)))

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) withTrafficControl(next http.Handler) http.Handler {
	handler := next
	if rt.maxConcurrentAsks > 0 {
		handler = backpressureMiddleware(handler, rt.maxConcurrentAsks, 100*time.Millisecond)
	}
	if rt.rateLimitPerMinute > 0 {
		handler = rateLimitMiddleware(handler, rt.rateLimitPerMinute)
	}
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type askRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	Mode           string `json:"mode"`
	History        []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history"`
}

func (req askRequest) toQuery() (domain.Query, error) {
	mode := domain.ModeAuto
	if strings.TrimSpace(req.Mode) != "" {
		parsed, ok := domain.ParseMode(req.Mode)
		if !ok {
			return domain.Query{}, domain.WrapError(domain.ErrInvalidInput, "parse mode", errUnknownMode(req.Mode))
		}
		mode = parsed
	}

	history := make([]domain.Turn, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, domain.Turn{Role: turn.Role, Content: turn.Content})
	}
	return domain.Query{
		Question:       req.Question,
		History:        history,
		Mode:           mode,
		ConversationID: strings.TrimSpace(req.ConversationID),
	}, nil
}

type askResponse struct {
	Answer         string                   `json:"answer"`
	Refused        bool                     `json:"refused"`
	RefusalReason  string                   `json:"refusal_reason,omitempty"`
	EvidenceLevel  string                   `json:"evidence_level"`
	Citations      []string                 `json:"citations"`
	Sources        []domain.SourceCandidate `json:"sources"`
	ConversationID string                   `json:"conversation_id"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	query, err := req.toQuery()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := rt.answerer.Ask(r.Context(), query)
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if status >= 500 {
			slog.Error("ask_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
			writeJSON(w, status, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	rt.recordSession(result)
	writeJSON(w, http.StatusOK, askResponseFromResult(result))
}

func (rt *Router) askStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	query, err := req.toQuery()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events, err := rt.answerer.AskStream(r.Context(), query)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}

	result, streamErr := writeSSE(w, r, events)
	if streamErr != nil {
		slog.Warn("sse_stream_aborted", "request_id", requestIDFromContext(r.Context()), "error", streamErr)
	}
	if result != nil {
		rt.recordSession(result)
	}
}

func (rt *Router) recordSession(result *domain.Result) {
	if rt.metrics == nil || result == nil {
		return
	}
	rt.metrics.RecordSession(rt.service, metrics.SessionObservation{
		Outcome:         string(result.Outcome),
		Mode:            string(result.Mode),
		EvidenceLevel:   string(result.EvidenceLevel),
		RetrievalRounds: result.Metrics.RetrievalRounds,
		GradedCount:     len(result.Sources),
		Rewrites:        result.Metrics.Rewrites,
		Revisions:       result.Metrics.Revisions,
		Retrieval:       result.Metrics.Retrieval,
		Grading:         result.Metrics.Grading,
		Generation:      result.Metrics.Generation,
		Total:           result.Metrics.Total,
	})
}

func askResponseFromResult(result *domain.Result) askResponse {
	resp := askResponse{
		Answer:         result.Answer,
		Refused:        result.Refused(),
		RefusalReason:  result.RefusalReason,
		EvidenceLevel:  string(result.EvidenceLevel),
		Citations:      result.Citations,
		Sources:        result.Sources,
		ConversationID: result.ConversationID,
	}
	if resp.Citations == nil {
		resp.Citations = []string{}
	}
	if resp.Sources == nil {
		resp.Sources = []domain.SourceCandidate{}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
