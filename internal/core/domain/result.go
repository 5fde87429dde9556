package domain

import "time"

type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeRefused  Outcome = "refused"
	OutcomeErrored  Outcome = "errored"
)

type EvidenceLevel string

const (
	EvidenceHigh   EvidenceLevel = "HIGH"
	EvidenceMedium EvidenceLevel = "MEDIUM"
	EvidenceLow    EvidenceLevel = "LOW"
	EvidenceNone   EvidenceLevel = "NONE"
)

// Metrics collects per-session round-trip accounting.
type Metrics struct {
	Total           time.Duration `json:"total_ms"`
	Retrieval       time.Duration `json:"retrieval_ms"`
	Grading         time.Duration `json:"grading_ms"`
	Generation      time.Duration `json:"generation_ms"`
	RetrievalRounds int           `json:"retrieval_rounds"`
	Rewrites        int           `json:"rewrites"`
	Revisions       int           `json:"revisions"`
	Repairs         int           `json:"repairs"`
}

// Result is the terminal product of a pipeline session. Owned exclusively by
// the session and immutable once the session reaches a terminal state.
type Result struct {
	Outcome        Outcome           `json:"outcome"`
	Mode           Mode              `json:"mode"`
	Answer         string            `json:"answer"`
	Sources        []SourceCandidate `json:"sources"`
	Citations      []string          `json:"citations"`
	EvidenceLevel  EvidenceLevel     `json:"evidence_level"`
	RefusalReason  string            `json:"refusal_reason,omitempty"`
	ConversationID string            `json:"conversation_id"`
	Metrics        Metrics           `json:"metrics"`
}

func (r *Result) Refused() bool {
	return r.Outcome == OutcomeRefused
}
