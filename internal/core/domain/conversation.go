package domain

import "time"

type Conversation struct {
	ConversationID string
	CurrentTurn    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Turn           int
	CreatedAt      time.Time
}

// AnswerAudit is the per-session record published after a session reaches a
// terminal state, consumed by offline answer-quality evaluation.
type AnswerAudit struct {
	SessionID      string        `json:"session_id"`
	ConversationID string        `json:"conversation_id"`
	Question       string        `json:"question"`
	Mode           Mode          `json:"mode"`
	Outcome        Outcome       `json:"outcome"`
	EvidenceLevel  EvidenceLevel `json:"evidence_level"`
	RefusalReason  string        `json:"refusal_reason,omitempty"`
	SourceCount    int           `json:"source_count"`
	Rewrites       int           `json:"rewrites"`
	Revisions      int           `json:"revisions"`
	TotalMS        int64         `json:"total_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}
