package domain

// State is the pipeline session state. Transitions advance monotonically
// except the two explicit backward edges Reflecting→Retrieving (rewrite and
// retry) and Validating→Generating (revise). Terminal states absorb.
type State string

const (
	StateClassifying State = "classifying"
	StateRetrieving  State = "retrieving"
	StateGrading     State = "grading"
	StateReflecting  State = "reflecting"
	StateGenerating  State = "generating"
	StateValidating  State = "validating"
	StateDone        State = "done"
	StateRefused     State = "refused"
	StateErrored     State = "errored"
)

func (s State) Terminal() bool {
	switch s {
	case StateDone, StateRefused, StateErrored:
		return true
	default:
		return false
	}
}

// CanTransition enumerates the legal edges of the session state machine.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StateClassifying:
		return to == StateRetrieving || to == StateGenerating || to == StateErrored
	case StateRetrieving:
		return to == StateGrading || to == StateRefused || to == StateErrored
	case StateGrading:
		return to == StateReflecting || to == StateGenerating || to == StateErrored
	case StateReflecting:
		return to == StateRetrieving || to == StateGenerating || to == StateRefused || to == StateErrored
	case StateGenerating:
		return to == StateValidating || to == StateErrored
	case StateValidating:
		return to == StateGenerating || to == StateDone || to == StateRefused || to == StateErrored
	default:
		return false
	}
}

type EventType string

const (
	EventMetadata     EventType = "metadata"
	EventGrading      EventType = "grading"
	EventThoughtChain EventType = "thought_chain"
	EventToken        EventType = "token"
	EventCorrections  EventType = "corrections"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is one entry of a session's ordered event stream. Exactly one of the
// payload groups is populated, selected by Type; the stream ends with exactly
// one EventDone or EventError.
type Event struct {
	Type EventType `json:"type"`

	// EventMetadata
	Sources []SourceCandidate `json:"sources,omitempty"`

	// EventGrading
	RelevantCount int    `json:"relevant_count,omitempty"`
	TotalCount    int    `json:"total_count,omitempty"`
	Summary       string `json:"summary,omitempty"`

	// EventThoughtChain
	Thought string `json:"thought,omitempty"`

	// EventToken
	Token string `json:"token,omitempty"`

	// EventCorrections
	CorrectedAnswer string `json:"corrected_answer,omitempty"`
	Corrections     int    `json:"corrections,omitempty"`

	// EventDone
	Result *Result `json:"result,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`
}
