package domain

import "strings"

type Mode string

const (
	ModeEvidence Mode = "evidence"
	ModeAssist   Mode = "assist"
	ModeChat     Mode = "chat"
	ModeAuto     Mode = "auto"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeEvidence:
		return ModeEvidence, true
	case ModeAssist:
		return ModeAssist, true
	case ModeChat:
		return ModeChat, true
	case ModeAuto, "":
		return ModeAuto, true
	default:
		return "", false
	}
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is the immutable input of one pipeline session.
type Query struct {
	Question       string
	History        []Turn
	Mode           Mode
	ConversationID string
}

type Intent string

const (
	IntentLegalLookup     Intent = "legal_lookup"
	IntentPolicySynthesis Intent = "policy_synthesis"
	IntentProcedural      Intent = "procedural"
	IntentComparative     Intent = "comparative"
	IntentChat            Intent = "chat"
	IntentGeneral         Intent = "general"
)

func ParseIntent(raw string) (Intent, bool) {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentLegalLookup:
		return IntentLegalLookup, true
	case IntentPolicySynthesis:
		return IntentPolicySynthesis, true
	case IntentProcedural:
		return IntentProcedural, true
	case IntentComparative:
		return IntentComparative, true
	case IntentChat:
		return IntentChat, true
	case IntentGeneral:
		return IntentGeneral, true
	default:
		return "", false
	}
}

// StandaloneQuery is a self-contained search string derived from a Query.
// Rewritten marks queries produced by the correction loop rather than the
// initial decontextualization.
type StandaloneQuery struct {
	Text      string
	Intent    Intent
	Rewritten bool
}

type RetrievalStrategy string

const (
	StrategyParallel RetrievalStrategy = "parallel"
	StrategyFusion   RetrievalStrategy = "fusion"
	StrategyAdaptive RetrievalStrategy = "adaptive"
)

// ResolveMode maps ModeAuto to a concrete mode from the classified intent.
func ResolveMode(mode Mode, intent Intent) Mode {
	if mode != ModeAuto {
		return mode
	}
	switch intent {
	case IntentChat:
		return ModeChat
	case IntentProcedural, IntentGeneral:
		return ModeAssist
	default:
		return ModeEvidence
	}
}

// StrategyForIntent picks the initial retrieval strategy for a session.
// Comparative and synthesis questions benefit from multi-variant fusion,
// simple lookups start cheap and escalate on weak confidence.
func StrategyForIntent(intent Intent) RetrievalStrategy {
	switch intent {
	case IntentComparative, IntentPolicySynthesis:
		return StrategyFusion
	case IntentLegalLookup:
		return StrategyAdaptive
	default:
		return StrategyParallel
	}
}
