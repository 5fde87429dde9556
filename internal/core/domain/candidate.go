package domain

type Verdict string

const (
	VerdictRelevant          Verdict = "relevant"
	VerdictPartiallyRelevant Verdict = "partially_relevant"
	VerdictIrrelevant        Verdict = "irrelevant"
)

func ParseVerdict(raw string) (Verdict, bool) {
	switch Verdict(raw) {
	case VerdictRelevant:
		return VerdictRelevant, true
	case VerdictPartiallyRelevant:
		return VerdictPartiallyRelevant, true
	case VerdictIrrelevant:
		return VerdictIrrelevant, true
	default:
		return "", false
	}
}

type DocumentType string

const (
	DocTypeStatute    DocumentType = "statute"
	DocTypeRegulation DocumentType = "regulation"
	DocTypeGuidance   DocumentType = "guidance"
	DocTypeOther      DocumentType = "other"
)

// ParseDocumentType maps stored payload values onto the known document
// types. Anything unrecognized is DocTypeOther.
func ParseDocumentType(raw string) DocumentType {
	switch DocumentType(raw) {
	case DocTypeStatute, DocTypeRegulation, DocTypeGuidance:
		return DocumentType(raw)
	default:
		return DocTypeOther
	}
}

// Priority orders document types for tie-breaks: statute text outranks
// procedural guidance when scores are equal.
func (t DocumentType) Priority() int {
	switch t {
	case DocTypeStatute:
		return 3
	case DocTypeRegulation:
		return 2
	case DocTypeGuidance:
		return 1
	default:
		return 0
	}
}

// SourceCandidate is one retrieved evidence span. Produced by the retrieval
// orchestrator, read-only downstream; the grader annotates Verdict, nothing
// else is ever mutated.
type SourceCandidate struct {
	ID          string       `json:"id"`
	Collection  string       `json:"collection"`
	Text        string       `json:"text"`
	Score       float64      `json:"score"`
	RerankScore float64      `json:"rerank_score"`
	Reranked    bool         `json:"reranked"`
	DocType     DocumentType `json:"doc_type"`
	Verdict     Verdict      `json:"verdict,omitempty"`
}

// ConfidenceSignal aggregates grading verdicts for one retrieval round,
// 0.0 (no usable evidence) to 1.0. Recomputed per round, never carried over.
type ConfidenceSignal float64
