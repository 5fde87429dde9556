package usecase

import (
	"fmt"
	"strings"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

const promptSnippetLimit = 2000

func buildIntentPrompt(question string, history []domain.ConversationMessage) string {
	return fmt.Sprintf(`You classify questions directed at a Swedish public-sector document corpus.
Return strict JSON: {"intent":"legal_lookup|policy_synthesis|procedural|comparative|chat|general"}.
legal_lookup: asks what a specific statute, regulation or section says.
policy_synthesis: asks for a synthesized position across documents.
procedural: asks how to carry out an administrative procedure.
comparative: asks to compare provisions, bodies or time periods.
chat: small talk or questions unrelated to the corpus.
general: anything else.
No markdown, no extra keys.

Conversation so far:
%s

Question:
%s`, renderHistory(history), question)
}

func buildDecontextualizePrompt(question string, history []domain.ConversationMessage) string {
	return fmt.Sprintf(`Rewrite the latest question as a standalone search query.
Resolve pronouns and ellipsis using the conversation. Keep the original language.
Do not answer the question. Return strict JSON: {"standalone_question":"..."}.

Conversation so far:
%s

Latest question:
%s`, renderHistory(history), question)
}

func buildParaphrasePrompt(query string, count int) string {
	return fmt.Sprintf(`Generate %d alternative phrasings of the search query below for document retrieval.
Vary terminology and word order, keep the meaning and language identical.
Return strict JSON: {"variants":["...","..."]}.

Query:
%s`, count, query)
}

func buildGradePrompt(query string, candidateText string) string {
	return fmt.Sprintf(`Judge whether the passage helps answer the query.
Return strict JSON: {"verdict":"relevant|partially_relevant|irrelevant"}.
relevant: the passage directly addresses the query.
partially_relevant: the passage touches the topic but does not answer it.
irrelevant: everything else.

Query:
%s

Passage:
%s`, query, clipText(candidateText, promptSnippetLimit))
}

func buildSufficiencyPrompt(query string, candidates []domain.SourceCandidate) string {
	return fmt.Sprintf(`Decide whether the passages below are sufficient to answer the question.
Return strict JSON: {"sufficient":true|false,"reason":"..."}.

Question:
%s

Passages:
%s`, query, renderCandidates(candidates))
}

func buildRewritePrompt(question string, previousQuery string, reason string) string {
	return fmt.Sprintf(`The search query below found insufficient evidence. Write one improved
search query for the same information need: use official terminology, expand
abbreviations, add the likely statute or authority name. Keep the language.
Return strict JSON: {"query":"..."}.

Original question:
%s

Failed query:
%s

Why it was insufficient:
%s`, question, previousQuery, reason)
}

func buildAnswerPrompt(query string, candidates []domain.SourceCandidate, mode domain.Mode) string {
	var instructions string
	switch mode {
	case domain.ModeEvidence:
		instructions = `Answer strictly from the sources below. Every claim must be backed by a
source. If the sources do not cover a point, say so instead of guessing.
Answer in the language of the question.
End your answer with a final line of the exact form:
KALLOR: id1; id2
listing the ids of the sources you actually used.`
	case domain.ModeAssist:
		instructions = `Answer helpfully using the sources below as primary material. You may add
brief general context, clearly marked as such. Answer in the language of the
question. End your answer with a final line of the exact form:
KALLOR: id1; id2
listing the ids of the sources you actually used.`
	default:
		instructions = `Answer the question conversationally, in the language of the question.`
	}

	if mode == domain.ModeChat || len(candidates) == 0 {
		return fmt.Sprintf("%s\n\nQuestion:\n%s", instructions, query)
	}

	return fmt.Sprintf(`%s

Question:
%s

Sources:
%s`, instructions, query, renderCandidates(candidates))
}

func buildRepairPrompt(raw string, parseErr string) string {
	return fmt.Sprintf(`The answer below is missing or has a malformed source line.
Re-emit it as strict JSON: {"answer":"...","citations":["id1","id2"]}.
Keep the answer text unchanged apart from removing any broken source line.
Parse error: %s

Answer:
%s`, parseErr, raw)
}

func buildContinuationPrompt(query string, partial string) string {
	return fmt.Sprintf(`The answer below was cut off mid-thought. Continue it from where it stops,
without repeating anything. Keep the same language and the final
KALLOR: id1; id2
line at the very end.

Question:
%s

Partial answer:
%s`, query, partial)
}

func buildGroundingCheckPrompt(answer string, candidates []domain.SourceCandidate) string {
	return fmt.Sprintf(`Check the answer against the sources. List every claim in the answer that
the sources do not support. Return strict JSON:
{"grounded":true|false,"problems":["..."]}.

Answer:
%s

Sources:
%s`, clipText(answer, 4000), renderCandidates(candidates))
}

func buildRevisionPrompt(query string, answer string, violations []Violation, candidates []domain.SourceCandidate, mode domain.Mode) string {
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		lines = append(lines, fmt.Sprintf("- %s: %s", v.Kind, v.Detail))
	}
	return fmt.Sprintf(`Revise the answer so that every problem below is fixed. Only use the listed
sources, keep the language, and end with the
KALLOR: id1; id2
line listing the sources actually used.

Question:
%s

Problems:
%s

Current answer:
%s

Sources:
%s`, query, strings.Join(lines, "\n"), answer, renderCandidates(candidates))
}

func renderHistory(history []domain.ConversationMessage) string {
	if len(history) == 0 {
		return "(empty)"
	}
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, clipText(content, 400)))
	}
	if len(lines) == 0 {
		return "(empty)"
	}
	return strings.Join(lines, "\n")
}

func renderCandidates(candidates []domain.SourceCandidate) string {
	if len(candidates) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%s] type=%s collection=%s\n%s\n\n", c.ID, c.DocType, c.Collection, clipText(c.Text, promptSnippetLimit))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clipText(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	clipped := s[:max]
	// Do not split a UTF-8 sequence.
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped
}
