package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/core/ports"
)

// Generated is the parsed structured output of one generation pass. Repaired
// marks answers rebuilt by the repair pass, whose text can differ from the
// tokens already streamed.
type Generated struct {
	Answer    string
	Citations []string
	Repaired  bool
}

// Generator builds the grounded prompt, runs the LLM in batch or token-
// stream form, and parses the structured answer. Parse failures and detected
// truncation get one bounded repair pass each, paid from the repair budget;
// an exhausted budget is a hard generation error, never a fabricated answer.
type Generator struct {
	llm ports.TextGenerator
}

func NewGenerator(llm ports.TextGenerator) *Generator {
	return &Generator{llm: llm}
}

// Generate produces the answer for one session. A non-nil emitToken streams
// raw tokens in model output order; the structured parse happens on the
// accumulated text afterwards.
func (g *Generator) Generate(
	ctx context.Context,
	query domain.StandaloneQuery,
	candidates []domain.SourceCandidate,
	mode domain.Mode,
	budget *domain.RetryBudget,
	emitToken func(string),
) (Generated, error) {
	prompt := buildAnswerPrompt(query.Text, candidates, mode)

	raw, err := g.complete(ctx, prompt, emitToken)
	if err != nil {
		return Generated{}, fmt.Errorf("generate answer: %w", err)
	}

	if looksTruncated(raw) && budget.ConsumeRepair() {
		continued, contErr := g.llm.Complete(ctx, buildContinuationPrompt(query.Text, raw))
		if contErr != nil {
			slog.Warn("continuation_failed", "error", contErr)
		} else if strings.TrimSpace(continued) != "" {
			if emitToken != nil {
				emitToken(continued)
			}
			raw = raw + continued
		}
	}

	parsed, parseErr := parseStructured(raw, mode)
	if parseErr == nil {
		return parsed, nil
	}

	return g.repair(ctx, raw, parseErr, budget)
}

// Revise rewrites a criticized answer with the violation list injected as
// correction instructions.
func (g *Generator) Revise(
	ctx context.Context,
	query domain.StandaloneQuery,
	answer string,
	violations []Violation,
	candidates []domain.SourceCandidate,
	mode domain.Mode,
) (Generated, error) {
	raw, err := g.llm.Complete(ctx, buildRevisionPrompt(query.Text, answer, violations, candidates, mode))
	if err != nil {
		return Generated{}, fmt.Errorf("revise answer: %w", err)
	}
	parsed, parseErr := parseStructured(raw, mode)
	if parseErr != nil {
		return Generated{}, fmt.Errorf("parse revised answer: %w", parseErr)
	}
	return parsed, nil
}

// repair re-asks for valid structure with the parse error and the offending
// output included, bounded by the repair budget.
func (g *Generator) repair(ctx context.Context, raw string, parseErr error, budget *domain.RetryBudget) (Generated, error) {
	if !budget.ConsumeRepair() {
		return Generated{}, domain.WrapError(domain.ErrGenerationParse, "generation repair budget exhausted", parseErr)
	}

	repaired, err := g.llm.CompleteJSON(ctx, buildRepairPrompt(raw, parseErr.Error()))
	if err != nil {
		return Generated{}, domain.WrapError(domain.ErrGenerationParse, "generation repair call", err)
	}

	var parsed struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(repaired)), &parsed); err != nil {
		return Generated{}, domain.WrapError(domain.ErrGenerationParse, "parse repaired output", err)
	}
	answer := strings.TrimSpace(parsed.Answer)
	if answer == "" {
		return Generated{}, domain.WrapError(domain.ErrGenerationParse, "repaired output", fmt.Errorf("empty answer"))
	}
	return Generated{Answer: answer, Citations: cleanCitations(parsed.Citations), Repaired: true}, nil
}

func (g *Generator) complete(ctx context.Context, prompt string, emitToken func(string)) (string, error) {
	if emitToken == nil {
		return g.llm.Complete(ctx, prompt)
	}

	tokens, errs := g.llm.Stream(ctx, prompt)
	var b strings.Builder
	for token := range tokens {
		b.WriteString(token)
		emitToken(token)
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return b.String(), nil
}

var citationLineRe = regexp.MustCompile(`(?mi)^K[ÄA]LLOR:\s*(.+?)\s*$`)

// parseStructured extracts the answer text and the trailing citation line.
// Chat answers carry no citations and always parse.
func parseStructured(raw string, mode domain.Mode) (Generated, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Generated{}, fmt.Errorf("empty generation output")
	}
	if mode == domain.ModeChat {
		return Generated{Answer: text}, nil
	}

	matches := citationLineRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Generated{}, fmt.Errorf("missing KALLOR citation line")
	}
	last := matches[len(matches)-1]
	if strings.TrimSpace(text[last[1]:]) != "" {
		return Generated{}, fmt.Errorf("citation line is not the final line")
	}

	ids := splitCitationIDs(text[last[2]:last[3]])
	answer := strings.TrimSpace(text[:last[0]])
	if answer == "" {
		return Generated{}, fmt.Errorf("answer body is empty")
	}
	return Generated{Answer: answer, Citations: ids}, nil
}

func splitCitationIDs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	})
	return cleanCitations(fields)
}

func cleanCitations(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, id := range raw {
		id = strings.Trim(strings.TrimSpace(id), "[]")
		if id == "" || strings.EqualFold(id, "inga") || strings.EqualFold(id, "none") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// looksTruncated flags answers that stop mid-sentence or on a dangling list
// marker, the typical shape of a cut-off completion.
func looksTruncated(raw string) bool {
	text := strings.TrimRight(strings.TrimSpace(raw), "\"')»")
	if text == "" {
		return false
	}
	if citationLineRe.MatchString(text) {
		return false
	}

	lastLine := text
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		lastLine = strings.TrimSpace(text[idx+1:])
	}
	if lastLine == "-" || lastLine == "*" {
		return true
	}

	// Only clear cut-off signals count; answers ending on a section sign or
	// other unpunctuated token are left alone.
	switch text[len(text)-1] {
	case ',', ';', ':', '-':
		return true
	default:
		return false
	}
}
