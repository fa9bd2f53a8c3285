package hydra

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Classification is the classifier verdict for one prompt.
type Classification struct {
	PersonaID  string
	Confidence float64
	Reasoning  string
	Score      float64
}

// foldTransformer lowercases nothing by itself; it strips combining marks
// after NFD decomposition, which folds ą→a, ć→c, ę→e, ń→n, ó→o, ś→s, ź→z,
// ż→z. The stroked ł has no canonical decomposition, so it is mapped
// explicitly first.
var foldTransformer = transform.Chain(
	runes.Map(func(r rune) rune {
		switch r {
		case 'ł':
			return 'l'
		case 'Ł':
			return 'L'
		}
		return r
	}),
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Fold lowercases s and folds Polish diacritics to ASCII.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

// keywordWeight scores one matched keyword by its length.
func keywordWeight(kw string) float64 {
	switch n := len(kw); {
	case n >= 8:
		return 2.0
	case n >= 5:
		return 1.5
	default:
		return 1.0
	}
}

// Classify maps a prompt to a persona using keyword scoring. Keywords of
// length ≥4 match as substrings of the folded prompt; shorter keywords only
// match as whole words. Deterministic: two invocations on the same inputs
// return identical results, ties resolve to the earlier persona.
func Classify(prompt string, personas []Persona) Classification {
	folded := Fold(prompt)
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	var (
		best        Persona
		bestScore   float64
		bestMatched []string
		found       bool
	)
	for _, p := range personas {
		var score float64
		var matched []string
		for _, kw := range p.Keywords {
			fkw := Fold(kw)
			if len(fkw) >= 4 {
				if !strings.Contains(folded, fkw) {
					continue
				}
			} else if !wordSet[fkw] {
				continue
			}
			score += keywordWeight(fkw)
			matched = append(matched, kw)
		}
		if score > bestScore {
			best, bestScore, bestMatched, found = p, score, matched, true
		}
	}

	if !found {
		return Classification{
			PersonaID:  DefaultPersonaID,
			Confidence: 0.4,
			Reasoning:  "no keyword matched, using default persona",
		}
	}

	conf := 0.6 + min(bestScore/8, 0.35)
	if conf > 0.95 {
		conf = 0.95
	}
	return Classification{
		PersonaID:  best.ID,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("matched keywords: %s", strings.Join(bestMatched, ", ")),
		Score:      bestScore,
	}
}

// fallbackConfidenceFloor is the threshold below which the engine consults
// the LLM fallback classifier.
const fallbackConfidenceFloor = 0.65

// llmFallbackDeadline bounds the whole fallback attempt wall-clock; the
// upstream call itself gets a tighter timeout.
const (
	llmFallbackDeadline = 8 * time.Second
	llmFallbackTimeout  = 5 * time.Second
)

// ClassifyLLM refines a low-confidence keyword classification with one call
// to the smallest chat model. On any failure or an unknown returned id the
// keyword result is kept unchanged.
func ClassifyLLM(ctx context.Context, p Provider, cred Credential, prompt string, personas []Persona, keyword Classification) Classification {
	ctx, cancel := context.WithTimeout(ctx, llmFallbackDeadline)
	defer cancel()

	var b strings.Builder
	b.WriteString("Classify the user request to exactly one agent. Reply with the lowercase agent id and nothing else.\n\nAgents:\n")
	for _, pe := range personas {
		fmt.Fprintf(&b, "- %s: %s\n", pe.ID, pe.Description)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(prompt)

	callCtx, callCancel := context.WithTimeout(ctx, llmFallbackTimeout)
	defer callCancel()

	text, err := CollectText(callCtx, p, GenerateRequest{
		Model:           CheapestModel,
		Credential:      cred.Value,
		IsOAuth:         cred.IsOAuth,
		Contents:        []Content{TextContent("user", b.String())},
		Temperature:     0,
		TopP:            1,
		MaxOutputTokens: 32,
	})
	if err != nil {
		return keyword
	}

	id := strings.ToLower(strings.TrimSpace(text))
	for _, pe := range personas {
		if pe.ID == id {
			return Classification{
				PersonaID:  id,
				Confidence: 0.80,
				Reasoning:  "llm fallback classification",
			}
		}
	}
	return keyword
}
