package chat

import (
	"context"
	"strings"
	"unicode"

	"github.com/ragchat-dev/ragchat/pkg/llm"
)

// Collection selector literals understood by ProcessUserPrompt.
const (
	// SelectorNone disables retrieval for the turn.
	SelectorNone = "none"
	// SelectorAuto asks the model to pick the most relevant source.
	SelectorAuto = "auto"
)

// CachePolicyEnabled is the cache-policy literal that enables the
// response cache; any other value disables it.
const CachePolicyEnabled = "yes"

// knownCollections is the closed set the auto-classifier may resolve to.
// "none" is a valid classification meaning no source helps.
var knownCollections = map[string]bool{
	"products":    true,
	"customers":   true,
	"salesOrders": true,
	SelectorNone:  true,
}

// resolveCollection maps the user's source selector to the collection to
// query. "none" and verbatim collection names resolve without I/O; "auto"
// asks the model via the classification prompt and falls back to "none"
// on any unrecognized answer (including "unknown").
func resolveCollection(ctx context.Context, provider llm.CompletionProvider, sampling llm.SamplingConfig, selector, prompt string) (string, error) {
	switch selector {
	case SelectorNone, "":
		return SelectorNone, nil
	case SelectorAuto:
		res, err := provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: llm.SourceSelectionSystemPrompt,
			UserPrompt:   prompt,
			Sampling:     sampling,
		})
		if err != nil {
			return "", err
		}
		answer := normalizeClassification(res.Text)
		if !knownCollections[answer] {
			return SelectorNone, nil
		}
		return answer, nil
	default:
		return selector, nil
	}
}

// normalizeClassification reduces a model answer to a bare candidate
// word, trimming whitespace, quoting, and sentence punctuation in any
// interleaving (models emit shapes like ` "customers". `).
func normalizeClassification(answer string) string {
	return strings.TrimFunc(answer, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == '.' || r == '!'
	})
}

// cleanSummary strips every character outside alphanumerics and
// whitespace from a model-produced session name, then trims it. Model
// output ends up as a button label, so markup and punctuation must go.
func cleanSummary(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
