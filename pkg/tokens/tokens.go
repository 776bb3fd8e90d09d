// Package tokens provides token counting for prompt budgeting.
// Budgets throughout the orchestrator are expressed in model tokens;
// every truncation decision goes through a Counter.
package tokens

import (
	"strings"
	"unicode"
)

// Counter estimates the number of model tokens in a piece of text.
// Implementations must be safe for concurrent use.
type Counter interface {
	Count(text string) int
}

// HeuristicCounter approximates GPT-style tokenization without a vocabulary.
// It blends a character-based and a word-based estimate, which tracks real
// tokenizers closely enough for windowing decisions on English text.
type HeuristicCounter struct{}

// NewHeuristicCounter returns a Counter suitable for budget enforcement.
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

// Count estimates tokens as the average of chars/4 and words*4/3.
// Rough estimate: 1 token ≈ 4 characters, 1 word ≈ 1.33 tokens for English.
func (c *HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	byChars := len(text) / 4

	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	byWords := words * 4 / 3

	estimate := (byChars + byWords) / 2
	if estimate == 0 && strings.TrimSpace(text) != "" {
		estimate = 1
	}
	return estimate
}

// CounterFunc adapts a plain function to the Counter interface.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }
