package chat

import (
	"sort"

	"github.com/ragchat-dev/ragchat/pkg/tokens"
)

// SelectWindow picks the conversation history to include with the next
// completion call: the maximal contiguous run of most-recent messages
// whose combined token cost fits the budget.
//
// Messages are scanned newest-first; the scan stops at the first message
// that would exceed the budget, so older messages are never considered
// after a rejection (a recency-favoring suffix, not a best-fit packing).
// A message whose own cost exceeds the budget is dropped whole, never
// truncated. The result is returned in chronological order.
func SelectWindow(messages []*Message, budget int, counter tokens.Counter) []*Message {
	byRecency := make([]*Message, len(messages))
	copy(byRecency, messages)
	sort.SliceStable(byRecency, func(i, j int) bool {
		return byRecency[i].Timestamp.After(byRecency[j].Timestamp)
	})

	window := make([]*Message, 0, len(byRecency))
	total := 0
	for _, m := range byRecency {
		cost := counter.Count(m.Prompt) + counter.Count(m.Completion)
		if total+cost > budget {
			break
		}
		total += cost
		window = append(window, m)
	}

	// Back to chronological order for the prompt.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window
}
