// Package promptcache provides the response cache that lets the
// orchestrator answer repeated prompts without calling the completion
// provider.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Cache is an exact-match prompt-to-completion cache. Lookup returns the
// empty string on a miss. Implementations must be safe for concurrent
// use; availability failures are returned as errors and the caller
// decides whether to degrade.
type Cache interface {
	// Lookup returns the cached completion for the prompt, or "" when
	// there is no entry.
	Lookup(ctx context.Context, prompt string) (string, error)

	// Store records a prompt/completion pair.
	Store(ctx context.Context, prompt, completion string) error

	// Clear removes every cached entry.
	Clear(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}

// promptKey normalizes a prompt and hashes it into a stable cache key.
// Normalization is deliberately mild: case folding and whitespace
// trimming only, so that "Hello" and " hello " share an entry but
// semantically distinct prompts never collide.
func promptKey(prompt string) string {
	normalized := strings.ToLower(strings.TrimSpace(prompt))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
