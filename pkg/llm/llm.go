// Package llm defines the completion and embedding provider contracts the
// chat core consumes, plus the OpenAI-backed implementation.
package llm

import "context"

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry of the conversation handed to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingConfig fixes the decoding parameters for a call site. Each call
// site (chat completion, source classification, summarization) uses its
// own preset; none of them is user-tunable per turn.
type SamplingConfig struct {
	Temperature      float32 `yaml:"temperature"`
	TopP             float32 `yaml:"top_p"`
	MaxTokens        int     `yaml:"max_tokens"`
	FrequencyPenalty float32 `yaml:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty"`
}

// ChatSampling returns the preset for user-facing chat completions.
func ChatSampling(maxTokens int) SamplingConfig {
	return SamplingConfig{
		Temperature:     0.2,
		TopP:            0.7,
		MaxTokens:       maxTokens,
		PresencePenalty: -2,
	}
}

// ClassifySampling returns the preset for the source-selection
// classification call.
func ClassifySampling(maxTokens int) SamplingConfig {
	return SamplingConfig{
		Temperature:     1.0,
		TopP:            1.0,
		MaxTokens:       maxTokens,
		PresencePenalty: -2,
	}
}

// SummarizeSampling returns the preset for session-name summarization.
func SummarizeSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:      0,
		TopP:             1.0,
		MaxTokens:        200,
		FrequencyPenalty: -2,
		PresencePenalty:  -2,
	}
}

// CompletionRequest carries everything a completion call needs: the
// system prompt, the trimmed conversation history, and the new user
// prompt.
type CompletionRequest struct {
	SystemPrompt string
	History      []ChatMessage
	UserPrompt   string
	Sampling     SamplingConfig
}

// CompletionResult is the generated text plus the provider-reported token
// usage.
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// CompletionProvider generates chat completions. Implementations must be
// safe for concurrent use and must honor context cancellation.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// EmbeddingProvider computes an embedding vector for a piece of text and
// reports the tokens consumed doing so.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, int, error)
}
