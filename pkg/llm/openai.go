package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI-backed providers.
type OpenAIConfig struct {
	// APIKey for authentication.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint (Azure OpenAI, proxies, tests).
	BaseURL string `yaml:"base_url,omitempty"`
	// CompletionModel is the chat model (default: gpt-4o-mini).
	CompletionModel string `yaml:"completion_model"`
	// EmbeddingModel is the embedding model (default: text-embedding-3-small).
	EmbeddingModel string `yaml:"embedding_model"`
	// RequestsPerSecond caps the client-side request rate across
	// completion and embedding calls (0 = unlimited).
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// OpenAIProvider implements CompletionProvider and EmbeddingProvider on
// the OpenAI chat and embeddings APIs.
type OpenAIProvider struct {
	client          *openai.Client
	completionModel string
	embeddingModel  openai.EmbeddingModel
	limiter         *rate.Limiter
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	completionModel := cfg.CompletionModel
	if completionModel == "" {
		completionModel = openai.GPT4oMini
	}
	embeddingModel := openai.SmallEmbedding3
	if cfg.EmbeddingModel != "" {
		embeddingModel = openai.EmbeddingModel(cfg.EmbeddingModel)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{
		client:          openai.NewClientWithConfig(clientCfg),
		completionModel: completionModel,
		embeddingModel:  embeddingModel,
		limiter:         limiter,
	}, nil
}

// Complete sends a chat completion request and returns the generated text
// with the usage the API reported.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:            p.completionModel,
		Messages:         messages,
		Temperature:      req.Sampling.Temperature,
		TopP:             req.Sampling.TopP,
		MaxTokens:        req.Sampling.MaxTokens,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
		PresencePenalty:  req.Sampling.PresencePenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion: empty choices")
	}

	return &CompletionResult{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed computes an embedding vector for the text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.embeddingModel,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, 0, errors.New("create embeddings: empty response")
	}

	return resp.Data[0].Embedding, resp.Usage.PromptTokens, nil
}
