package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/observability"
	"github.com/ragchat-dev/ragchat/pkg/promptcache"
	"github.com/ragchat-dev/ragchat/pkg/tokens"
)

// RetrievalProvider fetches a serialized document set for a collection,
// truncated to the token budget. Implemented by retrieval.Retriever.
type RetrievalProvider interface {
	Retrieve(ctx context.Context, collection, vectorPath string, vector []float32, tokenBudget int) (string, error)
}

// Budgets are the token budgets applied per turn.
type Budgets struct {
	// MaxConversationTokens bounds the history window.
	MaxConversationTokens int `yaml:"max_conversation_tokens"`
	// MaxContextTokens bounds the retrieved document payload.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// MaxCompletionTokens bounds the generated completion.
	MaxCompletionTokens int `yaml:"max_completion_tokens"`
}

// DefaultBudgets returns the budgets used when config leaves them unset.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxConversationTokens: 1000,
		MaxContextTokens:      2000,
		MaxCompletionTokens:   1000,
	}
}

// OrchestratorOptions wires the orchestrator's collaborators.
type OrchestratorOptions struct {
	Store         SessionStore
	Completer     llm.CompletionProvider
	Embedder      llm.EmbeddingProvider
	Retriever     RetrievalProvider
	ResponseCache promptcache.Cache
	Counter       tokens.Counter
	Budgets       Budgets
	// VectorPath is the embedding field name passed to the retrieval
	// engine (default: "embedding").
	VectorPath string
}

// Orchestrator drives one turn at a time per session: cache check,
// context windowing, retrieval, completion, and the atomic commit. It
// owns the in-memory session cache; callers must not process two turns
// for the same session concurrently.
type Orchestrator struct {
	store     SessionStore
	completer llm.CompletionProvider
	embedder  llm.EmbeddingProvider
	retriever RetrievalProvider
	respCache promptcache.Cache
	counter   tokens.Counter
	budgets   Budgets

	vectorPath string
	cache      *sessionCache
}

// NewOrchestrator validates the wiring and creates an orchestrator with
// an empty session cache.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case opts.Completer == nil:
		return nil, fmt.Errorf("completion provider is required")
	case opts.Embedder == nil:
		return nil, fmt.Errorf("embedding provider is required")
	case opts.Retriever == nil:
		return nil, fmt.Errorf("retrieval provider is required")
	case opts.ResponseCache == nil:
		return nil, fmt.Errorf("response cache is required")
	case opts.Counter == nil:
		return nil, fmt.Errorf("token counter is required")
	}

	budgets := opts.Budgets
	if budgets.MaxConversationTokens <= 0 {
		budgets.MaxConversationTokens = DefaultBudgets().MaxConversationTokens
	}
	if budgets.MaxContextTokens <= 0 {
		budgets.MaxContextTokens = DefaultBudgets().MaxContextTokens
	}
	if budgets.MaxCompletionTokens <= 0 {
		budgets.MaxCompletionTokens = DefaultBudgets().MaxCompletionTokens
	}

	vectorPath := opts.VectorPath
	if vectorPath == "" {
		vectorPath = "embedding"
	}

	return &Orchestrator{
		store:      opts.Store,
		completer:  opts.Completer,
		embedder:   opts.Embedder,
		retriever:  opts.Retriever,
		respCache:  opts.ResponseCache,
		counter:    opts.Counter,
		budgets:    budgets,
		vectorPath: vectorPath,
		cache:      newSessionCache(),
	}, nil
}

// ProcessUserPrompt runs one turn for the session and returns the
// completion text.
//
// The turn either answers from the response cache (recording zero token
// counts and CacheHit) or windows the history, optionally retrieves
// grounding documents, and calls the completion provider. The resulting
// Message is committed atomically together with the session's token
// total before the in-memory session is mutated, so a commit failure
// never leaves the cache ahead of durable truth.
func (o *Orchestrator) ProcessUserPrompt(ctx context.Context, sessionID, prompt, collectionSelector, cachePolicy string) (completion string, err error) {
	start := time.Now()
	cacheHit := false
	defer func() {
		observability.RecordTurn(cacheHit, err, time.Since(start))
	}()

	ctx, span := observability.StartSpan(ctx, "chat.process_user_prompt",
		trace.WithAttributes(
			attribute.String("chat.session_id", sessionID),
			attribute.String("chat.collection_selector", collectionSelector),
			attribute.String("chat.cache_policy", cachePolicy),
		),
	)
	defer span.End()

	if strings.TrimSpace(prompt) == "" {
		return "", o.fail(span, "process_user_prompt", fmt.Errorf("%w: empty prompt", ErrInvalidArgument))
	}
	sess, history, ok := o.cache.snapshot(sessionID)
	if !ok {
		return "", o.fail(span, "process_user_prompt", fmt.Errorf("%w: %s", ErrInvalidSession, sessionID))
	}
	if history == nil {
		// A resynced session has not loaded its durable history yet;
		// hydrate before windowing so earlier turns stay in context.
		loaded, loadErr := o.store.ListMessages(ctx, sessionID)
		if loadErr != nil {
			return "", o.fail(span, "list_messages", &StoreError{Op: "list_messages", Err: loadErr})
		}
		o.cache.setMessages(sessionID, loaded)
		history = loaded
	}

	collection, err := resolveCollection(ctx, o.completer, llm.ClassifySampling(o.budgets.MaxCompletionTokens), collectionSelector, prompt)
	if err != nil {
		return "", o.fail(span, "resolve_collection", &ProviderError{Op: "resolve_collection", Err: err})
	}
	cacheEnabled := cachePolicy == CachePolicyEnabled

	promptTokens := 0
	completionTokens := 0

	if cacheEnabled {
		cached, lookupErr := o.respCache.Lookup(ctx, prompt)
		switch {
		case lookupErr != nil:
			// A degraded cache must never take the assistant down:
			// treat the failure as a miss and keep going.
			observability.RecordCacheLookup("error")
			log.Printf("cache_lookup degraded to miss: %v", &CacheError{Op: "lookup", Err: lookupErr})
		case cached != "":
			observability.RecordCacheLookup("hit")
			cacheHit = true
			completion = cached
		default:
			observability.RecordCacheLookup("miss")
		}
	}

	if !cacheHit {
		window := SelectWindow(history, o.budgets.MaxConversationTokens, o.counter)

		vector, _, embedErr := o.embedder.Embed(ctx, conversationString(window, prompt))
		if embedErr != nil {
			return "", o.fail(span, "embed", &ProviderError{Op: "embed", Err: embedErr})
		}

		dataContext := ""
		if collection != SelectorNone {
			dataContext, err = o.retriever.Retrieve(ctx, collection, o.vectorPath, vector, o.budgets.MaxContextTokens)
			if err != nil {
				return "", o.fail(span, "vector_search", &ProviderError{Op: "vector_search", Err: err})
			}
		}

		res, completeErr := o.completer.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt(dataContext),
			History:      historyMessages(window),
			UserPrompt:   prompt,
			Sampling:     llm.ChatSampling(o.budgets.MaxCompletionTokens),
		})
		if completeErr != nil {
			return "", o.fail(span, "chat_completion", &ProviderError{Op: "chat_completion", Err: completeErr})
		}
		completion = res.Text
		promptTokens = res.PromptTokens
		completionTokens = res.CompletionTokens

		if cacheEnabled {
			if storeErr := o.respCache.Store(ctx, prompt, completion); storeErr != nil {
				log.Printf("cache_store skipped: %v", &CacheError{Op: "store", Err: storeErr})
			}
		}
	}

	msg := NewMessage(sessionID, prompt)
	msg.PromptTokens = promptTokens
	msg.Completion = completion
	msg.CompletionTokens = completionTokens
	msg.SourceSelected = collectionSelector
	msg.SourceCollection = collection
	msg.CacheSelected = cachePolicy
	msg.CacheHit = cacheHit

	// Commit durably before touching the cached session. sess is the
	// pre-turn snapshot; the store sees the post-turn token total.
	sess.TokensUsed += msg.TokenCost()
	if commitErr := o.store.UpsertSessionAndMessage(ctx, sess, msg); commitErr != nil {
		return "", o.fail(span, "upsert_session_and_message", &StoreError{Op: "upsert_session_and_message", Err: commitErr})
	}
	o.cache.applyTurn(sessionID, msg)

	span.SetAttributes(
		attribute.Bool("chat.cache_hit", cacheHit),
		attribute.String("chat.collection", collection),
		attribute.Int("chat.prompt_tokens", promptTokens),
		attribute.Int("chat.completion_tokens", completionTokens),
	)
	observability.RecordTokens(promptTokens, completionTokens)
	return completion, nil
}

// fail logs the failure with its originating operation name, records it
// on the span, and passes the error through unchanged.
func (o *Orchestrator) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	log.Printf("chat: %s: %v", op, err)
	return err
}

// systemPrompt picks the grounded prompt when a document payload is
// present. An empty JSON array means nothing was retrieved.
func systemPrompt(dataContext string) string {
	if dataContext == "" || dataContext == "[]" {
		return llm.SimpleSystemPrompt
	}
	return llm.GroundedSystemPrompt + "\n" + dataContext
}

// historyMessages converts windowed turns into the user/assistant pairs
// the completion provider expects.
func historyMessages(window []*Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(window)*2)
	for _, m := range window {
		out = append(out,
			llm.ChatMessage{Role: llm.RoleUser, Content: m.Prompt},
			llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Completion},
		)
	}
	return out
}

// conversationString flattens the windowed history plus the new prompt
// into the text that gets embedded for retrieval.
func conversationString(window []*Message, prompt string) string {
	var sb strings.Builder
	for _, m := range window {
		sb.WriteString(m.Prompt)
		sb.WriteString("\n")
		sb.WriteString(m.Completion)
		sb.WriteString("\n")
	}
	sb.WriteString(prompt)
	return sb.String()
}
