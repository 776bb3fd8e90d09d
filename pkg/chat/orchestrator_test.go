package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/tokens"
)

// stubCompleter replays scripted results and records every request.
type stubCompleter struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	results  []*llm.CompletionResult
	err      error
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &llm.CompletionResult{Text: "ok"}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

func (s *stubCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, int, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return []float32{0.1, 0.2}, len(text) / 4, nil
}

type stubRetriever struct {
	mu          sync.Mutex
	collections []string
	payload     string
	err         error
}

func (s *stubRetriever) Retrieve(ctx context.Context, collection, vectorPath string, vector []float32, tokenBudget int) (string, error) {
	s.mu.Lock()
	s.collections = append(s.collections, collection)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.payload == "" {
		return "[]", nil
	}
	return s.payload, nil
}

// fakeRespCache is an in-memory Cache with injectable failures.
type fakeRespCache struct {
	mu        sync.Mutex
	entries   map[string]string
	stores    int
	lookupErr error
	storeErr  error
}

func newFakeRespCache() *fakeRespCache {
	return &fakeRespCache{entries: map[string]string{}}
}

func (c *fakeRespCache) Lookup(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return "", c.lookupErr
	}
	return c.entries[prompt], nil
}

func (c *fakeRespCache) Store(ctx context.Context, prompt, completion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeErr != nil {
		return c.storeErr
	}
	c.entries[prompt] = completion
	c.stores++
	return nil
}

func (c *fakeRespCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]string{}
	return nil
}

func (c *fakeRespCache) Close() error { return nil }

// fakeStore is an in-memory SessionStore with injectable failures and
// call counting.
type fakeStore struct {
	mu               sync.Mutex
	sessions         map[string]*Session
	messages         map[string][]*Message
	listMessageCalls int
	upsertErr        error
	deleteErr        error
	replaceErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*Session{},
		messages: map[string][]*Message{},
	}
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listMessageCalls++
	msgs := make([]*Message, len(f.messages[sessionID]))
	copy(msgs, f.messages[sessionID])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func (f *fakeStore) InsertSession(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s.clone()
	return nil
}

func (f *fakeStore) ReplaceSession(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	stored, ok := f.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	next := s.clone()
	next.Version++
	f.sessions[s.ID] = next
	return nil
}

func (f *fakeStore) UpsertSessionAndMessage(ctx context.Context, s *Session, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	stored, ok := f.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	next := s.clone()
	next.Version++
	f.sessions[s.ID] = next
	f.messages[s.ID] = append(f.messages[s.ID], m)
	return nil
}

func (f *fakeStore) DeleteSessionAndMessages(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.sessions, sessionID)
	delete(f.messages, sessionID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fixture struct {
	orch      *Orchestrator
	completer *stubCompleter
	embedder  *stubEmbedder
	retriever *stubRetriever
	cache     *fakeRespCache
	store     *fakeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		completer: &stubCompleter{},
		embedder:  &stubEmbedder{},
		retriever: &stubRetriever{},
		cache:     newFakeRespCache(),
		store:     newFakeStore(),
	}

	orch, err := NewOrchestrator(OrchestratorOptions{
		Store:         f.store,
		Completer:     f.completer,
		Embedder:      f.embedder,
		Retriever:     f.retriever,
		ResponseCache: f.cache,
		Counter:       tokens.NewHeuristicCounter(),
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func TestNewOrchestratorValidatesWiring(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorOptions{})
	assert.Error(t, err)
}

func TestProcessUserPromptBasicTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{
		{Text: "hi there", PromptTokens: 3, CompletionTokens: 2},
	}

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "no")
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)

	cached, _, ok := f.orch.cache.snapshot(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 5, cached.TokensUsed)

	persisted := f.store.messages[sess.ID]
	require.Len(t, persisted, 1)
	assert.Equal(t, "hello", persisted[0].Prompt)
	assert.Equal(t, "hi there", persisted[0].Completion)
	assert.Equal(t, 3, persisted[0].PromptTokens)
	assert.Equal(t, 2, persisted[0].CompletionTokens)
	assert.False(t, persisted[0].CacheHit)
	assert.Equal(t, "none", persisted[0].SourceCollection)
}

func TestProcessUserPromptCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.cache.entries["hello"] = "cached reply"

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "yes")
	require.NoError(t, err)
	assert.Equal(t, "cached reply", got)

	assert.Zero(t, f.completer.calls(), "completion provider must not run on a hit")

	cached, _, _ := f.orch.cache.snapshot(sess.ID)
	assert.Zero(t, cached.TokensUsed, "cache hits never increase tokensUsed")

	persisted := f.store.messages[sess.ID]
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].CacheHit)
	assert.Zero(t, persisted[0].PromptTokens)
	assert.Zero(t, persisted[0].CompletionTokens)
}

func TestProcessUserPromptCachingDisabledSkipsLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.cache.entries["hello"] = "cached reply"
	f.completer.results = []*llm.CompletionResult{{Text: "fresh", PromptTokens: 1, CompletionTokens: 1}}

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "no")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Zero(t, f.cache.stores, "disabled caching must not write the cache")
}

func TestProcessUserPromptStoresCompletionWhenCachingEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{{Text: "fresh", PromptTokens: 1, CompletionTokens: 1}}

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "yes")
	require.NoError(t, err)
	assert.Equal(t, "fresh", f.cache.entries["hello"])
}

func TestProcessUserPromptCacheLookupFailureDegradesToMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.cache.lookupErr = errors.New("redis down")
	f.completer.results = []*llm.CompletionResult{{Text: "generated", PromptTokens: 2, CompletionTokens: 1}}

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "yes")
	require.NoError(t, err, "a degraded cache must not fail the turn")
	assert.Equal(t, "generated", got)
}

func TestProcessUserPromptCacheStoreFailureNonFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.cache.storeErr = errors.New("redis down")
	f.completer.results = []*llm.CompletionResult{{Text: "generated", PromptTokens: 2, CompletionTokens: 1}}

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "yes")
	require.NoError(t, err)
	assert.Equal(t, "generated", got)
}

func TestProcessUserPromptInvalidSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ProcessUserPrompt(context.Background(), "no-such-id", "hello", "none", "no")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestProcessUserPromptEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "   ", "none", "no")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProcessUserPromptProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.err = errors.New("model overloaded")

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "no")
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "chat_completion", provErr.Op)

	// No partial message anywhere.
	assert.Empty(t, f.store.messages[sess.ID])
	cached, _, _ := f.orch.cache.snapshot(sess.ID)
	assert.Zero(t, cached.TokensUsed)
}

func TestProcessUserPromptCommitFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{{Text: "hi", PromptTokens: 3, CompletionTokens: 2}}
	f.store.upsertErr = errors.New("store offline")

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "none", "no")
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "upsert_session_and_message", storeErr.Op)

	// The commit failed, so the in-memory session must be unchanged.
	cached, msgs, _ := f.orch.cache.snapshot(sess.ID)
	assert.Zero(t, cached.TokensUsed)
	assert.Empty(t, msgs)
}

func TestProcessUserPromptAutoResolvesCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{
		{Text: "products", PromptTokens: 10, CompletionTokens: 1}, // classification
		{Text: "our best bike is X", PromptTokens: 20, CompletionTokens: 5},
	}
	f.retriever.payload = `[{"sku":"bike-1"}]`

	got, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "what bikes do you sell?", "auto", "no")
	require.NoError(t, err)
	assert.Equal(t, "our best bike is X", got)

	require.Equal(t, []string{"products"}, f.retriever.collections)

	// Grounded system prompt carries the retrieved payload.
	require.Equal(t, 2, f.completer.calls())
	chatReq := f.completer.requests[1]
	assert.Contains(t, chatReq.SystemPrompt, `[{"sku":"bike-1"}]`)

	persisted := f.store.messages[sess.ID]
	require.Len(t, persisted, 1)
	assert.Equal(t, "auto", persisted[0].SourceSelected)
	assert.Equal(t, "products", persisted[0].SourceCollection)
}

func TestProcessUserPromptAutoUnrecognizedFallsBackToNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{
		{Text: "unknown", PromptTokens: 10, CompletionTokens: 1},
		{Text: "answer", PromptTokens: 5, CompletionTokens: 2},
	}

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "auto", "no")
	require.NoError(t, err)

	assert.Empty(t, f.retriever.collections, "no retrieval for unresolved source")
	assert.Equal(t, "none", f.store.messages[sess.ID][0].SourceCollection)
}

func TestProcessUserPromptVerbatimCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{{Text: "answer", PromptTokens: 5, CompletionTokens: 2}}
	f.retriever.payload = `[]`

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "customers", "no")
	require.NoError(t, err)

	require.Equal(t, []string{"customers"}, f.retriever.collections)

	// An empty payload falls back to the ungrounded system prompt.
	chatReq := f.completer.requests[0]
	assert.Equal(t, llm.SimpleSystemPrompt, chatReq.SystemPrompt)
}

func TestProcessUserPromptRetrievalFailureAbortsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	f.retriever.err = errors.New("index offline")

	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "hello", "products", "no")
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "vector_search", provErr.Op)
	assert.Empty(t, f.store.messages[sess.ID])
}

func TestProcessUserPromptWindowsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	// Three prior turns; all fit the default conversation budget.
	for i, text := range []string{"first", "second", "third"} {
		f.completer.results = []*llm.CompletionResult{
			{Text: "answer " + text, PromptTokens: 2, CompletionTokens: 2},
		}
		_, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "question "+text, "none", "no")
		require.NoError(t, err, "turn %d", i)
	}

	f.completer.results = []*llm.CompletionResult{{Text: "final", PromptTokens: 2, CompletionTokens: 2}}
	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "question final", "none", "no")
	require.NoError(t, err)

	last := f.completer.requests[len(f.completer.requests)-1]
	require.Len(t, last.History, 6, "three prior turns as user/assistant pairs")
	assert.Equal(t, "question first", last.History[0].Content)
	assert.Equal(t, "answer third", last.History[5].Content)
	assert.Equal(t, "question final", last.UserPrompt)
}

func TestProcessUserPromptHydratesResyncedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := NewSession()
	require.NoError(t, f.store.InsertSession(ctx, sess))

	base := time.Now().UTC().Add(-time.Hour)
	for i, text := range []string{"first", "second"} {
		m := NewMessage(sess.ID, "question "+text)
		m.Timestamp = base.Add(time.Duration(i) * time.Minute)
		m.Completion = "answer " + text
		f.store.messages[sess.ID] = append(f.store.messages[sess.ID], m)
	}

	// The resync leaves the cached session's message list unloaded.
	_, err := f.orch.GetAllSessions(ctx)
	require.NoError(t, err)

	f.completer.results = []*llm.CompletionResult{{Text: "third answer", PromptTokens: 2, CompletionTokens: 2}}
	_, err = f.orch.ProcessUserPrompt(ctx, sess.ID, "question third", "none", "no")
	require.NoError(t, err)

	// The durable turns must reach the completion call as history.
	req := f.completer.requests[0]
	require.Len(t, req.History, 4)
	assert.Equal(t, "question first", req.History[0].Content)
	assert.Equal(t, "answer second", req.History[3].Content)

	// And the full history, new turn included, stays retrievable.
	msgs, err := f.orch.GetSessionMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "question third", msgs[2].Prompt)
	assert.Equal(t, 1, f.store.listMessageCalls, "hydration happens once")
}

func TestTokensUsedAccumulatesAcrossTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx)
	require.NoError(t, err)

	turns := []struct{ prompt, completion int }{
		{3, 2}, {10, 7}, {1, 1},
	}
	want := 0
	for _, turn := range turns {
		f.completer.results = []*llm.CompletionResult{
			{Text: "a", PromptTokens: turn.prompt, CompletionTokens: turn.completion},
		}
		_, err := f.orch.ProcessUserPrompt(ctx, sess.ID, "q", "none", "no")
		require.NoError(t, err)
		want += turn.prompt + turn.completion
	}

	cached, msgs, _ := f.orch.cache.snapshot(sess.ID)
	assert.Equal(t, want, cached.TokensUsed)

	sum := 0
	for _, m := range msgs {
		sum += m.TokenCost()
	}
	assert.Equal(t, want, sum, "tokensUsed must equal the per-message sum")
	assert.Equal(t, want, f.store.sessions[sess.ID].TokensUsed, "durable total must match")
}
