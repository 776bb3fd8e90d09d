package chat

import (
	"context"
	"fmt"
	"log"

	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/observability"
)

// CreateSession allocates a new session with the placeholder name,
// persists it, and registers it in the cache. The cache is only touched
// after the insert succeeds so a store failure leaves no local-only
// state behind.
func (o *Orchestrator) CreateSession(ctx context.Context) (*Session, error) {
	s := NewSession()
	if err := o.store.InsertSession(ctx, s); err != nil {
		return nil, o.failOp("create_session", &StoreError{Op: "insert_session", Err: err})
	}
	o.cache.put(s)
	observability.SetCachedSessions(len(o.cache.list()))
	return s, nil
}

// GetAllSessions refreshes the entire cache from the store and returns
// the sessions ordered by creation time descending.
//
// This is a destructive resync, not a merge: sessions created by other
// processes become visible, and any purely local state that never made
// it to the store is discarded.
func (o *Orchestrator) GetAllSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, o.failOp("get_all_sessions", &StoreError{Op: "list_sessions", Err: err})
	}
	o.cache.replaceAll(sessions)
	observability.SetCachedSessions(len(sessions))
	return o.cache.list(), nil
}

// GetSessionMessages returns the session's messages ordered by timestamp
// ascending, fetching them from the store the first time they are asked
// for. A session whose list was loaded and found empty is not re-fetched.
func (o *Orchestrator) GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	s, msgs, ok := o.cache.snapshot(sessionID)
	if !ok {
		return nil, o.failOp("get_session_messages", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	if msgs != nil {
		return msgs, nil
	}

	loaded, err := o.store.ListMessages(ctx, s.ID)
	if err != nil {
		return nil, o.failOp("get_session_messages", &StoreError{Op: "list_messages", Err: err})
	}
	o.cache.setMessages(sessionID, loaded)
	return loaded, nil
}

// RenameSession gives the session a new display name, committing the
// replace durably before mutating the cache.
func (o *Orchestrator) RenameSession(ctx context.Context, sessionID, name string) error {
	s, _, ok := o.cache.snapshot(sessionID)
	if !ok {
		return o.failOp("rename_session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}

	s.Name = name
	if err := o.store.ReplaceSession(ctx, s); err != nil {
		return o.failOp("rename_session", &StoreError{Op: "replace_session", Err: err})
	}
	o.cache.setName(sessionID, name)
	return nil
}

// DeleteSession removes the session and all its messages. The durable
// delete happens first; the cache entry is removed only once the store
// confirms, so no reader ever observes a deleted session as present
// after the call returns.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if _, ok := o.cache.get(sessionID); !ok {
		return o.failOp("delete_session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	if err := o.store.DeleteSessionAndMessages(ctx, sessionID); err != nil {
		return o.failOp("delete_session", &StoreError{Op: "delete_session_and_messages", Err: err})
	}
	o.cache.remove(sessionID)
	observability.SetCachedSessions(len(o.cache.list()))
	return nil
}

// SummarizeSessionName asks the model for a short label for the
// conversation, strips everything outside alphanumerics and whitespace,
// and renames the session to the result.
func (o *Orchestrator) SummarizeSessionName(ctx context.Context, sessionID, fullText string) (string, error) {
	res, err := o.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: llm.SummarizeSystemPrompt,
		UserPrompt:   fullText,
		Sampling:     llm.SummarizeSampling(),
	})
	if err != nil {
		return "", o.failOp("summarize_session_name", &ProviderError{Op: "summarize", Err: err})
	}

	name := cleanSummary(res.Text)
	if err := o.RenameSession(ctx, sessionID, name); err != nil {
		return "", err
	}
	return name, nil
}

// ClearCache empties the response cache.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if err := o.respCache.Clear(ctx); err != nil {
		return o.failOp("clear_cache", &CacheError{Op: "clear", Err: err})
	}
	return nil
}

func (o *Orchestrator) failOp(op string, err error) error {
	log.Printf("chat: %s: %v", op, err)
	return err
}
