// Package chat implements the conversational core of the assistant:
// session state, context windowing, and the per-turn orchestration that
// ties the completion provider, retrieval, response cache, and durable
// store together.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSessionName is the placeholder name a session carries until the
// summarizer replaces it.
const DefaultSessionName = "New Chat"

// Message is one conversational turn: the user prompt plus its generated
// (or cached) completion and the metadata recorded about how it was
// produced. Messages are immutable once created.
type Message struct {
	ID               string    `json:"id" firestore:"id"`
	SessionID        string    `json:"sessionId" firestore:"sessionId"`
	Timestamp        time.Time `json:"timestamp" firestore:"timestamp"`
	Prompt           string    `json:"prompt" firestore:"prompt"`
	PromptTokens     int       `json:"promptTokens" firestore:"promptTokens"`
	Completion       string    `json:"completion" firestore:"completion"`
	CompletionTokens int       `json:"completionTokens" firestore:"completionTokens"`
	// SourceSelected is the retrieval source the user picked in the UI
	// ("none", "auto", or a collection name).
	SourceSelected string `json:"sourceSelected" firestore:"sourceSelected"`
	// SourceCollection is the collection actually queried after resolving
	// SourceSelected. Empty when no retrieval happened.
	SourceCollection string `json:"sourceCollection" firestore:"sourceCollection"`
	// CacheSelected is the cache-policy label the user picked ("yes"/"no").
	CacheSelected string `json:"cacheSelected" firestore:"cacheSelected"`
	CacheHit      bool   `json:"cacheHit" firestore:"cacheHit"`
}

// NewMessage creates an immutable turn record with a fresh ID and a UTC
// timestamp.
func NewMessage(sessionID, prompt string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Prompt:    prompt,
	}
}

// TokenCost is the message's contribution to a session's token accounting.
func (m *Message) TokenCost() int {
	return m.PromptTokens + m.CompletionTokens
}

// Session is one conversation thread. TokensUsed is the running sum of
// prompt+completion tokens over every message added in this process's
// view and never decreases.
//
// Messages carries a sentinel: nil means "not yet loaded from the store",
// an empty non-nil slice means "loaded, no messages". Version is an
// optimistic-concurrency token incremented by every durable replace; the
// atomic commit rejects writes against a stale version instead of
// silently last-writer-winning.
type Session struct {
	ID         string     `json:"id" firestore:"id"`
	Name       string     `json:"name" firestore:"name"`
	Created    time.Time  `json:"created" firestore:"created"`
	TokensUsed int        `json:"tokensUsed" firestore:"tokensUsed"`
	Version    int64      `json:"version" firestore:"version"`
	Messages   []*Message `json:"-" firestore:"-"`
}

// NewSession creates a session with a fresh ID, the placeholder name, and
// an empty (loaded) message list.
func NewSession() *Session {
	return &Session{
		ID:       uuid.New().String(),
		Name:     DefaultSessionName,
		Created:  time.Now().UTC(),
		Messages: []*Message{},
	}
}

// clone returns a shallow copy of the session without its message list,
// suitable for handing to the store as a replace payload.
func (s *Session) clone() *Session {
	return &Session{
		ID:         s.ID,
		Name:       s.Name,
		Created:    s.Created,
		TokensUsed: s.TokensUsed,
		Version:    s.Version,
	}
}
