package chat

import (
	"sort"
	"sync"
)

// sessionCache is the in-memory map of session id to session state. It is
// the single source of truth for conversation history during a process's
// lifetime; the orchestrator is its only writer. All access goes through
// the guarded methods, and no lock is ever held across an I/O call.
type sessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionCache() *sessionCache {
	return &sessionCache{sessions: make(map[string]*Session)}
}

func (c *sessionCache) get(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *sessionCache) put(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = s
}

func (c *sessionCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// replaceAll swaps the entire cache contents. This is a destructive
// resync: any local-only session state not yet persisted is discarded.
func (c *sessionCache) replaceAll(sessions []*Session) {
	next := make(map[string]*Session, len(sessions))
	for _, s := range sessions {
		next[s.ID] = s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = next
}

// snapshot returns a copy of the session's scalar fields and message
// slice, safe to use after the lock is released. The messages themselves
// are shared immutable records.
func (c *sessionCache) snapshot(id string) (*Session, []*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, nil, false
	}
	var msgs []*Message
	if s.Messages != nil {
		msgs = make([]*Message, len(s.Messages))
		copy(msgs, s.Messages)
	}
	return s.clone(), msgs, true
}

// applyTurn folds a committed turn into the cached session: append the
// message, add its tokens, and advance the version to match the store.
// An unloaded message list stays unloaded; appending to it would turn
// the nil sentinel into a list missing the durable history.
func (c *sessionCache) applyTurn(id string, m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return
	}
	if s.Messages != nil {
		s.Messages = append(s.Messages, m)
	}
	s.TokensUsed += m.TokenCost()
	s.Version++
}

// setName applies a committed rename to the cached session.
func (c *sessionCache) setName(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Name = name
		s.Version++
	}
}

// setMessages hydrates the cached session's message list from the store.
func (c *sessionCache) setMessages(id string, msgs []*Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		if msgs == nil {
			msgs = []*Message{}
		}
		s.Messages = msgs
	}
}

// list returns the cached sessions ordered by creation time descending.
func (c *sessionCache) list() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out
}
