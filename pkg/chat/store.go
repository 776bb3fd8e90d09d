package chat

import "context"

// SessionStore abstracts durable persistence of sessions and messages.
// Implementations must be safe for concurrent use.
//
// UpsertSessionAndMessage is the load-bearing method: the session replace
// and the message insert must be atomic so that an external reader
// summing token counts across messages always matches the session's
// running total at every durably-visible point. Implementations check the
// session's Version field and return ErrVersionConflict (wrapped in a
// StoreError) when it is stale; on success the stored version is
// incremented.
type SessionStore interface {
	// ListSessions returns all sessions ordered by creation time
	// descending. Message lists are not populated.
	ListSessions(ctx context.Context) ([]*Session, error)

	// ListMessages returns a session's messages ordered by timestamp
	// ascending.
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// InsertSession persists a newly created session.
	InsertSession(ctx context.Context, s *Session) error

	// ReplaceSession replaces the stored session keyed by id,
	// incrementing its version.
	ReplaceSession(ctx context.Context, s *Session) error

	// UpsertSessionAndMessage atomically replaces the session and
	// inserts the message: either both become durably visible or
	// neither does.
	UpsertSessionAndMessage(ctx context.Context, s *Session, m *Message) error

	// DeleteSessionAndMessages removes the session row and every
	// message belonging to it.
	DeleteSessionAndMessages(ctx context.Context, sessionID string) error

	// Close releases resources held by the store.
	Close() error
}
