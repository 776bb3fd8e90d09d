package chat

import (
	"errors"
	"fmt"
)

// Common errors for chat operations.
var (
	// ErrInvalidSession is returned when a turn references a session id
	// that is not present in the session cache.
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionNotFound is returned by lifecycle operations when no
	// cached session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidArgument is returned for malformed inputs such as an
	// empty prompt.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrVersionConflict is returned by stores when an atomic commit
	// observes a session version other than the one it was given.
	ErrVersionConflict = errors.New("session version conflict")
)

// ProviderError wraps a failure from the completion, embedding, or
// retrieval provider with the originating operation name.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CacheError wraps a response-cache failure. Lookup failures are degraded
// to cache misses by the orchestrator; store failures are logged and
// dropped. Only Clear surfaces a CacheError to the caller.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("response cache: %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// StoreError wraps a session-store failure. A StoreError from the atomic
// commit guarantees the durable state is unchanged.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
