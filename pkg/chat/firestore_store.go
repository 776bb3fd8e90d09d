package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreSessions = "sessions"
	firestoreMessages = "messages"
)

// FirestoreStore implements SessionStore on Google Cloud Firestore. The
// atomic session+message commit uses a Firestore transaction with a
// version precondition read inside it, mirroring the SQLite store's
// guarantee in a multi-process deployment.
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

// FirestoreConfig configures the Firestore store.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string `yaml:"project_id"`
	// CredentialsFile is an optional service-account key path;
	// Application Default Credentials are used otherwise.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	// CollectionPrefix namespaces the sessions/messages collections.
	CollectionPrefix string `yaml:"collection_prefix,omitempty"`
}

// NewFirestoreStore creates a Firestore-backed session store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, prefix: cfg.CollectionPrefix}, nil
}

func (s *FirestoreStore) sessions() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + firestoreSessions)
}

func (s *FirestoreStore) messages() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + firestoreMessages)
}

func (s *FirestoreStore) ListSessions(ctx context.Context) ([]*Session, error) {
	iter := s.sessions().OrderBy("created", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var sessions []*Session
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var sess Session
		if err := doc.DataTo(&sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", doc.Ref.ID, err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

func (s *FirestoreStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	// No composite index requirement: filter by session and re-sort by
	// timestamp client-side, since insertion order is not chronological
	// order once several processes write.
	iter := s.messages().Where("sessionId", "==", sessionID).Documents(ctx)
	defer iter.Stop()

	messages := []*Message{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		var m Message
		if err := doc.DataTo(&m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", doc.Ref.ID, err)
		}
		messages = append(messages, &m)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

func (s *FirestoreStore) InsertSession(ctx context.Context, sess *Session) error {
	if _, err := s.sessions().Doc(sess.ID).Create(ctx, sess); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ReplaceSession(ctx context.Context, sess *Session) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.sessions().Doc(sess.ID)
		if err := s.checkVersion(tx, ref, sess.Version); err != nil {
			return err
		}
		next := sess.clone()
		next.Version = sess.Version + 1
		return tx.Set(ref, next)
	})
	if err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// UpsertSessionAndMessage writes the session replace and the message
// insert in one Firestore transaction: either both commit or neither
// does, and a concurrent writer bumps the version first and fails us.
func (s *FirestoreStore) UpsertSessionAndMessage(ctx context.Context, sess *Session, m *Message) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.sessions().Doc(sess.ID)
		if err := s.checkVersion(tx, ref, sess.Version); err != nil {
			return err
		}
		next := sess.clone()
		next.Version = sess.Version + 1
		if err := tx.Set(ref, next); err != nil {
			return err
		}
		return tx.Create(s.messages().Doc(m.ID), m)
	})
	if err != nil {
		return fmt.Errorf("upsert session and message: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteSessionAndMessages(ctx context.Context, sessionID string) error {
	iter := s.messages().Where("sessionId", "==", sessionID).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list messages for delete: %w", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			return fmt.Errorf("queue message delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	job, err := bw.Delete(s.sessions().Doc(sessionID))
	if err != nil {
		return fmt.Errorf("queue session delete: %w", err)
	}
	jobs = append(jobs, job)

	bw.End()

	// End only flushes; each job reports its own outcome. A failed
	// durable delete must surface so the caller keeps its cache entry.
	for _, j := range jobs {
		if _, err := j.Results(); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// checkVersion reads the session inside the transaction and rejects a
// stale caller.
func (s *FirestoreStore) checkVersion(tx *firestore.Transaction, ref *firestore.DocumentRef, version int64) error {
	doc, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("session %s: %w", ref.ID, ErrSessionNotFound)
	}
	if err != nil {
		return err
	}
	var stored Session
	if err := doc.DataTo(&stored); err != nil {
		return fmt.Errorf("decode session %s: %w", ref.ID, err)
	}
	if stored.Version != version {
		return fmt.Errorf("session %s: stored version %d, caller version %d: %w",
			ref.ID, stored.Version, version, ErrVersionConflict)
	}
	return nil
}
