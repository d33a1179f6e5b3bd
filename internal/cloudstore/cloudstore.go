// Package cloudstore is the Firestore-backed implementation of the
// document-store contracts the user cache, durability batcher, and
// sync worker each define narrowly for themselves: bulk/point user
// lookups, create-only attendance writes (single and batched), and a
// cheap liveness probe.
package cloudstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/types"
)

const (
	usersCollection      = "users"
	biometricIDField     = "biometricId"
	pingCollection       = "_connection_test"
	pingDoc              = "ping"
	batchCommitChunkSize = 500 // Firestore's own write-batch ceiling
)

// Store wraps a Firestore client with the narrow, domain-shaped
// operations the rest of the bridge needs. It never exposes *firestore.Client
// directly so callers stay testable against the small interfaces they
// declare (usercache.CloudStore, durability.CloudWriter, syncworker.CloudProbe).
type Store struct {
	logger *logrus.Entry
	client *firestore.Client
}

// New wraps an already-constructed Firestore client. Building the
// client (service-account credentials, project ID) is the caller's
// concern and is injected here rather than constructed internally.
func New(logger *logrus.Logger, client *firestore.Client) *Store {
	return &Store{
		logger: logger.WithField("component", "cloudstore"),
		client: client,
	}
}

// ListUsersWithBiometricID pre-warms the user cache: every member
// document that carries a non-empty biometricId field.
func (s *Store) ListUsersWithBiometricID(ctx context.Context) ([]types.UserRecord, error) {
	iter := s.client.Collection(usersCollection).Where(biometricIDField, "!=", "").Documents(ctx)
	defer iter.Stop()

	var out []types.UserRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list users with biometric id: %w", err)
		}
		user, err := decodeUser(doc)
		if err != nil {
			s.logger.WithError(err).WithField("docId", doc.Ref.ID).Warn("skipping malformed member document")
			continue
		}
		out = append(out, user)
	}
	return out, nil
}

// LookupByBiometricID finds the single member whose biometricId field
// matches, used as the user cache's cloud fallback on a local miss.
func (s *Store) LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error) {
	iter := s.client.Collection(usersCollection).
		Where(biometricIDField, "==", string(id)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.UserRecord{}, false, nil
	}
	if err != nil {
		return types.UserRecord{}, false, fmt.Errorf("lookup user by biometric id %s: %w", id, err)
	}
	user, err := decodeUser(doc)
	if err != nil {
		return types.UserRecord{}, false, fmt.Errorf("decode member document %s: %w", doc.Ref.ID, err)
	}
	return user, true, nil
}

// Create writes one attendance record at the given slash-delimited
// path, failing with ErrAlreadyExists (durability package sentinel
// translated by caller) when the path is already occupied.
func (s *Store) Create(ctx context.Context, path string, record types.AttendanceRecord) error {
	_, err := s.docRef(path).Create(ctx, record)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return durability.ErrAlreadyExists
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

// BatchCreate writes every record in one Firestore write batch per
// 500-item chunk. A Firestore WriteBatch is atomic — one bad write
// fails the whole chunk — so a chunk failure is reported for every
// path in that chunk and the caller (the durability batcher) falls
// back to Create per path to find out which ones actually collided.
func (s *Store) BatchCreate(ctx context.Context, records map[string]types.AttendanceRecord) (map[string]error, error) {
	perPath := make(map[string]error, len(records))

	paths := make([]string, 0, len(records))
	for path := range records {
		paths = append(paths, path)
	}

	for start := 0; start < len(paths); start += batchCommitChunkSize {
		end := start + batchCommitChunkSize
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[start:end]

		batch := s.client.Batch()
		for _, path := range chunk {
			batch.Create(s.docRef(path), records[path])
		}

		if _, err := batch.Commit(ctx); err != nil {
			for _, path := range chunk {
				perPath[path] = err
			}
		}
	}

	if len(perPath) > 0 {
		return perPath, fmt.Errorf("%d of %d writes failed in batch", len(perPath), len(records))
	}
	return perPath, nil
}

// Ping is the sync worker's liveness probe: a cheap read against a
// known sentinel document, tolerant of the document not existing.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(pingCollection).Doc(pingDoc).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (s *Store) docRef(path string) *firestore.DocumentRef {
	return s.client.Doc(path)
}

func decodeUser(doc *firestore.DocumentSnapshot) (types.UserRecord, error) {
	var u types.UserRecord
	if err := doc.DataTo(&u); err != nil {
		return types.UserRecord{}, err
	}
	if u.ID == "" {
		u.ID = doc.Ref.ID
	}
	return u, nil
}
