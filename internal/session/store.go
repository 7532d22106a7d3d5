// Package session persists RecoverySession snapshots in an embedded badger
// store, so scans can be replayed and recovered from later without
// rescanning the image. Candidate and extent ordering round-trips exactly.
package session

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

const keyPrefix = "session/"

// Store wraps a badger database holding serialized sessions.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func sessionKey(id uuid.UUID) []byte {
	return []byte(keyPrefix + id.String())
}

// Save serializes a session. Sessions are immutable; saving the same id
// twice overwrites with identical content.
func (s *Store) Save(session *types.RecoverySession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// Load deserializes one session by id.
func (s *Store) Load(id uuid.UUID) (*types.RecoverySession, error) {
	var session types.RecoverySession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return &session, nil
}

// List returns every stored session, newest first.
func (s *Store) List() ([]*types.RecoverySession, error) {
	var sessions []*types.RecoverySession
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session types.RecoverySession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, &session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Delete removes one session.
func (s *Store) Delete(id uuid.UUID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}
