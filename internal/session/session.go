// Package session persists browser session artifacts — cookies and
// local-storage snapshots — per (site, identity) pair so the scraper
// can skip re-authentication on its next fetch.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const schemaVersion = 1

var (
	bucketArtifacts = []byte("artifacts")
	bucketInternal  = []byte("_meta")
)

// Artifacts is the opaque, caller-defined session payload. The store
// round-trips it without interpreting its contents.
type Artifacts struct {
	Cookies      []byte    `json:"cookies"`
	LocalStorage []byte    `json:"local_storage"`
	SavedAt      time.Time `json:"saved_at"`
}

// Store is a bbolt-backed persistence layer for session artifacts.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the store's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the bbolt database at path. Entries older
// than maxAge are treated as invalid on Load; maxAge <= 0 disables
// expiry.
func Open(path string, maxAge time.Duration, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating session store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}

	s := &Store{db: db, ttl: maxAge, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketArtifacts, bucketInternal} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketInternal)
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(site, identity string) []byte {
	return []byte(site + "\x00" + identity)
}

// Save writes artifacts for (site, identity), stamping SavedAt.
func (s *Store) Save(site, identity string, artifacts Artifacts) error {
	artifacts.SavedAt = s.now().UTC()
	data, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encoding session artifacts: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(key(site, identity), data)
	})
}

// Load returns the artifacts for (site, identity). ok is false if no
// entry exists or the entry has aged past the configured max age.
func (s *Store) Load(site, identity string) (artifacts Artifacts, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketArtifacts).Get(key(site, identity))
		if raw == nil {
			return nil
		}
		var a Artifacts
		if unmarshalErr := json.Unmarshal(raw, &a); unmarshalErr != nil {
			return fmt.Errorf("decoding session artifacts: %w", unmarshalErr)
		}
		if s.ttl > 0 && s.now().Sub(a.SavedAt) > s.ttl {
			return nil
		}
		artifacts, ok = a, true
		return nil
	})
	return artifacts, ok, err
}

// Invalidate deletes any stored artifacts for (site, identity).
func (s *Store) Invalidate(site, identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete(key(site, identity))
	})
}
