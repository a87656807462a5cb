package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/homecenter/coap-server/pkg/wire"
)

// StateVersion is the current version of the stored record format.
const StateVersion = 1

var bucketResources = []byte("resources")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("state store closed")

// ResourceState is the stored representation of one resource.
type ResourceState struct {
	// Version is the record format version.
	Version int `cbor:"1,keyasint"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `cbor:"2,keyasint"`

	// Path is the resource path the state belongs to.
	Path string `cbor:"3,keyasint"`

	// Data is the resource's stored state.
	Data []byte `cbor:"4,keyasint,omitempty"`
}

// StateStore persists resource states in a bbolt file.
type StateStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*StateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResources)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Save stores state under state.Path.
func (s *StateStore) Save(state *ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
	data, err := wire.MarshalCBOR(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Put([]byte(state.Path), data)
	})
}

// Load reads the state of path.
// Returns nil, nil if nothing is stored.
func (s *StateStore) Load(path string) (*ResourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var state *ResourceState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(path))
		if data == nil {
			return nil
		}
		state = &ResourceState{}
		return wire.UnmarshalCBOR(data, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Clear removes the state of path.
func (s *StateStore) Clear(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(path))
	})
}

// Close closes the database.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
