package boltstore

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

// ErrUserNotFound is returned by Get for an unknown id.
var ErrUserNotFound = errors.New("user not found")

// UserStore keeps the latest profile fields for each user id.
type UserStore struct {
	db *bolt.DB
}

// Save replaces the profile stored under id. Concurrent calls are coalesced
// into shared transactions.
func (s *UserStore) Save(id string, fields map[string]string) error {
	if id == "" {
		return errors.New("user id is required")
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode user %s: %w", id, err)
	}

	return s.db.Batch(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return fmt.Errorf("users bucket not found")
		}
		return bucket.Put([]byte(id), data)
	})
}

// Get returns the profile stored under id.
func (s *UserStore) Get(id string) (map[string]string, error) {
	var fields map[string]string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return fmt.Errorf("users bucket not found")
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(data, &fields)
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// Count returns the number of stored users.
func (s *UserStore) Count() int {
	var n int

	s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})

	return n
}
