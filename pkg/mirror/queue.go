package mirror

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clusterreg/registry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketPending = []byte("pending")

// Request is one deduplicated mirror job: fetch kind/digest from a peer and
// store it locally.
type Request struct {
	Kind      types.EntityKind `json:"kind"`
	Digest    types.Digest     `json:"digest"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (r Request) key() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Digest)
}

// Queue is the durable mirror work queue: a deduplicated in-memory set
// mirrored into a local bbolt bucket so a crash between dequeue and
// successful proposal doesn't silently lose the job.
type Queue struct {
	db *bolt.DB
}

// OpenQueue opens (creating if absent) the mirror.db bbolt file under dir.
func OpenQueue(dir string) (*Queue, error) {
	db, err := bolt.Open(filepath.Join(dir, "mirror.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("mirror: open queue db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mirror: create pending bucket: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying bbolt database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Put persists req under its dedup key, overwriting any existing entry.
func (q *Queue) Put(req Request) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte(req.key()), data)
	})
}

// Delete removes req from durable storage, once it has been successfully
// proposed as stored locally.
func (q *Queue) Delete(req Request) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(req.key()))
	})
}

// LoadAll returns every request persisted in the queue, for reload at
// Mirror startup before it subscribes to new commits.
func (q *Queue) LoadAll() ([]Request, error) {
	var out []Request
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var req Request
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			out = append(out, req)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: load pending queue: %w", err)
	}
	return out, nil
}
