package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const batchBucketName = "batches"

// ErrBatchNotFound is returned when no batch has the requested ID
var ErrBatchNotFound = errors.New("batch not found")

// DB defines the interface for batch history persistence
type DB interface {
	// SaveBatch saves a completed batch
	SaveBatch(batch *Batch) error

	// GetBatch retrieves a batch by ID
	GetBatch(id string) (*Batch, error)

	// ListBatches returns all batches, newest first
	ListBatches() ([]*Batch, error)

	// DeleteBatch removes a batch
	DeleteBatch(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(batchBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveBatch saves a batch to the database
func (b *BoltDB) SaveBatch(batch *Batch) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucketName))
		data, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshaling batch: %w", err)
		}
		return bucket.Put([]byte(batch.ID), data)
	})
}

// GetBatch retrieves a batch by ID
func (b *BoltDB) GetBatch(id string) (*Batch, error) {
	var batch *Batch
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns all batches, newest first
func (b *BoltDB) ListBatches() ([]*Batch, error) {
	batches := make([]*Batch, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var batch Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("unmarshaling batch: %w", err)
			}
			batches = append(batches, &batch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].StartedAt.After(batches[j].StartedAt)
	})
	return batches, nil
}

// DeleteBatch removes a batch from the database
func (b *BoltDB) DeleteBatch(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
