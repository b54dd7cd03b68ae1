package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a bbolt database file holding one bucket per scope. Entries survive
// process restarts. Use Bucket to obtain a Store for a scope.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt database at path and ensures the named
// buckets exist.
func OpenBolt(path string, buckets ...string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir %q: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Bucket returns the Store for one scope. The bucket is created on first
// write if OpenBolt did not create it.
func (b *Bolt) Bucket(name string) Store {
	return &boltBucket{db: b.db, name: []byte(name)}
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltBucket struct {
	db   *bolt.DB
	name []byte
}

func (s *boltBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.name)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, wrapBolt(err)
	}
	return out, nil
}

func (s *boltBucket) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapBolt(s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.name)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	}))
}

func (s *boltBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapBolt(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.name)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}))
}

func wrapBolt(err error) error {
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return ErrClosed
	}
	return fmt.Errorf("bbolt: %w", err)
}
