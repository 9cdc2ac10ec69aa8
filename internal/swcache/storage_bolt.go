package swcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// metaBucket holds bookkeeping next to the store buckets. The NUL byte keeps
// it out of the store namespace.
var (
	metaBucket = []byte("\x00meta")
	activeKey  = []byte("active")
)

// BoltStorage maps each store to a top-level bbolt bucket.
type BoltStorage struct {
	db *bbolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error { return s.db.Close() }

func (s *BoltStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validStoreName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &boltCache{s: s, name: name}, nil
}

func (s *BoltStorage) Delete(_ context.Context, name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(name))
	})
	return existed, s.wrap(err)
}

func (s *BoltStorage) Names(context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !bytes.Equal(name, metaBucket) {
				out = append(out, string(name))
			}
			return nil
		})
	})
	return out, s.wrap(err)
}

func (s *BoltStorage) SetActive(_ context.Context, name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return b.Put(activeKey, []byte(name))
	})
	return s.wrap(err)
}

func (s *BoltStorage) Active(context.Context) (string, error) {
	var name string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(metaBucket); b != nil {
			name = string(b.Get(activeKey))
		}
		return nil
	})
	return name, s.wrap(err)
}

func (s *BoltStorage) wrap(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrStorageClosed
	}
	return err
}

type boltCache struct {
	s    *BoltStorage
	name string
}

func (c *boltCache) Name() string { return c.name }

func (c *boltCache) Match(_ context.Context, key RequestKey) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key.String()))
		if v == nil {
			return nil
		}
		var err error
		snap, err = decodeSnapshot(v)
		found = err == nil
		return err
	})
	if err != nil {
		return Snapshot{}, false, c.s.wrap(err)
	}
	return snap, found, nil
}

func (c *boltCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	return c.PutAll(ctx, []Entry{{Key: key, Snapshot: snap}})
}

func (c *boltCache) PutAll(_ context.Context, entries []Entry) error {
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := encodeGob(e.Snapshot)
		if err != nil {
			return err
		}
		encoded[i] = b
	}
	err := c.s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return ErrStoreNotFound
		}
		for i, e := range entries {
			if err := b.Put([]byte(e.Key.String()), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return c.s.wrap(err)
}

func (c *boltCache) Keys(context.Context) ([]RequestKey, error) {
	var out []RequestKey
	err := c.each(func(k, _ []byte) {
		if key, ok := ParseRequestKey(string(k)); ok {
			out = append(out, key)
		}
	})
	return out, err
}

func (c *boltCache) Usage(context.Context) (int64, error) {
	var total int64
	err := c.each(func(_, v []byte) { total += int64(len(v)) })
	return total, err
}

func (c *boltCache) each(fn func(k, v []byte)) error {
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			fn(k, v)
			return nil
		})
	})
	return c.s.wrap(err)
}
