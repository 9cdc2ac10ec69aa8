package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
)

// Storage holds named cache stores. Implementations are safe for concurrent
// use; every Put, PutAll and Delete is atomic on its own, with no
// transactions spanning calls.
type Storage interface {
	// Open returns a handle to the named store, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Delete removes the store and all its entries. It reports whether the
	// store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists existing stores in lexical order.
	Names(ctx context.Context) ([]string, error)
	// SetActive records name as the store of the active worker, so a
	// restart can resume it without the network.
	SetActive(ctx context.Context, name string) error
	// Active returns the name last given to SetActive, or "" if none was.
	Active(ctx context.Context) (string, error)
	Close() error
}

// Cache is a handle to one named store. Writes to a store that has been
// deleted fail with ErrStoreNotFound.
type Cache interface {
	Name() string
	Match(ctx context.Context, key RequestKey) (Snapshot, bool, error)
	Put(ctx context.Context, key RequestKey, snap Snapshot) error
	// PutAll writes every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Keys(ctx context.Context) ([]RequestKey, error)
	// Usage is the encoded size in bytes of everything held by the store.
	Usage(ctx context.Context) (int64, error)
}

// OpenStorage builds the backend selected by cfg and applies its quota.
func OpenStorage(cfg StorageConfig) (Storage, error) {
	var (
		st  Storage
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		st = NewMemoryStorage()
	case BackendBolt:
		st, err = NewBoltStorage(filepath.Join(cfg.Path, "swcache.db"))
	case BackendLevelDB, "":
		st, err = NewLevelDBStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	if cfg.maxBytes > 0 || cfg.maxEntryBytes > 0 {
		st = WithQuota(st, cfg.maxBytes, cfg.maxEntryBytes)
	}
	return st, nil
}

// StoreInfo summarizes one store.
type StoreInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// DescribeStores lists every store in st with its entry count and usage.
func DescribeStores(ctx context.Context, st Storage) ([]StoreInfo, error) {
	names, err := st.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		c, err := st.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		used, err := c.Usage(ctx)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		out = append(out, StoreInfo{Name: name, Entries: len(keys), Bytes: used})
	}
	return out, nil
}

func validStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("empty store name")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("store name %q contains NUL", name)
	}
	return nil
}

// ---- quota ----

type quotaStorage struct {
	Storage
	maxBytes int64
	maxEntry int64
}

// WithQuota limits every store opened through st to maxBytes of encoded
// snapshots, and every single snapshot to maxEntry. Zero disables a limit.
func WithQuota(st Storage, maxBytes, maxEntry int64) Storage {
	return &quotaStorage{Storage: st, maxBytes: maxBytes, maxEntry: maxEntry}
}

func (q *quotaStorage) Open(ctx context.Context, name string) (Cache, error) {
	c, err := q.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &quotaCache{Cache: c, maxBytes: q.maxBytes, maxEntry: q.maxEntry}, nil
}

type quotaCache struct {
	Cache
	maxBytes int64
	maxEntry int64

	// serializes the usage check with the write it guards
	mu sync.Mutex
}

func (c *quotaCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	return c.PutAll(ctx, []Entry{{Key: key, Snapshot: snap}})
}

func (c *quotaCache) PutAll(ctx context.Context, entries []Entry) error {
	var add int64
	for _, e := range entries {
		sz, err := encodedSize(e.Snapshot)
		if err != nil {
			return err
		}
		if c.maxEntry > 0 && sz > c.maxEntry {
			return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrQuotaExceeded, e.Key, sz, c.maxEntry)
		}
		add += sz
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 {
		used, err := c.Cache.Usage(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if cur, ok, err := c.Cache.Match(ctx, e.Key); err == nil && ok {
				sz, _ := encodedSize(cur)
				used -= sz
			}
		}
		if used+add > c.maxBytes {
			return fmt.Errorf("%w: store %s would hold %d bytes, limit %d", ErrQuotaExceeded, c.Name(), used+add, c.maxBytes)
		}
	}
	if len(entries) == 1 {
		return c.Cache.Put(ctx, entries[0].Key, entries[0].Snapshot)
	}
	return c.Cache.PutAll(ctx, entries)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func encodedSize(s Snapshot) (int64, error) {
	b, err := encodeGob(s)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func decodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := decodeGob(b, &s); err != nil {
		return Snapshot{}, err
	}
	if s.Header == nil {
		s.Header = make(http.Header)
	}
	return s, nil
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
