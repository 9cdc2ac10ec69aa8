package swcache

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	a:                     name of the active store
//	n:<store>              store marker
//	e:<store>\x00<key>     gob-encoded Snapshot
const (
	levelActiveKey    = "a:"
	levelMarkerPrefix = "n:"
	levelEntryPrefix  = "e:"
)

type levelOpKind int

const (
	levelOpen levelOpKind = iota
	levelPut
	levelDrop
	levelSetActive
)

type levelOp struct {
	kind  levelOpKind
	store string
	batch *leveldb.Batch
	ack   chan levelResult
}

type levelResult struct {
	existed bool
	err     error
}

// LevelDBStorage keeps every store in one goleveldb database. All writes go
// through a single writer goroutine, so a store drop can never interleave
// with a put into the same store.
type LevelDBStorage struct {
	db *leveldb.DB

	mu     sync.RWMutex
	closed bool

	ops  chan levelOp
	done chan struct{}
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{
		db:   db,
		ops:  make(chan levelOp, 1024),
		done: make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

func (s *LevelDBStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validStoreName(name); err != nil {
		return nil, err
	}
	if _, err := s.submit(ctx, levelOp{kind: levelOpen, store: name}); err != nil {
		return nil, err
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.submit(ctx, levelOp{kind: levelDrop, store: name})
	return res.existed, err
}

func (s *LevelDBStorage) Names(context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelMarkerPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(levelMarkerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) SetActive(ctx context.Context, name string) error {
	_, err := s.submit(ctx, levelOp{kind: levelSetActive, store: name})
	return err
}

func (s *LevelDBStorage) Active(context.Context) (string, error) {
	if s.isClosed() {
		return "", ErrStorageClosed
	}
	b, err := s.db.Get([]byte(levelActiveKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	return string(b), err
}

func (s *LevelDBStorage) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// submit hands op to the writer. If ctx ends first the op still runs to
// completion; its batch is applied whole or not at all.
func (s *LevelDBStorage) submit(ctx context.Context, op levelOp) (levelResult, error) {
	op.ack = make(chan levelResult, 1)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return levelResult{}, ErrStorageClosed
	}
	s.ops <- op
	s.mu.RUnlock()

	select {
	case res := <-op.ack:
		return res, res.err
	case <-ctx.Done():
		return levelResult{}, ctx.Err()
	}
}

func (s *LevelDBStorage) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.ops {
		var res levelResult
		switch op.kind {
		case levelOpen:
			res.err = s.applyOpen(op.store)
		case levelPut:
			res.err = s.applyPut(op.store, op.batch)
		case levelDrop:
			res.existed, res.err = s.applyDrop(op.store)
		case levelSetActive:
			res.err = s.db.Put([]byte(levelActiveKey), []byte(op.store), nil)
		}
		op.ack <- res
	}
}

func (s *LevelDBStorage) applyOpen(store string) error {
	ok, err := s.db.Has(markerKey(store), nil)
	if err != nil || ok {
		return err
	}
	return s.db.Put(markerKey(store), nil, nil)
}

func (s *LevelDBStorage) applyPut(store string, batch *leveldb.Batch) error {
	ok, err := s.db.Has(markerKey(store), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStorage) applyDrop(store string) (bool, error) {
	existed, err := s.db.Has(markerKey(store), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(store)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(markerKey(store))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func markerKey(store string) []byte {
	return []byte(levelMarkerPrefix + store)
}

func entryPrefix(store string) []byte {
	return []byte(levelEntryPrefix + store + "\x00")
}

func entryKey(store string, key RequestKey) []byte {
	return append(entryPrefix(store), key.String()...)
}

type levelCache struct {
	s    *LevelDBStorage
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(_ context.Context, key RequestKey) (Snapshot, bool, error) {
	if c.s.isClosed() {
		return Snapshot{}, false, ErrStorageClosed
	}
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := decodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (c *levelCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	return c.PutAll(ctx, []Entry{{Key: key, Snapshot: snap}})
}

func (c *levelCache) PutAll(ctx context.Context, entries []Entry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		b, err := encodeGob(e.Snapshot)
		if err != nil {
			return err
		}
		batch.Put(entryKey(c.name, e.Key), b)
	}
	_, err := c.s.submit(ctx, levelOp{kind: levelPut, store: c.name, batch: batch})
	return err
}

func (c *levelCache) Keys(context.Context) ([]RequestKey, error) {
	var out []RequestKey
	err := c.scan(func(k, _ []byte) {
		if key, ok := ParseRequestKey(string(k)); ok {
			out = append(out, key)
		}
	})
	return out, err
}

func (c *levelCache) Usage(context.Context) (int64, error) {
	var total int64
	err := c.scan(func(_, v []byte) { total += int64(len(v)) })
	return total, err
}

func (c *levelCache) scan(fn func(key, value []byte)) error {
	if c.s.isClosed() {
		return ErrStorageClosed
	}
	prefix := entryPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		fn(bytes.TrimPrefix(it.Key(), prefix), it.Value())
	}
	return it.Error()
}
