package session

import (
	"context"
	"sort"
	"sync"
)

// Store is the authoritative in-memory view of live sessions.
//
// Set is a full replace and the last writer wins. Callers that read, modify
// and write back a record are not protected against a concurrent writer of
// the same key doing the same thing in between.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	Set(ctx context.Context, key Key, record Record) error
	Delete(ctx context.Context, key Key) error
	// List returns a point-in-time copy of every entry.
	List(ctx context.Context) ([]Entry, error)
	Len() int
	// FlushLock serializes writes of this store's records to durable
	// storage. Anything that upserts a snapshot and then marks the record
	// clean or evicts it holds the lock across all three steps, so a slower
	// writer can never land an older snapshot after a newer one.
	FlushLock() sync.Locker
}

// MemoryStore guards the whole key space with one RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]Record
	closed   bool

	flushMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[Key]Record),
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, false, ErrStoreInternal
	}
	r, ok := s.sessions[key]
	return r, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreInternal
	}
	s.sessions[key] = record
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreInternal
	}
	delete(s.sessions, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreInternal
	}
	out := make([]Entry, 0, len(s.sessions))
	for k, r := range s.sessions {
		out = append(out, Entry{Key: k, Record: r})
	}
	// stable order keeps flush batches and logs deterministic
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.UserID != out[j].Key.UserID {
			return out[i].Key.UserID < out[j].Key.UserID
		}
		return out[i].Key.VideoID < out[j].Key.VideoID
	})
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

func (s *MemoryStore) FlushLock() sync.Locker {
	return &s.flushMu
}

// Close makes every further call fail with ErrStoreInternal.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.sessions = make(map[Key]Record)
}

// MarkClean clears the dirty flag on the stored record for flushed.Key(),
// but only if that record still equals flushed. A record mutated after the
// snapshot was taken keeps its dirty flag for the next flush. It reports
// whether the flag was cleared.
//
// Callers hold store.FlushLock(). The get and set are still two separate
// acquisitions of the store lock: a client update can slip in between them
// and have its mutation overwritten with the flushed copy. Without the flush
// lock, a Delete from a final detach could also land in that gap, and the Set
// would put the evicted record back as a clean orphan.
func MarkClean(ctx context.Context, store Store, flushed Record) (bool, error) {
	key := flushed.Key()
	current, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || !current.SameState(flushed) {
		return false, nil
	}
	current.Dirty = false
	if err := store.Set(ctx, key, current); err != nil {
		return false, err
	}
	return true, nil
}
