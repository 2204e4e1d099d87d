package store

import (
	"context"
	"sync"

	"media-cache/internal/media"
	"media-cache/internal/site"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	persists map[string]int
	active   *Active
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		persists: make(map[string]int),
		active:   NewActive(),
	}
}

// CreateRecord implements Store.CreateRecord.
func (s *MemoryStore) CreateRecord(ctx context.Context, asset media.Asset, opts media.Options, stream *media.Stream) (*Record, error) {
	return NewRecord(ctx, asset, opts, stream)
}

// Persist implements Store.Persist. A later Persist for the same key replaces
// the earlier record.
func (s *MemoryStore) Persist(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	s.persists[rec.Key]++
	return nil
}

// RegisterActive implements Store.RegisterActive.
func (s *MemoryStore) RegisterActive(rec *Record) {
	s.active.Register(rec)
}

// DeregisterActive implements Store.DeregisterActive.
func (s *MemoryStore) DeregisterActive(rec *Record) {
	s.active.Deregister(rec)
}

// Get implements Store.Get. Records being persisted are served first.
func (s *MemoryStore) Get(ctx context.Context, asset media.Asset, opts media.Options) (*Record, error) {
	key := Key(site.NameFromContext(ctx), asset, opts)
	if rec, ok := s.active.Lookup(key); ok {
		return rec, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Persists returns how many times a record with key was persisted.
func (s *MemoryStore) Persists(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persists[key]
}

// TotalPersists returns the number of Persist calls across all keys.
func (s *MemoryStore) TotalPersists() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.persists {
		n += c
	}
	return n
}

// Records returns a snapshot of the persisted records.
func (s *MemoryStore) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// ActiveLen returns how many records are registered as active.
func (s *MemoryStore) ActiveLen() int {
	return s.active.Len()
}
