package store

import "sync"

// Active tracks records whose Persist is in progress, keyed by record key.
// When two records share a key the most recently registered one is served.
type Active struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewActive returns an empty registry.
func NewActive() *Active {
	return &Active{records: make(map[string]*Record)}
}

// Register marks rec as being persisted.
func (a *Active) Register(rec *Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.Key] = rec
}

// Deregister removes rec unless a newer record replaced it.
func (a *Active) Deregister(rec *Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.records[rec.Key]; ok && cur == rec {
		delete(a.records, rec.Key)
	}
}

// Lookup returns the active record for key.
func (a *Active) Lookup(key string) (*Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[key]
	return rec, ok
}

// Len returns the number of active records.
func (a *Active) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
