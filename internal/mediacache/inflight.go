package mediacache

import (
	"errors"
	"sync"
	"sync/atomic"

	"media-cache/internal/media"
)

// ErrNotInFlight is returned by Done for an asset with no running job.
var ErrNotInFlight = errors.New("asset is not being optimized")

// InFlight counts running optimization jobs per asset.
//
// A key is present if and only if its count is at least one. Add and Done are
// serialized by mu; IsOptimizing reads a presence set maintained inside the
// same critical section and never takes the lock.
type InFlight struct {
	mu     sync.Mutex
	counts map[media.AssetID]int
	live   sync.Map // media.AssetID -> struct{}
	size   atomic.Int64
	onSize func(n int)
}

// NewInFlight returns an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{counts: make(map[media.AssetID]int)}
}

// OnSize registers fn to receive the number of tracked assets whenever it
// changes. fn runs inside the tracker's critical section, so successive calls
// are ordered and must not call back into the tracker.
func (f *InFlight) OnSize(fn func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSize = fn
}

// Add records a new job for id and returns the updated count.
func (f *InFlight) Add(id media.AssetID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.counts[id] + 1
	f.counts[id] = n
	if n == 1 {
		f.live.Store(id, struct{}{})
		f.notifyLocked(f.size.Add(1))
	}
	return n
}

// Done records the end of a job for id, removing the key when the count
// reaches zero. It returns the remaining count.
func (f *InFlight) Done(id media.AssetID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.counts[id]
	if !ok {
		return 0, ErrNotInFlight
	}
	if n > 1 {
		f.counts[id] = n - 1
		return n - 1, nil
	}
	delete(f.counts, id)
	f.live.Delete(id)
	f.notifyLocked(f.size.Add(-1))
	return 0, nil
}

func (f *InFlight) notifyLocked(size int64) {
	if f.onSize != nil {
		f.onSize(int(size))
	}
}

// IsOptimizing reports whether id has at least one job running. The answer
// is a point-in-time snapshot.
func (f *InFlight) IsOptimizing(id media.AssetID) bool {
	_, ok := f.live.Load(id)
	return ok
}

// Count returns the number of running jobs for id.
func (f *InFlight) Count(id media.AssetID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

// Len returns the number of assets with running jobs.
func (f *InFlight) Len() int {
	return int(f.size.Load())
}
