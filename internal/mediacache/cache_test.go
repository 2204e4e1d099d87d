package mediacache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"media-cache/internal/media"
	"media-cache/internal/platform/metrics"
	"media-cache/internal/platform/worker"
	"media-cache/internal/site"
	"media-cache/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var allowAll = Policy{Enabled: true}

type logEntry struct {
	level string
	msg   string
	err   error
}

type recordingObserver struct {
	mu      sync.Mutex
	entries []logEntry
}

func (o *recordingObserver) add(level, msg string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, logEntry{level: level, msg: msg, err: err})
}

func (o *recordingObserver) Info(msg string, err error, _ ...any)  { o.add("info", msg, err) }
func (o *recordingObserver) Warn(msg string, err error, _ ...any)  { o.add("warn", msg, err) }
func (o *recordingObserver) Error(msg string, err error, _ ...any) { o.add("error", msg, err) }

func (o *recordingObserver) count(level string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// optimizerFunc adapts a function to the Optimizer interface.
type optimizerFunc func(ctx context.Context, s *media.Stream, opts media.Options) (*media.Stream, bool)

func (f optimizerFunc) Process(ctx context.Context, s *media.Stream, opts media.Options) (*media.Stream, bool) {
	return f(ctx, s, opts)
}

// shrink replaces the content with a fixed smaller body and labels it with
// the requested output extension, if any, as if an alternate codec ran.
func shrink(body string) optimizerFunc {
	return func(_ context.Context, s *media.Stream, opts media.Options) (*media.Stream, bool) {
		ext := s.Extension
		if hint := opts.CustomExtension(); hint != "" {
			ext = hint
		}
		asset := s.Asset
		s.Close()
		return media.NewBytesStream([]byte(body), ext, asset), true
	}
}

func notApplicable(_ context.Context, _ *media.Stream, _ media.Options) (*media.Stream, bool) {
	return nil, false
}

type fixture struct {
	cache    *OptimizingCache
	store    *store.MemoryStore
	pool     *worker.Pool
	observer *recordingObserver
	carrier  *site.Carrier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, opt Optimizer, st store.Store) *fixture {
	t.Helper()
	mem, _ := st.(*store.MemoryStore)
	if st == nil {
		mem = store.NewMemoryStore()
		st = mem
	}
	f := &fixture{
		store:    mem,
		pool:     worker.NewPool(0, nil),
		observer: &recordingObserver{},
		carrier:  &site.Carrier{},
		metrics:  metrics.New(),
	}
	f.cache = New(allowAll, st, opt,
		WithScheduler(f.pool),
		WithObserver(f.observer),
		WithCarrier(f.carrier),
		WithMetrics(f.metrics))
	return f
}

func asset(id string) media.Asset {
	return media.Asset{ID: media.AssetID(id), Path: "images/" + id, Extension: "png"}
}

func input(a media.Asset, body string) *media.Stream {
	// io.NopCloser hides the bytes.Reader so the stream starts unseekable.
	return media.NewStream(io.NopCloser(bytes.NewReader([]byte(body))), a.Extension, a)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func onlyRecord(t *testing.T, st *store.MemoryStore) *store.Record {
	t.Helper()
	recs := st.Records()
	require.Len(t, recs, 1)
	return recs[0]
}

func TestWrite_optimizable_asset_persists_optimized_bytes(t *testing.T) {
	f := newFixture(t, shrink("small"), nil)
	a := asset("A")
	in := input(a, "original-bytes")

	accepted, handle := f.cache.Write(context.Background(), a, media.Options{}, in)
	require.True(t, accepted)
	require.Same(t, in, handle)
	assert.True(t, handle.Seekable())
	assert.Equal(t, "original-bytes", readAll(t, handle), "caller reads the original from the start")

	f.pool.Wait()

	rec := onlyRecord(t, f.store)
	assert.Equal(t, "small", string(rec.Bytes()))
	assert.Equal(t, "png", rec.Extension)
	assert.Equal(t, 1, f.store.Persists(rec.Key))
	assert.Equal(t, 0, f.store.ActiveLen())
	assert.False(t, f.cache.IsOptimizing(a))
	assert.Equal(t, 0, f.cache.Optimizing())
	assert.Equal(t, 0, f.observer.count("error"))
	assert.Contains(t, scrape(t, f.metrics), `mediacache_writes_total{result="accepted"} 1`)
}

func TestWrite_requested_extension_is_recorded(t *testing.T) {
	f := newFixture(t, shrink("webp-bytes"), nil)
	a := asset("A")
	opts := media.Options{Custom: map[string]string{media.CustomExtension: "webp"}}

	accepted, _ := f.cache.Write(context.Background(), a, opts, input(a, "original"))
	require.True(t, accepted)
	f.pool.Wait()

	rec := onlyRecord(t, f.store)
	assert.Equal(t, "webp", rec.Extension)
	assert.Equal(t, "webp", rec.Options.Custom[media.CustomExtension])
}

func TestWrite_not_applicable_persists_original_bytes(t *testing.T) {
	f := newFixture(t, optimizerFunc(notApplicable), nil)
	a := asset("B")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "pdf-bytes"))
	require.True(t, accepted)
	f.pool.Wait()

	rec := onlyRecord(t, f.store)
	assert.Equal(t, "pdf-bytes", string(rec.Bytes()))
	assert.Equal(t, "png", rec.Extension)
	assert.Equal(t, 1, f.observer.count("info"), "not-applicable notice")
	assert.Equal(t, 0, f.observer.count("error"))
	assert.False(t, f.cache.IsOptimizing(a))
}

func TestWrite_optimizer_panic_persists_original_bytes(t *testing.T) {
	boom := optimizerFunc(func(_ context.Context, s *media.Stream, _ media.Options) (*media.Stream, bool) {
		// Consume and close the working copy before failing.
		_, _ = io.ReadAll(s)
		s.Close()
		panic("codec exploded")
	})
	f := newFixture(t, boom, nil)
	a := asset("C")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "raw"))
	require.True(t, accepted)
	f.pool.Wait()

	rec := onlyRecord(t, f.store)
	assert.Equal(t, "raw", string(rec.Bytes()))
	assert.Equal(t, 1, f.observer.count("error"))
	assert.False(t, f.cache.IsOptimizing(a))
}

func TestWrite_optimizer_ok_without_stream_uses_backup(t *testing.T) {
	f := newFixture(t, optimizerFunc(func(context.Context, *media.Stream, media.Options) (*media.Stream, bool) {
		return nil, true
	}), nil)
	a := asset("C2")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "raw"))
	require.True(t, accepted)
	f.pool.Wait()
	assert.Equal(t, "raw", string(onlyRecord(t, f.store).Bytes()))
}

func TestWrite_rejections(t *testing.T) {
	closed := input(asset("x"), "gone")
	closed.Close()

	tests := []struct {
		name   string
		policy Policy
		asset  media.Asset
		opts   media.Options
		in     *media.Stream
		warns  int
	}{
		{name: "disabled", policy: Policy{}, asset: asset("D"), in: input(asset("D"), "x")},
		{name: "excluded extension", policy: NewPolicy([]string{"jpg"}), asset: asset("D"), in: input(asset("D"), "x")},
		{name: "nocache option", policy: allowAll, asset: asset("D"), opts: media.Options{NoCache: true}, in: input(asset("D"), "x")},
		{name: "no identity", policy: allowAll, asset: media.Asset{Path: "p", Extension: "png"}, in: input(asset(""), "x")},
		{name: "nil stream", policy: allowAll, asset: asset("D")},
		{name: "unreadable stream", policy: allowAll, asset: asset("x"), in: closed, warns: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			obs := &recordingObserver{}
			pool := worker.NewPool(0, nil)
			called := false
			opt := optimizerFunc(func(context.Context, *media.Stream, media.Options) (*media.Stream, bool) {
				called = true
				return nil, false
			})
			c := New(tt.policy, st, opt, WithScheduler(pool), WithObserver(obs))

			accepted, handle := c.Write(context.Background(), tt.asset, tt.opts, tt.in)
			pool.Wait()

			assert.False(t, accepted)
			assert.Nil(t, handle)
			assert.False(t, called)
			assert.Equal(t, 0, st.TotalPersists())
			assert.False(t, c.IsOptimizing(tt.asset))
			assert.Equal(t, tt.warns, obs.count("warn"))
		})
	}
}

func TestWrite_rejected_stream_stays_usable(t *testing.T) {
	f := newFixture(t, shrink("s"), nil)
	f.cache.policy = Policy{}
	a := asset("D")
	in := input(a, "body")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, in)
	require.False(t, accepted)
	assert.Equal(t, "body", readAll(t, in))
}

func TestWrite_is_optimizing_while_job_runs(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	blocking := optimizerFunc(func(_ context.Context, s *media.Stream, _ media.Options) (*media.Stream, bool) {
		close(started)
		<-unblock
		return nil, false
	})
	f := newFixture(t, blocking, nil)
	a := asset("A")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "bytes"))
	require.True(t, accepted)
	assert.True(t, f.cache.IsOptimizing(a), "in flight as soon as Write returns")

	<-started
	assert.True(t, f.cache.IsOptimizing(a))
	assert.False(t, f.cache.IsOptimizing(asset("other")))
	assert.Contains(t, scrape(t, f.metrics), "mediacache_optimizing_assets 1")

	close(unblock)
	f.pool.Wait()
	assert.False(t, f.cache.IsOptimizing(a))
	assert.Contains(t, scrape(t, f.metrics), "mediacache_optimizing_assets 0")
}

func TestWrite_concurrent_writes_each_persist_once(t *testing.T) {
	const n = 32
	f := newFixture(t, shrink("opt"), nil)
	a := asset("hot")

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			accepted, handle := f.cache.Write(context.Background(), a, media.Options{}, input(a, "bytes"))
			if !accepted {
				return errors.New("write rejected")
			}
			if got, _ := io.ReadAll(handle); string(got) != "bytes" {
				return fmt.Errorf("caller read %q", got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	f.pool.Wait()

	assert.Equal(t, n, f.store.TotalPersists())
	assert.Len(t, f.store.Records(), 1, "same variant, last write wins")
	assert.False(t, f.cache.IsOptimizing(a))
	assert.Equal(t, 0, f.cache.inflight.Count(a.Identity()))
	assert.Equal(t, 0, f.store.ActiveLen())
}

func TestWrite_concurrent_assets_are_independent(t *testing.T) {
	f := newFixture(t, shrink("opt"), nil)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		a := asset(fmt.Sprintf("asset-%d", i))
		g.Go(func() error {
			if ok, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "x")); !ok {
				return errors.New("write rejected")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	f.pool.Wait()

	assert.Len(t, f.store.Records(), 10)
	assert.Equal(t, 0, f.cache.Optimizing())
	assert.Contains(t, scrape(t, f.metrics), "mediacache_optimizing_assets 0")
}

func TestWrite_caller_close_does_not_affect_job(t *testing.T) {
	unblock := make(chan struct{})
	f := newFixture(t, optimizerFunc(func(context.Context, *media.Stream, media.Options) (*media.Stream, bool) {
		<-unblock
		return nil, false
	}), nil)
	a := asset("A")

	_, handle := f.cache.Write(context.Background(), a, media.Options{}, input(a, "payload"))
	require.NoError(t, handle.Close())
	close(unblock)
	f.pool.Wait()

	assert.Equal(t, "payload", string(onlyRecord(t, f.store).Bytes()))
}

func TestWrite_restores_site_in_background(t *testing.T) {
	var (
		gotSite   string
		gotActive int
		ctxErr    error
	)
	f := newFixture(t, nil, nil)
	f.cache.optimizer = optimizerFunc(func(ctx context.Context, _ *media.Stream, _ media.Options) (*media.Stream, bool) {
		gotSite = site.NameFromContext(ctx)
		gotActive = f.carrier.Active("shop.example")
		ctxErr = ctx.Err()
		return nil, false
	})

	reqCtx, cancel := context.WithCancel(site.NewContext(context.Background(), &site.Site{Name: "shop.example"}))
	a := asset("A")
	accepted, _ := f.cache.Write(reqCtx, a, media.Options{}, input(a, "x"))
	require.True(t, accepted)
	cancel() // the request finishes before the job runs
	f.pool.Wait()

	assert.Equal(t, "shop.example", gotSite)
	assert.Equal(t, 1, gotActive)
	assert.NoError(t, ctxErr)
	assert.Equal(t, 0, f.carrier.Active("shop.example"), "scope released")
	assert.Equal(t, "shop.example", onlyRecord(t, f.store).Site)
}

// failingStore fails the configured step and records active registrations.
type failingStore struct {
	*store.MemoryStore
	createErr  error
	persistErr error
	persistHit func()

	mu           sync.Mutex
	registered   int
	deregistered int
}

func (s *failingStore) CreateRecord(ctx context.Context, a media.Asset, opts media.Options, in *media.Stream) (*store.Record, error) {
	if s.createErr != nil {
		in.Close()
		return nil, s.createErr
	}
	return s.MemoryStore.CreateRecord(ctx, a, opts, in)
}

func (s *failingStore) Persist(ctx context.Context, rec *store.Record) error {
	if s.persistHit != nil {
		s.persistHit()
	}
	if s.persistErr != nil {
		return s.persistErr
	}
	return s.MemoryStore.Persist(ctx, rec)
}

func (s *failingStore) RegisterActive(rec *store.Record) {
	s.mu.Lock()
	s.registered++
	s.mu.Unlock()
	s.MemoryStore.RegisterActive(rec)
}

func (s *failingStore) DeregisterActive(rec *store.Record) {
	s.mu.Lock()
	s.deregistered++
	s.mu.Unlock()
	s.MemoryStore.DeregisterActive(rec)
}

func TestWrite_persist_failure_is_contained(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), persistErr: errors.New("disk full")}
	f := newFixture(t, shrink("opt"), fs)
	a := asset("A")

	accepted, handle := f.cache.Write(context.Background(), a, media.Options{}, input(a, "x"))
	require.True(t, accepted)
	assert.Equal(t, "x", readAll(t, handle))
	f.pool.Wait()

	assert.Equal(t, 1, fs.registered)
	assert.Equal(t, 1, fs.deregistered, "deregistered even though persist failed")
	assert.Equal(t, 0, fs.ActiveLen())
	assert.Equal(t, 1, f.observer.count("error"))
	assert.False(t, f.cache.IsOptimizing(a))
	assert.Contains(t, scrape(t, f.metrics), `mediacache_background_failures_total{kind="job"} 1`)
}

func TestWrite_persist_panic_still_deregisters(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), persistHit: func() { panic("driver bug") }}
	f := newFixture(t, shrink("opt"), fs)
	a := asset("A")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "x"))
	require.True(t, accepted)
	f.pool.Wait()

	assert.Equal(t, 1, fs.deregistered)
	assert.Equal(t, 1, f.observer.count("error"))
	assert.False(t, f.cache.IsOptimizing(a))
}

func TestWrite_create_record_failure_is_contained(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), createErr: errors.New("bad record")}
	f := newFixture(t, shrink("opt"), fs)
	a := asset("A")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "x"))
	require.True(t, accepted)
	f.pool.Wait()

	assert.Equal(t, 0, fs.registered)
	assert.Equal(t, 0, fs.TotalPersists())
	assert.Equal(t, 1, f.observer.count("error"))
	assert.False(t, f.cache.IsOptimizing(a))
}

func TestWrite_active_record_visible_during_persist(t *testing.T) {
	inPersist := make(chan struct{})
	unblock := make(chan struct{})
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	fs.persistHit = func() {
		close(inPersist)
		<-unblock
	}
	f := newFixture(t, shrink("opt"), fs)
	a := asset("A")

	accepted, _ := f.cache.Write(context.Background(), a, media.Options{}, input(a, "x"))
	require.True(t, accepted)

	<-inPersist
	rec, err := fs.Get(context.Background(), a, media.Options{})
	require.NoError(t, err)
	assert.Equal(t, "opt", string(rec.Bytes()))

	close(unblock)
	f.pool.Wait()
	assert.Equal(t, 0, fs.ActiveLen())
}

type failingScheduler struct{}

func (failingScheduler) Go(func()) error { return worker.ErrClosed }

func TestWrite_schedule_failure_rejects(t *testing.T) {
	st := store.NewMemoryStore()
	obs := &recordingObserver{}
	c := New(allowAll, st, shrink("opt"), WithScheduler(failingScheduler{}), WithObserver(obs))
	a := asset("A")
	in := input(a, "x")

	accepted, handle := c.Write(context.Background(), a, media.Options{}, in)
	assert.False(t, accepted)
	assert.Nil(t, handle)
	assert.False(t, c.IsOptimizing(a))
	assert.Equal(t, 1, obs.count("error"))
	assert.Equal(t, "x", readAll(t, in), "caller can still serve the input")
}

func TestWrite_bounded_pool(t *testing.T) {
	st := store.NewMemoryStore()
	pool := worker.NewPool(2, nil)
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	opt := optimizerFunc(func(context.Context, *media.Stream, media.Options) (*media.Stream, bool) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, false
	})
	c := New(allowAll, st, opt, WithScheduler(pool), WithObserver(&recordingObserver{}))

	for i := 0; i < 8; i++ {
		a := asset(fmt.Sprintf("a%d", i))
		accepted, _ := c.Write(context.Background(), a, media.Options{}, input(a, "x"))
		require.True(t, accepted)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 8, st.TotalPersists())
	assert.Equal(t, 0, c.Optimizing())
}

func TestNew_defaults(t *testing.T) {
	c := New(allowAll, store.NewMemoryStore(), optimizerFunc(notApplicable))
	assert.NotNil(t, c.observer)
	assert.NotNil(t, c.scheduler)
	assert.NotNil(t, c.carrier)

	a := asset("A")
	accepted, _ := c.Write(context.Background(), a, media.Options{}, input(a, "x"))
	require.True(t, accepted)
	c.scheduler.(*worker.Pool).Wait()
	assert.False(t, c.IsOptimizing(a))
}
