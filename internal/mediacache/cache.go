// Package mediacache is a write-through media cache that optimizes variants
// in the background while the caller keeps serving the original bytes.
package mediacache

import (
	"context"
	"fmt"
	"log/slog"

	"media-cache/internal/media"
	"media-cache/internal/platform/metrics"
	"media-cache/internal/platform/worker"
	"media-cache/internal/site"
	"media-cache/internal/store"

	"github.com/google/uuid"
)

// CachePolicy decides whether a variant may be cached at all.
type CachePolicy interface {
	CanCache(asset media.Asset, opts media.Options) bool
}

// Optimizer re-encodes a stream. ok is false when the asset is not something
// it can or should optimize. Implementations should not panic or block
// forever, but the cache survives either.
type Optimizer interface {
	Process(ctx context.Context, s *media.Stream, opts media.Options) (out *media.Stream, ok bool)
}

// Scheduler runs a task off the caller's goroutine without blocking.
type Scheduler interface {
	Go(task func()) error
}

// ContextCarrier moves request-scoped state into a background job.
type ContextCarrier interface {
	Capture(ctx context.Context) site.Token
	Enter(t site.Token) (context.Context, func())
}

// Option configures an OptimizingCache.
type Option func(*OptimizingCache)

// WithObserver sets the log sink. The default logs through slog.Default.
func WithObserver(o Observer) Option {
	return func(c *OptimizingCache) { c.observer = o }
}

// WithScheduler sets where background jobs run.
func WithScheduler(s Scheduler) Option {
	return func(c *OptimizingCache) { c.scheduler = s }
}

// WithCarrier sets how request context reaches background jobs.
func WithCarrier(cc ContextCarrier) Option {
	return func(c *OptimizingCache) { c.carrier = cc }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *OptimizingCache) { c.metrics = m }
}

// OptimizingCache accepts cache writes, hands the caller a readable stream
// immediately, and optimizes and persists the variant in the background.
type OptimizingCache struct {
	policy    CachePolicy
	store     store.Store
	optimizer Optimizer
	observer  Observer
	scheduler Scheduler
	carrier   ContextCarrier
	metrics   *metrics.Metrics
	inflight  *InFlight
}

// New returns a cache writing through st.
func New(policy CachePolicy, st store.Store, opt Optimizer, opts ...Option) *OptimizingCache {
	c := &OptimizingCache{
		policy:    policy,
		store:     st,
		optimizer: opt,
		inflight:  NewInFlight(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.observer == nil {
		c.observer = NewSlogObserver(slog.Default())
	}
	if c.scheduler == nil {
		c.scheduler = worker.NewPool(0, nil)
	}
	if c.carrier == nil {
		c.carrier = &site.Carrier{}
	}
	if c.metrics != nil {
		c.inflight.OnSize(c.metrics.SetOptimizingAssets)
	}
	return c
}

type job struct {
	id        string
	asset     media.Asset
	opts      media.Options
	working   *media.Stream
	token     site.Token
	extension string
}

func (j *job) path() string {
	if j.asset.Path != "" {
		return j.asset.Path + "." + j.extension
	}
	return string(j.asset.ID)
}

func (j *job) attrs() []any {
	return []any{slog.String("job_id", j.id), slog.String("media_path", j.path())}
}

// Write caches the variant of asset described by opts whose bytes are in.
//
// When accepted is true, handle is in itself, now seekable and positioned at
// the start; a background job owns an independent copy. When accepted is
// false, nothing was scheduled and in is left in the caller's hands; it may
// have been buffered but is still readable unless it was closed already.
func (c *OptimizingCache) Write(ctx context.Context, asset media.Asset, opts media.Options, in *media.Stream) (accepted bool, handle *media.Stream) {
	if in == nil || !c.policy.CanCache(asset, opts) {
		return c.reject()
	}
	id := asset.Identity()
	if id == "" {
		return c.reject()
	}
	if !in.CanRead() {
		c.observer.Warn(fmt.Sprintf("cannot optimize %s because cache was passed a non readable stream", asset.Path), nil)
		return c.reject()
	}
	if err := in.MakeSeekable(); err != nil {
		c.observer.Warn(fmt.Sprintf("cannot buffer %s for caching", asset.Path), err)
		return c.reject()
	}
	if err := in.Rewind(); err != nil {
		c.observer.Warn(fmt.Sprintf("cannot rewind %s for caching", asset.Path), err)
		return c.reject()
	}
	working, err := in.Copy()
	if err != nil {
		c.observer.Warn(fmt.Sprintf("cannot copy %s for caching", asset.Path), err)
		return c.reject()
	}

	j := &job{
		id:        uuid.NewString(),
		asset:     asset,
		opts:      opts.Clone(),
		working:   working,
		token:     c.carrier.Capture(ctx),
		extension: in.Extension,
	}

	c.inflight.Add(id)
	if err := c.scheduler.Go(func() { c.run(j) }); err != nil {
		c.observer.Error("could not schedule background optimization", err, j.attrs()...)
		_ = working.Close()
		c.release(j)
		return c.reject()
	}

	c.metrics.IncWrites(metrics.WriteAccepted)
	return true, in
}

func (c *OptimizingCache) reject() (bool, *media.Stream) {
	c.metrics.IncWrites(metrics.WriteRejected)
	return false, nil
}

// IsOptimizing reports whether a background job for asset is running.
func (c *OptimizingCache) IsOptimizing(asset media.Asset) bool {
	return c.inflight.IsOptimizing(asset.Identity())
}

// Optimizing returns the number of assets with running jobs.
func (c *OptimizingCache) Optimizing() int {
	return c.inflight.Len()
}

func (c *OptimizingCache) run(j *job) {
	defer c.release(j)
	defer c.recoverJob(j)

	if err := c.optimizeAndPersist(j); err != nil {
		c.observer.Error("exception occurred on the background goroutine when optimizing", err, j.attrs()...)
		c.metrics.IncBackgroundFailures(metrics.FailureJob)
	}
}

func (c *OptimizingCache) recoverJob(j *job) {
	if r := recover(); r != nil {
		c.observer.Error("background optimization panicked", fmt.Errorf("panic: %v", r), j.attrs()...)
		c.metrics.IncBackgroundFailures(metrics.FailureJob)
	}
}

// release drops the job from the in-flight tracker. It must never fail
// outward, even if the job itself did.
func (c *OptimizingCache) release(j *job) {
	defer func() {
		if r := recover(); r != nil {
			c.observer.Error("error removing in-flight entry", fmt.Errorf("panic: %v", r), j.attrs()...)
			c.metrics.IncBackgroundFailures(metrics.FailureCleanup)
		}
	}()
	if _, err := c.inflight.Done(j.asset.Identity()); err != nil {
		c.observer.Error("error removing in-flight entry", err, j.attrs()...)
		c.metrics.IncBackgroundFailures(metrics.FailureCleanup)
	}
}

func (c *OptimizingCache) optimizeAndPersist(j *job) error {
	ctx, leave := c.carrier.Enter(j.token)
	defer leave()
	defer j.working.Close()

	backup, err := j.working.Copy()
	if err != nil {
		return fmt.Errorf("back up working copy: %w", err)
	}
	defer backup.Close()

	src := backup
	if optimized, ok := c.process(ctx, j); ok {
		src = optimized
		_ = backup.Close()
	} else {
		c.observer.Info(fmt.Sprintf("%s is not something that can be optimized, either because of its file format or because it is excluded", j.path()), nil, j.attrs()...)
	}

	rec, err := c.store.CreateRecord(ctx, j.asset, j.opts, src)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("create cache record: %w", err)
	}

	c.store.RegisterActive(rec)
	defer c.store.DeregisterActive(rec)

	if err := c.store.Persist(ctx, rec); err != nil {
		return fmt.Errorf("persist cache record %s: %w", rec.Key, err)
	}
	return nil
}

// process calls the optimizer, treating a panic or an empty success as
// "not applicable" so the unmodified backup still gets cached.
func (c *OptimizingCache) process(ctx context.Context, j *job) (out *media.Stream, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.observer.Error("optimizer panicked; caching unchanged media", fmt.Errorf("panic: %v", r), j.attrs()...)
			out, ok = nil, false
		}
	}()
	out, ok = c.optimizer.Process(ctx, j.working, j.opts)
	if !ok || out == nil {
		return nil, false
	}
	return out, true
}
