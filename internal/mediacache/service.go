package mediacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"media-cache/internal/media"
	"media-cache/internal/platform/metrics"
	"media-cache/internal/store"

	digest "github.com/opencontainers/go-digest"
)

// Lookup results.
const (
	LookupHit  = "hit"
	LookupMiss = "miss"
)

// Result is an opened media variant. The caller must close Stream.
type Result struct {
	Asset  media.Asset
	Stream *media.Stream
	Hit    bool
	Digest digest.Digest // set on hits
}

// Service serves variants from the cache store, falling back to the source
// and writing the rendered bytes through the cache.
type Service struct {
	cache   *OptimizingCache
	store   store.Store
	source  Source
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService returns a Service. Metrics may be nil.
func NewService(cache *OptimizingCache, st store.Store, src Source, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cache: cache, store: st, source: src, log: log, metrics: m}
}

// Open returns the requested variant of the asset identified by id.
func (s *Service) Open(ctx context.Context, id media.AssetID, opts media.Options) (*Result, error) {
	clean, ok := CleanID(string(id))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAssetNotFound, id)
	}

	if !opts.NoCache {
		rec, err := s.store.Get(ctx, media.Asset{ID: clean}, opts)
		switch {
		case err == nil:
			s.metrics.IncLookups(LookupHit)
			return &Result{Asset: rec.Asset, Stream: rec.Open(), Hit: true, Digest: rec.Digest}, nil
		case errors.Is(err, store.ErrNotFound):
		case errors.Is(err, store.ErrCorrupt):
			s.log.Warn("discarded corrupt cache record", slog.String("asset_id", string(clean)), slog.String("error", err.Error()))
		default:
			s.log.Error("cache lookup failed", slog.String("asset_id", string(clean)), slog.String("error", err.Error()))
		}
	}
	s.metrics.IncLookups(LookupMiss)

	asset, stream, err := s.source.Open(ctx, clean, opts)
	if err != nil {
		return nil, err
	}
	if accepted, handle := s.cache.Write(ctx, asset, opts, stream); accepted {
		stream = handle
	}
	return &Result{Asset: asset, Stream: stream}, nil
}

// IsOptimizing reports whether asset is being optimized in the background.
func (s *Service) IsOptimizing(asset media.Asset) bool {
	return s.cache.IsOptimizing(asset)
}
