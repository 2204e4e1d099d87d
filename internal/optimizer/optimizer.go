// Package optimizer re-encodes cached media through a configurable pipeline.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"media-cache/internal/media"
	"media-cache/internal/platform/metrics"
)

// Optimizer adapts the processor pipeline to the cache. Process never fails
// outward: every problem is logged and reported as "not applicable".
type Optimizer struct {
	cfg      Config
	pipeline *Pipeline
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New builds an Optimizer from cfg. Metrics may be nil.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Optimizer, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer config: %w", err)
	}
	procs := make([]Processor, 0, len(cfg.Processors))
	for _, pc := range cfg.Processors {
		p, err := NewProcessor(pc)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", pc.Name, err)
		}
		procs = append(procs, p)
	}
	return NewWithPipeline(cfg, NewPipeline(procs...), log, m), nil
}

// NewWithPipeline uses an already assembled pipeline.
func NewWithPipeline(cfg Config, p *Pipeline, log *slog.Logger, m *metrics.Metrics) *Optimizer {
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{cfg: cfg, pipeline: p, log: log, metrics: m}
}

// Process optimizes s for opts. On success the input stream is closed and a
// new stream with the optimized bytes is returned. ok is false when the asset
// cannot or should not be optimized, including on any internal error.
func (o *Optimizer) Process(ctx context.Context, s *media.Stream, opts media.Options) (out *media.Stream, ok bool) {
	start := time.Now()
	outcome := metrics.OutcomeNotApplicable
	var saved int64
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("optimizer panicked; asset will be cached unchanged",
				slog.String("media_path", mediaPath(s)),
				slog.String("error", fmt.Sprint(r)))
			out, ok, outcome = nil, false, metrics.OutcomeFailed
		}
		o.metrics.ObserveOptimization(outcome, saved, time.Since(start))
	}()

	if s == nil || !s.CanRead() {
		return nil, false
	}
	path := mediaPath(s)

	size, err := s.Size()
	if err != nil {
		o.log.Error("could not size media for optimization", slog.String("media_path", path), slog.String("error", err.Error()))
		outcome = metrics.OutcomeFailed
		return nil, false
	}
	if o.cfg.MaxMemoryBytes > 0 && size > o.cfg.MaxMemoryBytes {
		o.log.Error("could not optimize media larger than the maximum size allowed for memory processing",
			slog.String("media_path", path),
			slog.Int64("size", size),
			slog.Int64("max_memory_bytes", o.cfg.MaxMemoryBytes))
		return nil, false
	}

	alternate := false
	if codec, found := o.cfg.AlternateCodec(s.Extension); found {
		alternate = opts.CustomExtension() == codec
	}

	data, err := s.Bytes()
	if err != nil {
		o.log.Error("could not read media for optimization", slog.String("media_path", path), slog.String("error", err.Error()))
		outcome = metrics.OutcomeFailed
		return nil, false
	}

	args := NewArgs(data, s.Extension, alternate)
	if err := o.pipeline.Run(ctx, args); err != nil {
		o.log.Error("unable to optimize due to a processing error; it will be unchanged",
			slog.String("media_path", path),
			slog.String("error", err.Error()))
		outcome = metrics.OutcomeFailed
		return nil, false
	}
	took := time.Since(start)

	if args.Result != nil {
		if len(args.Messages) > 0 {
			o.log.Info("messages occurred while optimizing",
				slog.String("media_path", path),
				slog.String("messages", strings.Join(args.Messages, "; ")))
		}
		o.log.Info("optimized media",
			slog.String("media_path", path),
			slog.String("extension", s.Extension),
			slog.String("result_extension", args.ResultExtension),
			slog.String("dimensions", opts.Dimensions()),
			slog.Int64("final_size", args.Stats.SizeAfter),
			slog.Int64("bytes_saved", args.Stats.BytesSaved()),
			slog.String("percent_saved", fmt.Sprintf("%.2f%%", args.Stats.PercentSaved()*100)),
			slog.Int64("duration_ms", took.Milliseconds()))

		outcome, saved = metrics.OutcomeOptimized, args.Stats.BytesSaved()
		asset := s.Asset
		_ = s.Close()
		return media.NewBytesStream(args.Result, args.ResultExtension, asset), true
	}

	if len(args.Messages) > 0 {
		o.log.Warn("unable to optimize media",
			slog.String("media_path", path),
			slog.String("extension", s.Extension),
			slog.String("reason", strings.Join(args.Messages, "; ")))
	}
	// No messages means nothing in the pipeline handles this type, e.g. PDF.
	return nil, false
}

// Processors returns the number of processors in the pipeline.
func (o *Optimizer) Processors() int {
	return o.pipeline.Len()
}

// Config returns the active pipeline configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

func mediaPath(s *media.Stream) string {
	if s == nil {
		return ""
	}
	if s.Asset.Path != "" {
		return s.Asset.Path + "." + s.Extension
	}
	return string(s.Asset.ID)
}
