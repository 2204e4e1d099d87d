package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-cache/internal/mediacache"
	"media-cache/internal/optimizer"
	"media-cache/internal/platform/config"
	"media-cache/internal/platform/logger"
	"media-cache/internal/platform/metrics"
	"media-cache/internal/platform/worker"
	"media-cache/internal/site"
	"media-cache/internal/store"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

type settings struct {
	port             string
	logLevel         string
	logFormat        string
	mediaRoot        string
	cacheDir         string
	compression      string
	shardPrefix      int
	cacheEnabled     bool
	cacheExtensions  []string
	cacheMaxAge      time.Duration
	cacheability     string
	optimizerConfig  string
	maxMemoryBytes   int64
	workerConcurrent int
	shutdownTimeout  time.Duration
}

func loadSettings() settings {
	return settings{
		port:             config.GetEnv("PORT", "8080"),
		logLevel:         config.GetEnv("LOG_LEVEL", "info"),
		logFormat:        config.GetEnv("LOG_FORMAT", "json"),
		mediaRoot:        config.GetEnv("MEDIA_ROOT", "./media"),
		cacheDir:         config.GetEnv("CACHE_DIR", "./cache"),
		compression:      config.GetEnv("CACHE_COMPRESSION", "none"),
		shardPrefix:      config.GetEnvInt("CACHE_SHARD_PREFIX", 2),
		cacheEnabled:     config.GetEnvBool("CACHE_ENABLED", true),
		cacheExtensions:  config.GetEnvList("CACHE_EXTENSIONS", nil),
		cacheMaxAge:      config.GetEnvDuration("CACHE_MAX_AGE", time.Hour),
		cacheability:     config.GetEnv("CACHEABILITY", "public"),
		optimizerConfig:  config.GetEnv("OPTIMIZER_CONFIG", ""),
		maxMemoryBytes:   config.GetEnvInt64("OPTIMIZER_MAX_MEMORY_BYTES", 0),
		workerConcurrent: config.GetEnvInt("WORKER_CONCURRENCY", 4),
		shutdownTimeout:  config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func main() {
	_ = config.Load()
	cfg := loadSettings()
	log := logger.New(cfg.logLevel, cfg.logFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg settings, log *slog.Logger) error {
	met := metrics.New()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	optCfg, err := optimizer.LoadConfig(cfg.optimizerConfig)
	if err != nil {
		return err
	}
	if cfg.maxMemoryBytes > 0 {
		optCfg.MaxMemoryBytes = cfg.maxMemoryBytes
	}
	opt, err := optimizer.New(optCfg, log, met)
	if err != nil {
		return err
	}

	src, err := mediacache.NewDirSource(cfg.mediaRoot)
	if err != nil {
		return err
	}
	defer src.Close()

	cacheability, err := mediacache.ParseCacheability(cfg.cacheability)
	if err != nil {
		return err
	}

	policy := mediacache.NewPolicy(cfg.cacheExtensions)
	policy.Enabled = cfg.cacheEnabled

	pool := worker.NewPool(cfg.workerConcurrent, log)
	cache := mediacache.New(policy, st, opt,
		mediacache.WithObserver(mediacache.NewSlogObserver(log)),
		mediacache.WithScheduler(pool),
		mediacache.WithCarrier(&site.Carrier{}),
		mediacache.WithMetrics(met))
	svc := mediacache.NewService(cache, st, src, log, met)
	h := mediacache.NewHandler(svc, log, met, cacheability, cfg.cacheMaxAge)

	r := chi.NewRouter()
	r.Use(site.Middleware)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(nil))
	h.Routes(r)

	srv := &http.Server{Addr: ":" + cfg.port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.port,
			"media_root", cfg.mediaRoot,
			"cache_dir", cfg.cacheDir,
			"compression", cfg.compression,
			"worker_concurrency", cfg.workerConcurrent,
			"processors", opt.Processors(),
			"max_memory_bytes", opt.Config().MaxMemoryBytes,
			"log_level", cfg.logLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections and optimization jobs")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// memoryCacheDir selects the in-memory store instead of a cache directory.
const memoryCacheDir = "memory"

func openStore(cfg settings) (store.Store, func(), error) {
	if cfg.cacheDir == memoryCacheDir {
		return store.NewMemoryStore(), func() {}, nil
	}
	compression, err := store.ParseCompression(cfg.compression)
	if err != nil {
		return nil, nil, err
	}
	fs, err := store.NewFileStore(cfg.cacheDir,
		store.WithCompression(compression),
		store.WithShardPrefixLen(cfg.shardPrefix))
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}
