package mediacache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"media-cache/internal/media"
	"media-cache/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/munnerz/goautoneg"
)

// Cacheability is the downstream caching scope advertised for media.
type Cacheability string

const (
	CacheabilityPublic  Cacheability = "public"
	CacheabilityPrivate Cacheability = "private"
	CacheabilityNoCache Cacheability = "nocache"
)

// ParseCacheability parses public, private or nocache.
func ParseCacheability(s string) (Cacheability, error) {
	switch c := Cacheability(strings.ToLower(strings.TrimSpace(s))); c {
	case CacheabilityPublic, CacheabilityPrivate, CacheabilityNoCache:
		return c, nil
	case "":
		return CacheabilityPublic, nil
	default:
		return "", fmt.Errorf("unknown cacheability %q", s)
	}
}

const webpMediaType = "image/webp"

// Handler exposes cached media over HTTP using go-chi.
type Handler struct {
	svc          *Service
	log          *slog.Logger
	metrics      *metrics.Metrics
	cacheability Cacheability
	maxAge       time.Duration
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, cacheability Cacheability, maxAge time.Duration) *Handler {
	if cacheability == "" {
		cacheability = CacheabilityPublic
	}
	return &Handler{svc: svc, log: log, metrics: m, cacheability: cacheability, maxAge: maxAge}
}

// Routes mounts the media endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/media/*", h.GetMedia)
}

// GetMedia handles GET /media/{path}?w=&h=&mw=&mh=&thumb=.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id := media.AssetID(chi.URLParam(r, "*"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		h.log.Debug("invalid media options", slog.String("asset_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.Open(r.Context(), id, opts)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("open media failed", slog.String("asset_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer res.Stream.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", contentType(res.Stream.Extension))
	hdr.Set("Cache-Control", h.cacheControl(res.Asset))
	hdr.Set("Vary", "Accept")
	if res.Hit {
		hdr.Set(metrics.CacheHeader, "HIT")
		etag := `"` + res.Digest.Encoded() + `"`
		hdr.Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	} else {
		hdr.Set(metrics.CacheHeader, "MISS")
	}
	if res.Stream.Seekable() {
		if n, err := res.Stream.Size(); err == nil {
			hdr.Set("Content-Length", strconv.FormatInt(n, 10))
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Stream); err != nil {
		h.log.Debug("write media body failed", slog.String("asset_id", string(id)), slog.String("error", err.Error()))
	}
}

// cacheControl never lets shared caches keep a variant that is still being
// optimized.
func (h *Handler) cacheControl(asset media.Asset) string {
	scope := h.cacheability
	if scope == CacheabilityNoCache {
		return "no-cache"
	}
	if h.svc.IsOptimizing(asset) {
		scope = CacheabilityPrivate
	}
	return fmt.Sprintf("%s, max-age=%d", scope, int(h.maxAge.Seconds()))
}

func parseOptions(r *http.Request) (media.Options, error) {
	q := r.URL.Query()
	var opts media.Options
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"w", &opts.Width},
		{"h", &opts.Height},
		{"mw", &opts.MaxWidth},
		{"mh", &opts.MaxHeight},
	} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return media.Options{}, fmt.Errorf("invalid %s %q", f.name, v)
		}
		*f.dst = n
	}
	if v := q.Get("thumb"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return media.Options{}, fmt.Errorf("invalid thumb %q", v)
		}
		opts.Thumbnail = b
	}
	if acceptsWebP(r.Header.Get("Accept")) {
		opts.Custom = map[string]string{media.CustomExtension: "webp"}
	}
	return opts, nil
}

// acceptsWebP reports whether the client lists image/webp with a non-zero
// quality. Wildcards do not count.
func acceptsWebP(accept string) bool {
	for _, a := range goautoneg.ParseAccept(accept) {
		if strings.EqualFold(a.Type+"/"+a.SubType, webpMediaType) {
			return a.Q > 0
		}
	}
	return false
}

func contentType(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		return t
	}
	if ext == "webp" {
		return webpMediaType
	}
	return "application/octet-stream"
}
