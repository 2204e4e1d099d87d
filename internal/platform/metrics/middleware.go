package metrics

import (
	"net/http"
	"strings"
)

// CacheHeader is the response header the media handler uses to report hits.
const CacheHeader = "X-Cache"

// responseWriter captures the status code and body size for metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// RequestMiddleware returns chi-compatible middleware that records request
// count, error count (status >= 400) and body bytes served per cache outcome.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.IncRequests()
			if wrap.status >= 400 {
				m.IncErrors()
			}
			if wrap.bytes > 0 {
				m.AddServedBytes(cacheOutcome(w.Header().Get(CacheHeader)), wrap.bytes)
			}
		})
	}
}

func cacheOutcome(v string) string {
	if v == "" {
		return "none"
	}
	return strings.ToLower(v)
}
