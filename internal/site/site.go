// Package site carries the tenant/site a request belongs to and lets
// background work restore it after the request has returned.
package site

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
)

// DefaultName is used when a request does not identify a site.
const DefaultName = "default"

// HeaderName overrides host-based site resolution.
const HeaderName = "X-Site"

// Site identifies the tenant a piece of work runs for.
type Site struct {
	Name string
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Site) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the site stored in ctx, if any.
func FromContext(ctx context.Context) (*Site, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Site)
	return s, ok && s != nil
}

// NameFromContext returns the site name in ctx, or DefaultName.
func NameFromContext(ctx context.Context) string {
	if s, ok := FromContext(ctx); ok && s.Name != "" {
		return s.Name
	}
	return DefaultName
}

// Resolve picks the site for r: the X-Site header, else the host without port.
func Resolve(r *http.Request) *Site {
	if name := strings.TrimSpace(r.Header.Get(HeaderName)); name != "" {
		return &Site{Name: strings.ToLower(name)}
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return &Site{Name: DefaultName}
	}
	return &Site{Name: strings.ToLower(host)}
}

// Middleware stores the resolved site in every request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), Resolve(r))))
	})
}

// Token is ambient request state captured for use on another goroutine.
type Token struct {
	ctx  context.Context
	site *Site
}

// Site returns the captured site, or nil.
func (t Token) Site() *Site {
	return t.site
}

// Carrier captures request context at scheduling time and restores it inside
// a background job. The zero value is ready to use.
type Carrier struct {
	mu     sync.Mutex
	active map[string]int
}

// Capture detaches ctx from request cancellation and records its site.
func (c *Carrier) Capture(ctx context.Context) Token {
	s, _ := FromContext(ctx)
	return Token{ctx: context.WithoutCancel(ctx), site: s}
}

// Enter restores the captured context. The returned release func must be
// called exactly once when the scope ends.
func (c *Carrier) Enter(t Token) (context.Context, func()) {
	base := t.ctx
	if base == nil {
		base = context.Background()
	}
	if t.site != nil {
		base = NewContext(base, t.site)
	}
	ctx, cancel := context.WithCancel(base)

	name := NameFromContext(ctx)
	c.mu.Lock()
	if c.active == nil {
		c.active = make(map[string]int)
	}
	c.active[name]++
	c.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			if c.active[name] > 1 {
				c.active[name]--
			} else {
				delete(c.active, name)
			}
			c.mu.Unlock()
		})
	}
}

// Active returns how many scopes are currently entered for the named site.
func (c *Carrier) Active(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[name]
}
