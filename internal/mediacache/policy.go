package mediacache

import (
	"slices"

	"media-cache/internal/media"
)

// Policy is the configured cacheability rule set.
type Policy struct {
	Enabled bool
	// Extensions limits caching to these file types. Empty allows all.
	Extensions []string
}

// NewPolicy returns an enabled policy for the given extensions.
func NewPolicy(extensions []string) Policy {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		if e = media.NormalizeExtension(e); e != "" {
			exts = append(exts, e)
		}
	}
	return Policy{Enabled: true, Extensions: exts}
}

// CanCache reports whether the variant may be cached.
func (p Policy) CanCache(asset media.Asset, opts media.Options) bool {
	if !p.Enabled || opts.NoCache {
		return false
	}
	if len(p.Extensions) == 0 {
		return true
	}
	return slices.Contains(p.Extensions, media.NormalizeExtension(asset.Extension))
}
