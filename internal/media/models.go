package media

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// CustomExtension is the Options.Custom key carrying a requested output format.
const CustomExtension = "extension"

// AssetID identifies a media asset independent of the requested variant.
type AssetID string

// Asset is the caller's reference to a cacheable media item.
type Asset struct {
	ID        AssetID
	Path      string // media path without extension, e.g. "images/hero"
	Extension string // source extension without the dot, lower case
}

// Identity returns the key used for in-flight tracking.
func (a Asset) Identity() AssetID {
	return a.ID
}

// Options describes the requested variant of an asset.
type Options struct {
	Width     int
	Height    int
	MaxWidth  int
	MaxHeight int
	Thumbnail bool
	NoCache   bool
	Custom    map[string]string
}

// Clone returns a copy that shares no state with o.
func (o Options) Clone() Options {
	c := o
	if o.Custom != nil {
		c.Custom = maps.Clone(o.Custom)
	}
	return c
}

// CustomExtension returns the requested output extension, if any.
func (o Options) CustomExtension() string {
	return NormalizeExtension(o.Custom[CustomExtension])
}

// Key returns a deterministic representation of the variant, suitable for
// building cache keys. Custom options are emitted in key order.
func (o Options) Key() string {
	var b strings.Builder
	b.WriteString("w=" + strconv.Itoa(o.Width))
	b.WriteString("&h=" + strconv.Itoa(o.Height))
	b.WriteString("&mw=" + strconv.Itoa(o.MaxWidth))
	b.WriteString("&mh=" + strconv.Itoa(o.MaxHeight))
	if o.Thumbnail {
		b.WriteString("&thn=1")
	}
	for _, k := range slices.Sorted(maps.Keys(o.Custom)) {
		b.WriteString("&" + k + "=" + o.Custom[k])
	}
	return b.String()
}

// Dimensions renders the requested size for log lines, e.g. "200w x 100mh (thumb)".
func (o Options) Dimensions() string {
	if o.Width == 0 && o.Height == 0 && o.MaxWidth == 0 && o.MaxHeight == 0 {
		return "original size"
	}

	var b strings.Builder
	switch {
	case o.Width > 0:
		b.WriteString(strconv.Itoa(o.Width) + "w")
	case o.MaxWidth > 0:
		b.WriteString(strconv.Itoa(o.MaxWidth) + "mw")
	}

	if b.Len() > 0 && (o.Height > 0 || o.MaxHeight > 0) {
		b.WriteString(" x ")
	}

	switch {
	case o.Height > 0:
		b.WriteString(strconv.Itoa(o.Height) + "h")
	case o.MaxHeight > 0:
		b.WriteString(strconv.Itoa(o.MaxHeight) + "mh")
	}

	if o.Thumbnail {
		b.WriteString(" (thumb)")
	}
	return b.String()
}

// NormalizeExtension lower-cases ext and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
