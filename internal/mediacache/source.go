package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"media-cache/internal/media"
)

// ErrAssetNotFound is returned when the upstream has no such asset.
var ErrAssetNotFound = errors.New("asset not found")

// Source renders the requested variant of an asset.
type Source interface {
	Open(ctx context.Context, id media.AssetID, opts media.Options) (media.Asset, *media.Stream, error)
}

// CleanID normalizes a slash-separated asset path. ok is false for paths
// that are empty or escape the root.
func CleanID(raw string) (media.AssetID, bool) {
	name := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}
	return media.AssetID(name), true
}

// DirSource serves assets from files under a root directory. Asset IDs are
// slash-separated paths relative to the root. Variants are not rendered:
// every variant gets the stored bytes.
type DirSource struct {
	root *os.Root
}

// NewDirSource opens dir as the asset root.
func NewDirSource(dir string) (*DirSource, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open media root %s: %w", dir, err)
	}
	return &DirSource{root: root}, nil
}

// Close releases the root directory.
func (s *DirSource) Close() error {
	return s.root.Close()
}

func (s *DirSource) Open(_ context.Context, id media.AssetID, _ media.Options) (media.Asset, *media.Stream, error) {
	clean, ok := CleanID(string(id))
	if !ok {
		return media.Asset{}, nil, fmt.Errorf("%w: %q", ErrAssetNotFound, id)
	}
	name := string(clean)

	f, err := s.root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return media.Asset{}, nil, fmt.Errorf("%w: %q", ErrAssetNotFound, id)
		}
		return media.Asset{}, nil, fmt.Errorf("open asset %q: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return media.Asset{}, nil, fmt.Errorf("stat asset %q: %w", id, err)
	}
	if info.IsDir() {
		f.Close()
		return media.Asset{}, nil, fmt.Errorf("%w: %q", ErrAssetNotFound, id)
	}

	ext := media.NormalizeExtension(path.Ext(name))
	asset := media.Asset{
		ID:        media.AssetID(name),
		Path:      strings.TrimSuffix(name, path.Ext(name)),
		Extension: ext,
	}
	return asset, media.NewStream(f, ext, asset), nil
}
