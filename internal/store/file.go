package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"media-cache/internal/media"
	"media-cache/internal/site"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	bodySuffix = ".body"
	metaSuffix = ".json"

	lockStripes = 64
)

// Compression selects how record bodies are stored on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name; empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// FileStore implements Store on the local filesystem.
//
// Each record is a body file plus a JSON metadata sidecar, named after the
// sha256 of the record key and sharded by hex prefix. Files are written to a
// temp file and renamed into place. The body and sidecar of one key are only
// replaced or read together, under that key's lock stripe.
type FileStore struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	compression    Compression
	active         *Active
	locks          [lockStripes]sync.RWMutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *FileStore) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *FileStore) {
		s.dirPerm = mode
	}
}

// WithCompression sets the at-rest compression for new records.
func WithCompression(c Compression) Option {
	return func(s *FileStore) {
		s.compression = c
	}
}

type recordMeta struct {
	Key         string        `json:"key"`
	Site        string        `json:"site"`
	AssetID     media.AssetID `json:"asset_id"`
	AssetPath   string        `json:"asset_path"`
	AssetExt    string        `json:"asset_extension"`
	Extension   string        `json:"extension"`
	Digest      digest.Digest `json:"digest"`
	Size        int64         `json:"size"`
	Compression Compression   `json:"compression"`
	Created     time.Time     `json:"created"`
}

// NewFileStore creates a disk-backed store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	s := &FileStore{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		compression:    CompressionNone,
		active:         NewActive(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if _, err := ParseCompression(string(s.compression)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	// Decoder is always needed: records written with zstd stay readable
	// after the store is reconfigured without compression.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.dec = dec
	if s.compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// Close releases compression resources.
func (s *FileStore) Close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	if s.enc != nil {
		return s.enc.Close()
	}
	return nil
}

// CreateRecord implements Store.CreateRecord.
func (s *FileStore) CreateRecord(ctx context.Context, asset media.Asset, opts media.Options, stream *media.Stream) (*Record, error) {
	return NewRecord(ctx, asset, opts, stream)
}

// RegisterActive implements Store.RegisterActive.
func (s *FileStore) RegisterActive(rec *Record) {
	s.active.Register(rec)
}

// DeregisterActive implements Store.DeregisterActive.
func (s *FileStore) DeregisterActive(rec *Record) {
	s.active.Deregister(rec)
}

// Persist writes rec to disk, replacing any earlier record for the same key.
func (s *FileStore) Persist(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := s.path(rec.Key)
	dir := filepath.Dir(base)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	body := rec.data
	if s.compression == CompressionZstd {
		body = s.enc.EncodeAll(rec.data, make([]byte, 0, len(rec.data)/2))
	}

	lock := s.lockFor(rec.Key)
	lock.Lock()
	defer lock.Unlock()

	if err := writeAtomic(dir, base+bodySuffix, body); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}

	meta, err := json.Marshal(recordMeta{
		Key:         rec.Key,
		Site:        rec.Site,
		AssetID:     rec.Asset.ID,
		AssetPath:   rec.Asset.Path,
		AssetExt:    rec.Asset.Extension,
		Extension:   rec.Extension,
		Digest:      rec.Digest,
		Size:        rec.Size,
		Compression: s.compression,
		Created:     rec.Created,
	})
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}
	if err := writeAtomic(dir, base+metaSuffix, meta); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	return nil
}

// Get implements Store.Get. Active records are served before disk. Entries
// that fail verification are removed and reported as ErrCorrupt.
func (s *FileStore) Get(ctx context.Context, asset media.Asset, opts media.Options) (*Record, error) {
	key := Key(site.NameFromContext(ctx), asset, opts)
	if rec, ok := s.active.Lookup(key); ok {
		return rec, nil
	}

	base := s.path(key)
	lock := s.lockFor(key)
	lock.RLock()
	defer lock.RUnlock()

	rawMeta, err := os.ReadFile(base + metaSuffix) //nolint:gosec // path is derived from a digest, not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}
	var meta recordMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta.Key != key {
		s.remove(base)
		return nil, ErrCorrupt
	}

	body, err := os.ReadFile(base + bodySuffix) //nolint:gosec // path is derived from a digest, not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.remove(base)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache body: %w", err)
	}
	if meta.Compression == CompressionZstd {
		body, err = s.dec.DecodeAll(body, nil)
		if err != nil {
			s.remove(base)
			return nil, ErrCorrupt
		}
	}
	if err := meta.Digest.Validate(); err != nil || meta.Digest.Algorithm().FromBytes(body) != meta.Digest {
		s.remove(base)
		return nil, ErrCorrupt
	}

	return &Record{
		Key:       meta.Key,
		Site:      meta.Site,
		Asset:     media.Asset{ID: meta.AssetID, Path: meta.AssetPath, Extension: meta.AssetExt},
		Options:   opts.Clone(),
		Extension: meta.Extension,
		Digest:    meta.Digest,
		Size:      int64(len(body)),
		Created:   meta.Created,
		data:      body,
	}, nil
}

func (s *FileStore) path(key string) string {
	hexHash := digest.FromString(key).Encoded()
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexHash)
	}
	prefixLen := s.shardPrefixLen
	if prefixLen > len(hexHash) {
		prefixLen = len(hexHash)
	}
	return filepath.Join(s.dir, hexHash[:prefixLen], hexHash)
}

func (s *FileStore) lockFor(key string) *sync.RWMutex {
	n, _ := strconv.ParseUint(digest.FromString(key).Encoded()[:8], 16, 64)
	return &s.locks[n%lockStripes]
}

func (s *FileStore) remove(base string) {
	_ = os.Remove(base + metaSuffix)
	_ = os.Remove(base + bodySuffix)
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "record-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
