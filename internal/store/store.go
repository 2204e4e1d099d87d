// Package store persists cache records for media variants.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"media-cache/internal/media"
	"media-cache/internal/site"

	digest "github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned by Get when no record exists for the variant.
	ErrNotFound = errors.New("cache record not found")

	// ErrCorrupt is returned when persisted bytes fail digest verification.
	ErrCorrupt = errors.New("cache record is corrupt")
)

// Store is the persistence contract for cache records.
//
// RegisterActive/DeregisterActive bracket a Persist call so Get can serve a
// record's bytes while they are still being written.
type Store interface {
	CreateRecord(ctx context.Context, asset media.Asset, opts media.Options, s *media.Stream) (*Record, error)
	Persist(ctx context.Context, rec *Record) error
	RegisterActive(rec *Record)
	DeregisterActive(rec *Record)
	Get(ctx context.Context, asset media.Asset, opts media.Options) (*Record, error)
}

// Record is one cached variant of an asset. Its body is immutable once built.
type Record struct {
	Key       string
	Site      string
	Asset     media.Asset
	Options   media.Options
	Extension string
	Digest    digest.Digest
	Size      int64
	Created   time.Time

	data []byte
}

// Key builds the record key for a variant of asset on the named site.
func Key(siteName string, asset media.Asset, opts media.Options) string {
	return siteName + "|" + string(asset.ID) + "|" + opts.Key()
}

// NewRecord consumes s and closes it. The site is taken from ctx.
func NewRecord(ctx context.Context, asset media.Asset, opts media.Options, s *media.Stream) (*Record, error) {
	if s == nil {
		return nil, fmt.Errorf("create record: %w", media.ErrClosed)
	}
	defer s.Close()

	var data []byte
	var err error
	if s.Seekable() {
		data, err = s.Bytes()
	} else {
		data, err = io.ReadAll(s)
	}
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	siteName := site.NameFromContext(ctx)
	return &Record{
		Key:       Key(siteName, asset, opts),
		Site:      siteName,
		Asset:     asset,
		Options:   opts.Clone(),
		Extension: s.Extension,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
		Created:   time.Now().UTC(),
		data:      data,
	}, nil
}

// Open returns an independent stream over the record body.
func (r *Record) Open() *media.Stream {
	return media.NewBytesStream(r.data, r.Extension, r.Asset)
}

// Bytes returns the record body. Callers must not modify it.
func (r *Record) Bytes() []byte {
	return r.data
}
