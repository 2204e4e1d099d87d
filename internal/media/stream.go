package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrClosed is returned when reading from or copying a closed Stream.
	ErrClosed = errors.New("media stream is closed")

	// ErrNotSeekable is returned by operations that need a seekable body.
	ErrNotSeekable = errors.New("media stream is not seekable")
)

// Stream is a readable media body paired with its extension and owning asset.
//
// Whoever holds a Stream is responsible for closing it exactly once. Copies
// returned by Copy are independent and must be closed separately.
type Stream struct {
	Extension string
	Asset     Asset

	mu     sync.Mutex
	body   io.Reader
	closer io.Closer
	closed bool
	once   sync.Once
}

// NewStream wraps r. If r implements io.Closer it is closed by Close.
func NewStream(r io.Reader, ext string, asset Asset) *Stream {
	s := &Stream{
		Extension: NormalizeExtension(ext),
		Asset:     asset,
		body:      r,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewBytesStream returns a seekable Stream over data.
func NewBytesStream(data []byte, ext string, asset Asset) *Stream {
	return NewStream(bytes.NewReader(data), ext, asset)
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.body == nil {
		return 0, ErrClosed
	}
	return s.body.Read(p)
}

// Seek implements io.Seeker for seekable bodies.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.body == nil {
		return 0, ErrClosed
	}
	rs, ok := s.body.(io.Seeker)
	if !ok {
		return 0, ErrNotSeekable
	}
	return rs.Seek(offset, whence)
}

// CanRead reports whether the stream has a body and has not been closed.
func (s *Stream) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.body != nil
}

// Seekable reports whether the body supports seeking.
func (s *Stream) Seekable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.body.(io.Seeker)
	return ok
}

// MakeSeekable buffers a non-seekable body into memory and releases the
// original source. Seekable bodies are left untouched.
func (s *Stream) MakeSeekable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.body == nil {
		return ErrClosed
	}
	if _, ok := s.body.(io.Seeker); ok {
		return nil
	}

	data, err := io.ReadAll(s.body)
	if err != nil {
		return fmt.Errorf("buffer media stream: %w", err)
	}
	if s.closer != nil {
		_ = s.closer.Close()
	}
	s.body = bytes.NewReader(data)
	s.closer = nil
	return nil
}

// Rewind seeks back to the start of the body.
func (s *Stream) Rewind() error {
	_, err := s.Seek(0, io.SeekStart)
	return err
}

// Size returns the total body length. The stream must be seekable.
func (s *Stream) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.body == nil {
		return 0, ErrClosed
	}
	rs, ok := s.body.(io.Seeker)
	if !ok {
		return 0, ErrNotSeekable
	}
	if br, ok := s.body.(*bytes.Reader); ok {
		return br.Size(), nil
	}

	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rs.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// Bytes returns the whole body without moving the read position.
func (s *Stream) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Copy returns an independent in-memory duplicate positioned at its start.
// The read position of s is preserved.
func (s *Stream) Copy() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.snapshotLocked()
	if err != nil {
		return nil, err
	}
	return NewBytesStream(data, s.Extension, s.Asset), nil
}

func (s *Stream) snapshotLocked() ([]byte, error) {
	if s.closed || s.body == nil {
		return nil, ErrClosed
	}
	rs, ok := s.body.(io.ReadSeeker)
	if !ok {
		return nil, ErrNotSeekable
	}

	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rs); err != nil {
		return nil, fmt.Errorf("copy media stream: %w", err)
	}
	if _, err := rs.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close releases the underlying source. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
