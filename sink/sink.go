package sink

import (
	"fmt"
	"io"
	"os"
)

// Sink is an addressable byte destination for one file transfer. The
// engine owns it for the transfer's lifetime; it must not be mutated
// externally while a transfer is active.
type Sink interface {
	// WriteAt writes p at the absolute offset off. Bytes at lower
	// offsets need not exist yet (sparse write).
	io.WriterAt

	// Contents returns the exact byte sequence written so far. On
	// successful completion this is what the downstream decoder receives.
	Contents() ([]byte, error)

	// Close releases the destination. Called once, on completion or
	// termination.
	Close() error
}

// Buffer is an in-memory Sink that grows on demand, zero-filling any
// region between sparse writes.
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty in-memory sink.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// WriteAt implements Sink.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := int(off) + len(p)
	if end > len(b.buf) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[off:], p)
	return len(p), nil
}

// Contents implements Sink.
func (b *Buffer) Contents() ([]byte, error) {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, nil
}

// Bytes returns the underlying buffer without copying. Callers must not
// hold it across further writes.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Len returns the number of bytes the buffer currently spans.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Close implements Sink. It is a no-op for the in-memory buffer.
func (b *Buffer) Close() error {
	return nil
}

// File is a Sink backed by a local file.
type File struct {
	f *os.File
}

// Create opens (creating or truncating) the local file at path.
func Create(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating sink file: %w", err)
	}
	return &File{f: f}, nil
}

// WriteAt implements Sink via the file's positional write.
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

// Contents implements Sink by reading the file back from the start.
func (s *File) Contents() ([]byte, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(s.f)
}

// Name returns the path of the backing file.
func (s *File) Name() string {
	return s.f.Name()
}

// Close implements Sink.
func (s *File) Close() error {
	return s.f.Close()
}
