package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBufferSparseWrite(t *testing.T) {
	b := NewBuffer()

	// Write out of order, leaving a hole that is filled later.
	if _, err := b.WriteAt([]byte("world"), 6); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := b.WriteAt([]byte("hello "), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got, err := b.Contents()
	if err != nil {
		t.Fatalf("Contents failed: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("contents %q, want %q", got, "hello world")
	}
}

func TestBufferZeroFillsHoles(t *testing.T) {
	b := NewBuffer()
	if _, err := b.WriteAt([]byte{0xFF}, 4); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	if b.Len() != 5 {
		t.Fatalf("buffer spans %d bytes, want 5", b.Len())
	}
	for i := 0; i < 4; i++ {
		if b.Bytes()[i] != 0 {
			t.Errorf("hole byte %d is %d, want 0", i, b.Bytes()[i])
		}
	}
}

func TestBufferOverwriteDoesNotCorrupt(t *testing.T) {
	b := NewBuffer()
	if _, err := b.WriteAt([]byte("abcdef"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteAt([]byte("cd"), 2); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Contents()
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Errorf("replayed write corrupted buffer: %q", got)
	}
}

func TestBufferNegativeOffset(t *testing.T) {
	b := NewBuffer()
	if _, err := b.WriteAt([]byte("x"), -1); err == nil {
		t.Error("expected error for negative offset")
	}
}

func TestFileSparseWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.WriteAt([]byte{4, 5, 6}, 3); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := s.WriteAt([]byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got, err := s.Contents()
	if err != nil {
		t.Fatalf("Contents failed: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("file contents %v", got)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back file: %v", err)
	}
	if !bytes.Equal(onDisk, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("on-disk contents %v", onDisk)
	}
}
