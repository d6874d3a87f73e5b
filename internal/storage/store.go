package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCapacity is returned when a region does not fit the store.
var ErrCapacity = errors.New("storage: region capacity exceeded")

// Store is a byte-addressable persistent region of fixed capacity.
type Store interface {
	io.ReaderAt
	io.WriterAt
	Capacity() int64
}

// FileStore is the production store: a fixed-size file, typically under
// /var/lib. The file is created and padded to capacity on first open so
// reads inside the region never fail with EOF surprises.
type FileStore struct {
	file     *os.File
	capacity int64
}

func OpenFileStore(path string, capacity int64) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat store %s: %w", path, err)
	}
	if info.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size store %s: %w", path, err)
		}
	}
	return &FileStore{file: f, capacity: capacity}, nil
}

func (s *FileStore) Capacity() int64 { return s.capacity }

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.capacity {
		return 0, ErrCapacity
	}
	return s.file.WriteAt(p, off)
}

func (s *FileStore) Sync() error {
	return s.file.Sync()
}

func (s *FileStore) Close() error {
	return s.file.Close()
}

// MemStore is an in-memory store for tests and volatile targets.
type MemStore struct {
	buf []byte
}

func NewMemStore(capacity int) *MemStore {
	return &MemStore{buf: make([]byte, capacity)}
}

func (s *MemStore) Capacity() int64 { return int64(len(s.buf)) }

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.buf)) {
		return 0, ErrCapacity
	}
	return copy(s.buf[off:], p), nil
}

// Bytes exposes the backing buffer; tests use it to corrupt records.
func (s *MemStore) Bytes() []byte { return s.buf }
