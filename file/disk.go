package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// DiskStore serves files from a directory on the local filesystem.
//
// Writes go to a temporary file next to the destination and are renamed into
// place by Finalize, so an aborted upload never leaves a truncated file or
// destroys the previous contents.
type DiskStore struct {
	root    string
	quota   int64
	written atomic.Int64
}

// NewDiskStore creates a store rooted at root.
func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

// SetQuota limits the total number of bytes all writes through this store
// may add. Exceeding it fails the write with ErrDiskFull. Zero disables it.
func (s *DiskStore) SetQuota(bytes int64) {
	s.quota = bytes
}

// Root returns the directory the store serves.
func (s *DiskStore) Root() string {
	return s.root
}

// Open implements Store.
func (s *DiskStore) Open(name string, forRead, overwrite bool) (Handle, error) {
	rel, err := ValidatePath(name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "DiskStore.Open",
			"file_name": name,
			"error":     err.Error(),
		}).Warn("File path validation failed")
		if errors.Is(err, ErrDirectoryTraversal) {
			return nil, fmt.Errorf("%w: %w", ErrAccessViolation, err)
		}
		return nil, err
	}
	path := filepath.Join(s.root, rel)

	if forRead {
		return s.openRead(name, path)
	}
	return s.openWrite(name, path, overwrite)
}

func (s *DiskStore) openRead(name, path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapError(name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mapError(name, err)
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrAccessViolation, name)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DiskStore.Open",
		"file_name": name,
		"file_size": info.Size(),
		"operation": "opening file for reading",
	}).Debug("Opened file for outgoing transfer")

	return &diskHandle{name: name, path: path, f: f, size: info.Size(), forRead: true}, nil
}

func (s *DiskStore) openWrite(name, path string, overwrite bool) (Handle, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", ErrAccessViolation, name)
	case err == nil && !overwrite:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	case err == nil:
		// The destination is replaced on Finalize; make sure it is writable now.
		f, werr := os.OpenFile(path, os.O_WRONLY, 0)
		if werr != nil {
			return nil, mapError(name, werr)
		}
		_ = f.Close()
	case !errors.Is(err, fs.ErrNotExist):
		return nil, mapError(name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".part-*")
	if err != nil {
		return nil, mapError(name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DiskStore.Open",
		"file_name": name,
		"overwrite": overwrite,
		"operation": "creating file for writing",
	}).Debug("Opened file for incoming transfer")

	return &diskHandle{name: name, path: path, tmpPath: tmp.Name(), f: tmp, store: s, overwrite: overwrite}, nil
}

// reserve accounts n more bytes against the quota.
func (s *DiskStore) reserve(n int64) bool {
	if s.quota <= 0 {
		s.written.Add(n)
		return true
	}
	if s.written.Add(n) > s.quota {
		s.written.Add(-n)
		return false
	}
	return true
}

// release returns n bytes to the quota.
func (s *DiskStore) release(n int64) {
	if n > 0 {
		s.written.Add(-n)
	}
}

// mapError translates filesystem errors into the package sentinels.
func mapError(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrAccessViolation, name)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %s", ErrDiskFull, name)
	default:
		return fmt.Errorf("%w: %s: %v", ErrAccessViolation, name, err)
	}
}

// diskHandle is an open file of a DiskStore.
type diskHandle struct {
	name      string
	path      string
	tmpPath   string
	f         *os.File
	store     *DiskStore
	size      int64
	forRead   bool
	overwrite bool

	mu     sync.Mutex
	closed bool
}

func (h *diskHandle) ReadNextBlock(maxBytes int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.forRead || h.closed {
		return nil, fmt.Errorf("%w: %s is not open for reading", ErrAccessViolation, h.name)
	}

	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(h.f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, mapError(h.name, err)
	}
	return buf[:n], nil
}

func (h *diskHandle) WriteBlock(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.forRead || h.closed {
		return fmt.Errorf("%w: %s is not open for writing", ErrAccessViolation, h.name)
	}
	if !h.store.reserve(int64(len(b))) {
		logrus.WithFields(logrus.Fields{
			"function":  "diskHandle.WriteBlock",
			"file_name": h.name,
			"written":   h.size,
			"quota":     h.store.quota,
		}).Warn("Write quota exhausted")
		return fmt.Errorf("%w: quota of %d bytes exhausted", ErrDiskFull, h.store.quota)
	}

	n, err := h.f.Write(b)
	h.size += int64(n)
	if err != nil {
		h.store.release(int64(len(b) - n))
		return mapError(h.name, err)
	}
	return nil
}

func (h *diskHandle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *diskHandle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.forRead {
		return h.f.Close()
	}

	if err := h.f.Close(); err != nil {
		_ = os.Remove(h.tmpPath)
		h.store.release(h.size)
		return mapError(h.name, err)
	}
	var replaced int64
	if info, err := os.Stat(h.path); err == nil {
		if !h.overwrite {
			_ = os.Remove(h.tmpPath)
			h.store.release(h.size)
			return fmt.Errorf("%w: %s", ErrAlreadyExists, h.name)
		}
		replaced = info.Size()
	}
	if err := os.Rename(h.tmpPath, h.path); err != nil {
		_ = os.Remove(h.tmpPath)
		h.store.release(h.size)
		return mapError(h.name, err)
	}
	h.store.release(replaced)

	logrus.WithFields(logrus.Fields{
		"function":  "diskHandle.Finalize",
		"file_name": h.name,
		"file_size": h.size,
	}).Debug("File written")
	return nil
}

func (h *diskHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	closeErr := h.f.Close()
	if !h.forRead {
		h.store.release(h.size)
		if err := os.Remove(h.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function":  "diskHandle.Abort",
				"file_name": h.name,
				"error":     err.Error(),
			}).Warn("Failed to remove partial file")
		}
	}
	return closeErr
}
