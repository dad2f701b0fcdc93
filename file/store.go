package file

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound indicates the requested file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrAccessViolation indicates the file may not be read or written.
	ErrAccessViolation = errors.New("access violation")

	// ErrAlreadyExists indicates a write would replace an existing file while
	// overwriting is disabled.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrDiskFull indicates the destination cannot hold more data.
	ErrDiskFull = errors.New("disk full")

	// ErrDirectoryTraversal indicates an attempt to access files outside the
	// store root. It is reported together with ErrAccessViolation.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")
)

// Store opens files for transfers. Implementations map every failure onto
// the package sentinel errors so callers can translate them into TFTP error
// codes.
type Store interface {
	// Open opens name for sequential reading (forRead) or for writing. A
	// write fails with ErrAlreadyExists when the file exists and overwrite is
	// false.
	Open(name string, forRead, overwrite bool) (Handle, error)
}

// Handle is an open file owned by exactly one transfer.
type Handle interface {
	// ReadNextBlock returns up to maxBytes bytes following the previous block.
	// A short or empty result means the end of the file was reached.
	ReadNextBlock(maxBytes int) ([]byte, error)

	// WriteBlock appends b to the file.
	WriteBlock(b []byte) error

	// Size returns the file size for reads and the bytes written so far for
	// writes.
	Size() int64

	// Finalize completes the transfer and releases the file.
	Finalize() error

	// Abort releases the file after a failed transfer, discarding any
	// partially written data.
	Abort() error
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// Leading separators are stripped so "/boot/x" names "boot/x" inside the
// store root. It returns the cleaned relative path.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrNotFound
	}

	// Reject traversal before cleaning resolves it away
	for _, part := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	cleanedPath := filepath.Clean("/" + filepath.ToSlash(path))
	cleanedPath = strings.TrimPrefix(filepath.ToSlash(cleanedPath), "/")
	if cleanedPath == "" || cleanedPath == "." {
		return "", ErrNotFound
	}

	return filepath.FromSlash(cleanedPath), nil
}
