package file

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{"boot.img", "boot.img", nil},
		{"/boot/pxelinux.0", filepath.FromSlash("boot/pxelinux.0"), nil},
		{"a//b/./c", filepath.FromSlash("a/b/c"), nil},
		{"../etc/passwd", "", ErrDirectoryTraversal},
		{"a/../../b", "", ErrDirectoryTraversal},
		{"", "", ErrNotFound},
		{"/", "", ErrNotFound},
	}

	for _, tt := range tests {
		got, err := ValidatePath(tt.input)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestDiskStoreReadBlocks(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789"), 110) // 1100 bytes
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.bin"), content, 0o644))

	store := NewDiskStore(dir)
	h, err := store.Open("src.bin", true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), h.Size())

	var got []byte
	sizes := []int{}
	for {
		block, err := h.ReadNextBlock(512)
		require.NoError(t, err)
		sizes = append(sizes, len(block))
		got = append(got, block...)
		if len(block) < 512 {
			break
		}
	}
	assert.Equal(t, []int{512, 512, 76}, sizes)
	assert.Equal(t, content, got)
	require.NoError(t, h.Finalize())

	assert.Error(t, h.WriteBlock([]byte("x")))
}

func TestDiskStoreOpenErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exists.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	store := NewDiskStore(dir)

	_, err := store.Open("missing.txt", true, false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Open("sub", true, false)
	assert.ErrorIs(t, err, ErrAccessViolation)

	_, err = store.Open("../escape", true, false)
	assert.ErrorIs(t, err, ErrAccessViolation)
	assert.ErrorIs(t, err, ErrDirectoryTraversal)

	_, err = store.Open("exists.txt", false, false)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.Open("sub", false, true)
	assert.ErrorIs(t, err, ErrAccessViolation)

	_, err = store.Open("nodir/new.txt", false, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStoreWriteFinalize(t *testing.T) {
	dir := t.TempDir()
	store := NewDiskStore(dir)

	h, err := store.Open("out.bin", false, false)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock(bytes.Repeat([]byte{1}, 512)))
	require.NoError(t, h.WriteBlock([]byte{2, 3}))
	assert.Equal(t, int64(514), h.Size())

	_, err = os.Stat(filepath.Join(dir, "out.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "destination must not appear before Finalize")

	require.NoError(t, h.Finalize())
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Len(t, got, 514)
	assert.Equal(t, []byte{2, 3}, got[512:])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be renamed away")
}

func TestDiskStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0o644))
	store := NewDiskStore(dir)

	h, err := store.Open("f.txt", false, true)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock([]byte("new")))
	require.NoError(t, h.Finalize())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDiskStoreAbortKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))
	store := NewDiskStore(dir)

	h, err := store.Open("f.txt", false, true)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock([]byte("partial")))
	require.NoError(t, h.Abort())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "partial file must be removed")
}

func TestDiskStoreQuota(t *testing.T) {
	store := NewDiskStore(t.TempDir())
	store.SetQuota(600)

	h, err := store.Open("big.bin", false, false)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock(make([]byte, 512)))

	err = h.WriteBlock(make([]byte, 512))
	assert.ErrorIs(t, err, ErrDiskFull)
	require.NoError(t, h.Abort())
}

func TestDiskStoreQuotaReleasedOnAbort(t *testing.T) {
	store := NewDiskStore(t.TempDir())
	store.SetQuota(1000)

	h, err := store.Open("first.bin", false, false)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock(make([]byte, 500)))
	require.NoError(t, h.WriteBlock(make([]byte, 300)))
	require.NoError(t, h.Abort())

	h, err = store.Open("second.bin", false, false)
	require.NoError(t, err)
	require.NoError(t, h.WriteBlock(make([]byte, 500)))
	require.NoError(t, h.WriteBlock(make([]byte, 300)))
	require.NoError(t, h.Finalize())
}

func TestDiskStoreQuotaCreditsReplacedFile(t *testing.T) {
	store := NewDiskStore(t.TempDir())
	store.SetQuota(1500)

	for i := 0; i < 3; i++ {
		h, err := store.Open("same.bin", false, true)
		require.NoError(t, err)
		require.NoError(t, h.WriteBlock(make([]byte, 512)), "write %d", i)
		require.NoError(t, h.WriteBlock(make([]byte, 200)), "write %d", i)
		require.NoError(t, h.Finalize())
	}

	info, err := os.Stat(filepath.Join(store.Root(), "same.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(712), info.Size())
}
