// Package file is the storage side of a TFTP transfer: a Store opens files
// by request name and hands out a Handle with sequential block reads or
// append-only block writes.
//
//	store := file.NewDiskStore("/srv/tftp")
//	h, err := store.Open("boot/pxelinux.0", true, false)
//	switch {
//	case errors.Is(err, file.ErrNotFound):
//	case errors.Is(err, file.ErrAccessViolation):
//	}
//	block, err := h.ReadNextBlock(512)
//
// Request names are always relative to the store root; traversal outside it
// fails with ErrAccessViolation wrapping ErrDirectoryTraversal.
package file
