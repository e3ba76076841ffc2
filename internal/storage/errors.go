package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Engine error types.
var (
	ErrInvalidMetadata = errors.New("invalid upload metadata")
	ErrFolderNotFound  = errors.New("folder not found")
	ErrObjectNotFound  = errors.New("object not found")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrPathRejected    = errors.New("path escapes storage root")
)

// MissingChunksError is returned by CompleteUpload when one or more chunk
// indices have not been received. It carries every missing index so the
// client can retry precisely instead of probing one chunk at a time.
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	sorted := make([]int, len(e.Missing))
	copy(sorted, e.Missing)
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, idx := range sorted {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return fmt.Sprintf("upload incomplete: missing chunks [%s]", strings.Join(parts, " "))
}

// AssemblyMismatchError is returned when the assembled object's on-disk size
// disagrees with the size the client declared at init. The partial object is
// deleted before this error is returned; nothing gets billed or served.
type AssemblyMismatchError struct {
	DeclaredSize int64
	WrittenSize  int64
}

func (e *AssemblyMismatchError) Error() string {
	return fmt.Sprintf("assembled size %d does not match declared size %d", e.WrittenSize, e.DeclaredSize)
}
