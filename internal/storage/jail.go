package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Jail confines every filesystem path the engine touches to the configured
// storage root. Any path that reaches the disk layer — whether supplied by a
// caller, reconstructed from a stored record, or derived from an upload name —
// is resolved through the jail first. A path that normalizes outside the root
// is rejected no matter how it entered the system.
//
// Containment is a string check after normalization; symbolic links are not
// resolved before the comparison. The storage root is expected to not contain
// symlinks pointing outside itself.
type Jail struct {
	root string
}

// NewJail creates a jail rooted at the given directory. The root is made
// absolute and cleaned once here so every later containment check compares
// against the same canonical form.
func NewJail(root string) (*Jail, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &Jail{root: filepath.Clean(abs)}, nil
}

// Root returns the canonical absolute storage root.
func (j *Jail) Root() string {
	return j.root
}

// Resolve normalizes candidate to an absolute path and returns it if it lies
// at or below the storage root. Relative candidates are resolved against the
// root, never the working directory. Empty input, NUL bytes, and any result
// outside the root return ErrPathRejected.
func (j *Jail) Resolve(candidate string) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("empty path: %w", ErrPathRejected)
	}
	if strings.ContainsRune(candidate, 0) {
		return "", fmt.Errorf("null byte in path: %w", ErrPathRejected)
	}

	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(j.root, abs)
	}
	abs = filepath.Clean(abs)

	if abs != j.root && !strings.HasPrefix(abs, j.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", candidate, ErrPathRejected)
	}
	return abs, nil
}
