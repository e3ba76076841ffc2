package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-git/go-billy/v5"
)

// assembleChunks concatenates a complete chunk set in index order into the
// destination blob, streaming each chunk so the whole object is never held in
// memory. It returns the MD5 ETag and byte count of the written object.
//
// This is the correctness boundary between "bytes we received" and "bytes we
// will bill and serve": after writing, the destination is statted and its
// length compared against the client-declared size. On disagreement the
// partial blob is deleted and an AssemblyMismatchError returned — a corrupt
// object is never registered.
func assembleChunks(ctx context.Context, fs billy.Filesystem, stagingDir string, totalChunks int, destPath string, declaredSize int64) (etag string, written int64, err error) {
	if err := fs.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", 0, fmt.Errorf("create blob dir: %w", err)
	}

	dst, err := fs.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("create blob: %w", err)
	}

	hasher := md5.New()
	out := io.MultiWriter(dst, hasher)

	for i := 0; i < totalChunks; i++ {
		select {
		case <-ctx.Done():
			_ = dst.Close()
			_ = fs.Remove(destPath)
			return "", 0, fmt.Errorf("assembly canceled: %w", ctx.Err())
		default:
		}

		chunkPath := filepath.Join(stagingDir, chunkFilePrefix+strconv.Itoa(i))
		chunk, err := fs.Open(chunkPath)
		if err != nil {
			_ = dst.Close()
			_ = fs.Remove(destPath)
			return "", 0, fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, chunk)
		if cerr := chunk.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = dst.Close()
			_ = fs.Remove(destPath)
			return "", 0, fmt.Errorf("copy chunk %d: %w", i, err)
		}
		written += n
	}

	if syncer, ok := dst.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = dst.Close()
			_ = fs.Remove(destPath)
			return "", 0, fmt.Errorf("sync blob: %w", err)
		}
	}
	if err := dst.Close(); err != nil {
		_ = fs.Remove(destPath)
		return "", 0, fmt.Errorf("close blob: %w", err)
	}

	info, err := fs.Stat(destPath)
	if err != nil {
		_ = fs.Remove(destPath)
		return "", 0, fmt.Errorf("stat blob: %w", err)
	}
	if info.Size() != declaredSize {
		_ = fs.Remove(destPath)
		return "", 0, &AssemblyMismatchError{DeclaredSize: declaredSize, WrittenSize: info.Size()}
	}

	observeBytesAssembled(written)
	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}
