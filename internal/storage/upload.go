package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultChunkSizeHint is the chunk size suggested to clients when the
// engine is not configured with one. It is a hint, not a contract: chunks of
// any size are accepted and concatenated in index order.
const DefaultChunkSizeHint = 8 * 1024 * 1024

const (
	sessionMetaFile = "_session.json"
	chunkFilePrefix = "chunk_"
)

// UploadSession tracks one in-progress chunked upload. The set of received
// chunk indices is derived from the staging directory contents, never stored
// redundantly. TotalChunks is zero until the first chunk arrives, then fixed.
type UploadSession struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type"`
	FolderID      string    `json:"folder_id"`
	TotalChunks   int       `json:"total_chunks,omitempty"`
	ChunkSizeHint int64     `json:"chunk_size_hint"`
	CreatedAt     time.Time `json:"created_at"`
}

// UploadRequest carries the client-declared metadata for a new upload.
type UploadRequest struct {
	Name        string
	Size        int64
	ContentType string
	FolderID    string // empty = owner's root folder
}

// InitUpload validates the declared metadata, pre-checks capacity, creates
// the staging area, and persists the session. The capacity check here is
// best-effort; the authoritative check is repeated at completion since a
// session may be long-lived.
func (e *Engine) InitUpload(ctx context.Context, owner string, req UploadRequest) (*UploadSession, error) {
	if err := validateIdentifier(owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", ErrAccessDenied)
	}
	if err := validateDisplayName(req.Name); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("size must be positive: %w", ErrInvalidMetadata)
	}
	if max := e.opts.MaxFileSizeBytes; max > 0 && req.Size > max {
		return nil, fmt.Errorf("size %d exceeds maximum %d: %w", req.Size, max, ErrInvalidMetadata)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	folderID := req.FolderID
	if folderID == "" {
		root, err := e.ensureRootFolder(owner)
		if err != nil {
			return nil, err
		}
		folderID = root.ID
	} else {
		folder, err := e.getFolder(owner, folderID)
		if err != nil {
			return nil, err
		}
		if folder.Owner != owner {
			return nil, ErrAccessDenied
		}
	}

	if err := e.quota.checkCapacityLocked(owner, req.Size); err != nil {
		return nil, err
	}

	hint := e.opts.ChunkSizeHint
	if hint <= 0 {
		hint = DefaultChunkSizeHint
	}

	sess := &UploadSession{
		ID:            uuid.NewString(),
		Owner:         owner,
		Name:          req.Name,
		Size:          req.Size,
		ContentType:   contentType,
		FolderID:      folderID,
		ChunkSizeHint: hint,
		CreatedAt:     time.Now().UTC(),
	}

	staging := e.stagingDir(owner, sess.ID)
	if err := e.fs.MkdirAll(staging, 0700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := writeRecord(e.fs, filepath.Join(staging, sessionMetaFile), sess); err != nil {
		_ = removeTree(e.fs, staging)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	observeUploadStarted()
	log.Debug().Str("owner", owner).Str("session", sess.ID).Int64("size", sess.Size).Msg("upload session initiated")
	return sess, nil
}

// loadSession reads session metadata from staging. The staging area is keyed
// by owner, so a foreign session is normally invisible; the explicit owner
// comparison is kept as a second guard in case a session record was moved or
// crafted on disk.
func (e *Engine) loadSession(owner, sessionID string) (*UploadSession, error) {
	if err := validateIdentifier(owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", ErrAccessDenied)
	}
	if err := validateIdentifier(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", ErrSessionNotFound)
	}

	var sess UploadSession
	path := filepath.Join(e.stagingDir(owner, sessionID), sessionMetaFile)
	e.mu.RLock()
	err := readRecord(e.fs, path, &sess, ErrSessionNotFound)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, ErrAccessDenied
	}
	return &sess, nil
}

// receivedIndices derives the set of received chunk indices from the staging
// directory listing.
func (e *Engine) receivedIndices(owner, sessionID string) ([]int, error) {
	entries, err := e.fs.ReadDir(e.stagingDir(owner, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), chunkFilePrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), chunkFilePrefix))
		if err != nil || idx < 0 {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// UploadStatus returns the sorted list of chunk indices received so far.
func (e *Engine) UploadStatus(owner, sessionID string) ([]int, error) {
	sess, err := e.loadSession(owner, sessionID)
	if err != nil {
		return nil, err
	}
	return e.receivedIndices(owner, sess.ID)
}

// ReceiveChunk stores one chunk in the session's staging area. Writes are
// keyed by index and overwrite any previous attempt at the same index, so
// out-of-order delivery and retries are idempotent. TotalChunks is fixed on
// first arrival; later mismatching values are logged, never enforced.
func (e *Engine) ReceiveChunk(ctx context.Context, owner, sessionID string, index, totalChunks int, r io.Reader) error {
	if index < 0 {
		return fmt.Errorf("negative chunk index: %w", ErrInvalidMetadata)
	}
	if totalChunks <= 0 {
		return fmt.Errorf("total chunks must be positive: %w", ErrInvalidMetadata)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := e.loadSession(owner, sessionID)
	if err != nil {
		return err
	}

	if sess.TotalChunks == 0 {
		// Fix the chunk count on first arrival.
		sess.TotalChunks = totalChunks
		staging := e.stagingDir(owner, sess.ID)
		e.mu.Lock()
		err := writeRecord(e.fs, filepath.Join(staging, sessionMetaFile), sess)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	} else if totalChunks != sess.TotalChunks {
		log.Info().Str("session", sess.ID).Int("declared", sess.TotalChunks).Int("got", totalChunks).Msg("total chunk count mismatch ignored")
	}

	chunkPath := filepath.Join(e.stagingDir(owner, sess.ID), chunkFilePrefix+strconv.Itoa(index))
	f, err := e.fs.OpenFile(chunkPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open chunk file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A short chunk must not satisfy completion later.
		_ = e.fs.Remove(chunkPath)
		return fmt.Errorf("write chunk %d: %w", index, err)
	}

	observeChunkReceived(n)
	return nil
}

// CompleteUpload verifies the staged chunk set, assembles the final object,
// registers it, and bills the owner. The staging area is removed whether
// completion succeeds or fails terminally; only a MissingChunks failure
// preserves it, so the caller can upload the missing pieces and retry.
func (e *Engine) CompleteUpload(ctx context.Context, owner, sessionID string, totalChunks int) (*StoredObject, error) {
	if totalChunks <= 0 {
		return nil, fmt.Errorf("total chunks must be positive: %w", ErrInvalidMetadata)
	}

	sess, err := e.loadSession(owner, sessionID)
	if err != nil {
		return nil, err
	}
	staging := e.stagingDir(owner, sess.ID)

	received, err := e.receivedIndices(owner, sess.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(received))
	for _, idx := range received {
		have[idx] = true
	}
	var missing []int
	for i := 0; i < totalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		// Staging stays: the only failure mode a retry can repair.
		return nil, &MissingChunksError{Missing: missing}
	}

	// A long-lived session may have outlived its admission check: quota
	// limits change and concurrent uploads land. Re-check before billing.
	if err := e.quota.CheckCapacity(owner, sess.Size); err != nil {
		e.discardStaging(owner, sess.ID)
		return nil, err
	}

	objectID := uuid.NewString()
	destPath, err := e.jail.Resolve(e.blobPath(owner, objectID))
	if err != nil {
		e.discardStaging(owner, sess.ID)
		return nil, err
	}

	// Assembly is blocking I/O; it runs outside the record lock.
	etag, written, err := assembleChunks(ctx, e.fs, staging, totalChunks, destPath, sess.Size)
	if err != nil {
		e.discardStaging(owner, sess.ID)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Two completion attempts can race past verification; the session record
	// in staging is the single-writer token. Whoever finds it gone loses.
	if _, err := e.fs.Stat(filepath.Join(staging, sessionMetaFile)); err != nil {
		_ = e.fs.Remove(destPath)
		return nil, ErrSessionNotFound
	}

	obj := &StoredObject{
		ID:          objectID,
		Name:        sess.Name,
		Size:        written,
		ContentType: sess.ContentType,
		ETag:        etag,
		FolderID:    sess.FolderID,
		Owner:       owner,
		Path:        destPath,
		UploadedAt:  time.Now().UTC(),
	}
	if err := e.putObject(obj); err != nil {
		_ = e.fs.Remove(destPath)
		e.discardStagingLocked(owner, sess.ID)
		return nil, fmt.Errorf("register object: %w", err)
	}

	if _, err := e.quota.applyDeltaLocked(owner, written); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("quota delta after upload failed")
	}

	e.discardStagingLocked(owner, sess.ID)
	observeUploadCompleted()
	log.Debug().Str("owner", owner).Str("object", obj.ID).Int64("size", written).Msg("upload completed")
	return obj, nil
}

// discardStaging removes a session's staging directory. Best-effort; an
// abandoned staging dir is also reaped by the sweeper.
func (e *Engine) discardStaging(owner, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardStagingLocked(owner, sessionID)
}

func (e *Engine) discardStagingLocked(owner, sessionID string) {
	if err := removeTree(e.fs, e.stagingDir(owner, sessionID)); err != nil {
		log.Warn().Err(err).Str("owner", owner).Str("session", sessionID).Msg("failed to remove staging dir")
	}
}
