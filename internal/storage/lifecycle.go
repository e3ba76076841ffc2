package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Item lifecycle: Active -> Trashed -> (Active via restore | purged).
// A delete on an Active item trashes it; a delete on an already-Trashed item
// purges it permanently. Trashed objects are excluded from real usage the
// moment they are trashed, so trashing bills a negative delta and restoring
// bills the matching positive one; the purge itself is quota-neutral.

// ensureRootFolder returns the owner's implicit home folder, creating it on
// first use (caller must hold write lock).
func (e *Engine) ensureRootFolder(owner string) (*Folder, error) {
	folders, err := e.listFolders(owner)
	if err != nil {
		return nil, err
	}
	for _, folder := range folders {
		if folder.IsRoot() {
			return folder, nil
		}
	}

	root := &Folder{
		ID:        uuid.NewString(),
		Name:      RootFolderName,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.putFolder(root); err != nil {
		return nil, fmt.Errorf("create root folder: %w", err)
	}
	return root, nil
}

// RootFolder returns the owner's home folder, creating it if absent.
func (e *Engine) RootFolder(owner string) (*Folder, error) {
	if err := validateIdentifier(owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", ErrAccessDenied)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureRootFolder(owner)
}

// CreateFolder creates a folder under parentID, or under the owner's root
// when parentID is empty.
func (e *Engine) CreateFolder(ctx context.Context, owner, name, parentID string) (*Folder, error) {
	if err := validateIdentifier(owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", ErrAccessDenied)
	}
	if err := validateDisplayName(name); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if parentID == "" {
		root, err := e.ensureRootFolder(owner)
		if err != nil {
			return nil, err
		}
		parentID = root.ID
	} else {
		parent, err := e.getFolder(owner, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Owner != owner {
			return nil, ErrAccessDenied
		}
	}

	folder := &Folder{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.putFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// GetFolder returns a folder record.
func (e *Engine) GetFolder(owner, folderID string) (*Folder, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getFolder(owner, folderID)
}

// GetObject returns an object record.
func (e *Engine) GetObject(owner, objectID string) (*StoredObject, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getObject(owner, objectID)
}

// OpenObject returns a reader over an object's bytes along with its record.
// The stored path is resolved through the jail before the disk is touched,
// like every other stored path in the engine.
func (e *Engine) OpenObject(owner, objectID string) (io.ReadCloser, *StoredObject, error) {
	e.mu.RLock()
	obj, err := e.getObject(owner, objectID)
	e.mu.RUnlock()
	if err != nil {
		return nil, nil, err
	}

	path, err := e.jail.Resolve(obj.Path)
	if err != nil {
		return nil, nil, err
	}
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return f, obj, nil
}

// ListFolder returns the non-trashed subfolders and objects directly under
// folderID.
func (e *Engine) ListFolder(owner, folderID string) ([]*Folder, []*StoredObject, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.getFolder(owner, folderID); err != nil {
		return nil, nil, err
	}

	childDirs, err := e.childFolders(owner, folderID)
	if err != nil {
		return nil, nil, err
	}
	var folders []*Folder
	for _, folder := range childDirs {
		if !folder.IsTrashed() {
			folders = append(folders, folder)
		}
	}

	inFolder, err := e.objectsInFolder(owner, folderID)
	if err != nil {
		return nil, nil, err
	}
	var objects []*StoredObject
	for _, obj := range inFolder {
		if !obj.IsTrashed() {
			objects = append(objects, obj)
		}
	}
	return folders, objects, nil
}

// ListTrash returns the owner's individually trashed folders and objects.
func (e *Engine) ListTrash(owner string) ([]*Folder, []*StoredObject, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	allFolders, err := e.listFolders(owner)
	if err != nil {
		return nil, nil, err
	}
	var folders []*Folder
	for _, folder := range allFolders {
		if folder.IsTrashed() {
			folders = append(folders, folder)
		}
	}

	allObjects, err := e.listObjects(owner)
	if err != nil {
		return nil, nil, err
	}
	var objects []*StoredObject
	for _, obj := range allObjects {
		if obj.IsTrashed() {
			objects = append(objects, obj)
		}
	}
	return folders, objects, nil
}

// RenameObject renames an object. Rename is independent of delete state;
// renaming a trashed object is permitted.
func (e *Engine) RenameObject(ctx context.Context, owner, objectID, name string) (*StoredObject, error) {
	if err := validateDisplayName(name); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	obj, err := e.getObject(owner, objectID)
	if err != nil {
		return nil, err
	}
	obj.Name = name
	if err := e.putObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// MoveObject moves an object into another folder. The destination must
// exist and be owned by the same owner.
func (e *Engine) MoveObject(ctx context.Context, owner, objectID, folderID string) (*StoredObject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj, err := e.getObject(owner, objectID)
	if err != nil {
		return nil, err
	}
	dest, err := e.getFolder(owner, folderID)
	if err != nil {
		return nil, err
	}
	if dest.Owner != owner {
		return nil, ErrAccessDenied
	}

	obj.FolderID = dest.ID
	if err := e.putObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DeleteObject trashes an Active object, or purges a Trashed one. The purge
// unlink is best-effort: a blob already missing on disk is logged and the
// record removed regardless, so an orphaned record never blocks the user.
func (e *Engine) DeleteObject(ctx context.Context, owner, objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj, err := e.getObject(owner, objectID)
	if err != nil {
		return err
	}

	if obj.IsTrashed() {
		return e.purgeObject(obj)
	}

	now := time.Now().UTC()
	obj.Trashed = true
	obj.TrashedAt = &now
	if err := e.putObject(obj); err != nil {
		return err
	}
	// Trashed objects leave real usage immediately; keep the cache in step.
	if _, err := e.quota.applyDeltaLocked(owner, -obj.Size); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("quota delta after trash failed")
	}
	return nil
}

// purgeObject removes an object's bytes and record (caller must hold write
// lock). Quota-neutral: a trashed object is already excluded from usage.
func (e *Engine) purgeObject(obj *StoredObject) error {
	path, err := e.jail.Resolve(obj.Path)
	if err != nil {
		log.Warn().Str("owner", obj.Owner).Str("object", obj.ID).Str("path", obj.Path).Msg("stored path rejected by jail, skipping unlink")
	} else if err := e.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("owner", obj.Owner).Str("object", obj.ID).Msg("blob unlink failed, removing record anyway")
	}

	if err := e.deleteObjectRecord(obj.Owner, obj.ID); err != nil {
		return fmt.Errorf("delete object record: %w", err)
	}
	observeBytesPurged(obj.Size)
	return nil
}

// RestoreObject returns a trashed object to Active and restores its bytes to
// the owner's bill.
func (e *Engine) RestoreObject(ctx context.Context, owner, objectID string) (*StoredObject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj, err := e.getObject(owner, objectID)
	if err != nil {
		return nil, err
	}
	if !obj.IsTrashed() {
		return obj, nil
	}

	obj.Trashed = false
	obj.TrashedAt = nil
	if err := e.putObject(obj); err != nil {
		return nil, err
	}
	if _, err := e.quota.applyDeltaLocked(owner, obj.Size); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("quota delta after restore failed")
	}
	return obj, nil
}

// RenameFolder renames a folder. Rename is independent of delete state.
func (e *Engine) RenameFolder(ctx context.Context, owner, folderID, name string) (*Folder, error) {
	if err := validateDisplayName(name); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	folder, err := e.getFolder(owner, folderID)
	if err != nil {
		return nil, err
	}
	if folder.IsRoot() {
		return nil, fmt.Errorf("root folder cannot be renamed: %w", ErrInvalidMetadata)
	}
	folder.Name = name
	if err := e.putFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// MoveFolder reparents a folder. The destination must exist, be owned by the
// same owner, and not be the folder itself. Deeper cycle prevention is the
// caller's responsibility at the API boundary.
func (e *Engine) MoveFolder(ctx context.Context, owner, folderID, parentID string) (*Folder, error) {
	if folderID == parentID {
		return nil, fmt.Errorf("folder cannot be its own parent: %w", ErrInvalidMetadata)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	folder, err := e.getFolder(owner, folderID)
	if err != nil {
		return nil, err
	}
	if folder.IsRoot() {
		return nil, fmt.Errorf("root folder cannot be moved: %w", ErrInvalidMetadata)
	}
	dest, err := e.getFolder(owner, parentID)
	if err != nil {
		return nil, err
	}
	if dest.Owner != owner {
		return nil, ErrAccessDenied
	}

	folder.ParentID = dest.ID
	if err := e.putFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// DeleteFolder trashes an Active folder, or recursively purges a Trashed
// one. Trashing marks only the folder itself: children stay individually
// unmarked and are hidden by virtue of their parent being hidden. Purging
// permanently deletes every file and subfolder in the subtree before the
// folder record itself.
func (e *Engine) DeleteFolder(ctx context.Context, owner, folderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	folder, err := e.getFolder(owner, folderID)
	if err != nil {
		return err
	}
	if folder.IsRoot() {
		return fmt.Errorf("root folder cannot be deleted: %w", ErrInvalidMetadata)
	}

	if folder.IsTrashed() {
		return e.purgeFolderTree(ctx, folder)
	}

	now := time.Now().UTC()
	folder.Trashed = true
	folder.TrashedAt = &now
	return e.putFolder(folder)
}

// purgeFolderTree permanently deletes a folder subtree using an explicit
// worklist rather than recursion, bounding stack depth on pathological
// nesting (caller must hold write lock).
//
// The number and size of affected descendants is not cheaply known up front,
// and a partial failure mid-walk would leave an incrementally updated counter
// subtly wrong — so the cache is reconciled from source of truth afterwards
// instead of applying per-object deltas.
func (e *Engine) purgeFolderTree(ctx context.Context, folder *Folder) error {
	owner := folder.Owner

	// Breadth-first collection of the subtree, parents before children.
	subtree := []*Folder{folder}
	for i := 0; i < len(subtree); i++ {
		children, err := e.childFolders(owner, subtree[i].ID)
		if err != nil {
			return err
		}
		subtree = append(subtree, children...)
	}

	// Walk children-first. A folder record is only deleted once its own
	// objects and its entire subtree are gone, so an interrupted purge never
	// leaves object records unreachable from any folder; whatever remains is
	// still trashed and a later purge picks it up.
	var filesPurged, foldersPurged int
	var lastErr error
	mustKeep := make(map[string]bool)
	for i := len(subtree) - 1; i >= 0; i-- {
		node := subtree[i]
		if err := ctx.Err(); err != nil {
			if _, rerr := e.quota.reconcileLocked(owner); rerr != nil {
				log.Warn().Err(rerr).Str("owner", owner).Msg("reconcile after interrupted folder purge failed")
			}
			return err
		}

		nodeOK := !mustKeep[node.ID]
		objects, err := e.objectsInFolder(owner, node.ID)
		if err != nil {
			log.Warn().Err(err).Str("folder", node.ID).Msg("listing folder during purge failed, continuing")
			nodeOK = false
			lastErr = err
		} else {
			for _, obj := range objects {
				if err := e.purgeObject(obj); err != nil {
					log.Warn().Err(err).Str("object", obj.ID).Msg("purging object failed, continuing")
					nodeOK = false
					lastErr = err
					continue
				}
				filesPurged++
			}
		}

		if !nodeOK {
			mustKeep[node.ParentID] = true
			continue
		}
		if err := e.deleteFolderRecord(owner, node.ID); err != nil {
			log.Warn().Err(err).Str("folder", node.ID).Msg("deleting folder record failed")
			lastErr = err
			mustKeep[node.ParentID] = true
			continue
		}
		foldersPurged++
	}

	if _, err := e.quota.reconcileLocked(owner); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("reconcile after folder purge failed")
	}
	log.Debug().Str("owner", owner).Int("files", filesPurged).Int("folders", foldersPurged).Msg("folder subtree purged")
	return lastErr
}

// RestoreFolder returns a trashed folder to Active. Restore is a recursive
// structural change from the accountant's perspective, so the counter is
// reconciled rather than delta-adjusted.
func (e *Engine) RestoreFolder(ctx context.Context, owner, folderID string) (*Folder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	folder, err := e.getFolder(owner, folderID)
	if err != nil {
		return nil, err
	}
	if !folder.IsTrashed() {
		return folder, nil
	}

	folder.Trashed = false
	folder.TrashedAt = nil
	if err := e.putFolder(folder); err != nil {
		return nil, err
	}
	if _, err := e.quota.reconcileLocked(owner); err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("reconcile after folder restore failed")
	}
	return folder, nil
}
