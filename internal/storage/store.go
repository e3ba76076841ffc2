// Package storage implements the storage lifecycle engine: chunked resumable
// uploads, per-owner quota accounting, the trash/restore/purge state machine
// for files and folders, and streaming folder-to-archive export.
//
// Directory structure under the storage root:
//
//	{root}/
//	  catalog/
//	    {owner}/
//	      objects/{id}.json   # StoredObject records
//	      folders/{id}.json   # Folder records
//	      quota.json          # QuotaState (limit override + cached counter)
//	  blobs/
//	    {owner}/{objectID}    # finalized object bytes
//	  tmp/
//	    {owner}/{sessionID}/  # upload staging: _session.json + chunk_{index}
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// MaxNameLength is the longest accepted display name for files and folders.
const MaxNameLength = 255

// RootFolderName is the display name of the implicit per-owner home folder.
const RootFolderName = "Root"

// StoredObject is a finalized file record.
type StoredObject struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	ETag        string     `json:"etag"` // MD5 of assembled content
	FolderID    string     `json:"folder_id"`
	Owner       string     `json:"owner"`
	Path        string     `json:"path"` // absolute blob path, unique
	Trashed     bool       `json:"trashed,omitempty"`
	TrashedAt   *time.Time `json:"trashed_at,omitempty"`
	UploadedAt  time.Time  `json:"uploaded_at"`
}

// IsTrashed returns true if the object has been soft-deleted.
func (o *StoredObject) IsTrashed() bool {
	return o.Trashed
}

// Folder is a directory record. A folder with an empty ParentID is the
// owner's root; every other folder is reachable from it.
type Folder struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Owner     string     `json:"owner"`
	ParentID  string     `json:"parent_id,omitempty"`
	Trashed   bool       `json:"trashed,omitempty"`
	TrashedAt *time.Time `json:"trashed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsTrashed returns true if the folder has been soft-deleted.
func (f *Folder) IsTrashed() bool {
	return f.Trashed
}

// IsRoot reports whether this is the owner's implicit home folder.
func (f *Folder) IsRoot() bool {
	return f.ParentID == "" && f.Name == RootFolderName
}

// Options configures engine limits. Zero values mean unlimited / disabled.
type Options struct {
	DefaultQuotaBytes int64 // per-owner quota unless overridden (0 = unlimited)
	MaxFileSizeBytes  int64 // largest accepted declared upload size (0 = unlimited)
	ChunkSizeHint     int64 // suggested chunk size returned at upload init
	MinVolumeHeadroom int64 // refuse admission when the volume has less free space
}

// Engine is the storage lifecycle engine. All record mutations are guarded by
// a single RWMutex; bulk byte I/O (chunk writes, assembly, archive streaming)
// runs outside the lock.
type Engine struct {
	root  string
	fs    billy.Filesystem
	jail  *Jail
	opts  Options
	quota *Accountant
	mu    sync.RWMutex
}

// New creates an engine rooted at the given directory, backed by the host
// filesystem. The catalog, blob, and staging directories are created if
// missing.
func New(root string, opts Options) (*Engine, error) {
	return NewWithFilesystem(osfs.New("/"), root, opts)
}

// NewWithFilesystem creates an engine on an explicit billy filesystem. Used
// by tests to substitute the disk layer; production callers want New.
func NewWithFilesystem(fs billy.Filesystem, root string, opts Options) (*Engine, error) {
	jail, err := NewJail(root)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		root: jail.Root(),
		fs:   fs,
		jail: jail,
		opts: opts,
	}
	e.quota = &Accountant{eng: e}

	for _, dir := range []string{e.catalogRoot(), e.blobRoot(), e.stagingRoot()} {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return e, nil
}

// Root returns the canonical storage root.
func (e *Engine) Root() string {
	return e.root
}

// Quota returns the engine's quota accountant.
func (e *Engine) Quota() *Accountant {
	return e.quota
}

func (e *Engine) catalogRoot() string { return filepath.Join(e.root, "catalog") }
func (e *Engine) blobRoot() string    { return filepath.Join(e.root, "blobs") }
func (e *Engine) stagingRoot() string { return filepath.Join(e.root, "tmp") }

func (e *Engine) objectMetaPath(owner, id string) string {
	return filepath.Join(e.catalogRoot(), owner, "objects", id+".json")
}

func (e *Engine) folderMetaPath(owner, id string) string {
	return filepath.Join(e.catalogRoot(), owner, "folders", id+".json")
}

func (e *Engine) quotaStatePath(owner string) string {
	return filepath.Join(e.catalogRoot(), owner, "quota.json")
}

func (e *Engine) blobPath(owner, objectID string) string {
	return filepath.Join(e.blobRoot(), owner, objectID)
}

func (e *Engine) stagingDir(owner, sessionID string) string {
	return filepath.Join(e.stagingRoot(), owner, sessionID)
}

// validateIdentifier validates an owner or record identifier that becomes a
// single path component under the storage root. Separators, traversal
// components, and NUL bytes are rejected outright.
func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid identifier")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("path separators not allowed")
	}
	return nil
}

// validateDisplayName validates a file or folder display name. Names may
// contain characters that are hostile as paths; they are never used as path
// components directly and get sanitized again at archive-export time.
func validateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters", MaxNameLength)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	return nil
}

// syncedWriteFile writes data through the filesystem seam and fsyncs when the
// underlying file supports it. Record metadata must survive a crash; blob
// bytes are synced separately at assembly time.
func syncedWriteFile(fs billy.Filesystem, path string, data []byte, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func readFile(fs billy.Filesystem, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// readRecord unmarshals a JSON record, mapping a missing file to notFound.
func readRecord(fs billy.Filesystem, path string, out any, notFound error) error {
	data, err := readFile(fs, path)
	if os.IsNotExist(err) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

// writeRecord marshals and durably writes a JSON record.
func writeRecord(fs billy.Filesystem, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := syncedWriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// removeTree removes a directory tree using an explicit worklist instead of
// recursion, so pathological nesting cannot exhaust the stack. Missing paths
// are not an error.
func removeTree(fs billy.Filesystem, root string) error {
	info, err := fs.Lstat(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fs.Remove(root)
	}

	// First pass: collect directories top-down, removing files as we go.
	dirs := []string{root}
	for i := 0; i < len(dirs); i++ {
		entries, err := fs.ReadDir(dirs[i])
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, entry := range entries {
			child := filepath.Join(dirs[i], entry.Name())
			if entry.IsDir() {
				dirs = append(dirs, child)
				continue
			}
			if err := fs.Remove(child); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	// Second pass: remove the now-empty directories bottom-up.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := fs.Remove(dirs[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// getObject reads an object record (caller must hold lock).
func (e *Engine) getObject(owner, id string) (*StoredObject, error) {
	var obj StoredObject
	if err := readRecord(e.fs, e.objectMetaPath(owner, id), &obj, ErrObjectNotFound); err != nil {
		return nil, err
	}
	return &obj, nil
}

// putObject writes an object record (caller must hold lock).
func (e *Engine) putObject(obj *StoredObject) error {
	return writeRecord(e.fs, e.objectMetaPath(obj.Owner, obj.ID), obj)
}

// deleteObjectRecord removes an object record file (caller must hold lock).
func (e *Engine) deleteObjectRecord(owner, id string) error {
	err := e.fs.Remove(e.objectMetaPath(owner, id))
	if os.IsNotExist(err) {
		return ErrObjectNotFound
	}
	return err
}

// getFolder reads a folder record (caller must hold lock).
func (e *Engine) getFolder(owner, id string) (*Folder, error) {
	var folder Folder
	if err := readRecord(e.fs, e.folderMetaPath(owner, id), &folder, ErrFolderNotFound); err != nil {
		return nil, err
	}
	return &folder, nil
}

// putFolder writes a folder record (caller must hold lock).
func (e *Engine) putFolder(folder *Folder) error {
	return writeRecord(e.fs, e.folderMetaPath(folder.Owner, folder.ID), folder)
}

// deleteFolderRecord removes a folder record file (caller must hold lock).
func (e *Engine) deleteFolderRecord(owner, id string) error {
	err := e.fs.Remove(e.folderMetaPath(owner, id))
	if os.IsNotExist(err) {
		return ErrFolderNotFound
	}
	return err
}

// listObjects returns all object records for an owner, sorted by name
// (caller must hold lock).
func (e *Engine) listObjects(owner string) ([]*StoredObject, error) {
	dir := filepath.Join(e.catalogRoot(), owner, "objects")
	entries, err := e.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	var objects []*StoredObject
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var obj StoredObject
		if err := readRecord(e.fs, filepath.Join(dir, entry.Name()), &obj, ErrObjectNotFound); err != nil {
			continue // skip unreadable records
		}
		objects = append(objects, &obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// listFolders returns all folder records for an owner, sorted by name
// (caller must hold lock).
func (e *Engine) listFolders(owner string) ([]*Folder, error) {
	dir := filepath.Join(e.catalogRoot(), owner, "folders")
	entries, err := e.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read folders dir: %w", err)
	}

	var folders []*Folder
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var folder Folder
		if err := readRecord(e.fs, filepath.Join(dir, entry.Name()), &folder, ErrFolderNotFound); err != nil {
			continue
		}
		folders = append(folders, &folder)
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// objectsInFolder returns object records parented at folderID
// (caller must hold lock).
func (e *Engine) objectsInFolder(owner, folderID string) ([]*StoredObject, error) {
	all, err := e.listObjects(owner)
	if err != nil {
		return nil, err
	}
	var out []*StoredObject
	for _, obj := range all {
		if obj.FolderID == folderID {
			out = append(out, obj)
		}
	}
	return out, nil
}

// childFolders returns folder records parented at parentID
// (caller must hold lock).
func (e *Engine) childFolders(owner, parentID string) ([]*Folder, error) {
	all, err := e.listFolders(owner)
	if err != nil {
		return nil, err
	}
	var out []*Folder
	for _, folder := range all {
		if folder.ID == parentID {
			continue
		}
		if folder.ParentID == parentID {
			out = append(out, folder)
		}
	}
	return out, nil
}

// Owners returns every owner with catalog state. Used by the reconciliation
// sweeper.
func (e *Engine) Owners() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entries, err := e.fs.ReadDir(e.catalogRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	var owners []string
	for _, entry := range entries {
		if entry.IsDir() {
			owners = append(owners, entry.Name())
		}
	}
	sort.Strings(owners)
	return owners, nil
}
