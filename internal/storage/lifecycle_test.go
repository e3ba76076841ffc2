package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootFolderIsLazyAndStable(t *testing.T) {
	eng := newTestEngine(t)

	root, err := eng.RootFolder("user_1")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, RootFolderName, root.Name)

	again, err := eng.RootFolder("user_1")
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)

	other, err := eng.RootFolder("user_2")
	require.NoError(t, err)
	assert.NotEqual(t, root.ID, other.ID)
}

func TestCreateFolderAndList(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	docs, err := eng.CreateFolder(ctx, owner, "Documents", "")
	require.NoError(t, err)

	root, err := eng.RootFolder(owner)
	require.NoError(t, err)
	assert.Equal(t, root.ID, docs.ParentID)

	sub, err := eng.CreateFolder(ctx, owner, "Reports", docs.ID)
	require.NoError(t, err)

	obj := uploadObject(t, eng, owner, "q3.pdf", []byte("pdf bytes"), docs.ID)

	folders, objects, err := eng.ListFolder(owner, docs.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, sub.ID, folders[0].ID)
	require.Len(t, objects, 1)
	assert.Equal(t, obj.ID, objects[0].ID)

	_, err = eng.CreateFolder(ctx, owner, "Nope", "missing-parent")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestOpenObjectRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	owner := "user_1"
	content := []byte("the stored bytes")

	obj := uploadObject(t, eng, owner, "f.bin", content, "")

	rc, got, err := eng.OpenObject(owner, obj.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, obj.ID, got.ID)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, _, err = eng.OpenObject("user_2", obj.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteObjectTrashThenPurge(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"
	content := []byte("0123456789")

	obj := uploadObject(t, eng, owner, "f.bin", content, "")

	// First delete trashes: hidden from listings, visible in trash, usage
	// drops by the object size immediately.
	require.NoError(t, eng.DeleteObject(ctx, owner, obj.ID))

	root, err := eng.RootFolder(owner)
	require.NoError(t, err)
	_, objects, err := eng.ListFolder(owner, root.ID)
	require.NoError(t, err)
	assert.Empty(t, objects)

	_, trashed, err := eng.ListTrash(owner)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, obj.ID, trashed[0].ID)
	assert.NotNil(t, trashed[0].TrashedAt)

	usage, err := eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedBytes)

	// Second delete purges: record and blob gone, usage unchanged.
	require.NoError(t, eng.DeleteObject(ctx, owner, obj.ID))

	_, err = eng.GetObject(owner, obj.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, _, err = eng.OpenObject(owner, obj.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	usage, err = eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedBytes)
}

func TestRestoreObjectRebillsSize(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	obj := uploadObject(t, eng, owner, "f.bin", []byte("0123456789"), "")
	require.NoError(t, eng.DeleteObject(ctx, owner, obj.ID))

	restored, err := eng.RestoreObject(ctx, owner, obj.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsTrashed())
	assert.Nil(t, restored.TrashedAt)

	usage, err := eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.UsedBytes)

	// Restoring an already-active object is a no-op.
	again, err := eng.RestoreObject(ctx, owner, obj.ID)
	require.NoError(t, err)
	assert.False(t, again.IsTrashed())
}

func TestRenameObjectWorksWhileTrashed(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	obj := uploadObject(t, eng, owner, "old.bin", []byte("x"), "")
	require.NoError(t, eng.DeleteObject(ctx, owner, obj.ID))

	renamed, err := eng.RenameObject(ctx, owner, obj.ID, "new.bin")
	require.NoError(t, err)
	assert.Equal(t, "new.bin", renamed.Name)
	assert.True(t, renamed.IsTrashed())

	_, err = eng.RenameObject(ctx, owner, obj.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestMoveObjectRequiresDestination(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	obj := uploadObject(t, eng, owner, "f.bin", []byte("x"), "")
	dest, err := eng.CreateFolder(ctx, owner, "Dest", "")
	require.NoError(t, err)

	moved, err := eng.MoveObject(ctx, owner, obj.ID, dest.ID)
	require.NoError(t, err)
	assert.Equal(t, dest.ID, moved.FolderID)

	_, err = eng.MoveObject(ctx, owner, obj.ID, "missing")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestRootFolderGuards(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	root, err := eng.RootFolder(owner)
	require.NoError(t, err)

	_, err = eng.RenameFolder(ctx, owner, root.ID, "Other")
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	dest, err := eng.CreateFolder(ctx, owner, "Dest", "")
	require.NoError(t, err)
	_, err = eng.MoveFolder(ctx, owner, root.ID, dest.ID)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	err = eng.DeleteFolder(ctx, owner, root.ID)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestMoveFolderRejectsSelfParent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	folder, err := eng.CreateFolder(ctx, owner, "A", "")
	require.NoError(t, err)

	_, err = eng.MoveFolder(ctx, owner, folder.ID, folder.ID)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDeleteFolderTrashHidesChildrenWithoutMarkingThem(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	folder, err := eng.CreateFolder(ctx, owner, "Project", "")
	require.NoError(t, err)
	obj := uploadObject(t, eng, owner, "notes.txt", []byte("notes"), folder.ID)

	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID))

	root, err := eng.RootFolder(owner)
	require.NoError(t, err)
	folders, _, err := eng.ListFolder(owner, root.ID)
	require.NoError(t, err)
	assert.Empty(t, folders)

	// The child object carries no individual trash mark.
	child, err := eng.GetObject(owner, obj.ID)
	require.NoError(t, err)
	assert.False(t, child.IsTrashed())

	// Only the folder itself shows in trash.
	trashedFolders, trashedObjects, err := eng.ListTrash(owner)
	require.NoError(t, err)
	require.Len(t, trashedFolders, 1)
	assert.Equal(t, folder.ID, trashedFolders[0].ID)
	assert.Empty(t, trashedObjects)
}

func TestRestoreFolderReturnsSubtree(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	folder, err := eng.CreateFolder(ctx, owner, "Project", "")
	require.NoError(t, err)
	obj := uploadObject(t, eng, owner, "notes.txt", []byte("notes"), folder.ID)

	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID))

	restored, err := eng.RestoreFolder(ctx, owner, folder.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsTrashed())

	_, objects, err := eng.ListFolder(owner, folder.ID)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, obj.ID, objects[0].ID)
}

func TestDeleteTrashedFolderPurgesSubtree(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	folder, err := eng.CreateFolder(ctx, owner, "Project", "")
	require.NoError(t, err)
	sub, err := eng.CreateFolder(ctx, owner, "Assets", folder.ID)
	require.NoError(t, err)
	empty, err := eng.CreateFolder(ctx, owner, "Empty", folder.ID)
	require.NoError(t, err)

	a := uploadObject(t, eng, owner, "a.bin", []byte("aaaa"), folder.ID)
	b := uploadObject(t, eng, owner, "b.bin", []byte("bbbbbb"), sub.ID)
	keep := uploadObject(t, eng, owner, "keep.bin", []byte("kk"), "")

	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID)) // trash
	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID)) // purge

	for _, id := range []string{folder.ID, sub.ID, empty.ID} {
		_, err := eng.GetFolder(owner, id)
		assert.ErrorIs(t, err, ErrFolderNotFound)
	}
	for _, id := range []string{a.ID, b.ID} {
		_, err := eng.GetObject(owner, id)
		assert.ErrorIs(t, err, ErrObjectNotFound)
	}

	// The unrelated object survives and the bill reflects only it.
	_, err = eng.GetObject(owner, keep.ID)
	require.NoError(t, err)
	usage, err := eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.UsedBytes)
}

func TestDeleteTrashedFolderCanceledLeavesSubtreeRetryable(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	folder, err := eng.CreateFolder(ctx, owner, "Project", "")
	require.NoError(t, err)
	obj := uploadObject(t, eng, owner, "a.bin", []byte("aaaa"), folder.ID)

	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID)) // trash

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = eng.DeleteFolder(canceled, owner, folder.ID)
	assert.ErrorIs(t, err, context.Canceled)

	// An interrupted purge must not delete the folder record while object
	// records underneath it survive: the subtree stays trashed, reachable,
	// and still billed.
	got, err := eng.GetFolder(owner, folder.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTrashed())
	_, err = eng.GetObject(owner, obj.ID)
	require.NoError(t, err)
	usage, err := eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.UsedBytes)

	// Retrying with a live context completes the purge.
	require.NoError(t, eng.DeleteFolder(ctx, owner, folder.ID))
	_, err = eng.GetFolder(owner, folder.ID)
	assert.ErrorIs(t, err, ErrFolderNotFound)
	_, err = eng.GetObject(owner, obj.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	usage, err = eng.Quota().Usage(owner)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestListTrashScopedPerOwner(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	obj := uploadObject(t, eng, "user_1", "mine.bin", []byte("x"), "")
	require.NoError(t, eng.DeleteObject(ctx, "user_1", obj.ID))

	_, objects, err := eng.ListTrash("user_2")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
