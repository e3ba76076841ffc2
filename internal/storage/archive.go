package storage

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog/log"
)

// ShareResolver supplies the effective owner whose subtree should be walked
// when an export is triggered through a public or internal share. The engine
// trusts the resolved value; authorization happened before the call.
type ShareResolver interface {
	EffectiveOwner(ctx context.Context, shareRef string) (string, error)
}

// archiveEntry is one planned entry in a folder export.
type archiveEntry struct {
	name string        // sanitized archive path
	obj  *StoredObject // nil for directory entries
}

// ExportFolder streams a folder subtree into w as a single zip archive.
// Files are written incrementally through the compressor; the tree is never
// buffered in memory. A single missing or jail-rejected file is skipped and
// logged rather than failing the whole export. Empty subfolders are emitted
// as directory entries so the extracted structure matches the source tree.
func (e *Engine) ExportFolder(ctx context.Context, owner, folderID string, w io.Writer) error {
	entries, err := e.planExport(owner, folderID)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	var files, skipped int
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			_ = zw.Close()
			return fmt.Errorf("export canceled: %w", ctx.Err())
		default:
		}

		if entry.obj == nil {
			if _, err := zw.Create(entry.name); err != nil {
				_ = zw.Close()
				return fmt.Errorf("write directory entry: %w", err)
			}
			continue
		}

		if err := e.writeArchiveFile(zw, entry); err != nil {
			// Skip-and-continue: one lost file must not turn a large
			// export into a hard failure.
			log.Warn().Err(err).Str("object", entry.obj.ID).Str("entry", entry.name).Msg("skipping archive entry")
			skipped++
			continue
		}
		files++
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	observeExport()
	log.Debug().Str("owner", owner).Str("folder", folderID).Int("files", files).Int("skipped", skipped).Msg("folder exported")
	return nil
}

// ExportSharedFolder exports a folder on behalf of a share, asking the
// resolver for the effective owner whose records may appear in the archive.
func (e *Engine) ExportSharedFolder(ctx context.Context, resolver ShareResolver, shareRef, folderID string, w io.Writer) error {
	owner, err := resolver.EffectiveOwner(ctx, shareRef)
	if err != nil {
		return fmt.Errorf("resolve share owner: %w", err)
	}
	return e.ExportFolder(ctx, owner, folderID, w)
}

// planExport walks the subtree depth-first with an explicit stack and
// returns the ordered entry list. Record access happens under the read lock;
// the byte streaming that follows does not.
func (e *Engine) planExport(owner, folderID string) ([]archiveEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	root, err := e.getFolder(owner, folderID)
	if err != nil {
		return nil, err
	}

	type frame struct {
		folder *Folder
		prefix string
	}
	stack := []frame{{folder: root, prefix: sanitizeEntryName(root.Name)}}
	used := map[string]bool{}
	var entries []archiveEntry

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries = append(entries, archiveEntry{name: fr.prefix + "/"})

		objects, err := e.objectsInFolder(owner, fr.folder.ID)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if obj.IsTrashed() {
				continue
			}
			// Defense in depth: even under an internal share, a record
			// whose owner disagrees with the resolved owner stays out.
			if obj.Owner != owner {
				log.Warn().Str("object", obj.ID).Str("owner", obj.Owner).Str("expected", owner).Msg("foreign object excluded from export")
				continue
			}
			name := uniqueEntryName(used, fr.prefix+"/"+sanitizeEntryName(obj.Name))
			entries = append(entries, archiveEntry{name: name, obj: obj})
		}

		children, err := e.childFolders(owner, fr.folder.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.IsTrashed() || child.Owner != owner {
				continue
			}
			prefix := uniqueEntryName(used, fr.prefix+"/"+sanitizeEntryName(child.Name))
			stack = append(stack, frame{folder: child, prefix: prefix})
		}
	}
	return entries, nil
}

// writeArchiveFile streams one object's bytes into the archive.
func (e *Engine) writeArchiveFile(zw *zip.Writer, entry archiveEntry) error {
	path, err := e.jail.Resolve(entry.obj.Path)
	if err != nil {
		return err
	}
	f, err := e.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	hdr := &zip.FileHeader{
		Name:     entry.name,
		Method:   zip.Deflate,
		Modified: entry.obj.UploadedAt,
	}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create archive header: %w", err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("copy blob: %w", err)
	}
	return nil
}

// sanitizeEntryName makes a stored display name safe as an archive entry
// component: path separators become underscores, control characters are
// stripped, dot runs are collapsed, and an empty result falls back to a
// placeholder. A hostile filename containing "../" must not escape the
// destination when the archive is extracted.
func sanitizeEntryName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if out == "" || out == "." {
		return "unnamed"
	}
	return out
}

// uniqueEntryName disambiguates duplicate sanitized names within an archive
// by appending a counter.
func uniqueEntryName(used map[string]bool, name string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	for i := 1; ; i++ {
		candidate := name + " (" + strconv.Itoa(i) + ")"
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
