package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/spf13/afero"
)

// LocalConfig configures a directory on the local file system.
type LocalConfig struct {
	BasePath string `json:"basePath"`
	// MaxFileSize rejects larger uploads. Zero disables the check.
	MaxFileSize int64 `json:"maxFileSize"`
}

// FileAdapter stores files under a base directory. Logical paths map
// directly onto the directory tree, so folders are native.
type FileAdapter struct {
	sourceInfo
	fs          afero.Fs
	basePath    string
	maxFileSize int64
}

// NewFileAdapter creates a local adapter. When fsys is nil the adapter works
// on the real file system rooted at cfg.BasePath.
func NewFileAdapter(desc interfaces.SourceDescriptor, cfg LocalConfig, fsys afero.Fs, log *slog.Logger) (*FileAdapter, error) {
	if err := requireFields(desc.Kind, "basePath", cfg.BasePath); err != nil {
		return nil, err
	}
	if cfg.MaxFileSize < 0 {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "maxFileSize", Message: "must not be negative"}
	}
	if fsys == nil {
		fsys = afero.NewBasePathFs(afero.NewOsFs(), cfg.BasePath)
	}
	return &FileAdapter{
		sourceInfo:  newSourceInfo(desc, log),
		fs:          fsys,
		basePath:    cfg.BasePath,
		maxFileSize: cfg.MaxFileSize,
	}, nil
}

func (b *FileAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{
		NativeFolders: true,
		Delete:        true,
		MoveCopy:      true,
		Bulk:          true,
	}
}

// Connect creates the base directory if it does not exist.
func (b *FileAdapter) Connect(ctx context.Context) error {
	if err := b.fs.MkdirAll("/", 0o755); err != nil {
		return b.fail("connect", "/", fileError(err))
	}
	return nil
}

func (b *FileAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *FileAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, func(ctx context.Context) error {
		ok, err := afero.DirExists(b.fs, "/")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: base directory missing", interfaces.ErrNotFound)
		}
		return nil
	})
}

func (b *FileAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)
	if b.maxFileSize > 0 && obj.Size() > b.maxFileSize {
		return b.uploadFailed(p, start, fmt.Errorf("%w: %d bytes exceeds max file size %d",
			interfaces.ErrCapacityExhausted, obj.Size(), b.maxFileSize)), nil
	}

	if err := b.fs.MkdirAll(CleanPath(folder), 0o755); err != nil {
		return b.uploadFailed(p, start, fileError(err)), nil
	}
	if err := afero.WriteFile(b.fs, p, obj.Data, 0o644); err != nil {
		return b.uploadFailed(p, start, fileError(err)), nil
	}

	return b.uploaded(&interfaces.UploadResult{
		Success: true,
		URL:     "file://" + filepath.ToSlash(filepath.Join(b.basePath, p)),
		Path:    p,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
	}, start), nil
}

func (b *FileAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	f, err := b.openFile(CleanPath(p))
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return f, nil
}

func (b *FileAdapter) openFile(p string) (afero.File, error) {
	info, err := b.fs.Stat(p)
	if err != nil {
		return nil, fileError(err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p)
	}
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, fileError(err)
	}
	return f, nil
}

func (b *FileAdapter) Delete(ctx context.Context, p string) error {
	start := time.Now()
	err := b.deleteFile(CleanPath(p))
	b.observe("delete", start, err)
	if err != nil {
		return b.fail("delete", p, err)
	}
	return nil
}

func (b *FileAdapter) deleteFile(p string) error {
	info, err := b.fs.Stat(p)
	if err != nil {
		return fileError(err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p)
	}
	return fileError(b.fs.Remove(p))
}

func (b *FileAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	p = CleanPath(p)
	info, err := b.fs.Stat(p)
	if err != nil {
		return nil, b.fail("stat", p, fileError(err))
	}
	if info.IsDir() {
		return nil, b.fail("stat", p, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p))
	}
	return &interfaces.FileInfo{
		Name:         info.Name(),
		Path:         p,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (b *FileAdapter) Move(ctx context.Context, from, to string) error {
	from, to = CleanPath(from), CleanPath(to)
	info, err := b.fs.Stat(from)
	if err != nil {
		return b.fail("move", from, fileError(err))
	}
	if info.IsDir() {
		return b.fail("move", from, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, from))
	}
	if err := b.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return b.fail("move", from, fileError(err))
	}
	if err := b.fs.Rename(from, to); err != nil {
		return b.fail("move", from, fileError(err))
	}
	return nil
}

func (b *FileAdapter) Copy(ctx context.Context, from, to string) error {
	if err := b.copyFile(CleanPath(from), CleanPath(to)); err != nil {
		return b.fail("copy", from, err)
	}
	return nil
}

func (b *FileAdapter) copyFile(from, to string) error {
	src, err := b.openFile(from)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := b.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return fileError(err)
	}
	dst, err := b.fs.Create(to)
	if err != nil {
		return fileError(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (b *FileAdapter) CreateFolder(ctx context.Context, p string) error {
	if err := b.fs.MkdirAll(CleanPath(p), 0o755); err != nil {
		return b.fail("create-folder", p, fileError(err))
	}
	return nil
}

func (b *FileAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	ok, err := afero.DirExists(b.fs, CleanPath(p))
	if err != nil {
		return false, b.fail("folder-exists", p, fileError(err))
	}
	return ok, nil
}

func (b *FileAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	p = CleanPath(p)
	if p == "/" {
		return b.fail("delete-folder", p, fmt.Errorf("%w: cannot delete root", interfaces.ErrPermission))
	}
	entries, err := afero.ReadDir(b.fs, p)
	if err != nil {
		return b.fail("delete-folder", p, fileError(err))
	}
	if !recursive && len(entries) > 0 {
		return b.fail("delete-folder", p, interfaces.ErrFolderNotEmpty)
	}
	if err := b.fs.RemoveAll(p); err != nil {
		return b.fail("delete-folder", p, fileError(err))
	}
	return nil
}

// MoveFolder relocates every file and directory under from, then removes
// the old tree. Entries are moved one by one because not every afero
// implementation renames directories together with their children.
func (b *FileAdapter) MoveFolder(ctx context.Context, from, to string) error {
	if err := CheckFolderMove(from, to); err != nil {
		return b.fail("move-folder", from, err)
	}
	from, to = CleanPath(from), CleanPath(to)
	if ok, err := afero.DirExists(b.fs, from); err != nil || !ok {
		if err == nil {
			err = interfaces.ErrNotFound
		}
		return b.fail("move-folder", from, fileError(err))
	}

	err := afero.Walk(b.fs, from, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := relocate(filepath.ToSlash(p), from, to)
		if info.IsDir() {
			return b.fs.MkdirAll(target, 0o755)
		}
		return b.fs.Rename(p, target)
	})
	if err != nil {
		return b.fail("move-folder", from, fileError(err))
	}
	if err := b.fs.RemoveAll(from); err != nil {
		return b.fail("move-folder", from, fileError(err))
	}
	return nil
}

func (b *FileAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	p = CleanPath(p)
	entries, err := afero.ReadDir(b.fs, p)
	if err != nil {
		return nil, b.fail("list-folder", p, fileError(err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo
	for _, e := range entries {
		child := joinPath(p, e.Name())
		if e.IsDir() {
			count := interfaces.UnknownItemCount
			if children, err := afero.ReadDir(b.fs, child); err == nil {
				count = len(children)
			}
			folders = append(folders, interfaces.FolderInfo{
				Name:         e.Name(),
				Path:         child,
				LastModified: e.ModTime(),
				ItemCount:    count,
			})
			continue
		}
		files = append(files, interfaces.FileInfo{
			Name:         e.Name(),
			Path:         child,
			Size:         e.Size(),
			LastModified: e.ModTime(),
		})
	}
	return interfaces.NewFolderListing(files, folders), nil
}

func fileError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", interfaces.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", interfaces.ErrPermission, err)
	default:
		return err
	}
}
