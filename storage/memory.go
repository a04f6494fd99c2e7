package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// KindMemory selects the in-memory adapter. It is not persisted anywhere and
// exists for local development and tests.
const KindMemory interfaces.SourceKind = "memory"

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryAdapter keeps objects and folders in process memory with native
// folder semantics.
type MemoryAdapter struct {
	sourceInfo
	mu      sync.RWMutex
	objects map[string]memoryObject
	folders map[string]time.Time
	caps    interfaces.Capabilities
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter(desc interfaces.SourceDescriptor, log *slog.Logger) *MemoryAdapter {
	if desc.Kind == "" {
		desc.Kind = KindMemory
	}
	return &MemoryAdapter{
		sourceInfo: newSourceInfo(desc, log),
		objects:    make(map[string]memoryObject),
		folders:    map[string]time.Time{"/": time.Now()},
		caps: interfaces.Capabilities{
			NativeFolders: true,
			Delete:        true,
			MoveCopy:      true,
			Bulk:          true,
		},
	}
}

func (b *MemoryAdapter) Capabilities() interfaces.Capabilities {
	return b.caps
}

func (b *MemoryAdapter) Connect(ctx context.Context) error {
	return nil
}

func (b *MemoryAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *MemoryAdapter) TestConnection(ctx context.Context) bool {
	return true
}

func (b *MemoryAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)

	b.mu.Lock()
	b.mkdirAll(CleanPath(folder))
	b.objects[p] = memoryObject{
		data:        bytes.Clone(obj.Data),
		contentType: obj.ContentType,
		modified:    start,
	}
	b.mu.Unlock()

	return b.uploaded(&interfaces.UploadResult{
		Success: true,
		URL:     "memory://" + b.name + p,
		Path:    p,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
	}, start), nil
}

// mkdirAll registers p and its ancestors. Callers hold mu.
func (b *MemoryAdapter) mkdirAll(p string) {
	now := time.Now()
	for _, prefix := range SplitPrefixes(p) {
		if _, ok := b.folders[prefix]; !ok {
			b.folders[prefix] = now
		}
	}
}

func (b *MemoryAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	b.mu.RLock()
	obj, ok := b.objects[CleanPath(p)]
	b.mu.RUnlock()
	if !ok {
		return nil, b.fail("download", p, interfaces.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *MemoryAdapter) Delete(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p = CleanPath(p)
	if _, ok := b.objects[p]; !ok {
		return b.fail("delete", p, interfaces.ErrNotFound)
	}
	delete(b.objects, p)
	return nil
}

func (b *MemoryAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p = CleanPath(p)
	obj, ok := b.objects[p]
	if !ok {
		return nil, b.fail("stat", p, interfaces.ErrNotFound)
	}
	return &interfaces.FileInfo{
		Name:         path.Base(p),
		Path:         p,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		Hash:         sha256Hex(obj.data),
		ContentType:  obj.contentType,
	}, nil
}

func (b *MemoryAdapter) Move(ctx context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, to = CleanPath(from), CleanPath(to)
	obj, ok := b.objects[from]
	if !ok {
		return b.fail("move", from, interfaces.ErrNotFound)
	}
	b.mkdirAll(path.Dir(to))
	b.objects[to] = obj
	delete(b.objects, from)
	return nil
}

func (b *MemoryAdapter) Copy(ctx context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, to = CleanPath(from), CleanPath(to)
	obj, ok := b.objects[from]
	if !ok {
		return b.fail("copy", from, interfaces.ErrNotFound)
	}
	b.mkdirAll(path.Dir(to))
	obj.data = bytes.Clone(obj.data)
	b.objects[to] = obj
	return nil
}

func (b *MemoryAdapter) CreateFolder(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirAll(CleanPath(p))
	return nil
}

func (b *MemoryAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.folders[CleanPath(p)]
	return ok, nil
}

func (b *MemoryAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p = CleanPath(p)
	if p == "/" {
		return b.fail("delete-folder", p, fmt.Errorf("%w: cannot delete root", interfaces.ErrPermission))
	}
	if _, ok := b.folders[p]; !ok {
		return b.fail("delete-folder", p, interfaces.ErrNotFound)
	}

	var objects, folders []string
	for k := range b.objects {
		if IsUnder(k, p) {
			objects = append(objects, k)
		}
	}
	for k := range b.folders {
		if IsUnder(k, p) {
			folders = append(folders, k)
		}
	}
	if !recursive && len(objects)+len(folders) > 0 {
		return b.fail("delete-folder", p, interfaces.ErrFolderNotEmpty)
	}
	for _, k := range objects {
		delete(b.objects, k)
	}
	for _, k := range folders {
		delete(b.folders, k)
	}
	delete(b.folders, p)
	return nil
}

func (b *MemoryAdapter) MoveFolder(ctx context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, to = CleanPath(from), CleanPath(to)
	if _, ok := b.folders[from]; !ok {
		return b.fail("move-folder", from, interfaces.ErrNotFound)
	}
	if err := CheckFolderMove(from, to); err != nil {
		return b.fail("move-folder", from, err)
	}

	movedFolders := make(map[string]time.Time)
	for k, v := range b.folders {
		if IsUnder(k, from) {
			movedFolders[relocate(k, from, to)] = v
			delete(b.folders, k)
		}
	}
	movedObjects := make(map[string]memoryObject)
	for k, v := range b.objects {
		if IsUnder(k, from) {
			movedObjects[relocate(k, from, to)] = v
			delete(b.objects, k)
		}
	}
	delete(b.folders, from)

	b.mkdirAll(to)
	for k, v := range movedFolders {
		b.folders[k] = v
	}
	for k, v := range movedObjects {
		b.objects[k] = v
	}
	return nil
}

func (b *MemoryAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p = CleanPath(p)
	if _, ok := b.folders[p]; !ok {
		return nil, b.fail("list-folder", p, interfaces.ErrNotFound)
	}

	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo
	for k, obj := range b.objects {
		if path.Dir(k) == p {
			files = append(files, interfaces.FileInfo{
				Name:         path.Base(k),
				Path:         k,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
				ContentType:  obj.contentType,
			})
		}
	}
	for k, created := range b.folders {
		if k != "/" && path.Dir(k) == p {
			folders = append(folders, interfaces.FolderInfo{
				Name:         path.Base(k),
				Path:         k,
				LastModified: created,
				ItemCount:    b.countChildren(k),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })
	return interfaces.NewFolderListing(files, folders), nil
}

// countChildren counts direct children of folder. Callers hold mu.
func (b *MemoryAdapter) countChildren(folder string) int {
	n := 0
	for k := range b.objects {
		if path.Dir(k) == folder {
			n++
		}
	}
	for k := range b.folders {
		if k != "/" && path.Dir(k) == folder {
			n++
		}
	}
	return n
}
