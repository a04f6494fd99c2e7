package storage

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTreeAdapter runs the folder and file operations every adapter with a
// folder tree (native or marker based) must support.
func testTreeAdapter(t *testing.T, adapter interfaces.StorageAdapter) {
	ctx := t.Context()
	require.NoError(t, adapter.Connect(ctx))
	require.True(t, adapter.TestConnection(ctx))

	require.NoError(t, EnsureFolderPath(ctx, adapter, "/projects/2024"))
	exists, err := adapter.FolderExists(ctx, "/projects/2024")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = adapter.FolderExists(ctx, "/elsewhere")
	require.NoError(t, err)
	assert.False(t, exists)

	res, err := adapter.Upload(ctx, "/projects/2024", &interfaces.Object{
		Name:        "report.txt",
		ContentType: "text/plain",
		Data:        []byte("hello world"),
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "/projects/2024/report.txt", res.Path)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, sha256Hex([]byte("hello world")), res.Hash)
	assert.NotEmpty(t, res.URL)

	rc, err := adapter.Download(ctx, res.Path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, err := adapter.Stat(ctx, res.Path)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", info.Name)
	assert.Equal(t, int64(11), info.Size)

	listing, err := adapter.ListFolder(ctx, "/projects/2024")
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "/projects/2024/report.txt", listing.Files[0].Path)
	assert.Equal(t, 1, listing.TotalFiles)
	assert.Equal(t, int64(11), listing.TotalSize)
	assert.Empty(t, listing.Folders)

	root, err := adapter.ListFolder(ctx, "/")
	require.NoError(t, err)
	require.Len(t, root.Folders, 1)
	assert.Equal(t, "/projects", root.Folders[0].Path)
	assert.Equal(t, "projects", root.Folders[0].Name)

	require.NoError(t, adapter.Copy(ctx, res.Path, "/projects/2024/copy.txt"))
	require.NoError(t, adapter.Move(ctx, "/projects/2024/copy.txt", "/projects/2024/moved.txt"))
	_, err = adapter.Stat(ctx, "/projects/2024/copy.txt")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	moved, err := adapter.Stat(ctx, "/projects/2024/moved.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), moved.Size)
	require.NoError(t, adapter.Delete(ctx, "/projects/2024/moved.txt"))
	_, err = adapter.Stat(ctx, "/projects/2024/moved.txt")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	err = adapter.DeleteFolder(ctx, "/projects", false)
	assert.ErrorIs(t, err, interfaces.ErrFolderNotEmpty)

	require.NoError(t, adapter.MoveFolder(ctx, "/projects", "/archive"))
	exists, err = adapter.FolderExists(ctx, "/projects")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = adapter.FolderExists(ctx, "/archive/2024")
	require.NoError(t, err)
	assert.True(t, exists)
	rc, err = adapter.Download(ctx, "/archive/2024/report.txt")
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, adapter.CreateFolder(ctx, "/empty"))
	require.NoError(t, adapter.DeleteFolder(ctx, "/empty", false))
	exists, err = adapter.FolderExists(ctx, "/empty")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, adapter.DeleteFolder(ctx, "/archive", true))
	exists, err = adapter.FolderExists(ctx, "/archive")
	require.NoError(t, err)
	assert.False(t, exists)

	err = adapter.DeleteFolder(ctx, "/", true)
	assert.ErrorIs(t, err, interfaces.ErrPermission)

	_, err = adapter.Download(ctx, "/missing.txt")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, adapter.Disconnect(ctx))
}

func TestMemoryAdapter(t *testing.T) {
	adapter := NewMemoryAdapter(interfaces.SourceDescriptor{ID: "mem", Name: "Memory"}, testLog)
	assert.Equal(t, KindMemory, adapter.Kind())
	assert.Equal(t, "Memory", adapter.Name())
	assert.True(t, adapter.Capabilities().NativeFolders)
	testTreeAdapter(t, adapter)
}

func TestMoveFolderIntoOwnSubtree(t *testing.T) {
	ctx := t.Context()
	disk, err := NewFileAdapter(
		interfaces.SourceDescriptor{ID: "disk", Kind: interfaces.KindLocal},
		LocalConfig{BasePath: "/data"},
		afero.NewMemMapFs(),
		testLog)
	require.NoError(t, err)

	adapters := map[string]interfaces.StorageAdapter{
		"memory": NewMemoryAdapter(interfaces.SourceDescriptor{ID: "mem"}, testLog),
		"local":  disk,
	}
	for name, adapter := range adapters {
		t.Run(name, func(t *testing.T) {
			_, err := adapter.Upload(ctx, "/a", &interfaces.Object{Name: "x.txt", Data: []byte("x")})
			require.NoError(t, err)

			assert.ErrorIs(t, adapter.MoveFolder(ctx, "/a", "/a/b"), interfaces.ErrConfiguration)
			assert.ErrorIs(t, adapter.MoveFolder(ctx, "/a", "/a"), interfaces.ErrConfiguration)

			listing, err := adapter.ListFolder(ctx, "/a")
			require.NoError(t, err)
			assert.Len(t, listing.Files, 1)
			assert.Empty(t, listing.Folders)
		})
	}
}

func TestMemoryAdapterListMissingFolder(t *testing.T) {
	ctx := t.Context()
	adapter := NewMemoryAdapter(interfaces.SourceDescriptor{ID: "mem"}, testLog)

	_, err := adapter.ListFolder(ctx, "/missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestMemoryAdapterUploadCreatesParents(t *testing.T) {
	ctx := t.Context()
	adapter := NewMemoryAdapter(interfaces.SourceDescriptor{ID: "mem"}, testLog)
	res, err := adapter.Upload(ctx, "/x/y", &interfaces.Object{Name: "f.bin", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.True(t, res.Success)

	listing, err := adapter.ListFolder(ctx, "/x")
	require.NoError(t, err)
	require.Len(t, listing.Folders, 1)
	assert.Equal(t, 1, listing.Folders[0].ItemCount)

	_, err = adapter.Upload(ctx, "/x", nil)
	assert.Error(t, err)
}

func TestFileAdapter(t *testing.T) {
	adapter, err := NewFileAdapter(
		interfaces.SourceDescriptor{ID: "disk", Name: "Disk", Kind: interfaces.KindLocal},
		LocalConfig{BasePath: "/var/lib/nimbus"},
		afero.NewMemMapFs(),
		testLog)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindLocal, adapter.Kind())
	testTreeAdapter(t, adapter)
}

func TestFileAdapterMaxFileSize(t *testing.T) {
	ctx := t.Context()
	adapter, err := NewFileAdapter(
		interfaces.SourceDescriptor{ID: "disk", Kind: interfaces.KindLocal},
		LocalConfig{BasePath: "/data", MaxFileSize: 4},
		afero.NewMemMapFs(),
		testLog)
	require.NoError(t, err)

	res, err := adapter.Upload(ctx, "/", &interfaces.Object{Name: "big.bin", Data: []byte("12345")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Path)
	assert.ErrorIs(t, res.Err(), interfaces.ErrCapacityExhausted)

	res, err = adapter.Upload(ctx, "/", &interfaces.Object{Name: "small.bin", Data: []byte("1234")})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "file:///data/small.bin", res.URL)
}

func TestFileAdapterConfig(t *testing.T) {
	_, err := NewFileAdapter(interfaces.SourceDescriptor{Kind: interfaces.KindLocal}, LocalConfig{}, afero.NewMemMapFs(), testLog)
	var cfgErr *interfaces.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "basePath", cfgErr.Field)

	_, err = NewFileAdapter(interfaces.SourceDescriptor{Kind: interfaces.KindLocal}, LocalConfig{BasePath: "/x", MaxFileSize: -1}, afero.NewMemMapFs(), testLog)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestSourceErrorCarriesContext(t *testing.T) {
	adapter := NewMemoryAdapter(interfaces.SourceDescriptor{ID: "mem", Name: "scratch"}, testLog)
	_, err := adapter.Download(t.Context(), "/nope.txt")

	var srcErr *interfaces.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "scratch", srcErr.Source)
	assert.Equal(t, "download", srcErr.Op)
	assert.Equal(t, "/nope.txt", srcErr.Path)
	assert.Equal(t, err, adapter.fail("download", "/nope.txt", err))
}

// newStalledServer answers only after the client gives up.
func newStalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTransportForAppliesClientTimeout(t *testing.T) {
	assert.Equal(t, http.DefaultTransport, transportFor(nil))
	assert.Equal(t, http.DefaultTransport, transportFor(&http.Client{}))

	stalled := newStalledServer(t)
	client := &http.Client{Transport: transportFor(&http.Client{Timeout: 50 * time.Millisecond})}
	start := time.Now()
	_, err := client.Get(stalled.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(fast.Close)
	resp, err := client.Get(fast.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok", string(body))
}
