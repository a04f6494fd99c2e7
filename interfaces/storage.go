package interfaces

import (
	"context"
	"io"
	"log/slog"
)

// SourceKind is the tag persisted on a descriptor that selects the adapter
// implementation.
type SourceKind string

const (
	KindR2       SourceKind = "r2"
	KindMinIO    SourceKind = "minio"
	KindQiniu    SourceKind = "qiniu"
	KindTelegram SourceKind = "telegram"
	KindGitHub   SourceKind = "github"
	KindCustom   SourceKind = "custom"
	KindLocal    SourceKind = "local"
	KindIPFS     SourceKind = "ipfs"
)

// Capabilities describes what an adapter can actually do. Callers consult it
// instead of probing with operations that would fail.
type Capabilities struct {
	// NativeFolders is true when the backend keeps a real directory tree
	// (local disk, IPFS MFS). Object stores simulate folders with marker keys.
	NativeFolders bool `json:"nativeFolders"`
	// VirtualFolders is true when the backend has no tree at all. Such
	// backends report every folder as absent and accept creation as a no-op.
	VirtualFolders bool `json:"virtualFolders"`
	Delete         bool `json:"delete"`
	MoveCopy       bool `json:"moveCopy"`
	Bulk           bool `json:"bulk"`
	CDN            bool `json:"cdn"`
}

// Object is a file handed to an adapter for upload.
type Object struct {
	Name        string
	ContentType string
	Data        []byte
	Metadata    map[string]string
}

// Size returns the object length in bytes.
func (o *Object) Size() int64 {
	return int64(len(o.Data))
}

// StorageAdapter is the uniform contract every storage backend implements.
//
// Paths are logical slash-separated paths rooted at "/". Folder paths never
// carry a trailing slash. Operations a backend cannot perform return an error
// wrapping ErrUnsupportedOperation.
type StorageAdapter interface {
	// Kind returns the descriptor tag the adapter was built for.
	Kind() SourceKind

	// Name returns identifier for logging.
	Name() string

	Capabilities() Capabilities

	// Connect prepares the client for use. Connect is called once by the
	// manager before the adapter is cached.
	Connect(ctx context.Context) error

	Disconnect(ctx context.Context) error

	// TestConnection performs a read-only probe. It never returns an error
	// and never panics; any failure is reported as false.
	TestConnection(ctx context.Context) bool

	// Upload stores obj inside folder and reports the outcome in the result.
	// The returned error is reserved for programming errors such as a nil
	// object; backend failures are carried by UploadResult.
	Upload(ctx context.Context, folder string, obj *Object) (*UploadResult, error)

	// Download opens the object stored at path (the UploadResult.Path).
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*FileInfo, error)
	Move(ctx context.Context, from, to string) error
	Copy(ctx context.Context, from, to string) error

	CreateFolder(ctx context.Context, path string) error
	DeleteFolder(ctx context.Context, path string, recursive bool) error
	MoveFolder(ctx context.Context, from, to string) error
	ListFolder(ctx context.Context, path string) (*FolderListing, error)
	FolderExists(ctx context.Context, path string) (bool, error)
}

// AdapterConstructor builds one adapter from a descriptor. Constructors
// validate every required configuration field and fail with a ConfigError
// instead of deferring the check to first use.
type AdapterConstructor func(ctx context.Context, desc SourceDescriptor, log *slog.Logger) (StorageAdapter, error)

// DescriptorStore is the catalog of configured storage sources.
type DescriptorStore interface {
	// ListActive returns every descriptor with IsActive set, in any order.
	ListActive(ctx context.Context) ([]SourceDescriptor, error)

	// Get returns one descriptor by id or an error wrapping ErrSourceNotFound.
	Get(ctx context.Context, id string) (*SourceDescriptor, error)
}

// QuotaStore persists the per-source usage counter.
type QuotaStore interface {
	// AdjustUsed atomically adds delta to the source's usage, flooring the
	// result at zero. It reports the new value and whether the floor was hit.
	AdjustUsed(ctx context.Context, id string, delta int64) (used int64, clamped bool, err error)
}
