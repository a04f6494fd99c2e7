package interfaces

import (
	"encoding/json"
	"time"
)

// SourceDescriptor is the persisted record for one configured storage source.
type SourceDescriptor struct {
	ID       string          `json:"id" yaml:"id"`
	Name     string          `json:"name" yaml:"name"`
	Kind     SourceKind      `json:"kind" yaml:"kind"`
	Config   json.RawMessage `json:"config" yaml:"-"`
	Priority int             `json:"priority" yaml:"priority"`

	// QuotaLimit is in bytes; zero means unlimited.
	QuotaLimit int64 `json:"quotaLimit" yaml:"quotaLimit"`
	QuotaUsed  int64 `json:"quotaUsed" yaml:"quotaUsed"`
	IsActive   bool  `json:"isActive" yaml:"isActive"`

	// BulkCapable and CDNCapable override the adapter kind's default
	// capability when set.
	BulkCapable *bool `json:"bulkCapable,omitempty" yaml:"bulkCapable,omitempty"`
	CDNCapable  *bool `json:"cdnCapable,omitempty" yaml:"cdnCapable,omitempty"`
}

// Unlimited reports whether the source has no quota limit.
func (d SourceDescriptor) Unlimited() bool {
	return d.QuotaLimit <= 0
}

// Free returns the remaining quota in bytes. It is negative when usage has
// drifted past the limit and meaningless for unlimited sources.
func (d SourceDescriptor) Free() int64 {
	return d.QuotaLimit - d.QuotaUsed
}

// Fits reports whether an object of size bytes fits in the remaining quota.
func (d SourceDescriptor) Fits(size int64) bool {
	return d.Unlimited() || d.Free() >= size
}

// FileInfo describes one stored object.
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Hash         string    `json:"hash,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	URL          string    `json:"url,omitempty"`
}

// UnknownItemCount marks a FolderInfo whose backend cannot count children.
const UnknownItemCount = -1

// FolderInfo describes one folder.
type FolderInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	LastModified time.Time `json:"lastModified"`
	ItemCount    int       `json:"itemCount"`
}

// FolderListing is the content of one folder on one backend.
type FolderListing struct {
	Files      []FileInfo   `json:"files"`
	Folders    []FolderInfo `json:"folders"`
	TotalFiles int          `json:"totalFiles"`
	TotalSize  int64        `json:"totalSize"`
}

// NewFolderListing computes totals over files.
func NewFolderListing(files []FileInfo, folders []FolderInfo) *FolderListing {
	if files == nil {
		files = []FileInfo{}
	}
	if folders == nil {
		folders = []FolderInfo{}
	}
	l := &FolderListing{Files: files, Folders: folders, TotalFiles: len(files)}
	for _, f := range files {
		l.TotalSize += f.Size
	}
	return l
}

// UploadResult reports the outcome of one upload. On failure Path is empty
// and Error carries a readable message.
type UploadResult struct {
	Success  bool              `json:"success"`
	URL      string            `json:"url,omitempty"`
	Path     string            `json:"path,omitempty"`
	Error    string            `json:"error,omitempty"`
	Size     int64             `json:"size,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// SourceID is filled by the manager with the source that took the write.
	SourceID string `json:"sourceId,omitempty"`

	err error
}

// Err returns the typed cause of a failed upload.
func (r *UploadResult) Err() error {
	return r.err
}

// FailedUpload builds a failure result around err.
func FailedUpload(err error) *UploadResult {
	return &UploadResult{Success: false, Error: err.Error(), err: err}
}

// SourcedFile is a file tagged with the source that holds it.
type SourcedFile struct {
	FileInfo
	SourceID   string     `json:"sourceId"`
	SourceName string     `json:"sourceName"`
	SourceKind SourceKind `json:"sourceKind"`
}

// SourcedFolder is a folder tagged with the first source that reported it.
type SourcedFolder struct {
	FolderInfo
	SourceID   string `json:"sourceId"`
	SourceName string `json:"sourceName"`
}

const (
	SourceOnline = "online"
	SourceFailed = "error"
)

// SourceStatus is one source's part in a merged listing.
type SourceStatus struct {
	SourceID    string `json:"backendId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	FileCount   int    `json:"fileCount"`
	FolderCount int    `json:"folderCount"`
}

// MergedFolderView is the union of every source's listing for one path.
type MergedFolderView struct {
	Path           string          `json:"path"`
	Files          []SourcedFile   `json:"files"`
	Folders        []SourcedFolder `json:"folders"`
	TotalFiles     int             `json:"totalFiles"`
	TotalSize      int64           `json:"totalSize"`
	SourceStatus   []SourceStatus  `json:"sourceStatus"`
	SourcesQueried int             `json:"sourcesQueried"`
	SourcesOnline  int             `json:"sourcesOnline"`
}
