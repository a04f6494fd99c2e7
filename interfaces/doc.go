// Package interfaces defines the contracts and shared types of the storage
// virtualization layer, separating interface definitions from implementations.
//
// # Storage Interfaces
//
// StorageAdapter: the uniform contract every backend implements. It covers the
// connection lifecycle, object operations (upload, download, delete, stat,
// move, copy) and folder operations (create, delete, move, list, exists).
//
// AdapterConstructor: builds one adapter from a persisted SourceDescriptor and
// validates its configuration eagerly.
//
// # Collaborator Interfaces
//
// DescriptorStore: the catalog of configured sources.
//
// QuotaStore: persistence for the per-source usage counter.
//
// # Types
//
//   - SourceDescriptor: id, kind tag, opaque JSON config, priority, quota
//   - FileInfo, FolderInfo, FolderListing: single-backend views
//   - UploadResult: result-with-error shape returned by uploads
//   - MergedFolderView: the union of all sources' listings for one path
//
// # Errors
//
// Sentinel errors (ErrConfiguration, ErrAuthentication, ErrPermission,
// ErrNotFound, ErrCapacityExhausted, ErrUnsupportedOperation,
// ErrTransientNetwork) classify every backend failure and are matched with
// errors.Is. ConfigError and SourceError add context while unwrapping to them.
package interfaces
