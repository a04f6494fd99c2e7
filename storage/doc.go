// Package storage implements interfaces.StorageAdapter for every supported
// backend and the factory that builds them from source descriptors.
//
// Supported kinds:
//
//   - r2: Cloudflare R2 or any S3-compatible endpoint, via aws-sdk-go
//   - minio, qiniu: MinIO and Qiniu Kodo S3 gateways, via minio-go
//   - telegram: documents posted to a chat through the Bot API
//   - github: files committed to a repository through the contents API
//   - custom: a templated HTTP sink
//   - local: a directory on the local file system, via afero
//   - ipfs: a Kubo node's mutable file system (MFS)
//   - memory: process memory, for development and tests
//
// # Paths
//
// Every adapter speaks logical slash paths rooted at "/" (see CleanPath).
// Object stores map them onto keys below an optional prefix and materialize
// empty folders with a ".folder" marker key; the GitHub adapter uses a
// ".gitkeep" file. Telegram and custom sinks have no tree at all: they
// report folders as absent, accept folder creation as a no-op and return a
// backend id instead of the logical path from Upload.
//
// # Configuration
//
// A descriptor's Config is a JSON object decoded into the kind's config
// struct:
//
//	{"kind": "r2", "config": {
//	    "accountId": "0123abcd",
//	    "accessKeyId": "...",
//	    "secretAccessKey": "...",
//	    "bucketName": "files",
//	    "customDomain": "https://cdn.example.com"
//	}}
//
// Constructors validate required fields and fail with an
// interfaces.ConfigError. Connect performs a reachability check.
//
// # Usage
//
//	factory := storage.NewFactory(logger).WithSecretResolver(vaultResolver)
//	adapter, err := factory.Build(ctx, descriptor)
//	if err != nil {
//	    return err
//	}
//	if err := adapter.Connect(ctx); err != nil {
//	    return err
//	}
//	if err := storage.EnsureFolderPath(ctx, adapter, "/projects/2024"); err != nil {
//	    return err
//	}
//	res, _ := adapter.Upload(ctx, "/projects/2024", &interfaces.Object{Name: "a.txt", Data: data})
package storage
