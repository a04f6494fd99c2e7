package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

// defaultMoveConcurrency bounds parallel copies during a folder move.
const defaultMoveConcurrency = 10

// MinIOConfig configures a self-hosted MinIO bucket.
type MinIOConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"useSSL"`
	Prefix    string `json:"prefix"`
}

// QiniuConfig configures a Qiniu Kodo bucket served through its S3-compatible
// regional endpoint. Objects are published through Domain.
type QiniuConfig struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Domain    string `json:"domain"`
	Endpoint  string `json:"endpoint"`
	UseHTTPS  bool   `json:"useHTTPS"`
	Prefix    string `json:"prefix"`
}

// MinIOAdapter stores objects through minio-go. It serves both self-hosted
// MinIO and regional CDN object storage; the latter publishes objects under
// a CDN domain.
type MinIOAdapter struct {
	sourceInfo
	client          *minio.Client
	bucket          string
	prefix          string
	baseURL         string
	cdn             bool
	moveConcurrency int
}

// NewMinIOAdapter validates cfg and creates a client for a self-hosted server.
func NewMinIOAdapter(desc interfaces.SourceDescriptor, cfg MinIOConfig, httpClient *http.Client, log *slog.Logger) (*MinIOAdapter, error) {
	if err := requireFields(desc.Kind,
		"endpoint", cfg.Endpoint,
		"accessKey", cfg.AccessKey,
		"secretKey", cfg.SecretKey,
		"bucket", cfg.Bucket); err != nil {
		return nil, err
	}

	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "endpoint", Message: err.Error()}
	}

	client, err := minio.New(host, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    secure,
		Transport: transportFor(httpClient),
	})
	if err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Message: fmt.Sprintf("failed to create minio client: %v", err)}
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &MinIOAdapter{
		sourceInfo:      newSourceInfo(desc, log),
		client:          client,
		bucket:          cfg.Bucket,
		prefix:          strings.Trim(cfg.Prefix, "/"),
		baseURL:         fmt.Sprintf("%s://%s/%s", scheme, host, cfg.Bucket),
		moveConcurrency: defaultMoveConcurrency,
	}, nil
}

// NewQiniuAdapter validates cfg and creates a client for the bucket's region.
func NewQiniuAdapter(desc interfaces.SourceDescriptor, cfg QiniuConfig, httpClient *http.Client, log *slog.Logger) (*MinIOAdapter, error) {
	if err := requireFields(desc.Kind,
		"accessKey", cfg.AccessKey,
		"secretKey", cfg.SecretKey,
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"domain", cfg.Domain); err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.qiniucs.com", cfg.Region)
	}
	host, _, err := splitEndpoint(endpoint, true)
	if err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "endpoint", Message: err.Error()}
	}

	client, err := minio.New(host, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    true,
		Region:    cfg.Region,
		Transport: transportFor(httpClient),
	})
	if err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Message: fmt.Sprintf("failed to create client: %v", err)}
	}

	domain := strings.TrimSuffix(cfg.Domain, "/")
	if !strings.Contains(domain, "://") {
		scheme := "http"
		if cfg.UseHTTPS {
			scheme = "https"
		}
		domain = scheme + "://" + domain
	}
	return &MinIOAdapter{
		sourceInfo:      newSourceInfo(desc, log),
		client:          client,
		bucket:          cfg.Bucket,
		prefix:          strings.Trim(cfg.Prefix, "/"),
		baseURL:         domain,
		cdn:             true,
		moveConcurrency: defaultMoveConcurrency,
	}, nil
}

// splitEndpoint accepts "host:port" or a full URL and returns the host and
// whether TLS is used.
func splitEndpoint(endpoint string, secure bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		if strings.ContainsAny(endpoint, "/ ") {
			return "", false, fmt.Errorf("invalid endpoint %q", endpoint)
		}
		return endpoint, secure, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

func (b *MinIOAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{
		Delete:   true,
		MoveCopy: true,
		Bulk:     true,
		CDN:      b.cdn,
	}
}

// Connect verifies that the bucket exists.
func (b *MinIOAdapter) Connect(ctx context.Context) error {
	if err := b.checkBucket(ctx); err != nil {
		return b.fail("connect", "", err)
	}
	return nil
}

func (b *MinIOAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *MinIOAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, b.checkBucket)
}

func (b *MinIOAdapter) checkBucket(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return minioError(err)
	}
	if !ok {
		return fmt.Errorf("%w: bucket %s does not exist", interfaces.ErrConfiguration, b.bucket)
	}
	return nil
}

func (b *MinIOAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)
	key := objectKey(b.prefix, p)

	info, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(obj.Data), obj.Size(), minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return b.uploadFailed(p, start, minioError(err)), nil
	}

	return b.uploaded(&interfaces.UploadResult{
		Success: true,
		URL:     b.baseURL + "/" + key,
		Path:    p,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
		Metadata: map[string]string{
			"bucket": b.bucket,
			"key":    key,
			"etag":   info.ETag,
		},
	}, start), nil
}

func (b *MinIOAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	key := objectKey(b.prefix, p)
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy; Stat surfaces a missing key before the caller reads.
		if _, err = obj.Stat(); err != nil {
			obj.Close()
		}
	}
	err = minioError(err)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return obj, nil
}

func (b *MinIOAdapter) Delete(ctx context.Context, p string) error {
	start := time.Now()
	err := minioError(b.client.RemoveObject(ctx, b.bucket, objectKey(b.prefix, p), minio.RemoveObjectOptions{}))
	b.observe("delete", start, err)
	if err != nil {
		return b.fail("delete", p, err)
	}
	return nil
}

func (b *MinIOAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	key := objectKey(b.prefix, p)
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, b.fail("stat", p, minioError(err))
	}
	return &interfaces.FileInfo{
		Name:         path.Base(key),
		Path:         CleanPath(p),
		Size:         info.Size,
		LastModified: info.LastModified,
		Hash:         info.ETag,
		ContentType:  info.ContentType,
		URL:          b.baseURL + "/" + key,
	}, nil
}

func (b *MinIOAdapter) Move(ctx context.Context, from, to string) error {
	if err := b.Copy(ctx, from, to); err != nil {
		return err
	}
	return b.Delete(ctx, from)
}

func (b *MinIOAdapter) Copy(ctx context.Context, from, to string) error {
	if err := b.copyKey(ctx, objectKey(b.prefix, from), objectKey(b.prefix, to)); err != nil {
		return b.fail("copy", from, err)
	}
	return nil
}

func (b *MinIOAdapter) copyKey(ctx context.Context, fromKey, toKey string) error {
	src := minio.CopySrcOptions{Bucket: b.bucket, Object: fromKey}
	dst := minio.CopyDestOptions{Bucket: b.bucket, Object: toKey}
	_, err := b.client.CopyObject(ctx, dst, src)
	return minioError(err)
}

func (b *MinIOAdapter) CreateFolder(ctx context.Context, p string) error {
	if IsRoot(p) {
		return nil
	}
	key := folderKey(b.prefix, p) + folderMarker
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return b.fail("create-folder", p, minioError(err))
	}
	return nil
}

func (b *MinIOAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	if IsRoot(p) {
		return true, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    folderKey(b.prefix, p),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, b.fail("folder-exists", p, minioError(obj.Err))
		}
		return true, nil
	}
	return false, nil
}

func (b *MinIOAdapter) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, minioError(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (b *MinIOAdapter) removeKeys(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	var first error
	for rmErr := range b.client.RemoveObjects(ctx, b.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rmErr.Err != nil && first == nil {
			first = fmt.Errorf("remove %s: %w", rmErr.ObjectName, minioError(rmErr.Err))
		}
	}
	return first
}

func (b *MinIOAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	if IsRoot(p) {
		return b.fail("delete-folder", p, fmt.Errorf("%w: cannot delete root", interfaces.ErrPermission))
	}
	prefix := folderKey(b.prefix, p)
	keys, err := b.listKeys(ctx, prefix)
	if err != nil {
		return b.fail("delete-folder", p, err)
	}
	if !recursive {
		for _, key := range keys {
			if key != prefix+folderMarker {
				return b.fail("delete-folder", p, interfaces.ErrFolderNotEmpty)
			}
		}
	}
	if err := b.removeKeys(ctx, keys); err != nil {
		return b.fail("delete-folder", p, err)
	}
	return nil
}

// MoveFolder copies every object under from in parallel, then removes the
// originals in one batch. It is not atomic: a failed copy leaves the source
// intact and a failed delete leaves objects at both paths.
func (b *MinIOAdapter) MoveFolder(ctx context.Context, from, to string) error {
	if err := CheckFolderMove(from, to); err != nil {
		return b.fail("move-folder", from, err)
	}
	fromKey, toKey := folderKey(b.prefix, from), folderKey(b.prefix, to)
	keys, err := b.listKeys(ctx, fromKey)
	if err != nil {
		return b.fail("move-folder", from, err)
	}
	if len(keys) == 0 {
		return b.fail("move-folder", from, interfaces.ErrNotFound)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.moveConcurrency)
	var copiedMu sync.Mutex
	copied := make([]string, 0, len(keys))
	for _, key := range keys {
		eg.Go(func() error {
			if err := b.copyKey(egCtx, key, relocate(key, fromKey, toKey)); err != nil {
				return fmt.Errorf("copy object %s: %w", key, err)
			}
			copiedMu.Lock()
			copied = append(copied, key)
			copiedMu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return b.fail("move-folder", from, err)
	}

	if err := b.removeKeys(ctx, copied); err != nil {
		return b.fail("move-folder", from, err)
	}
	return nil
}

func (b *MinIOAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	prefix := folderKey(b.prefix, p)
	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, b.fail("list-folder", p, minioError(obj.Err))
		}
		if strings.HasSuffix(obj.Key, "/") {
			dir := strings.TrimSuffix(obj.Key, "/")
			folders = append(folders, interfaces.FolderInfo{
				Name:      path.Base(dir),
				Path:      logicalPath(b.prefix, dir),
				ItemCount: interfaces.UnknownItemCount,
			})
			continue
		}
		if obj.Key == prefix || path.Base(obj.Key) == folderMarker {
			continue
		}
		files = append(files, interfaces.FileInfo{
			Name:         path.Base(obj.Key),
			Path:         logicalPath(b.prefix, obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			Hash:         obj.ETag,
			ContentType:  obj.ContentType,
			URL:          b.baseURL + "/" + obj.Key,
		})
	}
	return interfaces.NewFolderListing(files, folders), nil
}

// minioError maps minio-go errors onto the error taxonomy.
func minioError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %v", interfaces.ErrNotFound, err)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	case "AccessDenied":
		return fmt.Errorf("%w: %v", interfaces.ErrPermission, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %v", interfaces.ErrAuthentication, err)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}
	if mapped := interfaces.ErrorForStatus(resp.StatusCode); mapped != nil && resp.StatusCode != 0 {
		return fmt.Errorf("%w: %v", mapped, err)
	}
	return fmt.Errorf("minio: %w", err)
}
