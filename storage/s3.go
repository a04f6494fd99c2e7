package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// folderMarker is the zero-byte key object stores use to materialize an
// empty folder.
const folderMarker = ".folder"

// s3DeleteBatch is the S3 DeleteObjects limit.
const s3DeleteBatch = 1000

// R2Config configures an S3-compatible bucket. Cloudflare R2 is addressed by
// AccountID; any other S3 endpoint by Endpoint.
type R2Config struct {
	AccountID       string `json:"accountId"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	BucketName      string `json:"bucketName"`
	Region          string `json:"region"`
	CustomDomain    string `json:"customDomain"`
	Prefix          string `json:"prefix"`
}

// S3Adapter stores objects in an S3-compatible bucket using aws-sdk-go.
// Folders are simulated with marker keys.
type S3Adapter struct {
	sourceInfo
	client     *s3.S3
	bucketName string
	prefix     string
	endpoint   string
	publicURL  string
}

// NewS3Adapter validates cfg and creates the S3 client.
func NewS3Adapter(desc interfaces.SourceDescriptor, cfg R2Config, client *http.Client, log *slog.Logger) (*S3Adapter, error) {
	if err := requireFields(desc.Kind,
		"bucketName", cfg.BucketName,
		"accessKeyId", cfg.AccessKeyID,
		"secretAccessKey", cfg.SecretAccessKey); err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "accountId", Message: "or endpoint is required"}
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "endpoint", Message: err.Error()}
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg := &aws.Config{
		Region:           aws.String(region),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if client != nil {
		awsCfg.HTTPClient = client
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Message: fmt.Sprintf("failed to create AWS session: %v", err)}
	}

	return &S3Adapter{
		sourceInfo: newSourceInfo(desc, log),
		client:     s3.New(sess),
		bucketName: cfg.BucketName,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		publicURL:  strings.TrimSuffix(cfg.CustomDomain, "/"),
	}, nil
}

func (b *S3Adapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{
		Delete:   true,
		MoveCopy: true,
		Bulk:     true,
		CDN:      b.publicURL != "",
	}
}

// Connect verifies that the bucket is reachable with the configured credentials.
func (b *S3Adapter) Connect(ctx context.Context) error {
	if err := b.headBucket(ctx); err != nil {
		return b.fail("connect", "", err)
	}
	return nil
}

func (b *S3Adapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *S3Adapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, b.headBucket)
}

func (b *S3Adapter) headBucket(ctx context.Context) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucketName)})
	return s3Error(err)
}

func (b *S3Adapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)
	key := objectKey(b.prefix, p)

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(obj.Data),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if len(obj.Metadata) > 0 {
		input.Metadata = aws.StringMap(obj.Metadata)
	}

	out, err := b.client.PutObjectWithContext(ctx, input)
	if err != nil {
		return b.uploadFailed(p, start, s3Error(err)), nil
	}

	res := &interfaces.UploadResult{
		Success: true,
		URL:     b.objectURL(key),
		Path:    p,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
		Metadata: map[string]string{
			"bucket": b.bucketName,
			"key":    key,
		},
	}
	if out.ETag != nil {
		res.Metadata["etag"] = strings.Trim(*out.ETag, `"`)
	}
	return b.uploaded(res, start), nil
}

func (b *S3Adapter) objectURL(key string) string {
	if b.publicURL != "" {
		return b.publicURL + "/" + key
	}
	return b.endpoint + "/" + b.bucketName + "/" + key
}

func (b *S3Adapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey(b.prefix, p)),
	})
	err = s3Error(err)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return out.Body, nil
}

func (b *S3Adapter) Delete(ctx context.Context, p string) error {
	start := time.Now()
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey(b.prefix, p)),
	})
	err = s3Error(err)
	b.observe("delete", start, err)
	if err != nil {
		return b.fail("delete", p, err)
	}
	return nil
}

func (b *S3Adapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	key := objectKey(b.prefix, p)
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.fail("stat", p, s3Error(err))
	}
	return &interfaces.FileInfo{
		Name:         path.Base(key),
		Path:         CleanPath(p),
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
		Hash:         strings.Trim(aws.StringValue(out.ETag), `"`),
		ContentType:  aws.StringValue(out.ContentType),
		URL:          b.objectURL(key),
	}, nil
}

func (b *S3Adapter) Move(ctx context.Context, from, to string) error {
	if err := b.Copy(ctx, from, to); err != nil {
		return err
	}
	return b.Delete(ctx, from)
}

func (b *S3Adapter) Copy(ctx context.Context, from, to string) error {
	if err := b.copyKey(ctx, objectKey(b.prefix, from), objectKey(b.prefix, to)); err != nil {
		return b.fail("copy", from, err)
	}
	return nil
}

func (b *S3Adapter) copyKey(ctx context.Context, fromKey, toKey string) error {
	_, err := b.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucketName),
		Key:        aws.String(toKey),
		CopySource: aws.String(copySource(b.bucketName, fromKey)),
	})
	return s3Error(err)
}

func (b *S3Adapter) CreateFolder(ctx context.Context, p string) error {
	if IsRoot(p) {
		return nil
	}
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(folderKey(b.prefix, p) + folderMarker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return b.fail("create-folder", p, s3Error(err))
	}
	return nil
}

func (b *S3Adapter) FolderExists(ctx context.Context, p string) (bool, error) {
	if IsRoot(p) {
		return true, nil
	}
	out, err := b.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucketName),
		Prefix:  aws.String(folderKey(b.prefix, p)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return false, b.fail("folder-exists", p, s3Error(err))
	}
	return len(out.Contents) > 0, nil
}

// listKeys returns every key under the folder prefix.
func (b *S3Adapter) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	return keys, s3Error(err)
}

func (b *S3Adapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
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
	if err := b.deleteKeys(ctx, keys); err != nil {
		return b.fail("delete-folder", p, err)
	}
	return nil
}

func (b *S3Adapter) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), s3DeleteBatch)
		batch := make([]*s3.ObjectIdentifier, 0, n)
		for _, key := range keys[:n] {
			batch = append(batch, &s3.ObjectIdentifier{Key: aws.String(key)})
		}
		keys = keys[n:]

		out, err := b.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucketName),
			Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s3Error(err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects, first %s: %s",
				len(out.Errors), aws.StringValue(first.Key), aws.StringValue(first.Message))
		}
	}
	return nil
}

// MoveFolder copies every key under from to the same relative key under to,
// then deletes the originals. Object stores have no atomic rename.
func (b *S3Adapter) MoveFolder(ctx context.Context, from, to string) error {
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
	for _, key := range keys {
		if err := b.copyKey(ctx, key, relocate(key, fromKey, toKey)); err != nil {
			return b.fail("move-folder", from, err)
		}
	}
	if err := b.deleteKeys(ctx, keys); err != nil {
		return b.fail("move-folder", from, err)
	}
	return nil
}

func (b *S3Adapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	prefix := folderKey(b.prefix, p)
	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo

	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucketName),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, cp := range page.CommonPrefixes {
			dir := strings.TrimSuffix(aws.StringValue(cp.Prefix), "/")
			folders = append(folders, interfaces.FolderInfo{
				Name:      path.Base(dir),
				Path:      logicalPath(b.prefix, dir),
				ItemCount: interfaces.UnknownItemCount,
			})
		}
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if key == prefix || path.Base(key) == folderMarker {
				continue
			}
			files = append(files, interfaces.FileInfo{
				Name:         path.Base(key),
				Path:         logicalPath(b.prefix, key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
				Hash:         strings.Trim(aws.StringValue(obj.ETag), `"`),
				URL:          b.objectURL(key),
			})
		}
		return true
	})
	if err != nil {
		return nil, b.fail("list-folder", p, s3Error(err))
	}
	return interfaces.NewFolderListing(files, folders), nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// s3Error maps aws-sdk-go errors onto the error taxonomy.
func s3Error(err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%w: %v", interfaces.ErrNotFound, err)
		case s3.ErrCodeNoSuchBucket:
			return fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
		case "AccessDenied":
			return fmt.Errorf("%w: %v", interfaces.ErrPermission, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", interfaces.ErrAuthentication, err)
		case "RequestError", "RequestTimeout", "SlowDown":
			return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
		}
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		if mapped := interfaces.ErrorForStatus(reqErr.StatusCode()); mapped != nil {
			return fmt.Errorf("%w: %v", mapped, err)
		}
	}
	return err
}
