package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// CustomConfig configures a templated HTTP sink.
//
// DownloadURL may contain {filename}, {id} and {path}. BodyTemplate may
// contain {{file}} (base64 content), {{filename}} and {{timestamp}} (unix
// milliseconds); when it is empty the file is sent as a multipart form field
// named "file". ResponseURLPath and ResponseIDPath are dotted paths into the
// JSON response, e.g. "data.links.url" or "files.0.id".
type CustomConfig struct {
	UploadURL       string            `json:"uploadUrl"`
	DownloadURL     string            `json:"downloadUrl"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	BodyTemplate    string            `json:"bodyTemplate"`
	ResponseURLPath string            `json:"responseUrlPath"`
	ResponseIDPath  string            `json:"responseIdPath"`
}

// WebhookAdapter uploads files to an arbitrary HTTP endpoint described by
// templates. The endpoint is write-and-read only: it has no folders and no
// delete, move or copy.
//
// The path returned from Upload is the id found in the response, or the
// logical path when the response carries none. Download substitutes it into
// the download template.
type WebhookAdapter struct {
	sourceInfo
	client *http.Client
	cfg    CustomConfig
}

func NewWebhookAdapter(desc interfaces.SourceDescriptor, cfg CustomConfig, client *http.Client, log *slog.Logger) (*WebhookAdapter, error) {
	if err := requireFields(desc.Kind,
		"uploadUrl", cfg.UploadURL,
		"downloadUrl", cfg.DownloadURL); err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(cfg.UploadURL); err != nil {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "uploadUrl", Message: err.Error()}
	}

	cfg.Method = strings.ToUpper(cfg.Method)
	switch cfg.Method {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodPost, http.MethodPut:
	default:
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "method", Message: "must be POST or PUT"}
	}
	if cfg.ResponseURLPath == "" {
		cfg.ResponseURLPath = "url"
	}
	if cfg.ResponseIDPath == "" {
		cfg.ResponseIDPath = "id"
	}

	return &WebhookAdapter{
		sourceInfo: newSourceInfo(desc, log),
		client:     client,
		cfg:        cfg,
	}, nil
}

func (b *WebhookAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{VirtualFolders: true}
}

func (b *WebhookAdapter) Connect(ctx context.Context) error {
	return nil
}

func (b *WebhookAdapter) Disconnect(ctx context.Context) error {
	return nil
}

// TestConnection reports whether the upload endpoint answers at all. Any
// response below 500 counts, since sinks commonly reject HEAD.
func (b *WebhookAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.cfg.UploadURL, nil)
		if err != nil {
			return err
		}
		b.setHeaders(req)
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("upload endpoint answered %d", resp.StatusCode)
		}
		return nil
	})
}

func (b *WebhookAdapter) setHeaders(req *http.Request) {
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// jsonStringContent escapes s for use inside a JSON string literal.
func jsonStringContent(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted[1 : len(quoted)-1])
}

// renderBody builds the request body and its content type. Template values
// are placed inside JSON string literals, so the filename is escaped.
func (b *WebhookAdapter) renderBody(obj *interfaces.Object, now time.Time) (io.Reader, string, error) {
	if b.cfg.BodyTemplate != "" {
		body := strings.NewReplacer(
			"{{file}}", base64.StdEncoding.EncodeToString(obj.Data),
			"{{filename}}", jsonStringContent(obj.Name),
			"{{timestamp}}", strconv.FormatInt(now.UnixMilli(), 10),
		).Replace(b.cfg.BodyTemplate)
		return strings.NewReader(body), "application/json", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", obj.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(obj.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (b *WebhookAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	logical := joinPath(folder, obj.Name)

	body, contentType, err := b.renderBody(obj, start)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, b.cfg.Method, b.cfg.UploadURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return b.uploadFailed(logical, start, fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)), nil
	}
	defer resp.Body.Close()
	if mapped := interfaces.ErrorForStatus(resp.StatusCode); mapped != nil {
		return b.uploadFailed(logical, start, mapped), nil
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return b.uploadFailed(logical, start, fmt.Errorf("failed to decode response: %w", err)), nil
	}
	fileURL, ok := lookupJSONPath(decoded, b.cfg.ResponseURLPath)
	if !ok || fileURL == "" {
		return b.uploadFailed(logical, start, fmt.Errorf("response has no value at %q", b.cfg.ResponseURLPath)), nil
	}

	storedPath := logical
	if id, ok := lookupJSONPath(decoded, b.cfg.ResponseIDPath); ok && id != "" {
		storedPath = id
	}

	return b.uploaded(&interfaces.UploadResult{
		Success:  true,
		URL:      fileURL,
		Path:     storedPath,
		Size:     obj.Size(),
		Hash:     sha256Hex(obj.Data),
		Metadata: map[string]string{"logicalPath": logical},
	}, start), nil
}

// downloadURL fills the download template for a stored path.
func (b *WebhookAdapter) downloadURL(p string) string {
	return strings.NewReplacer(
		"{filename}", url.PathEscape(path.Base(p)),
		"{id}", url.PathEscape(strings.TrimPrefix(p, "/")),
		"{path}", strings.TrimPrefix(p, "/"),
	).Replace(b.cfg.DownloadURL)
}

func (b *WebhookAdapter) fetch(ctx context.Context, method, p string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.downloadURL(p), nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}
	if mapped := interfaces.ErrorForStatus(resp.StatusCode); mapped != nil {
		resp.Body.Close()
		return nil, mapped
	}
	return resp, nil
}

func (b *WebhookAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := b.fetch(ctx, http.MethodGet, p)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return resp.Body, nil
}

func (b *WebhookAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	resp, err := b.fetch(ctx, http.MethodHead, p)
	if err != nil {
		return nil, b.fail("stat", p, err)
	}
	resp.Body.Close()
	info := &interfaces.FileInfo{
		Name:        path.Base(p),
		Path:        p,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         b.downloadURL(p),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.LastModified = lm
	}
	return info, nil
}

func (b *WebhookAdapter) Delete(ctx context.Context, p string) error {
	return b.unsupported("delete")
}

func (b *WebhookAdapter) Move(ctx context.Context, from, to string) error {
	return b.unsupported("move")
}

func (b *WebhookAdapter) Copy(ctx context.Context, from, to string) error {
	return b.unsupported("copy")
}

func (b *WebhookAdapter) CreateFolder(ctx context.Context, p string) error {
	return nil
}

func (b *WebhookAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	return false, nil
}

func (b *WebhookAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	return interfaces.NewFolderListing(nil, nil), nil
}

func (b *WebhookAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	return b.unsupported("delete-folder")
}

func (b *WebhookAdapter) MoveFolder(ctx context.Context, from, to string) error {
	return b.unsupported("move-folder")
}

// lookupJSONPath walks a decoded JSON document along a dotted path. Numeric
// segments index arrays. Scalars are returned in their JSON text form.
func lookupJSONPath(doc any, dotted string) (string, bool) {
	current := doc
	for _, seg := range strings.Split(dotted, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			current = node[i]
		default:
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
