package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/metrics"
)

// sourceInfo carries what every adapter shares: its identity, logger and the
// helpers that wrap errors and record metrics in the same way.
type sourceInfo struct {
	name string
	kind interfaces.SourceKind
	log  *slog.Logger
}

func newSourceInfo(desc interfaces.SourceDescriptor, log *slog.Logger) sourceInfo {
	name := desc.Name
	if name == "" {
		name = desc.ID
	}
	log = common.LoggerOrDefault(log).With(
		slog.String("source", name),
		slog.String("kind", string(desc.Kind)))
	return sourceInfo{name: name, kind: desc.Kind, log: log}
}

func (s sourceInfo) Name() string {
	return s.name
}

func (s sourceInfo) Kind() interfaces.SourceKind {
	return s.kind
}

// fail wraps err with the source, operation and path.
func (s sourceInfo) fail(op, p string, err error) error {
	var srcErr *interfaces.SourceError
	if errors.As(err, &srcErr) && srcErr.Source == s.name {
		return err
	}
	return &interfaces.SourceError{Source: s.name, Op: op, Path: p, Err: err}
}

func (s sourceInfo) unsupported(op string) error {
	return interfaces.Unsupported(s.name, op)
}

// observe records the duration and outcome of one backend call.
func (s sourceInfo) observe(op string, start time.Time, err error) {
	metrics.RecordAdapterOperation(string(s.kind), op, time.Since(start), err == nil)
}

// uploadFailed logs and converts err into a failed UploadResult.
func (s sourceInfo) uploadFailed(p string, start time.Time, err error) *interfaces.UploadResult {
	err = s.fail("upload", p, err)
	s.observe("upload", start, err)
	s.log.Error("Upload failed",
		slog.String("path", p),
		"err", err,
		slog.Duration("duration", time.Since(start)))
	return interfaces.FailedUpload(err)
}

// uploaded logs and records a successful upload.
func (s sourceInfo) uploaded(res *interfaces.UploadResult, start time.Time) *interfaces.UploadResult {
	s.observe("upload", start, nil)
	metrics.RecordUpload(string(s.kind), res.Size)
	s.log.Debug("Uploaded object",
		slog.String("path", res.Path),
		slog.Int64("size", res.Size),
		slog.Duration("duration", time.Since(start)))
	return res
}

// probe runs fn and converts panics and errors into false.
func (s sourceInfo) probe(ctx context.Context, fn func(ctx context.Context) error) (ok bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Connection test panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	err := fn(ctx)
	s.observe("test", start, err)
	if err != nil {
		s.log.Warn("Connection test failed", "err", err)
		return false
	}
	return true
}

// decodeConfig decodes a descriptor's JSON configuration into out. Unknown
// fields are ignored so that catalogs may carry settings for other versions.
func decodeConfig(kind interfaces.SourceKind, raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &interfaces.ConfigError{Kind: kind, Message: "configuration is empty"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &interfaces.ConfigError{Kind: kind, Message: fmt.Sprintf("malformed configuration: %v", err)}
	}
	return nil
}

// requireFields returns a ConfigError naming the first empty field. Fields
// are given as alternating name, value pairs.
func requireFields(kind interfaces.SourceKind, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return interfaces.MissingField(kind, pairs[i])
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound)
}

// transportFor returns a RoundTripper that enforces client's timeout, for
// SDKs that accept a transport but not an *http.Client.
func transportFor(client *http.Client) http.RoundTripper {
	if client == nil {
		return http.DefaultTransport
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if client.Timeout <= 0 {
		return base
	}
	return &timeoutTransport{base: base, timeout: client.Timeout}
}

// timeoutTransport bounds each request, including reading its body, by timeout.
type timeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *timeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
