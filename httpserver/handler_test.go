package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codedogQBY/nimbus-sub000/catalog"
	"github.com/codedogQBY/nimbus-sub000/foldersync"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/pool"
	"github.com/codedogQBY/nimbus-sub000/quota"
	"github.com/codedogQBY/nimbus-sub000/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *httptest.Server
	store  *catalog.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cdn := true
	store := catalog.NewMemoryStore(
		interfaces.SourceDescriptor{ID: "primary", Name: "Primary", Kind: storage.KindMemory, Priority: 90, IsActive: true},
		interfaces.SourceDescriptor{ID: "media", Name: "Media", Kind: storage.KindMemory, Priority: 50, IsActive: true, CDNCapable: &cdn},
		interfaces.SourceDescriptor{ID: "broken", Name: "Broken", Kind: "nonexistent", Priority: 10, IsActive: true},
	)

	manager, err := pool.NewManager(pool.Config{
		Store:   store,
		Builder: storage.NewFactory(logger),
		Ledger:  quota.NewLedger(store, logger),
		Log:     logger,
	})
	require.NoError(t, err)
	engine := foldersync.NewEngine(foldersync.Config{Sources: manager, Log: logger})

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(manager, engine, 1024, logger))
	require.NoError(t, err)

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/livez", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/drain", nil, "")
	assert.Equal(t, "draining", decode[map[string]string](t, resp)["status"])
	resp = env.do(t, http.MethodGet, "/drain", nil, "")
	assert.Equal(t, "already draining", decode[map[string]string](t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/undrain", nil, "")
	assert.Equal(t, "ready", decode[map[string]string](t, resp)["status"])
	resp = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSourcesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/sources/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[[]pool.SourceHealth](t, resp)
	require.Len(t, health, 3)
	byID := map[string]pool.SourceHealth{}
	for _, h := range health {
		byID[h.ID] = h
	}
	assert.True(t, byID["primary"].Online)
	assert.True(t, byID["media"].Online)
	assert.False(t, byID["broken"].Online)
	assert.Contains(t, byID["broken"].Error, "unknown source kind")

	resp = env.do(t, http.MethodPost, "/api/sources/primary/test", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, resp)["online"])

	resp = env.do(t, http.MethodPost, "/api/sources/broken/test", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, false, body["online"])
	assert.NotEmpty(t, body["error"])

	resp = env.do(t, http.MethodPost, "/api/sources/ghost/test", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sources/primary/invalidate", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/sources/invalidate", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFolderEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/folders", strings.NewReader(`{"path":"/docs/2024"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[foldersync.Result](t, resp)
	assert.True(t, res.Success)
	assert.Len(t, res.Outcomes, 2)

	resp = env.do(t, http.MethodGet, "/api/folders?path=/docs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[interfaces.MergedFolderView](t, resp)
	require.Len(t, view.Folders, 1)
	assert.Equal(t, "/docs/2024", view.Folders[0].Path)
	assert.Equal(t, "primary", view.Folders[0].SourceID)
	assert.Equal(t, 2, view.SourcesQueried)
	assert.Equal(t, 2, view.SourcesOnline)

	resp = env.do(t, http.MethodPost, "/api/folders/rename", strings.NewReader(`{"from":"/docs","to":"/papers"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[foldersync.Result](t, resp)
	for _, o := range res.Outcomes {
		assert.Equal(t, foldersync.ActionMoved, o.Action)
	}

	// A file on one source blocks a non-recursive delete there only.
	resp = env.do(t, http.MethodPut, "/api/files?folder=/papers/2024&name=a.txt&source=media", strings.NewReader("hello"), "text/plain")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/folders?path=/papers/2024", nil, "")
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	res = decode[foldersync.Result](t, resp)
	assert.False(t, res.Success)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, "media", res.Failed()[0].SourceID)

	resp = env.do(t, http.MethodDelete, "/api/folders?path=/papers/2024&recursive=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/folders", strings.NewReader(`{"path":""}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/folders", strings.NewReader(`not json`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/folders", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/folders?path=/", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFileEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// Images go to the CDN-capable source.
	resp := env.do(t, http.MethodPut, "/api/files?folder=/img&name=cat.png", bytes.NewReader([]byte("png!")), "image/png")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[interfaces.UploadResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, "media", res.SourceID)
	assert.Equal(t, "/img/cat.png", res.Path)

	// Other content goes to the highest priority source.
	resp = env.do(t, http.MethodPut, "/api/files?folder=/docs&name=a.txt", strings.NewReader("hello"), "text/plain")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res = decode[interfaces.UploadResult](t, resp)
	assert.Equal(t, "primary", res.SourceID)

	primary, err := env.store.Get(t.Context(), "primary")
	require.NoError(t, err)
	assert.Equal(t, int64(5), primary.QuotaUsed)

	resp = env.do(t, http.MethodGet, "/api/files?path=/img/cat.png&source=media", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png!", string(data))

	resp = env.do(t, http.MethodGet, "/api/files?path=/img/cat.png", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/files?path=/docs/a.txt", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	primary, err = env.store.Get(t.Context(), "primary")
	require.NoError(t, err)
	assert.Equal(t, int64(0), primary.QuotaUsed)

	resp = env.do(t, http.MethodDelete, "/api/files?path=/docs/a.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileEndpoints_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"upload without name", http.MethodPut, "/api/files?folder=/", "x", http.StatusBadRequest},
		{"upload to unknown source", http.MethodPut, "/api/files?name=a&source=ghost", "x", http.StatusNotFound},
		{"upload too large", http.MethodPut, "/api/files?name=big", strings.Repeat("x", 2048), http.StatusRequestEntityTooLarge},
		{"download without path", http.MethodGet, "/api/files", "", http.StatusBadRequest},
		{"delete with bad size", http.MethodDelete, "/api/files?path=/a&size=abc", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp := env.do(t, tt.method, tt.path, body, "application/octet-stream")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestUpload_CapacityExhausted(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"primary", "media"} {
		d, err := env.store.Get(t.Context(), id)
		require.NoError(t, err)
		d.QuotaLimit = 2
		env.store.Put(*d)
	}

	resp := env.do(t, http.MethodPut, "/api/files?name=a.txt", strings.NewReader("hello"), "text/plain")
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
	res := decode[interfaces.UploadResult](t, resp)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&interfaces.ConfigError{Kind: interfaces.KindR2, Field: "bucketName"}, http.StatusBadRequest},
		{interfaces.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", interfaces.ErrSourceNotFound), http.StatusNotFound},
		{interfaces.ErrPermission, http.StatusForbidden},
		{&interfaces.SourceError{Source: "a", Op: "delete-folder", Path: "/x", Err: interfaces.ErrFolderNotEmpty}, http.StatusConflict},
		{interfaces.Unsupported("tg", "delete"), http.StatusNotImplemented},
		{interfaces.ErrCapacityExhausted, http.StatusInsufficientStorage},
		{interfaces.ErrNoSourceAvailable, http.StatusServiceUnavailable},
		{interfaces.ErrAuthentication, http.StatusBadGateway},
		{interfaces.ErrTransientNetwork, http.StatusBadGateway},
		{badRequest("nope"), http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
