package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/foldersync"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/pool"
	"github.com/go-chi/chi/v5"
)

// DefaultMaxUploadSize bounds request bodies of PUT /api/files.
const DefaultMaxUploadSize = 512 << 20

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1024 * 1024

// RequestError carries the HTTP status for an error.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// StorageManager is the part of pool.Manager the API uses.
type StorageManager interface {
	Place(ctx context.Context, folder string, obj *interfaces.Object) *interfaces.UploadResult
	UploadTo(ctx context.Context, id, folder string, obj *interfaces.Object) *interfaces.UploadResult
	Download(ctx context.Context, path, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, path, id string, size int64) error
	TestAll(ctx context.Context) ([]pool.SourceHealth, error)
	TestSource(ctx context.Context, id string) (bool, error)
	Invalidate(ctx context.Context, id string)
	InvalidateAll(ctx context.Context)
}

// FolderSync is the part of foldersync.Engine the API uses.
type FolderSync interface {
	CreateFolder(ctx context.Context, path string) (*foldersync.Result, error)
	RenameFolder(ctx context.Context, from, to string) (*foldersync.Result, error)
	DeleteFolder(ctx context.Context, path string, recursive bool) (*foldersync.Result, error)
	MergeFolderContents(ctx context.Context, path string) (*interfaces.MergedFolderView, error)
}

// Handler serves the storage API.
type Handler struct {
	manager       StorageManager
	folders       FolderSync
	maxUploadSize int64
	log           *slog.Logger
}

func NewHandler(manager StorageManager, folders FolderSync, maxUploadSize int64, log *slog.Logger) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &Handler{
		manager:       manager,
		folders:       folders,
		maxUploadSize: maxUploadSize,
		log:           common.LoggerOrDefault(log),
	}
}

// statusFor maps the error taxonomy onto HTTP status codes. Backend
// credential and network failures are upstream problems, not the caller's.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrFolderNotEmpty):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, interfaces.ErrCapacityExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, interfaces.ErrNoSourceAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrAuthentication), errors.Is(err, interfaces.ErrTransientNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	} else {
		h.log.Debug("Request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeResult answers a folder fan-out: 200 when every source succeeded,
// 207 when some failed.
func (h *Handler) writeResult(w http.ResponseWriter, res *foldersync.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func requiredQuery(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", badRequest("missing %q query parameter", name)
	}
	return v, nil
}

// HandleSourcesHealth probes every source.
//
// GET /api/sources/health
func (h *Handler) HandleSourcesHealth(w http.ResponseWriter, r *http.Request) {
	results, err := h.manager.TestAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, results)
}

// HandleSourceTest probes one source.
//
// POST /api/sources/{id}/test
func (h *Handler) HandleSourceTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	online, err := h.manager.TestSource(r.Context(), id)
	resp := map[string]any{"id": id, "online": online}
	if err != nil {
		if errors.Is(err, interfaces.ErrSourceNotFound) {
			h.writeError(w, r, err)
			return
		}
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleSourceInvalidate drops the cached adapter of one source.
//
// POST /api/sources/{id}/invalidate
func (h *Handler) HandleSourceInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.manager.Invalidate(r.Context(), id)
	h.log.Info("Source cache invalidated", slog.String("id", id))
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "id": id})
}

// HandleSourcesInvalidate drops every cached adapter.
//
// POST /api/sources/invalidate
func (h *Handler) HandleSourcesInvalidate(w http.ResponseWriter, r *http.Request) {
	h.manager.InvalidateAll(r.Context())
	h.log.Info("All source caches invalidated")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// HandleListFolder returns the merged view of one folder.
//
// GET /api/folders?path=/docs
func (h *Handler) HandleListFolder(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	view, err := h.folders.MergeFolderContents(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type createFolderRequest struct {
	Path string `json:"path"`
}

// HandleCreateFolder creates a folder on every source.
//
// POST /api/folders {"path": "/docs"}
func (h *Handler) HandleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		h.writeError(w, r, badRequest("path is required"))
		return
	}
	res, err := h.folders.CreateFolder(r.Context(), req.Path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

type renameFolderRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// HandleRenameFolder renames a folder on every source.
//
// POST /api/folders/rename {"from": "/docs", "to": "/papers"}
func (h *Handler) HandleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req renameFolderRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.From == "" || req.To == "" {
		h.writeError(w, r, badRequest("from and to are required"))
		return
	}
	res, err := h.folders.RenameFolder(r.Context(), req.From, req.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// HandleDeleteFolder deletes a folder from every source.
//
// DELETE /api/folders?path=/docs&recursive=true
func (h *Handler) HandleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	p, err := requiredQuery(r, "path")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))
	res, err := h.folders.DeleteFolder(r.Context(), p, recursive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// HandleUpload stores the request body as one object. Without a source
// parameter the placement policy picks the source.
//
// PUT /api/files?folder=/docs&name=report.pdf[&source=id]
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	name, err := requiredQuery(r, "name")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = "/"
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: err})
			return
		}
		h.writeError(w, r, badRequest("failed to read request body: %v", err))
		return
	}

	obj := &interfaces.Object{
		Name:        name,
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	}

	var res *interfaces.UploadResult
	if source := r.URL.Query().Get("source"); source != "" {
		res = h.manager.UploadTo(r.Context(), source, folder, obj)
	} else {
		res = h.manager.Place(r.Context(), folder, obj)
	}

	status := http.StatusCreated
	if !res.Success {
		status = http.StatusInternalServerError
		if res.Err() != nil {
			status = statusFor(res.Err())
		}
	}
	h.writeJSON(w, status, res)
}

// HandleDownload streams one object.
//
// GET /api/files?path=/docs/report.pdf[&source=id]
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	p, err := requiredQuery(r, "path")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rc, err := h.manager.Download(r.Context(), p, r.URL.Query().Get("source"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("Download interrupted", slog.String("path", p), "err", err)
	}
}

// HandleDelete removes one object.
//
// DELETE /api/files?path=/docs/report.pdf[&source=id][&size=123]
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := requiredQuery(r, "path")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var size int64
	if s := r.URL.Query().Get("size"); s != "" {
		size, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, r, badRequest("invalid size: %v", err))
			return
		}
	}
	if err := h.manager.Delete(r.Context(), p, r.URL.Query().Get("source"), size); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": p})
}
