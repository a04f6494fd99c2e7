package foldersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/metrics"
	"github.com/codedogQBY/nimbus-sub000/pool"
	"github.com/codedogQBY/nimbus-sub000/storage"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds how many sources are contacted at once.
const DefaultMaxConcurrency = 8

// SourceProvider supplies the active sources in priority order.
type SourceProvider interface {
	Pool(ctx context.Context) ([]pool.Source, error)
}

// Action names what an operation did on one source.
type Action string

const (
	ActionCreated       Action = "created"
	ActionMoved         Action = "moved"
	ActionHealed        Action = "healed"
	ActionDeleted       Action = "deleted"
	ActionAlreadyAbsent Action = "already-absent"
)

// Outcome is the result of one folder operation on one source.
type Outcome struct {
	SourceID   string                `json:"sourceId"`
	SourceName string                `json:"sourceName"`
	Kind       interfaces.SourceKind `json:"kind"`
	Action     Action                `json:"action,omitempty"`
	Success    bool                  `json:"success"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`

	err error
}

// Err returns the error behind a failed outcome.
func (o Outcome) Err() error {
	return o.err
}

// Result collects the outcomes of one folder operation across all sources.
// Success is true only when every source succeeded. Successful sources are
// never rolled back when another one fails.
type Result struct {
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Success   bool      `json:"success"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Failed returns the outcomes that did not succeed.
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// Engine mirrors folder operations onto every active source. There is no
// lock across sources or callers; overlapping operations on the same path
// may interleave.
type Engine struct {
	sources        SourceProvider
	maxConcurrency int
	log            *slog.Logger
}

type Config struct {
	Sources        SourceProvider
	MaxConcurrency int
	Log            *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	return &Engine{
		sources:        cfg.Sources,
		maxConcurrency: limit,
		log:            common.LoggerOrDefault(cfg.Log),
	}
}

// fanOut runs fn on every source with bounded concurrency. Errors from fn
// become failed outcomes and never stop the other sources.
func (e *Engine) fanOut(ctx context.Context, op, p string, fn func(ctx context.Context, src pool.Source) (Action, error)) (*Result, error) {
	sources, err := e.sources.Pool(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sources: %w", err)
	}

	outcomes := make([]Outcome, len(sources))
	eg := new(errgroup.Group)
	eg.SetLimit(e.maxConcurrency)
	for i, src := range sources {
		eg.Go(func() error {
			action, err := fn(ctx, src)
			o := Outcome{
				SourceID:   src.Descriptor.ID,
				SourceName: src.Descriptor.Name,
				Kind:       src.Descriptor.Kind,
				Action:     action,
				Success:    err == nil,
				At:         time.Now(),
				err:        err,
			}
			if err != nil {
				o.Error = err.Error()
				e.log.Warn("Folder operation failed on source",
					slog.String("operation", op),
					slog.String("path", p),
					slog.String("source", src.Descriptor.ID),
					"err", err)
			}
			metrics.RecordFolderSync(op, string(action), err == nil)
			outcomes[i] = o
			return nil
		})
	}
	_ = eg.Wait()

	res := &Result{Operation: op, Path: p, Success: true, Outcomes: outcomes}
	for _, o := range outcomes {
		if !o.Success {
			res.Success = false
			break
		}
	}
	e.log.Info("Folder operation finished",
		slog.String("operation", op),
		slog.String("path", p),
		slog.Int("sources", len(sources)),
		slog.Int("failed", len(res.Failed())))
	return res, nil
}

// CreateFolder ensures p exists on every active source.
func (e *Engine) CreateFolder(ctx context.Context, p string) (*Result, error) {
	p = storage.CleanPath(p)
	if storage.IsRoot(p) {
		return nil, fmt.Errorf("%w: cannot create the root folder", interfaces.ErrConfiguration)
	}
	return e.fanOut(ctx, "create", p, func(ctx context.Context, src pool.Source) (Action, error) {
		return ActionCreated, storage.EnsureFolderPath(ctx, src.Adapter, p)
	})
}

// RenameFolder moves from to to on every source that has from. Sources that
// never held from get to created instead.
func (e *Engine) RenameFolder(ctx context.Context, from, to string) (*Result, error) {
	from, to = storage.CleanPath(from), storage.CleanPath(to)
	if storage.IsRoot(from) || storage.IsRoot(to) {
		return nil, fmt.Errorf("%w: cannot rename the root folder", interfaces.ErrConfiguration)
	}
	if err := storage.CheckFolderMove(from, to); err != nil {
		return nil, err
	}
	return e.fanOut(ctx, "rename", from, func(ctx context.Context, src pool.Source) (Action, error) {
		exists, err := src.Adapter.FolderExists(ctx, from)
		if err != nil {
			return ActionMoved, fmt.Errorf("checking folder %s: %w", from, err)
		}
		if !exists {
			return ActionHealed, storage.EnsureFolderPath(ctx, src.Adapter, to)
		}
		if parent := path.Dir(to); !storage.IsRoot(parent) {
			if err := storage.EnsureFolderPath(ctx, src.Adapter, parent); err != nil {
				return ActionMoved, err
			}
		}
		return ActionMoved, src.Adapter.MoveFolder(ctx, from, to)
	})
}

// DeleteFolder removes p from every source that has it. Sources without p
// succeed, so deleting an absent folder succeeds everywhere.
func (e *Engine) DeleteFolder(ctx context.Context, p string, recursive bool) (*Result, error) {
	p = storage.CleanPath(p)
	if storage.IsRoot(p) {
		return nil, fmt.Errorf("%w: cannot delete the root folder", interfaces.ErrPermission)
	}
	return e.fanOut(ctx, "delete", p, func(ctx context.Context, src pool.Source) (Action, error) {
		exists, err := src.Adapter.FolderExists(ctx, p)
		if err != nil {
			return ActionDeleted, fmt.Errorf("checking folder %s: %w", p, err)
		}
		if !exists {
			return ActionAlreadyAbsent, nil
		}
		err = src.Adapter.DeleteFolder(ctx, p, recursive)
		if errors.Is(err, interfaces.ErrNotFound) {
			return ActionAlreadyAbsent, nil
		}
		return ActionDeleted, err
	})
}

// MergeFolderContents lists p on every source and combines the results.
// Files are tagged with their source and never de-duplicated, so two files
// with the same name on different sources both appear. Folders are
// de-duplicated by path; the highest-priority source reporting a folder
// wins. A source without p contributes nothing and still counts as online.
func (e *Engine) MergeFolderContents(ctx context.Context, p string) (*interfaces.MergedFolderView, error) {
	p = storage.CleanPath(p)
	sources, err := e.sources.Pool(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sources: %w", err)
	}

	listings := make([]*interfaces.FolderListing, len(sources))
	errs := make([]error, len(sources))
	eg := new(errgroup.Group)
	eg.SetLimit(e.maxConcurrency)
	for i, src := range sources {
		eg.Go(func() error {
			listing, err := src.Adapter.ListFolder(ctx, p)
			if errors.Is(err, interfaces.ErrNotFound) {
				listing, err = nil, nil
			}
			if err == nil && listing == nil {
				listing = interfaces.NewFolderListing(nil, nil)
			}
			listings[i], errs[i] = listing, err
			metrics.RecordFolderSync("list", "", err == nil)
			return nil
		})
	}
	_ = eg.Wait()

	view := &interfaces.MergedFolderView{
		Path:           p,
		Files:          []interfaces.SourcedFile{},
		Folders:        []interfaces.SourcedFolder{},
		SourceStatus:   make([]interfaces.SourceStatus, 0, len(sources)),
		SourcesQueried: len(sources),
	}
	seen := make(map[string]bool)
	for i, src := range sources {
		d := src.Descriptor
		status := interfaces.SourceStatus{SourceID: d.ID, Name: d.Name}
		if errs[i] != nil {
			status.Status = interfaces.SourceFailed
			status.Error = errs[i].Error()
			view.SourceStatus = append(view.SourceStatus, status)
			e.log.Warn("Listing failed on source",
				slog.String("path", p),
				slog.String("source", d.ID),
				"err", errs[i])
			continue
		}

		listing := listings[i]
		status.Status = interfaces.SourceOnline
		status.FileCount = len(listing.Files)
		status.FolderCount = len(listing.Folders)
		view.SourceStatus = append(view.SourceStatus, status)
		view.SourcesOnline++

		for _, f := range listing.Files {
			view.Files = append(view.Files, interfaces.SourcedFile{
				FileInfo:   f,
				SourceID:   d.ID,
				SourceName: d.Name,
				SourceKind: d.Kind,
			})
			view.TotalSize += f.Size
		}
		for _, f := range listing.Folders {
			key := storage.CleanPath(f.Path)
			if seen[key] {
				continue
			}
			seen[key] = true
			view.Folders = append(view.Folders, interfaces.SourcedFolder{
				FolderInfo: f,
				SourceID:   d.ID,
				SourceName: d.Name,
			})
		}
	}
	view.TotalFiles = len(view.Files)
	return view, nil
}
