package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Builder constructs an unconnected adapter for a descriptor.
type Builder interface {
	Build(ctx context.Context, desc interfaces.SourceDescriptor) (interfaces.StorageAdapter, error)
}

// UsageLedger records bytes written to and removed from a source.
type UsageLedger interface {
	Increment(ctx context.Context, id string, n int64) error
	Decrement(ctx context.Context, id string, n int64) error
}

// Source pairs a descriptor with its connected adapter.
type Source struct {
	Descriptor interfaces.SourceDescriptor
	Adapter    interfaces.StorageAdapter
}

// SourceFailure records a descriptor that could not be instantiated.
type SourceFailure struct {
	Descriptor interfaces.SourceDescriptor
	Err        error
}

// SourceHealth is the result of probing one source.
type SourceHealth struct {
	ID     string                `json:"id"`
	Name   string                `json:"name"`
	Kind   interfaces.SourceKind `json:"kind"`
	Online bool                  `json:"online"`
	Error  string                `json:"error,omitempty"`
}

const (
	// DefaultInitTimeout bounds building and connecting one source.
	DefaultInitTimeout = 15 * time.Second
	// DefaultRetryInterval is the first wait before a failed source is
	// initialized again. Later failures double it up to maxRetryInterval.
	DefaultRetryInterval = 5 * time.Second

	maxRetryInterval = 5 * time.Minute
)

// Config configures a Manager.
type Config struct {
	Store   interfaces.DescriptorStore
	Builder Builder
	// Ledger is optional; without it quota counters are not maintained.
	Ledger UsageLedger
	// Policy defaults to HeuristicPolicy with DefaultBulkThreshold.
	Policy PlacementPolicy
	Log    *slog.Logger

	InitTimeout   time.Duration
	RetryInterval time.Duration
}

// initFailure remembers a source that failed to initialize so that Pool
// does not wait on it again before retryAt.
type initFailure struct {
	err     error
	retryAt time.Time
	backoff *backoff.ExponentialBackOff
}

// Manager holds the adapters of all active sources and routes object
// operations to them.
//
// Adapters are built lazily on first use and cached by descriptor id for
// the lifetime of the manager. Concurrent first use of one id builds a single
// adapter. Descriptor edits are not detected; call Invalidate or
// InvalidateAll after changing a descriptor.
type Manager struct {
	store   interfaces.DescriptorStore
	builder Builder
	ledger  UsageLedger
	policy  PlacementPolicy
	log     *slog.Logger

	initTimeout   time.Duration
	retryInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	adapters map[string]interfaces.StorageAdapter
	broken   map[string]*initFailure
	failures []SourceFailure
	inflight singleflight.Group
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("pool: descriptor store is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("pool: adapter builder is required")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = HeuristicPolicy{BulkThreshold: DefaultBulkThreshold}
	}
	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Manager{
		store:         cfg.Store,
		builder:       cfg.Builder,
		ledger:        cfg.Ledger,
		policy:        policy,
		log:           common.LoggerOrDefault(cfg.Log),
		initTimeout:   initTimeout,
		retryInterval: retryInterval,
		now:           time.Now,
		adapters:      make(map[string]interfaces.StorageAdapter),
		broken:        make(map[string]*initFailure),
	}, nil
}

// sortByPriority orders descriptors by descending priority. Ties are broken
// by name and then id so the order is deterministic.
func sortByPriority(descs []interfaces.SourceDescriptor) {
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority > descs[j].Priority
		}
		if descs[i].Name != descs[j].Name {
			return descs[i].Name < descs[j].Name
		}
		return descs[i].ID < descs[j].ID
	})
}

// Pool returns the active sources in descending priority order. Sources that
// fail to build or connect are left out and recorded in Failures. A failed
// source is not retried until its backoff expires or it is invalidated, so
// an unreachable backend delays at most one Pool call per retry interval.
func (m *Manager) Pool(ctx context.Context) ([]Source, error) {
	descs, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active sources: %w", err)
	}
	sortByPriority(descs)

	adapters := make([]interfaces.StorageAdapter, len(descs))
	errs := make([]error, len(descs))
	var eg errgroup.Group
	for i, desc := range descs {
		eg.Go(func() error {
			adapters[i], errs[i] = m.adapter(ctx, desc)
			return nil
		})
	}
	_ = eg.Wait()

	sources := make([]Source, 0, len(descs))
	var failures []SourceFailure
	for i, desc := range descs {
		if errs[i] != nil {
			failures = append(failures, SourceFailure{Descriptor: desc, Err: errs[i]})
			continue
		}
		sources = append(sources, Source{Descriptor: desc, Adapter: adapters[i]})
	}

	m.mu.Lock()
	m.failures = failures
	m.mu.Unlock()
	metrics.SetPoolSize(len(sources))

	return sources, nil
}

// Failures returns the sources excluded from the most recent Pool call.
func (m *Manager) Failures() []SourceFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SourceFailure(nil), m.failures...)
}

// adapter returns the cached adapter for desc, building and connecting it on
// first use. While a previous failure is backing off its error is returned
// without contacting the backend.
func (m *Manager) adapter(ctx context.Context, desc interfaces.SourceDescriptor) (interfaces.StorageAdapter, error) {
	m.mu.Lock()
	if a, ok := m.adapters[desc.ID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	if f, ok := m.broken[desc.ID]; ok && m.now().Before(f.retryAt) {
		m.mu.Unlock()
		return nil, f.err
	}
	m.mu.Unlock()

	v, err, _ := m.inflight.Do(desc.ID, func() (any, error) {
		m.mu.Lock()
		if a, ok := m.adapters[desc.ID]; ok {
			m.mu.Unlock()
			return a, nil
		}
		m.mu.Unlock()

		start := time.Now()
		initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
		defer cancel()
		a, err := m.builder.Build(initCtx, desc)
		if err == nil {
			if err = a.Connect(initCtx); err != nil {
				err = fmt.Errorf("connecting: %w", err)
			}
		}
		if err != nil {
			metrics.RecordSourceInitFailure(string(desc.Kind))
			// A caller that gave up says nothing about the source.
			if ctx.Err() == nil {
				retryIn := m.markBroken(desc.ID, err)
				m.log.Warn("Failed to initialize storage source",
					slog.String("id", desc.ID),
					slog.String("name", desc.Name),
					slog.String("kind", string(desc.Kind)),
					slog.Duration("retryIn", retryIn),
					"err", err)
			}
			return nil, err
		}

		m.mu.Lock()
		m.adapters[desc.ID] = a
		delete(m.broken, desc.ID)
		m.mu.Unlock()
		m.log.Info("Storage source initialized",
			slog.String("id", desc.ID),
			slog.String("name", desc.Name),
			slog.String("kind", string(desc.Kind)),
			slog.Duration("duration", time.Since(start)))
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(interfaces.StorageAdapter), nil
}

// markBroken records a failed initialization and returns how long the source
// is skipped.
func (m *Manager) markBroken(id string, err error) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.broken[id]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.retryInterval
		b.MaxInterval = maxRetryInterval
		b.MaxElapsedTime = 0
		b.Reset()
		f = &initFailure{backoff: b}
		m.broken[id] = f
	}
	wait := f.backoff.NextBackOff()
	f.err = err
	f.retryAt = m.now().Add(wait)
	return wait
}

// BestAdapter returns the highest-priority source that instantiated.
func (m *Manager) BestAdapter(ctx context.Context) (*Source, error) {
	sources, err := m.Pool(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, interfaces.ErrNoSourceAvailable
	}
	return &sources[0], nil
}

// Source returns one source from the pool by id.
func (m *Manager) Source(ctx context.Context, id string) (*Source, error) {
	sources, err := m.Pool(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		if sources[i].Descriptor.ID == id {
			return &sources[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", interfaces.ErrSourceNotFound, id)
}

// target resolves an optional source id: empty means the best source.
func (m *Manager) target(ctx context.Context, id string) (*Source, error) {
	if id == "" {
		return m.BestAdapter(ctx)
	}
	return m.Source(ctx, id)
}

// Upload writes obj into folder on the best source.
func (m *Manager) Upload(ctx context.Context, folder string, obj *interfaces.Object) *interfaces.UploadResult {
	src, err := m.BestAdapter(ctx)
	if err != nil {
		return interfaces.FailedUpload(err)
	}
	return m.uploadVia(ctx, src, folder, obj)
}

// UploadTo writes obj into folder on the source with the given id.
func (m *Manager) UploadTo(ctx context.Context, id, folder string, obj *interfaces.Object) *interfaces.UploadResult {
	src, err := m.Source(ctx, id)
	if err != nil {
		return interfaces.FailedUpload(err)
	}
	return m.uploadVia(ctx, src, folder, obj)
}

// Place writes obj into folder on the source chosen by the placement policy.
func (m *Manager) Place(ctx context.Context, folder string, obj *interfaces.Object) *interfaces.UploadResult {
	if obj == nil {
		return interfaces.FailedUpload(errors.New("nil object"))
	}
	sources, err := m.Pool(ctx)
	if err != nil {
		return interfaces.FailedUpload(err)
	}
	if len(sources) == 0 {
		return interfaces.FailedUpload(interfaces.ErrNoSourceAvailable)
	}
	src, err := m.policy.Place(PlacementRequest{Size: obj.Size(), ContentType: obj.ContentType}, sources)
	if err != nil {
		return interfaces.FailedUpload(err)
	}
	m.log.Debug("Placement decided",
		slog.String("source", src.Descriptor.ID),
		slog.Int64("size", obj.Size()),
		slog.String("contentType", obj.ContentType))
	return m.uploadVia(ctx, src, folder, obj)
}

func (m *Manager) uploadVia(ctx context.Context, src *Source, folder string, obj *interfaces.Object) *interfaces.UploadResult {
	res, err := src.Adapter.Upload(ctx, folder, obj)
	if err != nil {
		res = interfaces.FailedUpload(err)
	}
	res.SourceID = src.Descriptor.ID
	if !res.Success {
		return res
	}

	if m.ledger != nil {
		if err := m.ledger.Increment(ctx, src.Descriptor.ID, res.Size); err != nil {
			m.log.Error("Failed to record quota usage",
				slog.String("source", src.Descriptor.ID),
				slog.Int64("size", res.Size),
				"err", err)
		}
	}
	return res
}

// Download opens the object at path. An empty id targets the best source.
func (m *Manager) Download(ctx context.Context, path, id string) (io.ReadCloser, error) {
	src, err := m.target(ctx, id)
	if err != nil {
		return nil, err
	}
	return src.Adapter.Download(ctx, path)
}

// Stat returns object metadata. An empty id targets the best source.
func (m *Manager) Stat(ctx context.Context, path, id string) (*interfaces.FileInfo, error) {
	src, err := m.target(ctx, id)
	if err != nil {
		return nil, err
	}
	return src.Adapter.Stat(ctx, path)
}

// Delete removes the object at path and releases size bytes of quota. When
// size is not positive the object is stat'ed first; if that fails the
// delete proceeds without adjusting the quota.
func (m *Manager) Delete(ctx context.Context, path, id string, size int64) error {
	src, err := m.target(ctx, id)
	if err != nil {
		return err
	}

	if size <= 0 && m.ledger != nil {
		if info, err := src.Adapter.Stat(ctx, path); err == nil {
			size = info.Size
		} else {
			m.log.Debug("Size unknown before delete", slog.String("path", path), "err", err)
		}
	}

	if err := src.Adapter.Delete(ctx, path); err != nil {
		return err
	}

	if m.ledger != nil && size > 0 {
		if err := m.ledger.Decrement(ctx, src.Descriptor.ID, size); err != nil {
			m.log.Error("Failed to release quota usage",
				slog.String("source", src.Descriptor.ID),
				slog.Int64("size", size),
				"err", err)
		}
	}
	return nil
}

// TestAll probes every active source concurrently. Sources that failed to
// instantiate are reported offline with their error.
func (m *Manager) TestAll(ctx context.Context) ([]SourceHealth, error) {
	sources, err := m.Pool(ctx)
	if err != nil {
		return nil, err
	}
	failures := m.Failures()

	results := make([]SourceHealth, len(sources), len(sources)+len(failures))
	var wg sync.WaitGroup
	for i, src := range sources {
		results[i] = SourceHealth{ID: src.Descriptor.ID, Name: src.Descriptor.Name, Kind: src.Descriptor.Kind}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i].Online = src.Adapter.TestConnection(ctx)
			if !results[i].Online {
				results[i].Error = "connection test failed"
			}
		}()
	}
	wg.Wait()

	for _, f := range failures {
		results = append(results, SourceHealth{
			ID:     f.Descriptor.ID,
			Name:   f.Descriptor.Name,
			Kind:   f.Descriptor.Kind,
			Online: false,
			Error:  f.Err.Error(),
		})
	}
	return results, nil
}

// TestSource probes one source. A source that cannot be instantiated reports
// false together with the reason. An explicit test skips any pending
// backoff and initializes the source again.
func (m *Manager) TestSource(ctx context.Context, id string) (bool, error) {
	desc, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	delete(m.broken, id)
	m.mu.Unlock()
	a, err := m.adapter(ctx, *desc)
	if err != nil {
		return false, err
	}
	return a.TestConnection(ctx), nil
}

// Invalidate evicts and disconnects the cached adapter for id and forgets
// any recorded initialization failure.
func (m *Manager) Invalidate(ctx context.Context, id string) {
	m.mu.Lock()
	a, ok := m.adapters[id]
	delete(m.adapters, id)
	delete(m.broken, id)
	m.mu.Unlock()
	if ok {
		m.disconnect(ctx, id, a)
	}
}

// InvalidateAll evicts and disconnects every cached adapter.
func (m *Manager) InvalidateAll(ctx context.Context) {
	m.mu.Lock()
	evicted := m.adapters
	m.adapters = make(map[string]interfaces.StorageAdapter)
	m.broken = make(map[string]*initFailure)
	m.mu.Unlock()
	for id, a := range evicted {
		m.disconnect(ctx, id, a)
	}
}

// Close disconnects every adapter. The manager remains usable and rebuilds
// adapters on demand.
func (m *Manager) Close(ctx context.Context) {
	m.InvalidateAll(ctx)
}

func (m *Manager) disconnect(ctx context.Context, id string, a interfaces.StorageAdapter) {
	if err := a.Disconnect(ctx); err != nil {
		m.log.Warn("Failed to disconnect storage source", slog.String("id", id), "err", err)
		return
	}
	m.log.Debug("Storage source evicted", slog.String("id", id))
}
