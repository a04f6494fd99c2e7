package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codedogQBY/nimbus-sub000/catalog"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/codedogQBY/nimbus-sub000/quota"
	"github.com/codedogQBY/nimbus-sub000/storage"
	"github.com/codedogQBY/nimbus-sub000/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticBuilder returns prebuilt adapters by descriptor id.
type staticBuilder struct {
	adapters map[string]interfaces.StorageAdapter
	errs     map[string]error
	builds   atomic.Int32
}

func (b *staticBuilder) Build(ctx context.Context, desc interfaces.SourceDescriptor) (interfaces.StorageAdapter, error) {
	b.builds.Add(1)
	if err := b.errs[desc.ID]; err != nil {
		return nil, err
	}
	a, ok := b.adapters[desc.ID]
	if !ok {
		return nil, errors.New("no adapter for " + desc.ID)
	}
	return a, nil
}

func desc(id string, priority int) interfaces.SourceDescriptor {
	return interfaces.SourceDescriptor{ID: id, Name: id, Kind: storage.KindMemory, Priority: priority, IsActive: true}
}

func memoryAdapter(id string) *storage.MemoryAdapter {
	return storage.NewMemoryAdapter(interfaces.SourceDescriptor{ID: id, Name: id}, testLogger())
}

func newTestManager(t *testing.T, store *catalog.MemoryStore, builder Builder) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Store:   store,
		Builder: builder,
		Ledger:  quota.NewLedger(store, testLogger()),
		Log:     testLogger(),
	})
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{Builder: &staticBuilder{}})
	assert.Error(t, err)
	_, err = NewManager(Config{Store: catalog.NewMemoryStore()})
	assert.Error(t, err)
}

func TestManager_PoolOrderAndBestAdapter(t *testing.T) {
	store := catalog.NewMemoryStore(desc("low", 10), desc("high", 90), desc("mid", 50))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{
		"low":  memoryAdapter("low"),
		"high": memoryAdapter("high"),
		"mid":  memoryAdapter("mid"),
	}}
	m := newTestManager(t, store, builder)

	sources, err := m.Pool(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, "high", sources[0].Descriptor.ID)
	assert.Equal(t, "mid", sources[1].Descriptor.ID)
	assert.Equal(t, "low", sources[2].Descriptor.ID)

	best, err := m.BestAdapter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "high", best.Descriptor.ID)

	// Adapters are cached by id.
	assert.Equal(t, int32(3), builder.builds.Load())
}

func TestManager_FailingSourceExcluded(t *testing.T) {
	failing := storagetest.NewMockAdapter("A", storage.KindMemory)
	failing.On("Connect", mock.Anything).Return(errors.New("bad credentials"))

	store := catalog.NewMemoryStore(desc("A", 90), desc("C", 70))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{
		"A": failing,
		"C": memoryAdapter("C"),
	}}
	m := newTestManager(t, store, builder)

	best, err := m.BestAdapter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "C", best.Descriptor.ID)

	sources, err := m.Pool(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "C", sources[0].Descriptor.ID)

	failures := m.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "A", failures[0].Descriptor.ID)
	assert.ErrorContains(t, failures[0].Err, "bad credentials")

	// A build error is excluded the same way.
	store.Put(desc("B", 80))
	builder.errs = map[string]error{"B": &interfaces.ConfigError{Kind: interfaces.KindR2, Field: "bucketName", Message: "required"}}
	sources, err = m.Pool(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Len(t, m.Failures(), 2)
}

func TestManager_UnreachableSourceBacksOff(t *testing.T) {
	hung := storagetest.NewMockAdapter("hung", storage.KindMemory)
	hung.On("Connect", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(errors.New("dial timeout"))

	store := catalog.NewMemoryStore(desc("hung", 90), desc("good", 50))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{
		"hung": hung,
		"good": memoryAdapter("good"),
	}}
	m, err := NewManager(Config{
		Store:         store,
		Builder:       builder,
		Log:           testLogger(),
		InitTimeout:   50 * time.Millisecond,
		RetryInterval: time.Hour,
	})
	require.NoError(t, err)
	clock := time.Now()
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	start := time.Now()
	best, err := m.BestAdapter(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good", best.Descriptor.ID)
	assert.Less(t, time.Since(start), 5*time.Second, "connect is bounded by the init timeout")
	hung.AssertNumberOfCalls(t, "Connect", 1)

	// Later calls skip the failed source without contacting it.
	for i := 0; i < 3; i++ {
		best, err = m.BestAdapter(ctx)
		require.NoError(t, err)
		assert.Equal(t, "good", best.Descriptor.ID)
	}
	hung.AssertNumberOfCalls(t, "Connect", 1)
	failures := m.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "hung", failures[0].Descriptor.ID)
	assert.ErrorContains(t, failures[0].Err, "dial timeout")

	// Once the backoff expires the source is tried again.
	clock = clock.Add(3 * time.Hour)
	_, err = m.Pool(ctx)
	require.NoError(t, err)
	hung.AssertNumberOfCalls(t, "Connect", 2)

	// Invalidate and an explicit probe both retry immediately.
	m.Invalidate(ctx, "hung")
	_, err = m.Pool(ctx)
	require.NoError(t, err)
	hung.AssertNumberOfCalls(t, "Connect", 3)

	ok, err := m.TestSource(ctx, "hung")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "dial timeout")
	hung.AssertNumberOfCalls(t, "Connect", 4)
}

func TestManager_CanceledCallerDoesNotMarkSourceBroken(t *testing.T) {
	a := storagetest.NewMockAdapter("a", storage.KindMemory)
	a.On("Connect", mock.Anything).Return(context.Canceled).Once()
	a.On("Connect", mock.Anything).Return(nil)

	store := catalog.NewMemoryStore(desc("a", 1))
	m := newTestManager(t, store, &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"a": a}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sources, err := m.Pool(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)

	sources, err = m.Pool(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	a.AssertNumberOfCalls(t, "Connect", 2)
}

func TestManager_NoSources(t *testing.T) {
	m := newTestManager(t, catalog.NewMemoryStore(), &staticBuilder{})

	_, err := m.BestAdapter(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoSourceAvailable)

	res := m.Upload(context.Background(), "/", &interfaces.Object{Name: "a.txt", Data: []byte("x")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), interfaces.ErrNoSourceAvailable)
}

func TestManager_ConcurrentFirstUseBuildsOnce(t *testing.T) {
	store := catalog.NewMemoryStore(desc("a", 1))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"a": memoryAdapter("a")}}
	m := newTestManager(t, store, builder)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.BestAdapter(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), builder.builds.Load())
}

func TestManager_UploadUpdatesQuota(t *testing.T) {
	store := catalog.NewMemoryStore(desc("a", 90), desc("b", 50))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{
		"a": memoryAdapter("a"),
		"b": memoryAdapter("b"),
	}}
	m := newTestManager(t, store, builder)
	ctx := context.Background()

	res := m.Upload(ctx, "/docs", &interfaces.Object{Name: "a.txt", Data: []byte("hello")})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "a", res.SourceID)
	assert.Equal(t, "/docs/a.txt", res.Path)

	res = m.UploadTo(ctx, "b", "/docs", &interfaces.Object{Name: "b.txt", Data: []byte("hi")})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "b", res.SourceID)

	a, _ := store.Get(ctx, "a")
	b, _ := store.Get(ctx, "b")
	assert.Equal(t, int64(5), a.QuotaUsed)
	assert.Equal(t, int64(2), b.QuotaUsed)

	rc, err := m.Download(ctx, "/docs/b.txt", "b")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "hi", string(data))

	info, err := m.Stat(ctx, "/docs/a.txt", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	// Unknown size is looked up before deleting.
	require.NoError(t, m.Delete(ctx, "/docs/a.txt", "", 0))
	a, _ = store.Get(ctx, "a")
	assert.Equal(t, int64(0), a.QuotaUsed)

	err = m.Delete(ctx, "/docs/a.txt", "a", 5)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestManager_UploadToUnknownSource(t *testing.T) {
	store := catalog.NewMemoryStore(desc("a", 90))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"a": memoryAdapter("a")}}
	m := newTestManager(t, store, builder)

	res := m.UploadTo(context.Background(), "ghost", "/", &interfaces.Object{Name: "a.txt", Data: []byte("x")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), interfaces.ErrSourceNotFound)
	assert.Contains(t, res.Error, "backend not found or inactive")

	err := m.Delete(context.Background(), "/a.txt", "ghost", 1)
	assert.ErrorIs(t, err, interfaces.ErrSourceNotFound)
}

func TestManager_UploadFailureInResult(t *testing.T) {
	a := storagetest.NewMockAdapter("a", storage.KindMemory)
	a.On("Connect", mock.Anything).Return(nil)
	a.On("Upload", mock.Anything, "/", mock.Anything).Return(nil, interfaces.ErrTransientNetwork)

	store := catalog.NewMemoryStore(desc("a", 90))
	m := newTestManager(t, store, &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"a": a}})

	res := m.Upload(context.Background(), "/", &interfaces.Object{Name: "x", Data: []byte("x")})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), interfaces.ErrTransientNetwork)
	assert.Equal(t, "a", res.SourceID)

	d, _ := store.Get(context.Background(), "a")
	assert.Equal(t, int64(0), d.QuotaUsed)
}

func TestManager_PlaceBulk(t *testing.T) {
	a := desc("A", 90)
	a.QuotaLimit, a.QuotaUsed = 300*mb, 100*mb
	b := desc("B", 70)
	b.QuotaLimit = 500 * mb

	adapterA := storagetest.NewMockAdapter("A", storage.KindMemory)
	adapterA.Caps = interfaces.Capabilities{Bulk: true}
	adapterA.On("Connect", mock.Anything).Return(nil)
	adapterA.On("Upload", mock.Anything, "/big", mock.Anything).
		Return(&interfaces.UploadResult{Success: true, Path: "/big/blob.bin", Size: 150 * mb}, nil)
	adapterB := storagetest.NewMockAdapter("B", storage.KindMemory)
	adapterB.On("Connect", mock.Anything).Return(nil)

	store := catalog.NewMemoryStore(a, b)
	m, err := NewManager(Config{
		Store:   store,
		Builder: &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"A": adapterA, "B": adapterB}},
		Ledger:  quota.NewLedger(store, testLogger()),
		Policy:  HeuristicPolicy{BulkThreshold: 100 * mb},
		Log:     testLogger(),
	})
	require.NoError(t, err)

	obj := &interfaces.Object{Name: "blob.bin", ContentType: "application/octet-stream", Data: make([]byte, 150*mb)}
	res := m.Place(context.Background(), "/big", obj)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "A", res.SourceID)
	adapterA.AssertExpectations(t)
	adapterB.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)

	got, _ := store.Get(context.Background(), "A")
	assert.Equal(t, 250*mb, got.QuotaUsed)
}

func TestManager_PlaceCapacityExhausted(t *testing.T) {
	a := desc("A", 90)
	a.QuotaLimit = 10
	store := catalog.NewMemoryStore(a)
	m := newTestManager(t, store, &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"A": memoryAdapter("A")}})

	res := m.Place(context.Background(), "/", &interfaces.Object{Name: "x", Data: make([]byte, 11)})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), interfaces.ErrCapacityExhausted)
}

func TestManager_TestAll(t *testing.T) {
	up := storagetest.NewMockAdapter("up", storage.KindMemory)
	up.On("Connect", mock.Anything).Return(nil)
	up.On("TestConnection", mock.Anything).Return(true)
	down := storagetest.NewMockAdapter("down", storage.KindMemory)
	down.On("Connect", mock.Anything).Return(nil)
	down.On("TestConnection", mock.Anything).Return(false)

	store := catalog.NewMemoryStore(desc("up", 3), desc("down", 2), desc("broken", 1))
	builder := &staticBuilder{
		adapters: map[string]interfaces.StorageAdapter{"up": up, "down": down},
		errs:     map[string]error{"broken": errors.New("unreachable")},
	}
	m := newTestManager(t, store, builder)

	results, err := m.TestAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]SourceHealth)
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.True(t, byID["up"].Online)
	assert.False(t, byID["down"].Online)
	assert.False(t, byID["broken"].Online)
	assert.Equal(t, "unreachable", byID["broken"].Error)

	ok, err := m.TestSource(context.Background(), "up")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.TestSource(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrSourceNotFound)
}

func TestManager_Invalidate(t *testing.T) {
	a := storagetest.NewMockAdapter("a", storage.KindMemory)
	a.On("Connect", mock.Anything).Return(nil)
	a.On("Disconnect", mock.Anything).Return(nil)
	b := storagetest.NewMockAdapter("b", storage.KindMemory)
	b.On("Connect", mock.Anything).Return(nil)
	b.On("Disconnect", mock.Anything).Return(errors.New("already closed"))

	store := catalog.NewMemoryStore(desc("a", 2), desc("b", 1))
	builder := &staticBuilder{adapters: map[string]interfaces.StorageAdapter{"a": a, "b": b}}
	m := newTestManager(t, store, builder)
	ctx := context.Background()

	_, err := m.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), builder.builds.Load())

	m.Invalidate(ctx, "a")
	a.AssertCalled(t, "Disconnect", mock.Anything)
	_, err = m.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), builder.builds.Load())

	m.Close(ctx)
	b.AssertCalled(t, "Disconnect", mock.Anything)
	_, err = m.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(5), builder.builds.Load())

	// Evicting an unknown id is a no-op.
	m.Invalidate(ctx, "nobody")
}
