// Package storagetest provides test doubles for interfaces.StorageAdapter.
package storagetest

import (
	"context"
	"io"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockAdapter implements interfaces.StorageAdapter with testify/mock.
// Name, Kind and Capabilities are plain fields so tests only set
// expectations for the calls they care about.
type MockAdapter struct {
	mock.Mock
	AdapterName string
	AdapterKind interfaces.SourceKind
	Caps        interfaces.Capabilities
}

// NewMockAdapter creates a mock with the given name and kind.
func NewMockAdapter(name string, kind interfaces.SourceKind) *MockAdapter {
	return &MockAdapter{AdapterName: name, AdapterKind: kind}
}

func (m *MockAdapter) Kind() interfaces.SourceKind {
	return m.AdapterKind
}

func (m *MockAdapter) Name() string {
	return m.AdapterName
}

func (m *MockAdapter) Capabilities() interfaces.Capabilities {
	return m.Caps
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAdapter) Disconnect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAdapter) TestConnection(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	args := m.Called(ctx, folder, obj)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.UploadResult), args.Error(1)
}

func (m *MockAdapter) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockAdapter) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockAdapter) Stat(ctx context.Context, path string) (*interfaces.FileInfo, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.FileInfo), args.Error(1)
}

func (m *MockAdapter) Move(ctx context.Context, from, to string) error {
	args := m.Called(ctx, from, to)
	return args.Error(0)
}

func (m *MockAdapter) Copy(ctx context.Context, from, to string) error {
	args := m.Called(ctx, from, to)
	return args.Error(0)
}

func (m *MockAdapter) CreateFolder(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockAdapter) DeleteFolder(ctx context.Context, path string, recursive bool) error {
	args := m.Called(ctx, path, recursive)
	return args.Error(0)
}

func (m *MockAdapter) MoveFolder(ctx context.Context, from, to string) error {
	args := m.Called(ctx, from, to)
	return args.Error(0)
}

func (m *MockAdapter) ListFolder(ctx context.Context, path string) (*interfaces.FolderListing, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.FolderListing), args.Error(1)
}

func (m *MockAdapter) FolderExists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

var _ interfaces.StorageAdapter = (*MockAdapter)(nil)
