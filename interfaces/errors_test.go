package interfaces

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorForStatus(t *testing.T) {
	tests := map[int]error{
		http.StatusOK:                    nil,
		http.StatusFound:                 nil,
		http.StatusUnauthorized:          ErrAuthentication,
		http.StatusForbidden:             ErrPermission,
		http.StatusNotFound:              ErrNotFound,
		http.StatusRequestEntityTooLarge: ErrCapacityExhausted,
		http.StatusInsufficientStorage:   ErrCapacityExhausted,
		http.StatusTooManyRequests:       ErrTransientNetwork,
		http.StatusRequestTimeout:        ErrTransientNetwork,
		http.StatusBadGateway:            ErrTransientNetwork,
	}
	for code, want := range tests {
		got := ErrorForStatus(code)
		if want == nil {
			assert.NoError(t, got, "status %d", code)
			continue
		}
		assert.ErrorIs(t, got, want, "status %d", code)
	}

	err := ErrorForStatus(http.StatusTeapot)
	require.Error(t, err)
	assert.Equal(t, "unexpected status 418", err.Error())
}

func TestConfigError(t *testing.T) {
	err := MissingField(KindR2, "bucketName")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "invalid source configuration: r2: bucketName is required", err.Error())

	err = &ConfigError{Kind: "dropbox", Message: `unknown source kind "dropbox"`}
	assert.Equal(t, `invalid source configuration: dropbox: unknown source kind "dropbox"`, err.Error())
}

func TestSourceError(t *testing.T) {
	err := error(&SourceError{Source: "r2-main", Op: "download", Path: "/a.txt", Err: ErrNotFound})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "r2-main download /a.txt: not found", err.Error())

	err = Unsupported("telegram", "delete")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Equal(t, "telegram delete: operation not supported by backend", err.Error())

	var srcErr *SourceError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, "delete", srcErr.Op)
}

func TestSourceDescriptorQuota(t *testing.T) {
	const mb = 1 << 20

	unlimited := SourceDescriptor{QuotaUsed: 900 * mb}
	assert.True(t, unlimited.Unlimited())
	assert.True(t, unlimited.Fits(1<<40))

	limited := SourceDescriptor{QuotaLimit: 300 * mb, QuotaUsed: 100 * mb}
	assert.False(t, limited.Unlimited())
	assert.Equal(t, int64(200*mb), limited.Free())
	assert.True(t, limited.Fits(150*mb))
	assert.True(t, limited.Fits(200*mb))
	assert.False(t, limited.Fits(200*mb+1))

	drifted := SourceDescriptor{QuotaLimit: 100, QuotaUsed: 150}
	assert.Equal(t, int64(-50), drifted.Free())
	assert.False(t, drifted.Fits(0))
}

func TestNewFolderListing(t *testing.T) {
	listing := NewFolderListing([]FileInfo{{Size: 100}, {Size: 20}}, nil)
	assert.Equal(t, 2, listing.TotalFiles)
	assert.Equal(t, int64(120), listing.TotalSize)
	assert.NotNil(t, listing.Folders)

	empty := NewFolderListing(nil, nil)
	assert.NotNil(t, empty.Files)
	assert.Zero(t, empty.TotalSize)
}

func TestUploadResult(t *testing.T) {
	res := FailedUpload(ErrCapacityExhausted)
	assert.False(t, res.Success)
	assert.Empty(t, res.Path)
	assert.Equal(t, "capacity exhausted", res.Error)
	assert.ErrorIs(t, res.Err(), ErrCapacityExhausted)

	obj := &Object{Data: []byte("abc")}
	assert.Equal(t, int64(3), obj.Size())
}
