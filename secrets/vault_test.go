package secrets

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*VaultResolver, *atomic.Int32) {
	t.Helper()
	var reads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/r2":
			// KV v2
			w.Write([]byte(`{"data":{"data":{"accessKeyId":"AKIA","secretAccessKey":"s3cr3t"},"metadata":{"version":3}}}`))
		case "/v1/kv/telegram":
			// KV v1
			w.Write([]byte(`{"data":{"botToken":"123:abc","retries":3}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(server.Close)

	resolver, err := NewVaultResolver(VaultOpts{Address: server.URL, Token: "test-token"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return resolver, &reads
}

func TestVaultResolver_Resolve(t *testing.T) {
	resolver, reads := newTestVault(t)

	config := json.RawMessage(`{
		"bucketName": "files",
		"accessKeyId": "vault:secret/data/r2#accessKeyId",
		"secretAccessKey": "vault:secret/data/r2#secretAccessKey",
		"headers": {"Authorization": "vault:kv/telegram#botToken"},
		"list": ["plain", "vault:kv/telegram#botToken"],
		"useSSL": true
	}`)
	resolved, err := resolver.Resolve(context.Background(), config)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(resolved, &got))
	assert.Equal(t, "files", got["bucketName"])
	assert.Equal(t, "AKIA", got["accessKeyId"])
	assert.Equal(t, "s3cr3t", got["secretAccessKey"])
	assert.Equal(t, "123:abc", got["headers"].(map[string]any)["Authorization"])
	assert.Equal(t, []any{"plain", "123:abc"}, got["list"])
	assert.Equal(t, true, got["useSSL"])

	// One read per distinct path.
	assert.Equal(t, int32(2), reads.Load())
}

func TestVaultResolver_NoReferences(t *testing.T) {
	resolver, reads := newTestVault(t)
	config := json.RawMessage(`{"bucketName":"files"}`)

	resolved, err := resolver.Resolve(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, string(config), string(resolved))
	assert.Equal(t, int32(0), reads.Load())
}

func TestVaultResolver_Errors(t *testing.T) {
	resolver, _ := newTestVault(t)

	tests := []struct {
		name   string
		config string
		err    error
		msg    string
	}{
		{name: "missing path", config: `{"k":"vault:secret/data/none#key"}`, err: ErrSecretNotFound},
		{name: "missing key", config: `{"k":"vault:secret/data/r2#nope"}`, err: ErrSecretNotFound},
		{name: "malformed", config: `{"k":"vault:secret/data/r2"}`, err: ErrMalformedRef},
		{name: "not a string", config: `{"k":"vault:kv/telegram#retries"}`, msg: "not a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), json.RawMessage(tt.config))
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	path, key, err := ParseRef("vault:/secret/data/app/#token")
	require.NoError(t, err)
	assert.Equal(t, "secret/data/app", path)
	assert.Equal(t, "token", key)

	_, _, err = ParseRef("vault:#token")
	assert.ErrorIs(t, err, ErrMalformedRef)
}
