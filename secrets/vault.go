// Package secrets resolves secret references found in source
// configurations.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/hashicorp/vault/api"
)

// RefPrefix marks a configuration string value as a Vault reference of the
// form vault:<path>#<key>, e.g. vault:secret/data/r2#secretAccessKey.
const RefPrefix = "vault:"

var (
	ErrMalformedRef   = errors.New("malformed vault reference")
	ErrSecretNotFound = errors.New("secret not found in vault")
)

// VaultResolver replaces vault:<path>#<key> string values with the value of
// key in the secret stored at path. KV v2 secrets, whose fields sit under a
// nested "data" object, are handled transparently. Secrets are read once per
// Resolve call and path.
type VaultResolver struct {
	client *api.Client
	log    *slog.Logger
}

// VaultOpts configures the Vault client.
type VaultOpts struct {
	Address string
	Token   string
	// Namespace is the Vault Enterprise namespace, if any.
	Namespace string
	Timeout   time.Duration
}

func NewVaultResolver(opts VaultOpts, log *slog.Logger) (*VaultResolver, error) {
	config := api.DefaultConfig()
	if opts.Address != "" {
		config.Address = opts.Address
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	config.HttpClient = &http.Client{Timeout: timeout}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	if opts.Namespace != "" {
		client.SetNamespace(opts.Namespace)
	}

	return &VaultResolver{client: client, log: common.LoggerOrDefault(log)}, nil
}

// Resolve walks the JSON document and substitutes every vault reference.
// Documents without references are returned unchanged.
func (r *VaultResolver) Resolve(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	if !strings.Contains(string(config), RefPrefix) {
		return config, nil
	}

	var doc any
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	cache := make(map[string]map[string]any)
	resolved, err := walk(doc, func(ref string) (string, error) {
		return r.lookup(ctx, ref, cache)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func walk(v any, lookup func(ref string) (string, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			resolved, err := walk(child, lookup)
			if err != nil {
				return nil, err
			}
			t[k] = resolved
		}
		return t, nil
	case []any:
		for i, child := range t {
			resolved, err := walk(child, lookup)
			if err != nil {
				return nil, err
			}
			t[i] = resolved
		}
		return t, nil
	case string:
		if !strings.HasPrefix(t, RefPrefix) {
			return t, nil
		}
		return lookup(t)
	default:
		return v, nil
	}
}

// ParseRef splits vault:<path>#<key>.
func ParseRef(ref string) (path, key string, err error) {
	rest := strings.TrimPrefix(ref, RefPrefix)
	path, key, ok := strings.Cut(rest, "#")
	path = strings.Trim(path, "/")
	if !ok || path == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedRef, ref)
	}
	return path, key, nil
}

func (r *VaultResolver) lookup(ctx context.Context, ref string, cache map[string]map[string]any) (string, error) {
	path, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	data, ok := cache[path]
	if !ok {
		start := time.Now()
		secret, err := r.client.Logical().ReadWithContext(ctx, path)
		if err != nil {
			r.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
			return "", fmt.Errorf("reading vault path %s: %w", path, err)
		}
		if secret == nil || secret.Data == nil {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		data = secret.Data
		if nested, ok := data["data"].(map[string]any); ok {
			data = nested
		}
		cache[path] = data
		r.log.Debug("Read secret from Vault",
			slog.String("path", path),
			slog.Duration("duration", time.Since(start)))
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrSecretNotFound, path, key)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault value %s#%s is not a string", path, key)
	}
	return s, nil
}
