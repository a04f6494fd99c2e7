package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// DefaultRequestTimeout bounds each HTTP call made by the network adapters.
const DefaultRequestTimeout = 60 * time.Second

// SecretResolver replaces secret references inside a descriptor's
// configuration with their values before the adapter is constructed.
type SecretResolver interface {
	Resolve(ctx context.Context, config json.RawMessage) (json.RawMessage, error)
}

// Factory creates adapters from descriptors. It holds a fixed mapping from
// kind tag to constructor which Register can extend. The factory does not
// cache; caching belongs to the pool manager.
type Factory struct {
	log        *slog.Logger
	httpClient *http.Client
	resolver   SecretResolver

	mu           sync.RWMutex
	constructors map[interfaces.SourceKind]interfaces.AdapterConstructor
}

// NewFactory creates a factory with every built-in kind registered.
func NewFactory(log *slog.Logger) *Factory {
	f := &Factory{
		log:          common.LoggerOrDefault(log),
		httpClient:   &http.Client{Timeout: DefaultRequestTimeout},
		constructors: make(map[interfaces.SourceKind]interfaces.AdapterConstructor),
	}

	f.Register(interfaces.KindR2, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg R2Config
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewS3Adapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindMinIO, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg MinIOConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewMinIOAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindQiniu, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg QiniuConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewQiniuAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindTelegram, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg TelegramConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewTelegramAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindGitHub, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg GitHubConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewGitHubAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindCustom, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg CustomConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewWebhookAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(interfaces.KindLocal, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg LocalConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewFileAdapter(desc, cfg, nil, log)
	})
	f.Register(interfaces.KindIPFS, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		var cfg IPFSConfig
		if err := decodeConfig(desc.Kind, desc.Config, &cfg); err != nil {
			return nil, err
		}
		return NewIPFSAdapter(desc, cfg, f.httpClient, log)
	})
	f.Register(KindMemory, func(ctx context.Context, desc interfaces.SourceDescriptor, log *slog.Logger) (interfaces.StorageAdapter, error) {
		return NewMemoryAdapter(desc, log), nil
	})

	return f
}

// WithHTTPClient sets the client used by the network adapters. Its Timeout
// bounds every backend request.
func (f *Factory) WithHTTPClient(client *http.Client) *Factory {
	f.httpClient = client
	return f
}

// WithSecretResolver makes Build resolve secret references in descriptor
// configurations.
func (f *Factory) WithSecretResolver(resolver SecretResolver) *Factory {
	f.resolver = resolver
	return f
}

// Register adds or replaces the constructor for kind.
func (f *Factory) Register(kind interfaces.SourceKind, ctor interfaces.AdapterConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Kinds returns the registered kind tags in lexical order.
func (f *Factory) Kinds() []interfaces.SourceKind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]interfaces.SourceKind, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build constructs one adapter for desc. An unknown kind tag is a
// configuration error. The adapter is not connected.
func (f *Factory) Build(ctx context.Context, desc interfaces.SourceDescriptor) (interfaces.StorageAdapter, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[desc.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Message: fmt.Sprintf("unknown source kind %q", desc.Kind)}
	}

	f.log.Debug("Creating storage adapter",
		slog.String("id", desc.ID),
		slog.String("name", desc.Name),
		slog.String("kind", string(desc.Kind)))

	if f.resolver != nil && len(desc.Config) > 0 {
		resolved, err := f.resolver.Resolve(ctx, desc.Config)
		if err != nil {
			return nil, fmt.Errorf("resolving secrets for source %s: %w", desc.ID, err)
		}
		desc.Config = resolved
	}

	adapter, err := ctor(ctx, desc, f.log)
	if err != nil {
		return nil, err
	}
	if desc.BulkCapable != nil || desc.CDNCapable != nil {
		adapter = &capabilityOverride{StorageAdapter: adapter, bulk: desc.BulkCapable, cdn: desc.CDNCapable}
	}
	return adapter, nil
}

// capabilityOverride applies a descriptor's Bulk and CDN overrides on top
// of the adapter's own capabilities.
type capabilityOverride struct {
	interfaces.StorageAdapter
	bulk *bool
	cdn  *bool
}

func (a *capabilityOverride) Capabilities() interfaces.Capabilities {
	caps := a.StorageAdapter.Capabilities()
	if a.bulk != nil {
		caps.Bulk = *a.bulk
	}
	if a.cdn != nil {
		caps.CDN = *a.cdn
	}
	return caps
}
