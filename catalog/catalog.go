// Package catalog provides the descriptor stores the pool manager reads
// sources from and the quota ledger writes usage to.
//
// Three stores are available:
//   - MemoryStore for tests and development
//   - a YAML file loaded into a MemoryStore
//   - PostgresStore, backed by the storage_sources table
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// Store is what the service needs from a catalog.
type Store interface {
	interfaces.DescriptorStore
	interfaces.QuotaStore
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open selects a store from a locator: a postgres:// or postgresql:// DSN
// opens PostgresStore, anything else is read as a YAML file path.
func Open(ctx context.Context, locator string, log *slog.Logger) (Store, func() error, error) {
	if strings.HasPrefix(locator, "postgres://") || strings.HasPrefix(locator, "postgresql://") {
		s, err := NewPostgresStore(ctx, locator, PostgresOpts{Migrate: true}, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	s, err := LoadFile(locator)
	if err != nil {
		return nil, nil, err
	}
	return s, func() error { return nil }, nil
}

func sortDescriptors(descs []interfaces.SourceDescriptor) {
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
