package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// MemoryStore keeps descriptors in memory. It backs the YAML file store and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[string]interfaces.SourceDescriptor
}

func NewMemoryStore(descs ...interfaces.SourceDescriptor) *MemoryStore {
	s := &MemoryStore{sources: make(map[string]interfaces.SourceDescriptor, len(descs))}
	for _, d := range descs {
		s.sources[d.ID] = d
	}
	return s
}

// Put inserts or replaces a descriptor.
func (s *MemoryStore) Put(desc interfaces.SourceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[desc.ID] = desc
}

// Remove deletes a descriptor.
func (s *MemoryStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]interfaces.SourceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.SourceDescriptor, 0, len(s.sources))
	for _, d := range s.sources {
		if d.IsActive {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*interfaces.SourceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.sources[id]
	if !ok || !d.IsActive {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSourceNotFound, id)
	}
	return &d, nil
}

// AdjustUsed adds delta to the source's used bytes, clamping at zero.
func (s *MemoryStore) AdjustUsed(ctx context.Context, id string, delta int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sources[id]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", interfaces.ErrSourceNotFound, id)
	}
	used, clamped := clampUsed(d.QuotaUsed, delta)
	d.QuotaUsed = used
	s.sources[id] = d
	return used, clamped, nil
}

func clampUsed(used, delta int64) (int64, bool) {
	used += delta
	if used < 0 {
		return 0, true
	}
	return used, false
}
