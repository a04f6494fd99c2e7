package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// fileSource is the YAML shape of one descriptor. Config is free-form YAML
// converted to the JSON blob adapters decode.
type fileSource struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	Config      map[string]any `yaml:"config"`
	Priority    int            `yaml:"priority"`
	QuotaLimit  int64          `yaml:"quotaLimit"`
	QuotaUsed   int64          `yaml:"quotaUsed"`
	IsActive    *bool          `yaml:"isActive"`
	BulkCapable *bool          `yaml:"bulkCapable"`
	CDNCapable  *bool          `yaml:"cdnCapable"`
}

type fileCatalog struct {
	Sources []fileSource `yaml:"sources"`
}

// LoadFile reads a YAML catalog into a MemoryStore. Sources without an id get
// a random one; sources without isActive are active. Quota usage is kept in
// memory only and starts at the file's quotaUsed.
func LoadFile(path string) (*MemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	descs, err := ParseYAML(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return NewMemoryStore(descs...), nil
}

// ParseYAML decodes a YAML catalog document.
func ParseYAML(raw []byte) ([]interfaces.SourceDescriptor, error) {
	var doc fileCatalog
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(doc.Sources))
	descs := make([]interfaces.SourceDescriptor, 0, len(doc.Sources))
	for i, s := range doc.Sources {
		if s.Kind == "" {
			return nil, fmt.Errorf("source %d (%s): kind is required", i, s.Name)
		}
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("source %d: duplicate id %q", i, id)
		}
		seen[id] = true

		config := json.RawMessage("{}")
		if s.Config != nil {
			b, err := json.Marshal(s.Config)
			if err != nil {
				return nil, fmt.Errorf("source %s: config: %w", id, err)
			}
			config = b
		}

		active := true
		if s.IsActive != nil {
			active = *s.IsActive
		}
		descs = append(descs, interfaces.SourceDescriptor{
			ID:          id,
			Name:        s.Name,
			Kind:        interfaces.SourceKind(s.Kind),
			Config:      config,
			Priority:    s.Priority,
			QuotaLimit:  s.QuotaLimit,
			QuotaUsed:   s.QuotaUsed,
			IsActive:    active,
			BulkCapable: s.BulkCapable,
			CDNCapable:  s.CDNCapable,
		})
	}
	return descs, nil
}
