package pool

import (
	"fmt"
	"strings"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// DefaultBulkThreshold is the object size above which bulk-capable sources
// are preferred.
const DefaultBulkThreshold int64 = 100 << 20

// PlacementRequest describes the object being placed.
type PlacementRequest struct {
	Size        int64
	ContentType string
}

// PlacementPolicy chooses the source for a write. Candidates arrive in
// descending priority order.
type PlacementPolicy interface {
	Place(req PlacementRequest, candidates []Source) (*Source, error)
}

// PlacementFunc adapts a function to PlacementPolicy.
type PlacementFunc func(req PlacementRequest, candidates []Source) (*Source, error)

func (f PlacementFunc) Place(req PlacementRequest, candidates []Source) (*Source, error) {
	return f(req, candidates)
}

// HeuristicPolicy is the default placement policy. It is a heuristic, not an
// optimal packing:
//
//  1. only sources whose remaining quota fits the object are eligible
//  2. the highest-priority eligible source wins by default
//  3. objects above BulkThreshold go to the highest-priority bulk-capable
//     eligible source when there is one
//  4. image and video objects go to the highest-priority CDN-capable eligible
//     source when there is one, overriding rule 3
type HeuristicPolicy struct {
	BulkThreshold int64
}

func (p HeuristicPolicy) Place(req PlacementRequest, candidates []Source) (*Source, error) {
	eligible := make([]Source, 0, len(candidates))
	for _, c := range candidates {
		if c.Descriptor.Fits(req.Size) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no source has %d bytes free", interfaces.ErrCapacityExhausted, req.Size)
	}

	chosen := eligible[0]

	threshold := p.BulkThreshold
	if threshold <= 0 {
		threshold = DefaultBulkThreshold
	}
	if req.Size > threshold {
		if bulk, ok := first(eligible, func(c Source) bool { return c.Adapter.Capabilities().Bulk }); ok {
			chosen = bulk
		}
	}

	if isMedia(req.ContentType) {
		if cdn, ok := first(eligible, func(c Source) bool { return c.Adapter.Capabilities().CDN }); ok {
			chosen = cdn
		}
	}

	return &chosen, nil
}

func first(sources []Source, pred func(Source) bool) (Source, bool) {
	for _, s := range sources {
		if pred(s) {
			return s, true
		}
	}
	return Source{}, false
}

func isMedia(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/")
}
