package progress

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PreviewCache is a read-only view of the latest preview payload per phase.
// The only write path is Reducer.Reduce.
type PreviewCache struct {
	byPhase map[string]map[string]any
}

// Get returns a shallow copy of the preview stored for phaseID, or nil.
func (c PreviewCache) Get(phaseID string) map[string]any {
	src, ok := c.byPhase[phaseID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Phases lists the phases that have a preview, sorted by id.
func (c PreviewCache) Phases() []string {
	out := make([]string, 0, len(c.byPhase))
	for id := range c.byPhase {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of phases holding a preview.
func (c PreviewCache) Len() int {
	return len(c.byPhase)
}

// MarshalJSON renders the cache as a phase -> payload object.
func (c PreviewCache) MarshalJSON() ([]byte, error) {
	if c.byPhase == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(c.byPhase)
	if err != nil {
		return nil, fmt.Errorf("marshal previews: %w", err)
	}
	return data, nil
}
