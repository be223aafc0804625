// Package phase holds the static, ordered catalog of pipeline phases and their
// relative weights. A Registry is immutable after construction and safe for
// concurrent use.
package phase

import (
	"errors"
	"fmt"
	"math"
)

// Well-known phase identifiers.
const (
	Initialization     = "initialization"
	SearchQueries      = "search_queries"
	WebSearches        = "web_searches"
	Modules            = "modules"
	Submodules         = "submodules"
	ContentDevelopment = "content_development"
	FinalAssembly      = "final_assembly"
	Completion         = "completion"
	Unknown            = "unknown"
)

const weightTolerance = 1e-6

// Descriptor describes a single phase of the generation pipeline.
type Descriptor struct {
	// ID is the wire identifier reported by the backend.
	ID string `json:"id"`
	// Order is the position of the phase on the timeline.
	Order int `json:"order"`
	// Weight is the share of total work attributed to the phase (0..1).
	Weight float64 `json:"weight"`
	// Title is a short human-readable label.
	Title string `json:"title"`
	// Description explains what happens during the phase.
	Description string `json:"description"`
	// Terminal marks the completion phase; terminal phases carry no weight.
	Terminal bool `json:"terminal"`
}

// Registry is an ordered catalog of phase descriptors.
type Registry struct {
	byID    map[string]Descriptor
	ordered []string
	unknown Descriptor
}

var unknownDescriptor = Descriptor{
	ID:          Unknown,
	Order:       -1,
	Weight:      1,
	Title:       "Working",
	Description: "Progress reported outside the known phases.",
}

// NewRegistry validates descs and builds a Registry. Descriptors are kept in
// slice order; Order values must be strictly increasing.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]Descriptor, len(descs)),
		ordered: make([]string, 0, len(descs)),
		unknown: unknownDescriptor,
	}
	lastOrder := math.MinInt
	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.New("phase id is required")
		}
		if d.ID == Unknown {
			return nil, fmt.Errorf("phase id %q is reserved", Unknown)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate phase %q", d.ID)
		}
		if d.Order <= lastOrder {
			return nil, fmt.Errorf("phase %q order %d is not increasing", d.ID, d.Order)
		}
		lastOrder = d.Order
		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d.ID)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNewRegistry is NewRegistry that panics on error. Intended for static catalogs.
func MustNewRegistry(descs []Descriptor) *Registry {
	r, err := NewRegistry(descs)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the catalog for the learning-path generation pipeline.
func Default() *Registry {
	return defaultRegistry
}

var defaultRegistry = MustNewRegistry([]Descriptor{
	{ID: Initialization, Order: 0, Weight: 0.05, Title: "Initializing", Description: "Preparing the generation request."},
	{ID: SearchQueries, Order: 1, Weight: 0.10, Title: "Planning research", Description: "Generating search queries for the topic."},
	{ID: WebSearches, Order: 2, Weight: 0.15, Title: "Researching", Description: "Running web searches and collecting sources."},
	{ID: Modules, Order: 3, Weight: 0.15, Title: "Designing modules", Description: "Outlining the learning path modules."},
	{ID: Submodules, Order: 4, Weight: 0.15, Title: "Planning submodules", Description: "Breaking modules down into submodules."},
	{ID: ContentDevelopment, Order: 5, Weight: 0.30, Title: "Writing content", Description: "Developing content for every submodule."},
	{ID: FinalAssembly, Order: 6, Weight: 0.10, Title: "Assembling", Description: "Assembling the final learning path."},
	{ID: Completion, Order: 7, Weight: 0, Title: "Complete", Description: "The learning path is ready.", Terminal: true},
})

// Validate checks the weight invariants of the catalog.
func (r *Registry) Validate() error {
	var sum float64
	for _, id := range r.ordered {
		d := r.byID[id]
		if d.Weight < 0 || d.Weight > 1 {
			return fmt.Errorf("phase %q weight %v outside [0,1]", id, d.Weight)
		}
		if d.Terminal {
			if d.Weight != 0 {
				return fmt.Errorf("terminal phase %q must have zero weight", id)
			}
			continue
		}
		sum += d.Weight
	}
	if len(r.ordered) > 0 && math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("non-terminal phase weights sum to %v, want 1", sum)
	}
	return nil
}

// Describe returns the descriptor for id, or the unknown descriptor.
func (r *Registry) Describe(id string) Descriptor {
	if d, ok := r.byID[id]; ok {
		return d
	}
	return r.unknown
}

// Known reports whether id is part of the catalog.
func (r *Registry) Known(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IsTerminal reports whether id names a terminal phase.
func (r *Registry) IsTerminal(id string) bool {
	return r.byID[id].Terminal
}

// OrderedIDs returns the phase ids in timeline order. The unknown phase is
// never included.
func (r *Registry) OrderedIDs() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// First returns the first phase on the timeline, or Unknown for an empty catalog.
func (r *Registry) First() string {
	if len(r.ordered) == 0 {
		return Unknown
	}
	return r.ordered[0]
}

// MarkerPosition returns the cumulative weight of the phases preceding id.
// It is the timeline marker position and is independent of the overall
// progress reported by the backend. Unknown ids sit at 0.
func (r *Registry) MarkerPosition(id string) float64 {
	if !r.Known(id) {
		return 0
	}
	var pos float64
	for _, other := range r.ordered {
		if other == id {
			break
		}
		pos += r.byID[other].Weight
	}
	return math.Min(pos, 1)
}
