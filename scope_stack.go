package flagstate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goliatone/go-flagstate/layering"
)

// Scope names one precedence bucket a feature state was captured for.
// Within a level, lower Priority values are stronger.
type Scope struct {
	layering.Scope
	Priority int    `json:"priority"`
	Label    string `json:"label,omitempty"`
}

// EnvironmentScope builds the scope of an environment default state.
func EnvironmentScope(feature int, environment string) Scope {
	return Scope{
		Scope: layering.Scope{Feature: feature, Level: layering.LevelEnvironment, Environment: environment},
		Label: "Environment default",
	}
}

// SegmentScope builds the scope of a segment override ranked by priority.
func SegmentScope(feature, segment, priority int) Scope {
	return Scope{
		Scope:    layering.Scope{Feature: feature, Level: layering.LevelSegment, Segment: segment},
		Priority: priority,
		Label:    fmt.Sprintf("Segment %d", segment),
	}
}

// IdentityScope builds the scope of an identity override.
func IdentityScope(feature, identity int) Scope {
	return Scope{
		Scope: layering.Scope{Feature: feature, Level: layering.LevelIdentity, Identity: identity},
		Label: fmt.Sprintf("Identity %d", identity),
	}
}

// Layer pairs a scope with the snapshot captured for it.
type Layer[T any] struct {
	Scope      Scope
	Snapshot   T
	SnapshotID string

	order int
}

// LayerOption configures optional metadata for a layer.
type LayerOption[T any] func(*Layer[T])

// WithSnapshotID sets the snapshot identifier used for tracing.
func WithSnapshotID[T any](id string) LayerOption[T] {
	return func(layer *Layer[T]) {
		layer.SnapshotID = id
	}
}

// NewLayer constructs a Layer holding a detached copy of snapshot.
func NewLayer[T any](scope Scope, snapshot T, opts ...LayerOption[T]) Layer[T] {
	layer := Layer[T]{
		Scope:    scope,
		Snapshot: layering.Clone(snapshot),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&layer)
	}
	return layer
}

var (
	// ErrScopeLevelRequired indicates a layer without a precedence level.
	ErrScopeLevelRequired = errors.New("scope: level must be provided")
	// ErrDuplicateScope indicates Stack construction received the same scope
	// twice.
	ErrDuplicateScope = errors.New("scope: scopes must be unique")
	// ErrEmptyStack is returned when resolving a stack with no layers.
	ErrEmptyStack = errors.New("scope: stack must include at least one layer")
)

// Stack is an immutable precedence ordering from strongest to weakest: level
// first, then ascending priority within the level, then input order.
type Stack[T any] struct {
	layers []Layer[T]
}

// NewStack validates and sorts layers. Equal-rank layers keep the order they
// were supplied in so ties resolve deterministically.
func NewStack[T any](layers ...Layer[T]) (*Stack[T], error) {
	if len(layers) == 0 {
		return &Stack[T]{}, nil
	}

	seen := make(map[string]struct{}, len(layers))
	copied := make([]Layer[T], len(layers))
	for i, layer := range layers {
		layer := cloneLayer(layer)
		layer.order = i
		if layer.Scope.Level == layering.LevelUnknown {
			return nil, ErrScopeLevelRequired
		}
		id := layer.Scope.Identifier()
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateScope, id)
		}
		seen[id] = struct{}{}
		copied[i] = layer
	}

	sort.SliceStable(copied, func(i, j int) bool {
		a, b := copied[i].Scope, copied[j].Scope
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return copied[i].order < copied[j].order
	})

	return &Stack[T]{layers: copied}, nil
}

// Layers returns a defensive copy of the ordered layers.
func (s *Stack[T]) Layers() []Layer[T] {
	if s == nil || len(s.layers) == 0 {
		return nil
	}
	out := make([]Layer[T], len(s.layers))
	for i := range s.layers {
		out[i] = cloneLayer(s.layers[i])
	}
	return out
}

// Len returns the number of layers in the stack.
func (s *Stack[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.layers)
}

// Strongest returns a copy of the winning layer.
func (s *Stack[T]) Strongest() (Layer[T], error) {
	if s == nil || len(s.layers) == 0 {
		return Layer[T]{}, ErrEmptyStack
	}
	return cloneLayer(s.layers[0]), nil
}

func cloneLayer[T any](layer Layer[T]) Layer[T] {
	return Layer[T]{
		Scope:      layer.Scope,
		Snapshot:   layering.Clone(layer.Snapshot),
		SnapshotID: layer.SnapshotID,
		order:      layer.order,
	}
}
