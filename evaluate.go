package flagstate

import (
	"strconv"

	"github.com/goliatone/go-flagstate/layering"
)

// EvaluatedFlag is the effective state of one feature after layering the
// environment default, segment overrides and an identity override.
type EvaluatedFlag struct {
	Feature       int                             `json:"feature"`
	Name          string                          `json:"name"`
	Enabled       bool                            `json:"enabled"`
	Value         Value                           `json:"value"`
	Weights       []MultivariateFeatureStateValue `json:"weights,omitempty"`
	ControlWeight float64                         `json:"control_weight"`
	Source        layering.Level                  `json:"source"`
	Segment       int                             `json:"segment,omitempty"`
	StateID       int                             `json:"state_id,omitempty"`
	Trace         Trace                           `json:"trace"`
}

// Evaluate resolves the effective state of flag. An identity override wins
// outright; otherwise the segment override with the lowest priority wins, with
// ties going to the earliest entry in segmentOverrides; otherwise the
// environment default applies. Inputs are never modified.
func Evaluate(flag ProjectFlag, environmentState FeatureState, segmentOverrides []FeatureState, identityOverride *FeatureState) EvaluatedFlag {
	feature := flag.ID
	if feature == 0 {
		feature = environmentState.Feature
	}

	layers := make([]Layer[FeatureState], 0, len(segmentOverrides)+2)
	layers = append(layers, NewLayer(
		EnvironmentScope(feature, strconv.Itoa(environmentState.Environment)),
		environmentState,
		WithSnapshotID[FeatureState](stateSnapshotID(environmentState)),
	))

	seen := map[int]struct{}{}
	for _, override := range segmentOverrides {
		if override.FeatureSegment == nil {
			continue
		}
		segment := override.FeatureSegment.Segment
		if _, dup := seen[segment]; dup {
			continue
		}
		seen[segment] = struct{}{}
		layers = append(layers, NewLayer(
			SegmentScope(feature, segment, override.FeatureSegment.Priority),
			override,
			WithSnapshotID[FeatureState](stateSnapshotID(override)),
		))
	}

	if identityOverride != nil {
		identity := 0
		if identityOverride.Identity != nil {
			identity = *identityOverride.Identity
		}
		layers = append(layers, NewLayer(
			IdentityScope(feature, identity),
			*identityOverride,
			WithSnapshotID[FeatureState](stateSnapshotID(*identityOverride)),
		))
	}

	// Layer identifiers are unique after the dedupe above, so NewStack cannot
	// fail here.
	stack, _ := NewStack(layers...)
	ordered := stack.Layers()
	winner := ordered[0]

	trace := Trace{Feature: flag.Name, Layers: make([]Provenance, len(ordered))}
	for i, layer := range ordered {
		trace.Layers[i] = Provenance{
			Scope:      layer.Scope,
			SnapshotID: layer.SnapshotID,
			Enabled:    layer.Snapshot.Enabled,
			Value:      layer.Snapshot.FeatureStateValue,
			Selected:   i == 0,
		}
	}

	state := winner.Snapshot
	result := EvaluatedFlag{
		Feature: feature,
		Name:    flag.Name,
		Enabled: state.Enabled,
		Value:   state.FeatureStateValue,
		Weights: state.MultivariateFeatureStateValues,
		Source:  winner.Scope.Level,
		StateID: state.ID,
		Trace:   trace,
	}
	if winner.Scope.Level == layering.LevelSegment {
		result.Segment = winner.Scope.Segment
	}
	if flag.IsMultivariate() {
		result.ControlWeight = ControlWeightFor(state.MultivariateFeatureStateValues)
	}
	return result
}

func stateSnapshotID(state FeatureState) string {
	if state.ID == 0 {
		return ""
	}
	return strconv.Itoa(state.ID)
}
