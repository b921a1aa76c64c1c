package workflow

import (
	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/stores"
)

// FeatureChange is the difference one proposed state makes to the live list.
// Segment is zero for environment states.
type FeatureChange struct {
	Feature int
	Segment int
	Added   bool
	Diff    flagstate.StateDiff
}

// Diff compares every proposed state of cr with the live feature list. It is
// pure; an empty result means the request changes nothing.
func Diff(cr flagstate.ChangeRequest, live stores.FeatureList) []FeatureChange {
	var out []FeatureChange
	for _, proposed := range cr.FeatureStates {
		change := FeatureChange{Feature: proposed.Feature}
		current, found := liveState(proposed, live)
		if proposed.FeatureSegment != nil {
			change.Segment = proposed.FeatureSegment.Segment
			change.Added = !found
		}
		change.Diff = flagstate.DiffStates(proposed, current)
		if change.Added || !change.Diff.IsEmpty() {
			out = append(out, change)
		}
	}
	return out
}

func liveState(proposed flagstate.FeatureState, live stores.FeatureList) (flagstate.FeatureState, bool) {
	if proposed.FeatureSegment == nil {
		st, ok := live.States[proposed.Feature]
		return st, ok
	}
	for _, override := range live.SegmentOverrides[proposed.Feature] {
		if override.FeatureSegment != nil && override.FeatureSegment.Segment == proposed.FeatureSegment.Segment {
			return override, true
		}
	}
	return flagstate.FeatureState{}, false
}
