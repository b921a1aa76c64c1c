package flagstate

// SegmentOverrideEdit is one entry of an ordered segment-override edit list.
// Entries tagged ToRemove are deletions.
type SegmentOverrideEdit struct {
	Segment          int
	FeatureSegmentID int
	StateID          int
	Enabled          bool
	Value            Value
	Weights          []MultivariateFeatureStateValue
	ToRemove         bool
}

// SegmentOverrideEdits is the full ordered override list for one feature in
// one environment. Order is priority: index 0 is the strongest override.
type SegmentOverrideEdits []SegmentOverrideEdit

// PriorityUpdate is one entry of the update-priorities request body.
type PriorityUpdate struct {
	ID       int `json:"id"`
	Priority int `json:"priority"`
}

// SegmentOverridesFromStates builds an edit list from loaded overrides,
// ordered by their current priority.
func SegmentOverridesFromStates(states []FeatureState) SegmentOverrideEdits {
	stack := make([]Layer[FeatureState], 0, len(states))
	for _, state := range states {
		if state.FeatureSegment == nil {
			continue
		}
		stack = append(stack, NewLayer(SegmentScope(state.Feature, state.FeatureSegment.Segment, state.FeatureSegment.Priority), state))
	}
	ordered, err := NewStack(stack...)
	if err != nil {
		return nil
	}
	out := make(SegmentOverrideEdits, 0, ordered.Len())
	for _, layer := range ordered.Layers() {
		state := layer.Snapshot
		out = append(out, SegmentOverrideEdit{
			Segment:          state.FeatureSegment.Segment,
			FeatureSegmentID: state.FeatureSegment.ID,
			StateID:          state.ID,
			Enabled:          state.Enabled,
			Value:            state.FeatureStateValue,
			Weights:          state.MultivariateFeatureStateValues,
		})
	}
	return out
}

// ToWire converts the kept entries into feature states for feature in
// environment. Removed entries are dropped and the remaining order becomes a
// dense 0..n-1 priority ranking.
func (e SegmentOverrideEdits) ToWire(feature, environment int) []FeatureState {
	out := make([]FeatureState, 0, len(e))
	for _, edit := range e {
		if edit.ToRemove {
			continue
		}
		weights := edit.Weights
		if weights == nil {
			weights = []MultivariateFeatureStateValue{}
		}
		out = append(out, FeatureState{
			ID:                             edit.StateID,
			Feature:                        feature,
			Environment:                    environment,
			Enabled:                        edit.Enabled,
			FeatureStateValue:              edit.Value,
			MultivariateFeatureStateValues: append([]MultivariateFeatureStateValue(nil), weights...),
			FeatureSegment: &FeatureSegment{
				ID:          edit.FeatureSegmentID,
				Segment:     edit.Segment,
				Priority:    len(out),
				Environment: environment,
				Feature:     feature,
			},
		})
	}
	return out
}

// Removed returns the persisted entries tagged for deletion.
func (e SegmentOverrideEdits) Removed() SegmentOverrideEdits {
	var out SegmentOverrideEdits
	for _, edit := range e {
		if edit.ToRemove && edit.FeatureSegmentID != 0 {
			out = append(out, edit)
		}
	}
	return out
}

// Priorities returns the update-priorities payload for the persisted kept
// entries, ranked by list order.
func (e SegmentOverrideEdits) Priorities() []PriorityUpdate {
	out := make([]PriorityUpdate, 0, len(e))
	rank := 0
	for _, edit := range e {
		if edit.ToRemove {
			continue
		}
		if edit.FeatureSegmentID != 0 {
			out = append(out, PriorityUpdate{ID: edit.FeatureSegmentID, Priority: rank})
		}
		rank++
	}
	return out
}

// Move returns a copy with the entry at from moved to index to.
func (e SegmentOverrideEdits) Move(from, to int) SegmentOverrideEdits {
	out := append(SegmentOverrideEdits(nil), e...)
	if from < 0 || from >= len(out) || to < 0 || to >= len(out) || from == to {
		return out
	}
	item := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append(SegmentOverrideEdits{item}, out[to:]...)...)
	return out
}

// Validate checks every kept entry's weights.
func (e SegmentOverrideEdits) Validate() error {
	for _, edit := range e {
		if edit.ToRemove {
			continue
		}
		if err := ValidateStateWeights(edit.Weights); err != nil {
			return err
		}
	}
	return nil
}
