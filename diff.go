package flagstate

// VariationChange records a weight difference for one multivariate option.
type VariationChange struct {
	Option   int     `json:"multivariate_feature_option"`
	Live     float64 `json:"live"`
	Proposed float64 `json:"proposed"`
}

// StateDiff compares a proposed feature state with the live one.
type StateDiff struct {
	EnabledChanged   bool              `json:"enabled_changed"`
	ValueChanged     bool              `json:"value_changed"`
	VariationChanges []VariationChange `json:"variation_changes"`
}

// IsEmpty reports whether the proposal changes nothing. An empty diff is a
// valid outcome, not an error.
func (d StateDiff) IsEmpty() bool {
	return !d.EnabledChanged && !d.ValueChanged && len(d.VariationChanges) == 0
}

// DiffStates compares proposed with live on enabled, value and per-option
// weights. Options are matched by id; options missing on one side count as 0.
func DiffStates(proposed, live FeatureState) StateDiff {
	diff := StateDiff{
		EnabledChanged: proposed.Enabled != live.Enabled,
		ValueChanged:   !proposed.FeatureStateValue.Equal(live.FeatureStateValue),
	}

	liveWeights := make(map[int]float64, len(live.MultivariateFeatureStateValues))
	for _, value := range live.MultivariateFeatureStateValues {
		liveWeights[value.MultivariateFeatureOption] = value.PercentageAllocation
	}
	matched := make(map[int]struct{}, len(proposed.MultivariateFeatureStateValues))
	for _, value := range proposed.MultivariateFeatureStateValues {
		option := value.MultivariateFeatureOption
		matched[option] = struct{}{}
		before := liveWeights[option]
		if before != value.PercentageAllocation {
			diff.VariationChanges = append(diff.VariationChanges, VariationChange{
				Option:   option,
				Live:     before,
				Proposed: value.PercentageAllocation,
			})
		}
	}
	for _, value := range live.MultivariateFeatureStateValues {
		if _, ok := matched[value.MultivariateFeatureOption]; ok {
			continue
		}
		if value.PercentageAllocation == 0 {
			continue
		}
		diff.VariationChanges = append(diff.VariationChanges, VariationChange{
			Option: value.MultivariateFeatureOption,
			Live:   value.PercentageAllocation,
		})
	}
	return diff
}
