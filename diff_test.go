package flagstate

import "testing"

func TestDiffStatesDetectsEachField(t *testing.T) {
	live := FeatureState{
		Enabled:           false,
		FeatureStateValue: StringValue("a"),
		MultivariateFeatureStateValues: []MultivariateFeatureStateValue{
			{MultivariateFeatureOption: 1, PercentageAllocation: 30},
			{MultivariateFeatureOption: 2, PercentageAllocation: 20},
		},
	}
	proposed := FeatureState{
		Enabled:           true,
		FeatureStateValue: StringValue("b"),
		MultivariateFeatureStateValues: []MultivariateFeatureStateValue{
			{MultivariateFeatureOption: 1, PercentageAllocation: 30},
			{MultivariateFeatureOption: 3, PercentageAllocation: 10},
		},
	}

	diff := DiffStates(proposed, live)
	if !diff.EnabledChanged || !diff.ValueChanged {
		t.Fatalf("expected enabled and value changes, got %+v", diff)
	}
	if len(diff.VariationChanges) != 2 {
		t.Fatalf("expected 2 variation changes, got %+v", diff.VariationChanges)
	}
	if got := diff.VariationChanges[0]; got.Option != 3 || got.Live != 0 || got.Proposed != 10 {
		t.Fatalf("unexpected added option change %+v", got)
	}
	if got := diff.VariationChanges[1]; got.Option != 2 || got.Live != 20 || got.Proposed != 0 {
		t.Fatalf("unexpected removed option change %+v", got)
	}
}

func TestDiffStatesNoChangeIsBenign(t *testing.T) {
	live := FeatureState{Enabled: true, FeatureStateValue: IntValue(1)}
	diff := DiffStates(live, live)
	if !diff.IsEmpty() {
		t.Fatalf("expected empty diff, got %+v", diff)
	}
}

func TestDiffStatesComparesTypedValues(t *testing.T) {
	diff := DiffStates(FeatureState{FeatureStateValue: IntValue(1)}, FeatureState{FeatureStateValue: StringValue("1")})
	if !diff.ValueChanged {
		t.Fatalf("expected integer and string values to differ")
	}
}
