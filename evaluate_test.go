package flagstate

import (
	"testing"

	"github.com/goliatone/go-flagstate/layering"
)

func precedenceFixture() (ProjectFlag, FeatureState, []FeatureState) {
	flag := ProjectFlag{ID: 1, Name: "new_checkout", Type: FlagTypeStandard}
	env := FeatureState{ID: 10, Feature: 1, Environment: 3, Enabled: false, FeatureStateValue: StringValue("control")}
	segments := []FeatureState{
		{ID: 12, Feature: 1, Enabled: false, FeatureStateValue: StringValue("low"), FeatureSegment: &FeatureSegment{ID: 22, Segment: 202, Priority: 1}},
		{ID: 11, Feature: 1, Enabled: true, FeatureStateValue: StringValue("high"), FeatureSegment: &FeatureSegment{ID: 21, Segment: 201, Priority: 0}},
	}
	return flag, env, segments
}

func TestEvaluateEnvironmentDefault(t *testing.T) {
	flag, env, _ := precedenceFixture()
	got := Evaluate(flag, env, nil, nil)
	if got.Enabled || got.Value.Text() != "control" {
		t.Fatalf("expected environment default, got %+v", got)
	}
	if got.Source != layering.LevelEnvironment {
		t.Fatalf("expected environment source, got %v", got.Source)
	}
	if len(got.Trace.Layers) != 1 || !got.Trace.Layers[0].Selected {
		t.Fatalf("expected single selected trace layer, got %+v", got.Trace.Layers)
	}
}

func TestEvaluateLowestPrioritySegmentWins(t *testing.T) {
	flag, env, segments := precedenceFixture()
	got := Evaluate(flag, env, segments, nil)
	if !got.Enabled {
		t.Fatalf("expected priority 0 segment override to enable the flag")
	}
	if got.Segment != 201 || got.StateID != 11 {
		t.Fatalf("expected segment 201 to win, got segment=%d state=%d", got.Segment, got.StateID)
	}
	winner, ok := got.Trace.Winner()
	if !ok || winner.Scope.Segment != 201 {
		t.Fatalf("expected trace winner segment 201, got %+v", winner)
	}
	if len(got.Trace.Layers) != 3 {
		t.Fatalf("expected all layers in trace, got %d", len(got.Trace.Layers))
	}
}

func TestEvaluateIdentityOverrideWinsOutright(t *testing.T) {
	flag, env, segments := precedenceFixture()
	identity := 77
	override := &FeatureState{ID: 30, Feature: 1, Enabled: false, FeatureStateValue: StringValue("mine"), Identity: &identity}

	got := Evaluate(flag, env, segments, override)
	if got.Enabled {
		t.Fatalf("expected identity override to disable the flag")
	}
	if got.Source != layering.LevelIdentity || got.Value.Text() != "mine" {
		t.Fatalf("expected identity source, got %+v", got)
	}
	if got.Segment != 0 {
		t.Fatalf("segment must be unset when identity wins, got %d", got.Segment)
	}
}

func TestEvaluateTieKeepsFirstInputOrder(t *testing.T) {
	flag, env, _ := precedenceFixture()
	segments := []FeatureState{
		{ID: 41, Feature: 1, Enabled: true, FeatureSegment: &FeatureSegment{Segment: 301, Priority: 0}},
		{ID: 42, Feature: 1, Enabled: false, FeatureSegment: &FeatureSegment{Segment: 302, Priority: 0}},
	}
	for i := 0; i < 20; i++ {
		got := Evaluate(flag, env, segments, nil)
		if got.Segment != 301 {
			t.Fatalf("iteration %d: expected first tied segment to win, got %d", i, got.Segment)
		}
	}

	reversed := []FeatureState{segments[1], segments[0]}
	if got := Evaluate(flag, env, reversed, nil); got.Segment != 302 {
		t.Fatalf("expected input order to decide tie, got %d", got.Segment)
	}
}

func TestEvaluateDoesNotMutateInputs(t *testing.T) {
	flag, env, segments := precedenceFixture()
	segments[1].MultivariateFeatureStateValues = []MultivariateFeatureStateValue{{MultivariateFeatureOption: 5, PercentageAllocation: 40}}

	got := Evaluate(flag, env, segments, nil)
	got.Weights[0].PercentageAllocation = 99

	if segments[1].MultivariateFeatureStateValues[0].PercentageAllocation != 40 {
		t.Fatalf("evaluate result shares weights with its input")
	}
	if segments[0].FeatureSegment.Priority != 1 || segments[1].FeatureSegment.Priority != 0 {
		t.Fatalf("evaluate reordered or modified the caller's overrides")
	}
}

func TestEvaluateReportsControlWeightForMultivariate(t *testing.T) {
	flag := ProjectFlag{ID: 2, Name: "banner", MultivariateOptions: []MultivariateOption{
		NewMultivariateOption(StringValue("a"), 30),
		NewMultivariateOption(StringValue("b"), 20),
	}}
	env := FeatureState{Feature: 2, MultivariateFeatureStateValues: []MultivariateFeatureStateValue{
		{MultivariateFeatureOption: 1, PercentageAllocation: 10},
		{MultivariateFeatureOption: 2, PercentageAllocation: 25},
	}}
	got := Evaluate(flag, env, nil, nil)
	if got.ControlWeight != 65 {
		t.Fatalf("expected control weight 65, got %v", got.ControlWeight)
	}
}

func TestTraceJSONRoundTrip(t *testing.T) {
	flag, env, segments := precedenceFixture()
	trace := Evaluate(flag, env, segments, nil).Trace

	payload, err := trace.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	decoded, err := ParseTrace(payload)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if decoded.Feature != "new_checkout" || len(decoded.Layers) != 3 {
		t.Fatalf("unexpected decoded trace %+v", decoded)
	}
	if decoded.Layers[0].Scope.Level != layering.LevelSegment || decoded.Layers[2].Scope.Level != layering.LevelEnvironment {
		t.Fatalf("levels did not survive JSON: %+v", decoded.Layers)
	}
}

func TestTraceShadowedSkipsMatchingLayers(t *testing.T) {
	flag, env, segments := precedenceFixture()
	trace := Evaluate(flag, env, segments, nil).Trace
	if got := trace.Shadowed(); len(got) != 2 {
		t.Fatalf("expected both losing layers to be shadowed, got %+v", got)
	}

	segments[0].Enabled = true
	segments[0].FeatureStateValue = StringValue("high")
	shadowed := Evaluate(flag, env, segments, nil).Trace.Shadowed()
	if len(shadowed) != 1 || shadowed[0].Scope.Level != layering.LevelEnvironment {
		t.Fatalf("expected only the environment default to be shadowed, got %+v", shadowed)
	}
	if (Trace{}).Shadowed() != nil {
		t.Fatalf("empty trace has nothing shadowed")
	}
}
