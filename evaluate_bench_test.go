package flagstate

import "testing"

func BenchmarkEvaluateWithSegments(b *testing.B) {
	flag := ProjectFlag{ID: 1, Name: "checkout"}
	env := FeatureState{ID: 100, Feature: 1, Environment: 5}
	segments := make([]FeatureState, 20)
	for i := range segments {
		segments[i] = FeatureState{
			ID:                101 + i,
			Feature:           1,
			Enabled:           i%2 == 0,
			FeatureStateValue: IntValue(int64(i)),
			FeatureSegment:    &FeatureSegment{ID: 200 + i, Segment: 300 + i, Priority: 19 - i},
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if got := Evaluate(flag, env, segments, nil); got.Segment != 319 {
			b.Fatalf("unexpected winner %d", got.Segment)
		}
	}
}
