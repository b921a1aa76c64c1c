package layering

import "testing"

func TestScopeIdentifier(t *testing.T) {
	cases := []struct {
		scope Scope
		want  string
	}{
		{Scope{Feature: 3, Level: LevelIdentity, Identity: 99}, "identity/99/feature/3"},
		{Scope{Feature: 3, Level: LevelSegment, Segment: 12}, "segment/12/feature/3"},
		{Scope{Feature: 3, Level: LevelEnvironment, Environment: "env-key"}, "environment/env-key/feature/3"},
		{Scope{Feature: 3}, "unknown/feature/3"},
	}
	for _, tc := range cases {
		if got := tc.scope.Identifier(); got != tc.want {
			t.Fatalf("unexpected identifier: want %q got %q", tc.want, got)
		}
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelEnvironment, LevelSegment, LevelIdentity} {
		if got := ParseLevel(level.String()); got != level {
			t.Fatalf("expected %v, got %v", level, got)
		}
	}
	if got := ParseLevel("SEGMENT"); got != LevelSegment {
		t.Fatalf("expected case-insensitive parse, got %v", got)
	}
	if got := ParseLevel("tenant"); got != LevelUnknown {
		t.Fatalf("expected unknown level, got %v", got)
	}
	if LevelIdentity <= LevelSegment || LevelSegment <= LevelEnvironment {
		t.Fatalf("levels must be ordered environment < segment < identity")
	}
}
