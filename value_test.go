package flagstate

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParseValueCoercion(t *testing.T) {
	cases := []struct {
		in   string
		want Value
	}{
		{"true", BoolValue(true)},
		{"false", BoolValue(false)},
		{"42", IntValue(42)},
		{"-7", IntValue(-7)},
		{"0", IntValue(0)},
		{"007", StringValue("007")},
		{"null", NullValue()},
		{"", NullValue()},
		{"  ", NullValue()},
		{"1.5", StringValue("1.5")},
		{"blue", StringValue("blue")},
		{"True", StringValue("True")},
		{"99999999999999999999", StringValue("99999999999999999999")},
	}
	for _, tc := range cases {
		if got := ParseValue(tc.in); !got.Equal(tc.want) {
			t.Fatalf("ParseValue(%q): want %#v got %#v", tc.in, tc.want, got)
		}
	}
}

func TestValueJSONIsBareScalar(t *testing.T) {
	cases := []struct {
		value Value
		want  string
	}{
		{NullValue(), "null"},
		{StringValue("a"), `"a"`},
		{IntValue(12), "12"},
		{BoolValue(true), "true"},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(tc.value)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(raw) != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, raw)
		}
		var decoded Value
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !decoded.Equal(tc.value) {
			t.Fatalf("round trip mismatch: %#v vs %#v", decoded, tc.value)
		}
	}
}

func TestValueUnmarshalKeepsServerStrings(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`"true"`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Kind != KindString {
		t.Fatalf("server strings must not be coerced, got %#v", v)
	}
	if err := json.Unmarshal([]byte(`2.5`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Kind != KindString || v.String != "2.5" {
		t.Fatalf("expected fractional numbers to decode as text, got %#v", v)
	}
	if err := json.Unmarshal([]byte(`{}`), &v); err == nil {
		t.Fatalf("expected objects to be rejected")
	}
}

func TestFeatureStateWireShape(t *testing.T) {
	state := FeatureState{
		ID:                10,
		Feature:           1,
		Environment:       2,
		Enabled:           true,
		FeatureStateValue: IntValue(3),
		MultivariateFeatureStateValues: []MultivariateFeatureStateValue{
			{MultivariateFeatureOption: 4, PercentageAllocation: 25},
		},
		FeatureSegment: &FeatureSegment{Segment: 9, Priority: 0},
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "feature", "environment", "enabled", "feature_state_value", "multivariate_feature_state_values", "feature_segment"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected wire field %q in %s", key, raw)
		}
	}
	if _, ok := fields["identity"]; ok {
		t.Fatalf("identity must be omitted for environment states")
	}
}

func TestMultivariateOptionValue(t *testing.T) {
	opt := NewMultivariateOption(BoolValue(true), 10)
	if opt.Type != "bool" || opt.BooleanValue == nil || !*opt.BooleanValue {
		t.Fatalf("unexpected option %#v", opt)
	}
	if !opt.Value().Equal(BoolValue(true)) {
		t.Fatalf("expected option value true")
	}
	if !(MultivariateOption{}).Value().IsNull() {
		t.Fatalf("expected empty option to carry null")
	}
}

func TestValueUnmarshalKeepsLargeIntegers(t *testing.T) {
	cases := []struct {
		raw  string
		want Value
	}{
		{raw: `9007199254740993`, want: IntValue(9007199254740993)},
		{raw: `-9007199254740993`, want: IntValue(-9007199254740993)},
		{raw: `9223372036854775807`, want: IntValue(math.MaxInt64)},
		{raw: `1e3`, want: IntValue(1000)},
		{raw: `1e300`, want: StringValue("1e300")},
	}
	for _, tc := range cases {
		var v Value
		if err := json.Unmarshal([]byte(tc.raw), &v); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if !v.Equal(tc.want) {
			t.Fatalf("unmarshal %s: got %#v want %#v", tc.raw, v, tc.want)
		}
	}
}
