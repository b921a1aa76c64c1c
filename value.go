package flagstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind identifies the type carried by a Value.
type ValueKind string

const (
	KindNull    ValueKind = ""
	KindString  ValueKind = "unicode"
	KindInteger ValueKind = "int"
	KindBoolean ValueKind = "bool"
)

// Value is a typed feature_state_value. It encodes to a bare JSON scalar (or
// null) so it can be sent to the server unchanged.
type Value struct {
	Kind    ValueKind
	String  string
	Integer int64
	Boolean bool
}

func NullValue() Value             { return Value{} }
func StringValue(s string) Value   { return Value{Kind: KindString, String: s} }
func IntValue(n int64) Value       { return Value{Kind: KindInteger, Integer: n} }
func BoolValue(b bool) Value       { return Value{Kind: KindBoolean, Boolean: b} }
func (v Value) IsNull() bool       { return v.Kind == KindNull }
func (v Value) Equal(o Value) bool { return v.normalized() == o.normalized() }

// ParseValue coerces free-form input into a typed value: "true"/"false"
// become booleans, integer-looking text becomes an integer, "null" and blank
// input become null, and everything else stays a string. Integers with a
// leading zero stay strings so identifiers such as "007" survive.
func ParseValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "null":
		return NullValue()
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if looksLikeInteger(trimmed) {
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return IntValue(n)
		}
	}
	return StringValue(raw)
}

func looksLikeInteger(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" {
		return false
	}
	if len(digits) > 1 && digits[0] == '0' {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Interface returns the value as a plain Go value (nil, string, int64, bool).
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.String
	case KindInteger:
		return v.Integer
	case KindBoolean:
		return v.Boolean
	default:
		return nil
	}
}

// Text renders the value for display and for form round-trips.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.String
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case KindBoolean:
		return strconv.FormatBool(v.Boolean)
	default:
		return ""
	}
}

func (v Value) normalized() Value {
	switch v.Kind {
	case KindString:
		return Value{Kind: KindString, String: v.String}
	case KindInteger:
		return Value{Kind: KindInteger, Integer: v.Integer}
	case KindBoolean:
		return Value{Kind: KindBoolean, Boolean: v.Boolean}
	default:
		return Value{}
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = NullValue()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("flagstate: unsupported feature_state_value %s", string(trimmed))
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*v = IntValue(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("flagstate: unsupported feature_state_value %s", string(trimmed))
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		*v = IntValue(int64(f))
		return nil
	}
	*v = StringValue(n.String())
	return nil
}
