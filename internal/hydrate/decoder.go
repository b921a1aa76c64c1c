// Package hydrate turns the merged configuration map (defaults, YAML file
// and environment overrides) into a typed struct.
package hydrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error reports a payload that does not fit the target struct. Key is the
// dotted path of the offending entry when the decoder can name it.
type Error struct {
	Source string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("hydrate: %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("hydrate: %s: key %q: %v", e.Source, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Option adjusts decoding.
type Option func(*options)

type options struct {
	strict bool
}

// Strict rejects keys that do not map to a field.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// Decode converts payload into T. The payload is never modified.
func Decode[T any](source string, payload map[string]any, opts ...Option) (T, error) {
	var out T
	if payload == nil {
		return out, &Error{Source: source, Err: errors.New("payload is nil")}
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, &Error{Source: source, Err: err}
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if o.strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(&out); err != nil {
		return out, &Error{Source: source, Key: keyOf(err), Err: err}
	}
	return out, nil
}

// ToMap converts a struct into its JSON map form, the shape Decode accepts.
func ToMap(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FoldKeys returns a copy of payload with keys lowercased and dashes turned
// into underscores at every depth, so "Base-URL" in a YAML file matches a
// base_url tag. Fold each layer before merging.
func FoldKeys(payload map[string]any) map[string]any {
	out, _ := fold(payload).(map[string]any)
	return out
}

func fold(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[strings.ReplaceAll(strings.ToLower(key), "-", "_")] = fold(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = fold(item)
		}
		return out
	default:
		return value
	}
}

func keyOf(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Field
	}
	// encoding/json only reports unknown fields in its message.
	const unknown = `json: unknown field "`
	if msg := err.Error(); strings.HasPrefix(msg, unknown) {
		return strings.TrimSuffix(strings.TrimPrefix(msg, unknown), `"`)
	}
	return ""
}
