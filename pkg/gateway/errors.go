package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error is the normalized rejection shape. Status is 0 for failures that never
// produced a response (network errors, cancelled contexts).
type Error struct {
	Status int
	Data   json.RawMessage
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("gateway:")
	if e.Method != "" {
		fmt.Fprintf(&b, " %s %s", e.Method, e.URL)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if msg := e.Message(); msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message extracts a readable message from the response payload. It looks
// at "detail", "non_field_errors" and then the first field error.
func (e *Error) Message() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	var payload any
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return strings.TrimSpace(string(e.Data))
	}
	return messageFrom(payload)
}

func messageFrom(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if msg := messageFrom(item); msg != "" {
				return msg
			}
		}
	case map[string]any:
		for _, key := range []string{"detail", "non_field_errors", "message"} {
			if msg := messageFrom(v[key]); msg != "" {
				return msg
			}
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return ""
		}
		sort.Strings(keys)
		if msg := messageFrom(v[keys[0]]); msg != "" {
			return keys[0] + ": " + msg
		}
	}
	return ""
}

// Normalize converts any error into *Error. Nil stays nil.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &Error{Err: err}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Status
	}
	return 0
}

// IsNotFound reports a 404 rejection.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// IsNoChange reports the server's rejection of an update that changes
// nothing: a 400 whose payload mentions "no changes".
func IsNoChange(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Status != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(string(gwErr.Data)), "no changes")
}
