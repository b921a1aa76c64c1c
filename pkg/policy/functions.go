package policy

import (
	"fmt"
	"sort"
	"time"
)

// Function is a helper callable from routing rules.
type Function func(args ...any) (any, error)

// Functions maps rule helper names to their implementation.
type Functions map[string]Function

// Names returns the helper names in sorted order.
func (f Functions) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// merge returns a copy of f with extra added. Helpers in extra replace
// builtins of the same name.
func (f Functions) merge(extra Functions) Functions {
	out := make(Functions, len(f)+len(extra))
	for name, fn := range f {
		out[name] = fn
	}
	for name, fn := range extra {
		if name != "" && fn != nil {
			out[name] = fn
		}
	}
	return out
}

// Builtins are available to every rule:
//
//	hasTag(flag.tags, 7)            flag carries tag 7
//	hoursUntil(now, t)              hours from now to t, negative when past
//	weekday(now)                    "Monday" .. "Sunday"
func Builtins() Functions {
	return Functions{
		"hasTag": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("hasTag expects 2 args, got %d", len(args))
			}
			want, ok := toInt64(args[1])
			if !ok {
				return nil, fmt.Errorf("hasTag: tag must be numeric, got %T", args[1])
			}
			tags, _ := args[0].([]any)
			for _, tag := range tags {
				if got, ok := toInt64(tag); ok && got == want {
					return true, nil
				}
			}
			return false, nil
		},
		"hoursUntil": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("hoursUntil expects 2 args, got %d", len(args))
			}
			from, ok1 := args[0].(time.Time)
			to, ok2 := args[1].(time.Time)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("hoursUntil: arguments must be timestamps")
			}
			return to.Sub(from).Hours(), nil
		},
		"weekday": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("weekday expects 1 arg, got %d", len(args))
			}
			at, ok := args[0].(time.Time)
			if !ok {
				return nil, fmt.Errorf("weekday: argument must be a timestamp")
			}
			return at.Weekday().String(), nil
		},
	}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
