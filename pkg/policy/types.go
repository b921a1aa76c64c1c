package policy

import "time"

// Facts are the variables a routing rule can read. Every engine exposes
// the same names: environment, flag, state, scheduled, now and metadata.
type Facts struct {
	Environment map[string]any
	Flag        map[string]any
	State       map[string]any
	Scheduled   bool
	Now         time.Time
	Metadata    map[string]any
}

func (f Facts) variables() map[string]any {
	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"environment": orEmpty(f.Environment),
		"flag":        orEmpty(f.Flag),
		"state":       orEmpty(f.State),
		"scheduled":   f.Scheduled,
		"now":         f.Now,
		"metadata":    metadata,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Rule is a compiled routing rule.
type Rule interface {
	Decide(facts Facts) (bool, error)
}

// Compiler turns rule text into a Rule for one engine.
type Compiler interface {
	Compile(rule string) (Rule, error)
}

// ProgramCache shares compiled programs between routers. Keys include the
// engine name.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

func cacheKey(engine Engine, rule string) string {
	return string(engine) + ":" + rule
}

func decided(engine Engine, rule string, value any) (bool, error) {
	required, ok := value.(bool)
	if !ok {
		return false, &RuleError{Engine: engine, Rule: rule, Err: nonBoolean(value)}
	}
	return required, nil
}
