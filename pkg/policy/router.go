package policy

import (
	"fmt"
	"strings"
	"time"

	flagstate "github.com/goliatone/go-flagstate"
)

// Engine names a rule language.
type Engine string

const (
	EngineExpr Engine = "expr"
	EngineCEL  Engine = "cel"
	EngineJS   Engine = "js"
)

// RoutingInput describes one proposed edit for a routing rule.
type RoutingInput struct {
	Environment flagstate.Environment
	Flag        flagstate.ProjectFlag
	State       flagstate.FeatureState
	LiveFrom    *time.Time
	Now         time.Time
	Metadata    map[string]any
}

// Router evaluates an operator-supplied rule deciding whether an edit must go
// through a change request even when the environment does not require
// approvals. A rule can only add that requirement; it never lifts it.
type Router struct {
	text      string
	engine    Engine
	cache     ProgramCache
	functions Functions
	logger    DecisionLogger
	compiler  Compiler
	rule      Rule
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithEngine selects the rule language. Defaults to expr.
func WithEngine(engine Engine) RouterOption {
	return func(r *Router) {
		if engine != "" {
			r.engine = engine
		}
	}
}

// WithCompiler supplies a custom compiler, overriding WithEngine.
func WithCompiler(compiler Compiler) RouterOption {
	return func(r *Router) {
		r.compiler = compiler
	}
}

// WithProgramCache shares compiled programs across routers.
func WithProgramCache(cache ProgramCache) RouterOption {
	return func(r *Router) {
		r.cache = cache
	}
}

// WithFunctions adds rule helpers on top of Builtins.
func WithFunctions(fns Functions) RouterOption {
	return func(r *Router) {
		r.functions = r.functions.merge(fns)
	}
}

// WithDecisionLogger observes every evaluation.
func WithDecisionLogger(logger DecisionLogger) RouterOption {
	return func(r *Router) {
		if logger == nil {
			logger = noopDecisionLogger{}
		}
		r.logger = logger
	}
}

// NewRouter compiles rule with the configured engine. An empty rule yields a
// router that never requires a change request.
func NewRouter(rule string, opts ...RouterOption) (*Router, error) {
	r := &Router{
		text:      strings.TrimSpace(rule),
		engine:    EngineExpr,
		functions: Builtins(),
		logger:    noopDecisionLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.text == "" {
		return r, nil
	}
	if r.compiler == nil {
		compiler, err := newCompiler(r.engine, r.cache, r.functions)
		if err != nil {
			return nil, err
		}
		r.compiler = compiler
	}
	compiled, err := r.compiler.Compile(r.text)
	if err != nil {
		return nil, withEnvironment(err, r.engine, r.text, "")
	}
	r.rule = compiled
	return r, nil
}

func newCompiler(engine Engine, cache ProgramCache, fns Functions) (Compiler, error) {
	switch engine {
	case EngineExpr:
		return &exprCompiler{cache: cache, functions: fns}, nil
	case EngineCEL:
		return &celCompiler{cache: cache, functions: fns}, nil
	case EngineJS:
		return newJSCompiler(cache, fns)
	default:
		return nil, fmt.Errorf("policy: unknown engine %q", engine)
	}
}

// Rule returns the configured rule text.
func (r *Router) Rule() string {
	if r == nil {
		return ""
	}
	return r.text
}

// RequiresChangeRequest evaluates the rule against in. A nil router or empty
// rule returns false.
func (r *Router) RequiresChangeRequest(in RoutingInput) (bool, error) {
	if r == nil || r.rule == nil {
		return false, nil
	}
	facts := FactsFor(in)

	start := time.Now()
	required, err := r.rule.Decide(facts)
	err = withEnvironment(err, r.engine, r.text, in.Environment.APIKey)
	r.logger.LogDecision(Decision{
		Engine:      r.engine,
		Rule:        r.text,
		Environment: in.Environment.APIKey,
		Flag:        in.Flag.Name,
		Required:    required && err == nil,
		Duration:    time.Since(start),
		Err:         err,
	})
	if err != nil {
		return false, err
	}
	return required, nil
}

// FactsFor projects a proposed edit onto the rule variables. Numbers are
// int64 so every engine compares them the same way.
func FactsFor(in RoutingInput) Facts {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	tags := make([]any, len(in.Flag.Tags))
	for i, tag := range in.Flag.Tags {
		tags[i] = int64(tag)
	}
	var segment, identity int64
	if in.State.FeatureSegment != nil {
		segment = int64(in.State.FeatureSegment.Segment)
	}
	if in.State.Identity != nil {
		identity = int64(*in.State.Identity)
	}
	return Facts{
		Environment: map[string]any{
			"id":                int64(in.Environment.ID),
			"api_key":           in.Environment.APIKey,
			"name":              in.Environment.Name,
			"minimum_approvals": int64(in.Environment.MinimumApprovals()),
		},
		Flag: map[string]any{
			"id":                 int64(in.Flag.ID),
			"name":               in.Flag.Name,
			"type":               string(in.Flag.Type),
			"tags":               tags,
			"multivariate":       in.Flag.IsMultivariate(),
			"is_server_key_only": in.Flag.IsServerKeyOnly,
		},
		State: map[string]any{
			"enabled":  in.State.Enabled,
			"value":    in.State.FeatureStateValue.Interface(),
			"segment":  segment,
			"identity": identity,
		},
		Scheduled: in.LiveFrom != nil && in.LiveFrom.After(now),
		Now:       now,
		Metadata:  in.Metadata,
	}
}
