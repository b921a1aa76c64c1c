package policy

import (
	"fmt"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

type celCompiler struct {
	cache     ProgramCache
	functions Functions
}

type celRule struct {
	text    string
	program celgo.Program
}

func (c *celCompiler) env() (*celgo.Env, error) {
	record := celgo.MapType(celgo.StringType, celgo.DynType)
	opts := []celgo.EnvOption{
		celgo.Variable("environment", record),
		celgo.Variable("flag", record),
		celgo.Variable("state", record),
		celgo.Variable("metadata", record),
		celgo.Variable("scheduled", celgo.BoolType),
		celgo.Variable("now", celgo.TimestampType),
	}
	for _, name := range c.functions.Names() {
		opts = append(opts, celFunction(name, c.functions[name]))
	}
	return celgo.NewEnv(opts...)
}

// celFunction exposes a helper with one to three dynamic arguments.
func celFunction(name string, fn Function) celgo.EnvOption {
	call := func(args ...ref.Val) ref.Val {
		native := make([]any, len(args))
		for i, arg := range args {
			native[i] = arg.Value()
		}
		out, err := fn(native...)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		return types.DefaultTypeAdapter.NativeToValue(out)
	}
	dyn := celgo.DynType
	return celgo.Function(name,
		celgo.Overload(name+"_dyn", []*celgo.Type{dyn}, dyn,
			celgo.UnaryBinding(func(a ref.Val) ref.Val { return call(a) })),
		celgo.Overload(name+"_dyn_dyn", []*celgo.Type{dyn, dyn}, dyn,
			celgo.BinaryBinding(func(a, b ref.Val) ref.Val { return call(a, b) })),
		celgo.Overload(name+"_dyn_dyn_dyn", []*celgo.Type{dyn, dyn, dyn}, dyn,
			celgo.FunctionBinding(call)),
	)
}

func (c *celCompiler) Compile(rule string) (Rule, error) {
	if rule == "" {
		return nil, ErrEmptyRule
	}
	key := cacheKey(EngineCEL, rule)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			if program, ok := cached.(celgo.Program); ok {
				return &celRule{text: rule, program: program}, nil
			}
		}
	}
	env, err := c.env()
	if err != nil {
		return nil, &RuleError{Engine: EngineCEL, Rule: rule, Err: err}
	}
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, &RuleError{Engine: EngineCEL, Rule: rule, Err: issues.Err()}
	}
	// Type-checked rules that cannot yield a bool are rejected up front.
	if out := ast.OutputType(); !out.IsExactType(celgo.BoolType) && !out.IsExactType(celgo.DynType) {
		return nil, &RuleError{Engine: EngineCEL, Rule: rule, Err: fmt.Errorf("%w: got %s", ErrNonBooleanRule, out)}
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, &RuleError{Engine: EngineCEL, Rule: rule, Err: err}
	}
	if c.cache != nil {
		c.cache.Set(key, program)
	}
	return &celRule{text: rule, program: program}, nil
}

func (r *celRule) Decide(facts Facts) (bool, error) {
	out, _, err := r.program.Eval(facts.variables())
	if err != nil {
		return false, err
	}
	return decided(EngineCEL, r.text, out.Value())
}
