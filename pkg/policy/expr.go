package policy

import (
	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type exprCompiler struct {
	cache     ProgramCache
	functions Functions
}

type exprRule struct {
	text    string
	program *vm.Program
}

func (c *exprCompiler) options() []exprlang.Option {
	opts := []exprlang.Option{
		exprlang.Env(Facts{}.variables()),
		exprlang.AllowUndefinedVariables(),
	}
	for _, name := range c.functions.Names() {
		fn := c.functions[name]
		opts = append(opts, exprlang.Function(name, func(params ...any) (any, error) {
			return fn(params...)
		}))
	}
	return opts
}

func (c *exprCompiler) Compile(rule string) (Rule, error) {
	if rule == "" {
		return nil, ErrEmptyRule
	}
	key := cacheKey(EngineExpr, rule)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			if program, ok := cached.(*vm.Program); ok {
				return &exprRule{text: rule, program: program}, nil
			}
		}
	}
	program, err := exprlang.Compile(rule, c.options()...)
	if err != nil {
		return nil, &RuleError{Engine: EngineExpr, Rule: rule, Err: err}
	}
	if c.cache != nil {
		c.cache.Set(key, program)
	}
	return &exprRule{text: rule, program: program}, nil
}

func (r *exprRule) Decide(facts Facts) (bool, error) {
	out, err := exprlang.Run(r.program, facts.variables())
	if err != nil {
		return false, err
	}
	return decided(EngineExpr, r.text, out)
}
