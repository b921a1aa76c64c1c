//go:build js_eval

package policy

import (
	"github.com/dop251/goja"
)

type jsCompiler struct {
	cache     ProgramCache
	functions Functions
}

type jsRule struct {
	text      string
	program   *goja.Program
	functions Functions
}

func newJSCompiler(cache ProgramCache, fns Functions) (Compiler, error) {
	return &jsCompiler{cache: cache, functions: fns}, nil
}

// JSAvailable reports whether the binary was built with the js_eval tag.
func JSAvailable() bool {
	return true
}

func (c *jsCompiler) Compile(rule string) (Rule, error) {
	if rule == "" {
		return nil, ErrEmptyRule
	}
	key := cacheKey(EngineJS, rule)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			if program, ok := cached.(*goja.Program); ok {
				return &jsRule{text: rule, program: program, functions: c.functions}, nil
			}
		}
	}
	program, err := goja.Compile("rule.js", "("+rule+")", true)
	if err != nil {
		return nil, &RuleError{Engine: EngineJS, Rule: rule, Err: err}
	}
	if c.cache != nil {
		c.cache.Set(key, program)
	}
	return &jsRule{text: rule, program: program, functions: c.functions}, nil
}

// Decide runs the rule in a fresh runtime. goja runtimes are not safe for
// concurrent use.
func (r *jsRule) Decide(facts Facts) (bool, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for name, value := range facts.variables() {
		if err := vm.Set(name, value); err != nil {
			return false, err
		}
	}
	for _, name := range r.functions.Names() {
		fn := r.functions[name]
		if err := vm.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			out, err := fn(args...)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(out)
		}); err != nil {
			return false, err
		}
	}
	value, err := vm.RunProgram(r.program)
	if err != nil {
		return false, err
	}
	return decided(EngineJS, r.text, value.Export())
}
