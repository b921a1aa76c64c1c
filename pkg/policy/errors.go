package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrNonBooleanRule is returned when a routing rule does not produce a bool.
	ErrNonBooleanRule = errors.New("policy: rule must evaluate to a boolean")
	// ErrEmptyRule is returned when compiling blank rule text.
	ErrEmptyRule = errors.New("policy: rule is empty")
	// ErrJSUnavailable is returned for the js engine in builds without js_eval.
	ErrJSUnavailable = errors.New("policy: js engine requires the js_eval build tag")
)

// RuleError describes a rule that failed to compile or evaluate.
// Environment is empty for compile failures.
type RuleError struct {
	Engine      Engine
	Rule        string
	Environment string
	Err         error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("policy: %s rule %q", e.Engine, e.Rule)
	if e.Environment != "" {
		msg += " in " + e.Environment
	}
	return msg + ": " + e.Err.Error()
}

func (e *RuleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// withEnvironment tags err with the environment it was evaluated for. Errors
// that already carry rule metadata keep their engine and rule.
func withEnvironment(err error, engine Engine, rule, environment string) error {
	if err == nil {
		return nil
	}
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		if ruleErr.Environment == "" {
			ruleErr.Environment = environment
		}
		return ruleErr
	}
	return &RuleError{Engine: engine, Rule: rule, Environment: environment, Err: err}
}

func nonBoolean(value any) error {
	return fmt.Errorf("%w: got %T", ErrNonBooleanRule, value)
}
