//go:build !js_eval

package policy

func newJSCompiler(ProgramCache, Functions) (Compiler, error) {
	return nil, ErrJSUnavailable
}

// JSAvailable reports whether the binary was built with the js_eval tag.
func JSAvailable() bool {
	return false
}
