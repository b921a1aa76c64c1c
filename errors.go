package flagstate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMultivariate marks a weight list whose control weight would be
	// negative.
	ErrInvalidMultivariate = errors.New("flagstate: invalid multivariate allocation")
	// ErrNameRequired marks a flag submitted without a name.
	ErrNameRequired = errors.New("flagstate: name is required")
	// ErrNameImmutable marks an edit that renames an existing flag.
	ErrNameImmutable = errors.New("flagstate: name cannot be changed")
	// ErrNameTaken marks a flag name already used in the project.
	ErrNameTaken = errors.New("flagstate: name already exists")
	// ErrFeatureMismatch marks a feature state applied to the wrong flag.
	ErrFeatureMismatch = errors.New("flagstate: feature state belongs to another flag")
)

// ValidationError describes a local validation failure. Validation failures
// are raised before any request is issued.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString("flagstate: validation failed")
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsValidationError reports whether err was raised by local validation.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ValidateFlag checks a flag definition before it is created or saved.
func ValidateFlag(flag ProjectFlag) error {
	if strings.TrimSpace(flag.Name) == "" {
		return &ValidationError{Field: "name", Err: ErrNameRequired}
	}
	return ValidateWeights(flag.MultivariateOptions)
}

// ValidateFlagEdit checks an edit of an already persisted flag.
func ValidateFlagEdit(previous, next ProjectFlag) error {
	if previous.ID != 0 && previous.Name != next.Name {
		return &ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("%q cannot be renamed to %q", previous.Name, next.Name),
			Err:    ErrNameImmutable,
		}
	}
	return ValidateFlag(next)
}

// ValidateFeatureState checks a scoped state against the flag it belongs to.
func ValidateFeatureState(flag ProjectFlag, state FeatureState) error {
	if flag.ID != 0 && state.Feature != 0 && flag.ID != state.Feature {
		return &ValidationError{
			Field:  "feature",
			Reason: fmt.Sprintf("state targets feature %d, flag is %d", state.Feature, flag.ID),
			Err:    ErrFeatureMismatch,
		}
	}
	return ValidateStateWeights(state.MultivariateFeatureStateValues)
}
