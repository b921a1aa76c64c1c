package flagstate

import (
	"fmt"
	"strconv"
)

// TotalAllocation is the sum every weight list shares with its control value.
const TotalAllocation = 100.0

// ControlWeight returns the implicit control value weight, 100 minus the sum of
// every option's default allocation. A negative result marks the flag invalid
// for save.
func ControlWeight(options []MultivariateOption) float64 {
	total := TotalAllocation
	for _, option := range options {
		total -= option.DefaultPercentageAllocation
	}
	return total
}

// ControlWeightFor computes the control value weight of a scoped weight list
// (environment, segment override or identity override).
func ControlWeightFor(values []MultivariateFeatureStateValue) float64 {
	total := TotalAllocation
	for _, value := range values {
		total -= value.PercentageAllocation
	}
	return total
}

// ValidateWeights reports ErrInvalidMultivariate when the project default
// allocations leave a negative control weight or any option is out of range.
func ValidateWeights(options []MultivariateOption) error {
	for i, option := range options {
		if option.DefaultPercentageAllocation < 0 || option.DefaultPercentageAllocation > TotalAllocation {
			return &ValidationError{
				Field:  fmt.Sprintf("multivariate_options[%d].default_percentage_allocation", i),
				Reason: "must be between 0 and 100",
				Err:    ErrInvalidMultivariate,
			}
		}
	}
	if control := ControlWeight(options); control < 0 {
		return &ValidationError{
			Field:  "multivariate_options",
			Reason: fmt.Sprintf("allocations exceed 100 by %s", formatWeight(-control)),
			Err:    ErrInvalidMultivariate,
		}
	}
	return nil
}

// ValidateStateWeights applies the same invariant to a scoped weight list.
func ValidateStateWeights(values []MultivariateFeatureStateValue) error {
	for i, value := range values {
		if value.PercentageAllocation < 0 || value.PercentageAllocation > TotalAllocation {
			return &ValidationError{
				Field:  fmt.Sprintf("multivariate_feature_state_values[%d].percentage_allocation", i),
				Reason: "must be between 0 and 100",
				Err:    ErrInvalidMultivariate,
			}
		}
	}
	if control := ControlWeightFor(values); control < 0 {
		return &ValidationError{
			Field:  "multivariate_feature_state_values",
			Reason: fmt.Sprintf("allocations exceed 100 by %s", formatWeight(-control)),
			Err:    ErrInvalidMultivariate,
		}
	}
	return nil
}

// RemapWeights realigns a scoped weight list after the project options
// changed. Options are matched by id; unsaved options (id 0) are matched by
// their position among the unsaved options of each list. Surviving options
// keep their previous weight and entry id, options without a previous weight
// contribute their own default allocation, and removed options are dropped.
// The result follows the order of newOptions.
func RemapWeights(oldOptions, newOptions []MultivariateOption, previous []MultivariateFeatureStateValue) []MultivariateFeatureStateValue {
	byOption := make(map[int]MultivariateFeatureStateValue, len(previous))
	for _, value := range previous {
		if value.MultivariateFeatureOption != 0 {
			byOption[value.MultivariateFeatureOption] = value
		}
	}

	prior := make(map[string]MultivariateFeatureStateValue, len(oldOptions))
	unsaved := 0
	for i, option := range oldOptions {
		key := optionIdentity(option, &unsaved)
		if option.ID != 0 {
			if value, ok := byOption[option.ID]; ok {
				prior[key] = value
			}
			continue
		}
		// Unsaved options have no id to reference, so their weights can only
		// be found positionally in a list aligned with oldOptions.
		if len(previous) == len(oldOptions) && previous[i].MultivariateFeatureOption == 0 {
			prior[key] = previous[i]
		}
	}

	out := make([]MultivariateFeatureStateValue, 0, len(newOptions))
	unsaved = 0
	for _, option := range newOptions {
		key := optionIdentity(option, &unsaved)
		value, ok := prior[key]
		if !ok {
			value = MultivariateFeatureStateValue{PercentageAllocation: option.DefaultPercentageAllocation}
		}
		value.MultivariateFeatureOption = option.ID
		out = append(out, value)
	}
	return out
}

func optionIdentity(option MultivariateOption, unsaved *int) string {
	if option.ID != 0 {
		return "id:" + strconv.Itoa(option.ID)
	}
	key := "new:" + strconv.Itoa(*unsaved)
	*unsaved++
	return key
}

func formatWeight(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
