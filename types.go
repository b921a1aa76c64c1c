package flagstate

import "time"

// FlagType discriminates standard and multivariate project flags.
type FlagType string

const (
	FlagTypeStandard     FlagType = "STANDARD"
	FlagTypeMultivariate FlagType = "MULTIVARIATE"
)

// ProjectFlag is the project-scoped definition of a feature. Name is
// immutable once the flag has been created.
type ProjectFlag struct {
	ID                  int                  `json:"id,omitempty"`
	Name                string               `json:"name"`
	Description         string               `json:"description"`
	Type                FlagType             `json:"type"`
	Project             int                  `json:"project,omitempty"`
	DefaultEnabled      bool                 `json:"default_enabled"`
	InitialValue        Value                `json:"initial_value"`
	IsArchived          bool                 `json:"is_archived"`
	IsServerKeyOnly     bool                 `json:"is_server_key_only"`
	MultivariateOptions []MultivariateOption `json:"multivariate_options"`
	Tags                []int                `json:"tags"`
}

// IsMultivariate reports whether the flag carries weighted options.
func (f ProjectFlag) IsMultivariate() bool {
	return len(f.MultivariateOptions) > 0
}

// MultivariateOption is one weighted alternative value of a flag.
type MultivariateOption struct {
	ID                          int     `json:"id,omitempty"`
	Type                        string  `json:"type"`
	StringValue                 *string `json:"string_value,omitempty"`
	IntegerValue                *int64  `json:"integer_value,omitempty"`
	BooleanValue                *bool   `json:"boolean_value,omitempty"`
	DefaultPercentageAllocation float64 `json:"default_percentage_allocation"`
}

// Value returns the typed value held by the option.
func (o MultivariateOption) Value() Value {
	switch {
	case o.BooleanValue != nil:
		return BoolValue(*o.BooleanValue)
	case o.IntegerValue != nil:
		return IntValue(*o.IntegerValue)
	case o.StringValue != nil:
		return StringValue(*o.StringValue)
	default:
		return NullValue()
	}
}

// NewMultivariateOption builds an unsaved option carrying value.
func NewMultivariateOption(value Value, weight float64) MultivariateOption {
	opt := MultivariateOption{DefaultPercentageAllocation: weight}
	switch value.Kind {
	case KindBoolean:
		b := value.Boolean
		opt.Type = string(KindBoolean)
		opt.BooleanValue = &b
	case KindInteger:
		n := value.Integer
		opt.Type = string(KindInteger)
		opt.IntegerValue = &n
	default:
		s := value.String
		opt.Type = string(KindString)
		opt.StringValue = &s
	}
	return opt
}

// MultivariateFeatureStateValue assigns a percentage to one option inside a
// scoped feature state.
type MultivariateFeatureStateValue struct {
	ID                        int     `json:"id,omitempty"`
	MultivariateFeatureOption int     `json:"multivariate_feature_option"`
	PercentageAllocation      float64 `json:"percentage_allocation"`
}

// FeatureSegment ties a feature state to a segment with an evaluation rank.
type FeatureSegment struct {
	ID          int `json:"id,omitempty"`
	Segment     int `json:"segment"`
	Priority    int `json:"priority"`
	Environment int `json:"environment,omitempty"`
	Feature     int `json:"feature,omitempty"`
}

// FeatureState is the environment, segment or identity scoped instantiation
// of a ProjectFlag.
type FeatureState struct {
	ID                             int                             `json:"id,omitempty"`
	Feature                        int                             `json:"feature"`
	Environment                    int                             `json:"environment,omitempty"`
	Enabled                        bool                            `json:"enabled"`
	FeatureStateValue              Value                           `json:"feature_state_value"`
	MultivariateFeatureStateValues []MultivariateFeatureStateValue `json:"multivariate_feature_state_values"`
	FeatureSegment                 *FeatureSegment                 `json:"feature_segment,omitempty"`
	Identity                       *int                            `json:"identity,omitempty"`
}

// IsSegmentOverride reports whether the state applies to a segment.
func (s FeatureState) IsSegmentOverride() bool {
	return s.FeatureSegment != nil
}

// IsIdentityOverride reports whether the state applies to one identity.
func (s FeatureState) IsIdentityOverride() bool {
	return s.Identity != nil
}

// Approval records one assigned approver. ApprovedAt is nil until the
// approver acts.
type Approval struct {
	ID         int        `json:"id,omitempty"`
	User       int        `json:"user,omitempty"`
	Group      int        `json:"group,omitempty"`
	ApprovedAt *time.Time `json:"approved_at"`
}

// GroupAssignment assigns a user group to review a change request.
type GroupAssignment struct {
	ID    int `json:"id,omitempty"`
	Group int `json:"group"`
}

// ChangeRequest is an approval-gated proposal to change feature states.
type ChangeRequest struct {
	ID               int               `json:"id,omitempty"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	FeatureStates    []FeatureState    `json:"feature_states"`
	Approvals        []Approval        `json:"approvals"`
	GroupAssignments []GroupAssignment `json:"group_assignments"`
	CommittedAt      *time.Time        `json:"committed_at"`
	LiveFrom         *time.Time        `json:"live_from"`
	Environment      int               `json:"environment,omitempty"`
	User             int               `json:"user,omitempty"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
}

// Environment is a project environment. A nil MinimumChangeRequestApprovals
// disables the change-request workflow.
type Environment struct {
	ID                            int    `json:"id"`
	APIKey                        string `json:"api_key"`
	Name                          string `json:"name"`
	Project                       int    `json:"project"`
	MinimumChangeRequestApprovals *int   `json:"minimum_change_request_approvals"`
}

// MinimumApprovals returns the approval quorum, zero when disabled.
func (e Environment) MinimumApprovals() int {
	if e.MinimumChangeRequestApprovals == nil || *e.MinimumChangeRequestApprovals < 0 {
		return 0
	}
	return *e.MinimumChangeRequestApprovals
}

// Project groups environments and flags.
type Project struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Organisation int           `json:"organisation"`
	Environments []Environment `json:"environments,omitempty"`
}

// User is an organisation member that may approve change requests.
type User struct {
	ID        int    `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// UserGroup is a named set of users used for group approvals.
type UserGroup struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Users []User `json:"users,omitempty"`
}

// Organisation owns projects, users and groups.
type Organisation struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Users  []User      `json:"users,omitempty"`
	Groups []UserGroup `json:"groups,omitempty"`
}

// Segment is a named audience a feature may be overridden for.
type Segment struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Project int    `json:"project"`
}

// Identity is one end user known to an environment.
type Identity struct {
	ID          int    `json:"id"`
	Identifier  string `json:"identifier"`
	Environment string `json:"environment,omitempty"`
}
