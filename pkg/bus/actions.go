package bus

import (
	flagstate "github.com/goliatone/go-flagstate"
)

// ActionType is the wire discriminant of an action.
type ActionType string

const (
	TypeGetProject                       ActionType = "GET_PROJECT"
	TypeEditProject                      ActionType = "EDIT_PROJECT"
	TypeGetEnvironment                   ActionType = "GET_ENVIRONMENT"
	TypeEditEnvironment                  ActionType = "EDIT_ENVIRONMENT"
	TypeGetOrganisation                  ActionType = "GET_ORGANISATION"
	TypeEditOrganisation                 ActionType = "EDIT_ORGANISATION"
	TypeGetFeatures                      ActionType = "GET_FEATURES"
	TypeCreateFlag                       ActionType = "CREATE_FLAG"
	TypeEditFeature                      ActionType = "EDIT_FEATURE"
	TypeEditEnvironmentFlag              ActionType = "EDIT_ENVIRONMENT_FLAG"
	TypeEditEnvironmentFlagChangeRequest ActionType = "EDIT_ENVIRONMENT_FLAG_CHANGE_REQUEST"
	TypeRemoveFlag                       ActionType = "REMOVE_FLAG"
	TypeToggleFlag                       ActionType = "TOGGLE_FLAG"
	TypeSaveSegmentOverrides             ActionType = "SAVE_SEGMENT_OVERRIDES"
	TypeGetIdentity                      ActionType = "GET_IDENTITY"
	TypeEditIdentityFlag                 ActionType = "EDIT_IDENTITY_FLAG"
	TypeRemoveIdentityFlag               ActionType = "REMOVE_IDENTITY_FLAG"
	TypeGetChangeRequest                 ActionType = "GET_CHANGE_REQUEST"
	TypeGetChangeRequests                ActionType = "GET_CHANGE_REQUESTS"
	TypeUpdateChangeRequest              ActionType = "UPDATE_CHANGE_REQUEST"
	TypeActionChangeRequest              ActionType = "ACTION_CHANGE_REQUEST"
	TypeDeleteChangeRequest              ActionType = "DELETE_CHANGE_REQUEST"
)

// Action is the closed set of intents the bus delivers. Only types declared
// in this package implement it.
type Action interface {
	Type() ActionType
	sealed()
}

type GetProject struct {
	ProjectID int
}

type EditProject struct {
	Project flagstate.Project
}

// GetEnvironment loads the environments of a project and selects APIKey.
type GetEnvironment struct {
	ProjectID int
	APIKey    string
}

type EditEnvironment struct {
	Environment flagstate.Environment
}

type GetOrganisation struct {
	OrganisationID int
}

type EditOrganisation struct {
	Organisation flagstate.Organisation
}

type GetFeatures struct {
	ProjectID      int
	EnvironmentKey string
	Force          bool
}

type CreateFlag struct {
	ProjectID      int
	EnvironmentKey string
	Flag           flagstate.ProjectFlag
}

// EditFeature edits the project-level definition of a flag, including its
// multivariate options.
type EditFeature struct {
	ProjectID int
	Flag      flagstate.ProjectFlag
}

// EditEnvironmentFlag writes the environment state of a flag directly.
type EditEnvironmentFlag struct {
	ProjectID      int
	EnvironmentKey string
	Flag           flagstate.ProjectFlag
	State          flagstate.FeatureState
}

// EditEnvironmentFlagChangeRequest proposes State through a change request.
// ChangeRequest carries the title, description, optional live_from and, for
// updates, the id of the existing request.
type EditEnvironmentFlagChangeRequest struct {
	ProjectID        int
	EnvironmentKey   string
	Flag             flagstate.ProjectFlag
	State            flagstate.FeatureState
	SegmentOverrides flagstate.SegmentOverrideEdits
	ChangeRequest    flagstate.ChangeRequest
}

type RemoveFlag struct {
	ProjectID int
	Flag      flagstate.ProjectFlag
}

// ToggleFlag flips the enabled state of FeatureID in the active environment.
type ToggleFlag struct {
	ProjectID      int
	EnvironmentKey string
	FeatureID      int
}

type SaveSegmentOverrides struct {
	ProjectID      int
	EnvironmentID  int
	EnvironmentKey string
	FeatureID      int
	Overrides      flagstate.SegmentOverrideEdits
}

type GetIdentity struct {
	EnvironmentKey string
	IdentityID     int
}

type EditIdentityFlag struct {
	EnvironmentKey string
	IdentityID     int
	State          flagstate.FeatureState
}

type RemoveIdentityFlag struct {
	EnvironmentKey string
	IdentityID     int
	StateID        int
}

type GetChangeRequest struct {
	ID int
}

type GetChangeRequests struct {
	EnvironmentKey string
	Committed      bool
}

type UpdateChangeRequest struct {
	ChangeRequest flagstate.ChangeRequest
}

// ChangeRequestVerb selects the transition requested by ActionChangeRequest.
type ChangeRequestVerb string

const (
	VerbApprove ChangeRequestVerb = "approve"
	VerbCommit  ChangeRequestVerb = "commit"
)

type ActionChangeRequest struct {
	ID     int
	Verb   ChangeRequestVerb
	UserID int
}

type DeleteChangeRequest struct {
	ID int
}

func (GetProject) Type() ActionType                       { return TypeGetProject }
func (EditProject) Type() ActionType                      { return TypeEditProject }
func (GetEnvironment) Type() ActionType                   { return TypeGetEnvironment }
func (EditEnvironment) Type() ActionType                  { return TypeEditEnvironment }
func (GetOrganisation) Type() ActionType                  { return TypeGetOrganisation }
func (EditOrganisation) Type() ActionType                 { return TypeEditOrganisation }
func (GetFeatures) Type() ActionType                      { return TypeGetFeatures }
func (CreateFlag) Type() ActionType                       { return TypeCreateFlag }
func (EditFeature) Type() ActionType                      { return TypeEditFeature }
func (EditEnvironmentFlag) Type() ActionType              { return TypeEditEnvironmentFlag }
func (EditEnvironmentFlagChangeRequest) Type() ActionType { return TypeEditEnvironmentFlagChangeRequest }
func (RemoveFlag) Type() ActionType                       { return TypeRemoveFlag }
func (ToggleFlag) Type() ActionType                       { return TypeToggleFlag }
func (SaveSegmentOverrides) Type() ActionType             { return TypeSaveSegmentOverrides }
func (GetIdentity) Type() ActionType                      { return TypeGetIdentity }
func (EditIdentityFlag) Type() ActionType                 { return TypeEditIdentityFlag }
func (RemoveIdentityFlag) Type() ActionType               { return TypeRemoveIdentityFlag }
func (GetChangeRequest) Type() ActionType                 { return TypeGetChangeRequest }
func (GetChangeRequests) Type() ActionType                { return TypeGetChangeRequests }
func (UpdateChangeRequest) Type() ActionType              { return TypeUpdateChangeRequest }
func (ActionChangeRequest) Type() ActionType              { return TypeActionChangeRequest }
func (DeleteChangeRequest) Type() ActionType              { return TypeDeleteChangeRequest }

func (GetProject) sealed()                       {}
func (EditProject) sealed()                      {}
func (GetEnvironment) sealed()                   {}
func (EditEnvironment) sealed()                  {}
func (GetOrganisation) sealed()                  {}
func (EditOrganisation) sealed()                 {}
func (GetFeatures) sealed()                      {}
func (CreateFlag) sealed()                       {}
func (EditFeature) sealed()                      {}
func (EditEnvironmentFlag) sealed()              {}
func (EditEnvironmentFlagChangeRequest) sealed() {}
func (RemoveFlag) sealed()                       {}
func (ToggleFlag) sealed()                       {}
func (SaveSegmentOverrides) sealed()             {}
func (GetIdentity) sealed()                      {}
func (EditIdentityFlag) sealed()                 {}
func (RemoveIdentityFlag) sealed()               {}
func (GetChangeRequest) sealed()                 {}
func (GetChangeRequests) sealed()                {}
func (UpdateChangeRequest) sealed()              {}
func (ActionChangeRequest) sealed()              {}
func (DeleteChangeRequest) sealed()              {}

// Validate rejects nil actions, unknown variants and variants missing their
// required fields. It is the single boundary unknown actions are turned away
// at.
func Validate(action Action) error {
	switch a := action.(type) {
	case GetProject:
		return require(a.ProjectID != 0, a, "project id")
	case EditProject:
		return require(a.Project.ID != 0, a, "project id")
	case GetEnvironment:
		return require(a.ProjectID != 0, a, "project id")
	case EditEnvironment:
		return require(a.Environment.APIKey != "", a, "environment api key")
	case GetOrganisation:
		return require(a.OrganisationID != 0, a, "organisation id")
	case EditOrganisation:
		return require(a.Organisation.ID != 0, a, "organisation id")
	case GetFeatures:
		return require(a.ProjectID != 0 && a.EnvironmentKey != "", a, "project id and environment key")
	case CreateFlag:
		return require(a.ProjectID != 0, a, "project id")
	case EditFeature:
		return require(a.ProjectID != 0 && a.Flag.ID != 0, a, "project id and flag id")
	case EditEnvironmentFlag:
		return require(a.EnvironmentKey != "" && a.Flag.ID != 0, a, "environment key and flag id")
	case EditEnvironmentFlagChangeRequest:
		return require(a.EnvironmentKey != "" && a.Flag.ID != 0, a, "environment key and flag id")
	case RemoveFlag:
		return require(a.ProjectID != 0 && a.Flag.ID != 0, a, "project id and flag id")
	case ToggleFlag:
		return require(a.EnvironmentKey != "" && a.FeatureID != 0, a, "environment key and feature id")
	case SaveSegmentOverrides:
		return require(a.EnvironmentID != 0 && a.FeatureID != 0, a, "environment id and feature id")
	case GetIdentity:
		return require(a.EnvironmentKey != "" && a.IdentityID != 0, a, "environment key and identity id")
	case EditIdentityFlag:
		return require(a.EnvironmentKey != "" && a.IdentityID != 0, a, "environment key and identity id")
	case RemoveIdentityFlag:
		return require(a.EnvironmentKey != "" && a.StateID != 0, a, "environment key and state id")
	case GetChangeRequest:
		return require(a.ID != 0, a, "change request id")
	case GetChangeRequests:
		return require(a.EnvironmentKey != "", a, "environment key")
	case UpdateChangeRequest:
		return require(a.ChangeRequest.ID != 0, a, "change request id")
	case ActionChangeRequest:
		return require(a.ID != 0 && (a.Verb == VerbApprove || a.Verb == VerbCommit), a, "change request id and verb")
	case DeleteChangeRequest:
		return require(a.ID != 0, a, "change request id")
	default:
		return ErrUnknownAction
	}
}
