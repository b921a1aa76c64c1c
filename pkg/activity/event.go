package activity

import (
	"strconv"
	"time"
)

// Verbs emitted by the stores and the workflow engine.
const (
	VerbFlagCreated            = "flag.created"
	VerbFlagUpdated            = "flag.updated"
	VerbFlagRemoved            = "flag.removed"
	VerbFeatureStateUpdated    = "feature_state.updated"
	VerbSegmentsReordered      = "feature_segment.reordered"
	VerbIdentityOverrideSet    = "identity_override.updated"
	VerbIdentityOverrideUnset  = "identity_override.removed"
	VerbChangeRequestCreated   = "change_request.created"
	VerbChangeRequestUpdated   = "change_request.updated"
	VerbChangeRequestApproved  = "change_request.approved"
	VerbChangeRequestCommitted = "change_request.committed"
	VerbChangeRequestDeleted   = "change_request.deleted"
)

// Object kinds.
const (
	KindFlag          = "flag"
	KindFeatureState  = "feature_state"
	KindChangeRequest = "change_request"
)

// Object identifies the server entity an event is about.
type Object struct {
	Kind string
	ID   int
}

func (o Object) String() string {
	return o.Kind + ":" + strconv.Itoa(o.ID)
}

// Event is one audited transition. Actor and Project are server ids; zero
// means unknown.
type Event struct {
	Verb        string
	Object      Object
	Actor       int
	Project     int
	Environment string
	Channel     string
	Name        string
	Changes     map[string]any
	Metadata    map[string]any
	At          time.Time
}

// Auditable reports whether the event names a verb and a persisted object.
// Edits of unsaved entities carry id 0 and are not audited.
func (e Event) Auditable() bool {
	return e.Verb != "" && e.Object.Kind != "" && e.Object.ID != 0
}

// EventInput carries the common fields of a lifecycle event.
type EventInput struct {
	ActorID     int
	ObjectID    int
	Project     int
	Environment string
	Name        string
	Changes     map[string]any
	Metadata    map[string]any
	OccurredAt  time.Time
}

func BuildFlagEvent(verb string, input EventInput) Event {
	return input.event(verb, KindFlag)
}

func BuildFeatureStateEvent(verb string, input EventInput) Event {
	return input.event(verb, KindFeatureState)
}

func BuildChangeRequestEvent(verb string, input EventInput) Event {
	return input.event(verb, KindChangeRequest)
}

func (in EventInput) event(verb, kind string) Event {
	return Event{
		Verb:        verb,
		Object:      Object{Kind: kind, ID: in.ObjectID},
		Actor:       in.ActorID,
		Project:     in.Project,
		Environment: in.Environment,
		Name:        in.Name,
		Changes:     copyMap(in.Changes),
		Metadata:    copyMap(in.Metadata),
		At:          in.OccurredAt,
	}
}

// Fields flattens the event payload for sinks that store a single map:
// metadata first, then name, changes and scope.
func (e Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Metadata)+4)
	for key, value := range e.Metadata {
		out[key] = value
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	if len(e.Changes) > 0 {
		out["changes"] = copyMap(e.Changes)
	}
	if e.Project != 0 {
		out["project"] = e.Project
	}
	if e.Environment != "" {
		out["environment"] = e.Environment
	}
	return out
}

func copyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
