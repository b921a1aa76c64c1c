// Package usersink forwards flagstate audit events to a go-users
// ActivitySink.
package usersink

import (
	"context"
	"strconv"

	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"

	"github.com/goliatone/go-flagstate/pkg/activity"
)

// actorNamespace derives stable UUIDs for the server's integer user ids.
var actorNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("flagstate:user"))

// Sink writes audit events to a go-users activity log.
type Sink struct {
	Log usertypes.ActivitySink
}

// Deliver maps event onto an ActivityRecord. The server user id is kept in
// the record data next to its derived UUID.
func (s Sink) Deliver(ctx context.Context, event activity.Event) error {
	if s.Log == nil || !event.Auditable() {
		return nil
	}
	data := event.Fields()
	actor := ActorUUID(event.Actor)
	if event.Actor != 0 {
		data["actor"] = event.Actor
	}
	return s.Log.Log(ctx, usertypes.ActivityRecord{
		ActorID:    actor,
		UserID:     actor,
		Verb:       event.Verb,
		ObjectType: event.Object.Kind,
		ObjectID:   strconv.Itoa(event.Object.ID),
		Channel:    event.Channel,
		Data:       data,
		OccurredAt: event.At,
	})
}

// ActorUUID derives a stable UUID for a server user id. Zero maps to uuid.Nil.
func ActorUUID(user int) uuid.UUID {
	if user == 0 {
		return uuid.Nil
	}
	return uuid.NewSHA1(actorNamespace, []byte(strconv.Itoa(user)))
}
