package usersink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"

	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/activity/usersink"
)

type activityLog struct {
	records []usertypes.ActivityRecord
	err     error
}

func (l *activityLog) Log(_ context.Context, record usertypes.ActivityRecord) error {
	l.records = append(l.records, record)
	return l.err
}

func TestDeliverMapsEvent(t *testing.T) {
	log := &activityLog{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	emitter := activity.NewEmitter(activity.Config{Enabled: true}, usersink.Sink{Log: log})

	err := emitter.Emit(context.Background(), activity.BuildChangeRequestEvent(activity.VerbChangeRequestCommitted, activity.EventInput{
		ActorID:     12,
		ObjectID:    40,
		Project:     3,
		Environment: "env-key",
		Name:        "release checkout",
		OccurredAt:  now,
	}))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(log.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(log.records))
	}
	record := log.records[0]
	if record.ActorID != usersink.ActorUUID(12) || record.ActorID == uuid.Nil {
		t.Fatalf("expected derived actor uuid, got %s", record.ActorID)
	}
	if record.Verb != "change_request.committed" || record.ObjectType != "change_request" || record.ObjectID != "40" {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.Channel != activity.DefaultChannel || !record.OccurredAt.Equal(now) {
		t.Fatalf("unexpected channel/time: %+v", record)
	}
	if record.Data["project"] != 3 || record.Data["environment"] != "env-key" || record.Data["name"] != "release checkout" || record.Data["actor"] != 12 {
		t.Fatalf("unexpected data %v", record.Data)
	}
}

func TestDeliverReturnsLogErrors(t *testing.T) {
	log := &activityLog{err: errors.New("db down")}
	err := usersink.Sink{Log: log}.Deliver(context.Background(), activity.BuildFlagEvent(activity.VerbFlagRemoved, activity.EventInput{ObjectID: 2}))
	if err == nil {
		t.Fatalf("expected log failure to surface")
	}
}

func TestActorUUID(t *testing.T) {
	if usersink.ActorUUID(7) != usersink.ActorUUID(7) {
		t.Fatalf("expected stable derived uuid")
	}
	if usersink.ActorUUID(7) == usersink.ActorUUID(8) {
		t.Fatalf("expected distinct uuids per user")
	}
	if usersink.ActorUUID(0) != uuid.Nil {
		t.Fatalf("expected nil uuid for unknown actor")
	}
}

func TestDeliverSkipsUnauditableEvents(t *testing.T) {
	log := &activityLog{}
	_ = usersink.Sink{Log: log}.Deliver(context.Background(), activity.Event{Verb: "flag.created"})
	if len(log.records) != 0 {
		t.Fatalf("expected no records, got %d", len(log.records))
	}
	if err := (usersink.Sink{}).Deliver(context.Background(), activity.Event{}); err != nil {
		t.Fatalf("expected missing log to be a no-op, got %v", err)
	}
}
