package stores

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goliatone/go-flagstate/pkg/bus"
	"github.com/goliatone/go-flagstate/pkg/cache"
)

// Handle starts the work for the feature-list intents in payload. The key is
// activated, or the feature claimed, before Handle returns; gateway calls run
// in the background and outcomes reach subscribers as cache events.
func (s *FeatureListStore) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.GetFeatures:
		job, err := s.beginLoad(a.ProjectID, a.EnvironmentKey, a.Force)
		launch(s.cache, s.settings, payload, job, err)
	case bus.CreateFlag:
		job, err := s.beginCreateFlag(a.Flag)
		launch(s.cache, s.settings, payload, job, err)
	case bus.EditFeature:
		job, err := s.beginEditFeature(a.Flag)
		launch(s.cache, s.settings, payload, job, err)
	case bus.RemoveFlag:
		job, err := s.beginRemoveFlag(a.Flag.ID)
		launch(s.cache, s.settings, payload, job, err)
	case bus.SaveSegmentOverrides:
		job, err := s.beginSaveSegmentOverrides(a.EnvironmentID, a.FeatureID, a.Overrides)
		launch(s.cache, s.settings, payload, job, err)
	}
}

// Register subscribes the store to d.
func (s *FeatureListStore) Register(d *bus.Dispatcher) bus.Token { return d.Register(s.Handle) }

func (s *ProjectStore) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.GetProject:
		job, err := s.beginLoad(a.ProjectID, false)
		launch(s.cache, s.settings, payload, job, err)
	case bus.EditProject:
		job, err := s.beginEdit(a.Project)
		launch(s.cache, s.settings, payload, job, err)
	}
}

func (s *ProjectStore) Register(d *bus.Dispatcher) bus.Token { return d.Register(s.Handle) }

func (s *EnvironmentStore) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.GetEnvironment:
		job, err := s.beginLoad(a.ProjectID, a.APIKey, false)
		launch(s.cache, s.settings, payload, job, err)
	case bus.EditEnvironment:
		job, err := s.beginEdit(a.Environment)
		launch(s.cache, s.settings, payload, job, err)
	}
}

func (s *EnvironmentStore) Register(d *bus.Dispatcher) bus.Token { return d.Register(s.Handle) }

func (s *OrganisationStore) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.GetOrganisation:
		job, err := s.beginLoad(a.OrganisationID, false)
		launch(s.cache, s.settings, payload, job, err)
	case bus.EditOrganisation:
		job, err := s.beginEdit(a.Organisation)
		launch(s.cache, s.settings, payload, job, err)
	}
}

func (s *OrganisationStore) Register(d *bus.Dispatcher) bus.Token { return d.Register(s.Handle) }

func (s *IdentityStore) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.GetIdentity:
		job, err := s.beginLoad(a.EnvironmentKey, a.IdentityID, false)
		launch(s.cache, s.settings, payload, job, err)
	case bus.EditIdentityFlag:
		job, err := s.beginEditFlag(a.State)
		launch(s.cache, s.settings, payload, job, err)
	case bus.RemoveIdentityFlag:
		job, err := s.beginRemoveFlag(a.StateID)
		launch(s.cache, s.settings, payload, job, err)
	}
}

func (s *IdentityStore) Register(d *bus.Dispatcher) bus.Token { return d.Register(s.Handle) }

type runner interface {
	Go(fn func())
}

// launch runs job in the background of r. A failed begin was already
// reported as a problem event, so it is only logged.
func launch[R any](r runner, s settings, payload bus.Payload, job cache.Job[R], err error) {
	if err != nil {
		s.report(payload, err)
		return
	}
	r.Go(func() {
		_, err := job(s.ctx)
		s.report(payload, err)
	})
}

// await runs job in the caller's goroutine.
func await[R any](ctx context.Context, job cache.Job[R], err error) (R, error) {
	if err != nil {
		var zero R
		return zero, err
	}
	return job(ctx)
}

func (s settings) report(payload bus.Payload, err error) {
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrSuperseded):
		s.logger.Debug("intent superseded", slog.String("id", payload.ID), slog.String("action", string(payload.Action.Type())))
	default:
		s.logger.Debug("intent failed", slog.String("id", payload.ID), slog.String("action", string(payload.Action.Type())), slog.Any("error", err))
	}
}
