package workflow

import (
	"errors"
	"log/slog"

	"github.com/goliatone/go-flagstate/pkg/bus"
	"github.com/goliatone/go-flagstate/pkg/cache"
)

// Handle starts the work for toggles, environment edits and change-request
// intents. Keys are activated and entities claimed before Handle returns, so
// intents take effect in dispatch order; outcomes reach subscribers as cache
// events.
func (e *Engine) Handle(payload bus.Payload) {
	switch a := payload.Action.(type) {
	case bus.ToggleFlag:
		job, err := e.beginToggle(a.EnvironmentKey, a.FeatureID)
		launch(e, payload, job, err)
	case bus.EditEnvironmentFlag:
		job, err := e.beginPropose(FeatureEdit{
			Project: a.ProjectID, Environment: a.EnvironmentKey, Flag: a.Flag, State: a.State,
		}, ProposeOptions{})
		launch(e, payload, job, err)
	case bus.EditEnvironmentFlagChangeRequest:
		job, err := e.beginPropose(FeatureEdit{
			Project: a.ProjectID, Environment: a.EnvironmentKey, Flag: a.Flag, State: a.State,
			SegmentOverrides: a.SegmentOverrides,
		}, ProposeOptions{ChangeRequest: a.ChangeRequest, RequireChangeRequest: true})
		launch(e, payload, job, err)
	case bus.GetChangeRequest:
		job, err := e.requests.beginLoad(a.ID, false)
		launch(e, payload, job, err)
	case bus.GetChangeRequests:
		job, err := e.requests.beginLoadList(a.EnvironmentKey, a.Committed, false)
		launch(e, payload, job, err)
	case bus.UpdateChangeRequest:
		job, err := e.beginUpdate(a.ChangeRequest)
		launch(e, payload, job, err)
	case bus.ActionChangeRequest:
		switch a.Verb {
		case bus.VerbApprove:
			job, err := e.beginApprove(a.ID, a.UserID)
			launch(e, payload, job, err)
		case bus.VerbCommit:
			job, err := e.beginCommit(a.ID)
			launch(e, payload, job, err)
		}
	case bus.DeleteChangeRequest:
		job, err := e.beginDelete(a.ID)
		launch(e, payload, job, err)
	}
}

// Register subscribes the engine to d.
func (e *Engine) Register(d *bus.Dispatcher) bus.Token { return d.Register(e.Handle) }

// launch runs job in the background. A failed begin was already reported as
// a problem event, so it is only logged.
func launch[R any](e *Engine, payload bus.Payload, job cache.Job[R], err error) {
	if err != nil {
		e.report(payload, err)
		return
	}
	e.requests.detail.Go(func() {
		_, err := job(e.cfg.ctx)
		e.report(payload, err)
	})
}

func (e *Engine) report(payload bus.Payload, err error) {
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrSuperseded):
		e.cfg.logger.Debug("intent superseded", slog.String("id", payload.ID), slog.String("action", string(payload.Action.Type())))
	default:
		e.cfg.logger.Debug("intent failed", slog.String("id", payload.ID), slog.String("action", string(payload.Action.Type())), slog.Any("error", err))
	}
}
