package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/metrics"
	"github.com/goliatone/go-flagstate/pkg/policy"
	"github.com/goliatone/go-flagstate/pkg/stores"
)

// Features is the feature-list store the engine writes through. Its Begin
// methods claim the feature before returning the job that does the writes.
type Features interface {
	Snapshot() (stores.FeatureList, bool)
	BeginEditEnvironmentState(st flagstate.FeatureState, environmentID int, overrides flagstate.SegmentOverrideEdits) (cache.Job[flagstate.FeatureState], error)
	BeginProposeChangeRequest(featureID int, propose func(context.Context) (flagstate.ChangeRequest, error)) (cache.Job[flagstate.ChangeRequest], error)
	Problem(err error)
}

// Environments resolves the approval settings of environments.
type Environments interface {
	Environment(apiKey string) (flagstate.Environment, error)
	EnvironmentByID(id int) (flagstate.Environment, error)
}

// Refresher reloads the feature list of an environment after a commit
// changed it server side.
type Refresher interface {
	Refresh(ctx context.Context, project int, environment string) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, project int, environment string) error

func (f RefresherFunc) Refresh(ctx context.Context, project int, environment string) error {
	return f(ctx, project, environment)
}

// FeatureEdit is a proposed change to one flag in one environment.
type FeatureEdit struct {
	Project          int
	Environment      string
	Flag             flagstate.ProjectFlag
	State            flagstate.FeatureState
	SegmentOverrides flagstate.SegmentOverrideEdits
}

// ProposeOptions controls how an edit is routed. ChangeRequest carries the
// title, description, live_from and, for updates, the id of the request.
type ProposeOptions struct {
	ChangeRequest        flagstate.ChangeRequest
	RequireChangeRequest bool
	Metadata             map[string]any
}

// Proposal is the outcome of Propose: a direct write or a change request.
type Proposal struct {
	State         *flagstate.FeatureState
	ChangeRequest *flagstate.ChangeRequest
}

func (p Proposal) IsChangeRequest() bool { return p.ChangeRequest != nil }

// Engine drives change requests for one client.
type Engine struct {
	gw           gateway.Gateway
	features     Features
	environments Environments
	requests     *ChangeRequestStore
	cfg          config

	mu     sync.Mutex
	timers map[int]func() bool
}

// NewEngine wires an engine. The feature store doubles as the Refresher
// unless WithRefresher supplies another one.
func NewEngine(gw gateway.Gateway, features Features, environments Environments, opts ...Option) *Engine {
	if gw == nil || features == nil || environments == nil {
		panic("workflow: gateway, features and environments are required")
	}
	cfg := newConfig(opts)
	if cfg.refresher == nil {
		refresher, ok := features.(Refresher)
		if !ok {
			panic("workflow: a Refresher is required")
		}
		cfg.refresher = refresher
	}
	return &Engine{
		gw:           gw,
		features:     features,
		environments: environments,
		requests:     newChangeRequestStore(gw, cfg),
		cfg:          cfg,
		timers:       map[int]func() bool{},
	}
}

// Requests returns the change-request store.
func (e *Engine) Requests() *ChangeRequestStore { return e.requests }

// Settle waits for background work started by bus handlers.
func (e *Engine) Settle() { e.requests.Settle() }

// Close stops every scheduled refresh.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, stop := range e.timers {
		stop()
		delete(e.timers, id)
	}
}

// Propose applies edit directly or wraps it in a change request. A change
// request is used when the environment requires approvals, live_from lies
// in the future, the caller asks for one, an existing request is updated,
// or the routing rule requires it. A direct write saves the environment
// state and then the segment overrides.
func (e *Engine) Propose(ctx context.Context, edit FeatureEdit, opts ProposeOptions) (Proposal, error) {
	job, err := e.beginPropose(edit, opts)
	return await(ctx, job, err)
}

func (e *Engine) beginPropose(edit FeatureEdit, opts ProposeOptions) (cache.Job[Proposal], error) {
	job, err := e.routePropose(edit, opts)
	return observe(e.cfg.metrics, "propose", job, err)
}

func (e *Engine) routePropose(edit FeatureEdit, opts ProposeOptions) (cache.Job[Proposal], error) {
	env, err := e.environments.Environment(edit.Environment)
	if err != nil {
		e.features.Problem(err)
		return nil, err
	}
	if edit.State.Feature == 0 {
		edit.State.Feature = edit.Flag.ID
	}
	if err := flagstate.ValidateFeatureState(edit.Flag, edit.State); err != nil {
		e.features.Problem(err)
		return nil, err
	}
	if err := edit.SegmentOverrides.Validate(); err != nil {
		e.features.Problem(err)
		return nil, err
	}

	required, err := e.requiresChangeRequest(env, edit, opts)
	if err != nil {
		e.features.Problem(err)
		return nil, err
	}
	if !required {
		write, err := e.features.BeginEditEnvironmentState(edit.State, env.ID, edit.SegmentOverrides)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (Proposal, error) {
			st, err := write(ctx)
			if err != nil {
				return Proposal{}, err
			}
			return Proposal{State: &st}, nil
		}, nil
	}

	update := opts.ChangeRequest.ID != 0
	submit, err := e.features.BeginProposeChangeRequest(edit.State.Feature, func(ctx context.Context) (flagstate.ChangeRequest, error) {
		return e.submit(ctx, env, edit, opts.ChangeRequest)
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Proposal, error) {
		cr, err := submit(ctx)
		if err != nil && !errors.Is(err, cache.ErrSuperseded) {
			return Proposal{}, err
		}
		e.requests.show(ctx, cr)
		e.requests.patchList(ctx, env.APIKey, cr)
		verb := activity.VerbChangeRequestCreated
		if update {
			verb = activity.VerbChangeRequestUpdated
		}
		e.record(ctx, verb, env, cr, e.cfg.actor, map[string]any{
			"feature": edit.State.Feature,
			"enabled": edit.State.Enabled,
		})
		e.WatchScheduled(cr)
		return Proposal{ChangeRequest: &cr}, err
	}, nil
}

func (e *Engine) requiresChangeRequest(env flagstate.Environment, edit FeatureEdit, opts ProposeOptions) (bool, error) {
	cr := opts.ChangeRequest
	now := e.cfg.clock.Now()
	switch {
	case env.MinimumApprovals() >= 1,
		opts.RequireChangeRequest,
		cr.ID != 0,
		cr.LiveFrom != nil && cr.LiveFrom.After(now):
		return true, nil
	}
	required, err := e.cfg.router.RequiresChangeRequest(policy.RoutingInput{
		Environment: env,
		Flag:        edit.Flag,
		State:       edit.State,
		LiveFrom:    cr.LiveFrom,
		Now:         now,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return false, fmt.Errorf("workflow: routing rule: %w", err)
	}
	return required, nil
}

func (e *Engine) submit(ctx context.Context, env flagstate.Environment, edit FeatureEdit, draft flagstate.ChangeRequest) (flagstate.ChangeRequest, error) {
	if current, ok := e.requests.Current(); ok && draft.ID != 0 && current.ID == draft.ID {
		if err := checkOpen(current); err != nil {
			return flagstate.ChangeRequest{}, err
		}
	}

	st := edit.State
	st.Environment = env.ID
	st.FeatureSegment = nil
	st.Identity = nil
	body := draft
	body.Environment = env.ID
	body.FeatureStates = append([]flagstate.FeatureState{st}, edit.SegmentOverrides.ToWire(st.Feature, env.ID)...)
	if body.Title == "" {
		body.Title = "Update " + edit.Flag.Name
	}

	var (
		cr  flagstate.ChangeRequest
		err error
	)
	if body.ID != 0 {
		cr, err = gateway.PutJSON[flagstate.ChangeRequest](ctx, e.gw, requestURL(body.ID), body)
	} else {
		cr, err = gateway.PostJSON[flagstate.ChangeRequest](ctx, e.gw, fmt.Sprintf("environments/%s/create-change-request/", env.APIKey), body)
	}
	if err != nil {
		return flagstate.ChangeRequest{}, err
	}
	if cr.ID == 0 {
		return flagstate.ChangeRequest{}, fmt.Errorf("workflow: change request for %s returned no id", edit.Flag.Name)
	}
	if len(cr.FeatureStates) == 0 {
		cr.FeatureStates = body.FeatureStates
	}
	return cr, nil
}

// Toggle flips a flag's enabled state in environment, routed like any
// other edit.
func (e *Engine) Toggle(ctx context.Context, environment string, featureID int) (Proposal, error) {
	job, err := e.beginToggle(environment, featureID)
	return await(ctx, job, err)
}

func (e *Engine) beginToggle(environment string, featureID int) (cache.Job[Proposal], error) {
	list, ok := e.features.Snapshot()
	if !ok {
		e.features.Problem(cache.ErrNotLoaded)
		return nil, cache.ErrNotLoaded
	}
	flag, ok := list.Flag(featureID)
	st, hasState := list.States[featureID]
	if !ok || !hasState {
		err := fmt.Errorf("%w: %d", stores.ErrUnknownFlag, featureID)
		e.features.Problem(err)
		return nil, err
	}
	st.Enabled = !st.Enabled
	title := "Enable " + flag.Name
	if !st.Enabled {
		title = "Disable " + flag.Name
	}
	return e.beginPropose(FeatureEdit{Project: list.Project, Environment: environment, Flag: flag, State: st},
		ProposeOptions{ChangeRequest: flagstate.ChangeRequest{Title: title}})
}

// Update saves the title, description or live_from of an open request.
func (e *Engine) Update(ctx context.Context, draft flagstate.ChangeRequest) (flagstate.ChangeRequest, error) {
	job, err := e.beginUpdate(draft)
	return await(ctx, job, err)
}

func (e *Engine) beginUpdate(draft flagstate.ChangeRequest) (cache.Job[flagstate.ChangeRequest], error) {
	return e.beginTransition(transition{
		name:  "update",
		verb:  activity.VerbChangeRequestUpdated,
		id:    draft.ID,
		actor: e.cfg.actor,
		step: func(ctx context.Context, cr flagstate.ChangeRequest, env flagstate.Environment) (flagstate.ChangeRequest, error) {
			body := draft
			if len(body.FeatureStates) == 0 {
				body.FeatureStates = cr.FeatureStates
			}
			next, err := gateway.PutJSON[flagstate.ChangeRequest](ctx, e.gw, requestURL(cr.ID), body)
			if err != nil {
				return flagstate.ChangeRequest{}, err
			}
			if next.ID == 0 {
				next = body
			}
			return next, nil
		},
		after: func(_ context.Context, cr flagstate.ChangeRequest, _ flagstate.Environment) {
			e.WatchScheduled(cr)
		},
	})
}

// Approve records userID's approval. Approving twice is a no-op.
func (e *Engine) Approve(ctx context.Context, id, userID int) (flagstate.ChangeRequest, error) {
	job, err := e.beginApprove(id, userID)
	return await(ctx, job, err)
}

func (e *Engine) beginApprove(id, userID int) (cache.Job[flagstate.ChangeRequest], error) {
	if userID == 0 {
		err := &flagstate.ValidationError{Field: "user", Reason: "approver is required"}
		e.requests.detail.Problem(err)
		return nil, err
	}
	who := Approver{User: userID}
	return e.beginTransition(transition{
		name:  "approve",
		verb:  activity.VerbChangeRequestApproved,
		id:    id,
		actor: userID,
		settled: func(cr flagstate.ChangeRequest) bool {
			return HasApproved(cr, who)
		},
		step: func(ctx context.Context, cr flagstate.ChangeRequest, _ flagstate.Environment) (flagstate.ChangeRequest, error) {
			next, err := gateway.PostJSON[flagstate.ChangeRequest](ctx, e.gw, requestURL(cr.ID)+"approve/", map[string]int{"user": userID})
			if err != nil {
				return flagstate.ChangeRequest{}, err
			}
			if next.ID == 0 {
				next = cr
			}
			return withApproval(next, who, e.cfg.clock.Now()), nil
		},
	})
}

// Commit makes the request live once its quorum is met, then refreshes the
// feature list of its environment.
func (e *Engine) Commit(ctx context.Context, id int) (flagstate.ChangeRequest, error) {
	job, err := e.beginCommit(id)
	return await(ctx, job, err)
}

func (e *Engine) beginCommit(id int) (cache.Job[flagstate.ChangeRequest], error) {
	return e.beginTransition(transition{
		name:  "commit",
		verb:  activity.VerbChangeRequestCommitted,
		id:    id,
		actor: e.cfg.actor,
		step: func(ctx context.Context, cr flagstate.ChangeRequest, env flagstate.Environment) (flagstate.ChangeRequest, error) {
			quorum := env.MinimumApprovals()
			if !QuorumMet(cr, quorum) {
				return flagstate.ChangeRequest{}, fmt.Errorf("%w: %d of %d approvals", ErrQuorumNotMet, Approvals(cr), quorum)
			}
			next, err := gateway.PostJSON[flagstate.ChangeRequest](ctx, e.gw, requestURL(cr.ID)+"commit/", nil)
			if err != nil {
				return flagstate.ChangeRequest{}, err
			}
			if next.ID == 0 {
				next = cr
			}
			if next.CommittedAt == nil {
				now := e.cfg.clock.Now()
				next.CommittedAt = &now
			}
			return next, nil
		},
		after: func(ctx context.Context, _ flagstate.ChangeRequest, env flagstate.Environment) {
			e.unwatch(id)
			e.refresh(ctx, env)
		},
	})
}

// Delete discards a request that has not been committed.
func (e *Engine) Delete(ctx context.Context, id int) (flagstate.ChangeRequest, error) {
	job, err := e.beginDelete(id)
	return await(ctx, job, err)
}

func (e *Engine) beginDelete(id int) (cache.Job[flagstate.ChangeRequest], error) {
	return e.beginTransition(transition{
		name:  "delete",
		verb:  activity.VerbChangeRequestDeleted,
		id:    id,
		actor: e.cfg.actor,
		step: func(ctx context.Context, cr flagstate.ChangeRequest, _ flagstate.Environment) (flagstate.ChangeRequest, error) {
			if _, err := e.gw.Delete(ctx, requestURL(cr.ID)); err != nil {
				return flagstate.ChangeRequest{}, err
			}
			now := e.cfg.clock.Now()
			cr.DeletedAt = &now
			return cr, nil
		},
		after: func(context.Context, flagstate.ChangeRequest, flagstate.Environment) {
			e.unwatch(id)
		},
	})
}

type step func(ctx context.Context, cr flagstate.ChangeRequest, env flagstate.Environment) (flagstate.ChangeRequest, error)

// transition is one write against an open change request.
type transition struct {
	name  string
	verb  string
	id    int
	actor int
	// settled reports a request the transition has nothing left to do for.
	settled func(flagstate.ChangeRequest) bool
	step    step
	// after runs once the server accepted the step.
	after func(ctx context.Context, cr flagstate.ChangeRequest, env flagstate.Environment)
}

// beginTransition makes request t.id the inspected one and claims it. The
// job loads it when needed, rejects terminal requests and runs t.step.
func (e *Engine) beginTransition(t transition) (cache.Job[flagstate.ChangeRequest], error) {
	var (
		env     flagstate.Environment
		stepped bool
	)
	mutate, err := e.requests.beginMutate(t.id, func(ctx context.Context, cr flagstate.ChangeRequest) (flagstate.ChangeRequest, bool, error) {
		var err error
		if env, err = e.environments.EnvironmentByID(cr.Environment); err != nil {
			return cr, false, err
		}
		if err := checkOpen(cr); err != nil {
			return cr, false, err
		}
		if t.settled != nil && t.settled(cr) {
			return cr, false, nil
		}
		next, err := t.step(ctx, cr, env)
		if err != nil {
			return cr, false, err
		}
		stepped = true
		return next, true, nil
	})
	if err != nil {
		return observe(e.cfg.metrics, t.name, mutate, err)
	}
	return observe(e.cfg.metrics, t.name, func(ctx context.Context) (flagstate.ChangeRequest, error) {
		out, err := mutate(ctx)
		if err != nil && !errors.Is(err, cache.ErrSuperseded) {
			return out, err
		}
		if !stepped {
			return out, err
		}
		e.record(ctx, t.verb, env, out, t.actor, map[string]any{
			"state":     string(StateOf(out, env.MinimumApprovals(), e.cfg.clock.Now())),
			"approvals": Approvals(out),
		})
		if t.after != nil {
			t.after(ctx, out, env)
		}
		return out, err
	}, nil)
}

// WatchScheduled arms a refresh of cr and its environment's feature list at
// live_from plus the schedule grace. It reports whether a timer was armed.
func (e *Engine) WatchScheduled(cr flagstate.ChangeRequest) bool {
	if cr.ID == 0 || cr.LiveFrom == nil || cr.CommittedAt != nil || cr.DeletedAt != nil {
		return false
	}
	now := e.cfg.clock.Now()
	if !cr.LiveFrom.After(now) {
		return false
	}
	env, err := e.environments.EnvironmentByID(cr.Environment)
	if err != nil {
		e.cfg.logger.Warn("scheduled change request has no known environment", slog.Int("id", cr.ID), slog.Any("error", err))
		return false
	}

	delay := cr.LiveFrom.Sub(now) + e.cfg.grace
	id := cr.ID
	stop := e.cfg.clock.AfterFunc(delay, func() { e.fireScheduled(id, env) })

	e.mu.Lock()
	if previous, ok := e.timers[id]; ok {
		previous()
	}
	e.timers[id] = stop
	e.mu.Unlock()
	e.cfg.logger.Debug("scheduled change request armed", slog.Int("id", id), slog.Duration("delay", delay))
	return true
}

func (e *Engine) fireScheduled(id int, env flagstate.Environment) {
	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()

	ctx := e.cfg.ctx
	err := e.requests.Refresh(ctx, id)
	if err != nil {
		e.cfg.logger.Warn("scheduled change request refresh failed", slog.Int("id", id), slog.Any("error", err))
	}
	e.refresh(ctx, env)
	e.cfg.metrics.ObserveTransition("scheduled", outcome(err))
}

func (e *Engine) unwatch(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.timers[id]; ok {
		stop()
		delete(e.timers, id)
	}
}

// Scheduled returns the ids with an armed refresh.
func (e *Engine) Scheduled() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.timers))
	for id := range e.timers {
		ids = append(ids, id)
	}
	return ids
}

// refresh reloads the feature list after a commit. A failure is already a
// problem event of the feature list, so it is only logged.
func (e *Engine) refresh(ctx context.Context, env flagstate.Environment) {
	if env.APIKey == "" {
		return
	}
	if err := e.cfg.refresher.Refresh(ctx, env.Project, env.APIKey); err != nil && !errors.Is(err, cache.ErrSuperseded) {
		e.cfg.logger.Warn("feature list refresh after commit failed",
			slog.Int("project", env.Project), slog.String("environment", env.APIKey), slog.Any("error", err))
	}
}

func (e *Engine) record(ctx context.Context, verb string, env flagstate.Environment, cr flagstate.ChangeRequest, actor int, changes map[string]any) {
	e.cfg.activity.Record(ctx, activity.BuildChangeRequestEvent(verb, activity.EventInput{
		ActorID:     actor,
		ObjectID:    cr.ID,
		Project:     env.Project,
		Environment: env.APIKey,
		Name:        cr.Title,
		Changes:     changes,
		OccurredAt:  e.cfg.clock.Now(),
	}))
}

// observe records the outcome of a workflow operation under name, whether
// it failed while starting or when its job completed.
func observe[R any](m *metrics.Metrics, name string, job cache.Job[R], err error) (cache.Job[R], error) {
	if err != nil {
		m.ObserveTransition(name, outcome(err))
		return nil, err
	}
	return func(ctx context.Context) (R, error) {
		out, err := job(ctx)
		m.ObserveTransition(name, outcome(err))
		return out, err
	}, nil
}

// await runs job in the caller's goroutine.
func await[R any](ctx context.Context, job cache.Job[R], err error) (R, error) {
	if err != nil {
		var zero R
		return zero, err
	}
	return job(ctx)
}

func outcome(err error) string {
	if errors.Is(err, cache.ErrSuperseded) {
		return metrics.OutcomeSuperseded
	}
	if errors.Is(err, ErrQuorumNotMet) || flagstate.IsValidationError(err) {
		return metrics.OutcomeRejected
	}
	return metrics.Outcome(err)
}
