package stores

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// IdentityView is one identity with its overrides keyed by feature id.
type IdentityView struct {
	Environment string                         `json:"environment"`
	Identity    flagstate.Identity             `json:"identity"`
	Overrides   map[int]flagstate.FeatureState `json:"overrides"`
}

// Evaluate resolves featureID for the identity against list.
func (v IdentityView) Evaluate(list FeatureList, featureID int) (flagstate.EvaluatedFlag, error) {
	var override *flagstate.FeatureState
	if st, ok := v.Overrides[featureID]; ok {
		override = &st
	}
	return list.Evaluate(featureID, override)
}

// IdentityStore caches the identity being inspected.
type IdentityStore struct {
	gw    gateway.Gateway
	cache *cache.Cache[IdentityView]
	settings
}

func NewIdentityStore(gw gateway.Gateway, opts ...Option) *IdentityStore {
	s := newSettings(opts)
	return &IdentityStore{gw: requireGateway(gw), cache: newCache[IdentityView]("identity", s), settings: s}
}

func (s *IdentityStore) Cache() *cache.Cache[IdentityView] { return s.cache }

func (s *IdentityStore) Snapshot() (IdentityView, bool) {
	view, _, ok := s.cache.Snapshot()
	return view, ok
}

func (s *IdentityStore) Load(ctx context.Context, environment string, identityID int, force bool) (IdentityView, error) {
	job, err := s.beginLoad(environment, identityID, force)
	return await(ctx, job, err)
}

func (s *IdentityStore) beginLoad(environment string, identityID int, force bool) (cache.Job[IdentityView], error) {
	base := identityBase(environment, identityID)
	if err := s.cache.Activate(base); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (IdentityView, error) {
		return s.cache.Ensure(ctx, base, force, s.fetcher(environment, base))
	}, nil
}

func (s *IdentityStore) fetcher(environment, base string) cache.Fetch[IdentityView] {
	return func(ctx context.Context) (IdentityView, error) {
		var (
			identity flagstate.Identity
			states   []flagstate.FeatureState
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			identity, err = gateway.GetJSON[flagstate.Identity](gctx, s.gw, base)
			return err
		})
		g.Go(func() error {
			var err error
			states, err = gateway.GetList[flagstate.FeatureState](gctx, s.gw, base+"featurestates/")
			return err
		})
		if err := g.Wait(); err != nil {
			return IdentityView{}, err
		}
		view := IdentityView{Environment: environment, Identity: identity, Overrides: make(map[int]flagstate.FeatureState, len(states))}
		for _, st := range states {
			view.Overrides[st.Feature] = st
		}
		return view, nil
	}
}

// EditFlag creates or updates the identity's override of a feature.
func (s *IdentityStore) EditFlag(ctx context.Context, st flagstate.FeatureState) (flagstate.FeatureState, error) {
	job, err := s.beginEditFlag(st)
	return await(ctx, job, err)
}

func (s *IdentityStore) beginEditFlag(st flagstate.FeatureState) (cache.Job[flagstate.FeatureState], error) {
	view, key, ok := s.cache.Snapshot()
	if !ok {
		return nil, s.reject(cache.ErrNotLoaded)
	}
	if err := flagstate.ValidateStateWeights(st.MultivariateFeatureStateValues); err != nil {
		return nil, s.reject(err)
	}
	if st.ID == 0 {
		st.ID = view.Overrides[st.Feature].ID
	}
	identityID := view.Identity.ID
	st.Identity = &identityID
	base := identityBase(view.Environment, identityID) + "featurestates/"

	var saved flagstate.FeatureState
	job, err := s.cache.Begin(cache.Mutation[IdentityView]{
		Entity: featureEntity(st.Feature),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[IdentityView], error) {
			var err error
			if st.ID != 0 {
				saved, err = gateway.PutJSON[flagstate.FeatureState](ctx, s.gw, fmt.Sprintf("%s%d/", base, st.ID), st)
			} else {
				saved, err = gateway.PostJSON[flagstate.FeatureState](ctx, s.gw, base, st)
			}
			if err != nil {
				return cache.Outcome[IdentityView]{}, err
			}
			if saved.Feature == 0 {
				saved = st
			}
			return cache.Outcome[IdentityView]{
				Apply: func(current IdentityView) IdentityView {
					if current.Overrides == nil {
						current.Overrides = map[int]flagstate.FeatureState{}
					}
					current.Overrides[saved.Feature] = saved
					return current
				},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.FeatureState, error) {
		if _, err := job(ctx); err != nil {
			return flagstate.FeatureState{}, err
		}
		s.record(ctx, activity.BuildFeatureStateEvent(activity.VerbIdentityOverrideSet, activity.EventInput{
			ActorID: s.actor, ObjectID: saved.ID, Environment: view.Environment,
			Name: view.Identity.Identifier, Changes: map[string]any{"feature": saved.Feature, "enabled": saved.Enabled},
		}))
		return saved, nil
	}, nil
}

// RemoveFlag deletes the identity override stateID.
func (s *IdentityStore) RemoveFlag(ctx context.Context, stateID int) error {
	job, err := s.beginRemoveFlag(stateID)
	_, err = await(ctx, job, err)
	return err
}

func (s *IdentityStore) beginRemoveFlag(stateID int) (cache.Job[struct{}], error) {
	view, key, ok := s.cache.Snapshot()
	if !ok {
		return nil, s.reject(cache.ErrNotLoaded)
	}
	feature := 0
	for id, st := range view.Overrides {
		if st.ID == stateID {
			feature = id
		}
	}
	job, err := s.cache.Begin(cache.Mutation[IdentityView]{
		Entity: featureEntity(feature),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[IdentityView], error) {
			url := fmt.Sprintf("%sfeaturestates/%d/", identityBase(view.Environment, view.Identity.ID), stateID)
			if _, err := s.gw.Delete(ctx, url); err != nil {
				return cache.Outcome[IdentityView]{}, err
			}
			return cache.Outcome[IdentityView]{
				Apply: func(current IdentityView) IdentityView {
					for id, st := range current.Overrides {
						if st.ID == stateID {
							delete(current.Overrides, id)
						}
					}
					return current
				},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (struct{}, error) {
		if _, err := job(ctx); err != nil {
			return struct{}{}, err
		}
		s.record(ctx, activity.BuildFeatureStateEvent(activity.VerbIdentityOverrideUnset, activity.EventInput{
			ActorID: s.actor, ObjectID: stateID, Environment: view.Environment,
			Name: view.Identity.Identifier, Changes: map[string]any{"feature": feature},
		}))
		return struct{}{}, nil
	}, nil
}

func (s *IdentityStore) reject(err error) error {
	s.cache.Problem(err)
	return err
}

func identityBase(environment string, identityID int) string {
	return fmt.Sprintf("environments/%s/identities/%d/", environment, identityID)
}
