package stores

import (
	"context"
	"fmt"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// EnvironmentList holds the environments of one project and the selected one.
type EnvironmentList struct {
	Project      int                     `json:"project"`
	Environments []flagstate.Environment `json:"environments"`
	Selected     string                  `json:"selected,omitempty"`
}

// Environment returns the environment with apiKey.
func (l EnvironmentList) Environment(apiKey string) (flagstate.Environment, bool) {
	for _, env := range l.Environments {
		if env.APIKey == apiKey {
			return env, true
		}
	}
	return flagstate.Environment{}, false
}

// Current returns the selected environment.
func (l EnvironmentList) Current() (flagstate.Environment, bool) {
	return l.Environment(l.Selected)
}

// EnvironmentStore caches the environments of the active project.
type EnvironmentStore struct {
	gw    gateway.Gateway
	cache *cache.Cache[EnvironmentList]
	settings
}

func NewEnvironmentStore(gw gateway.Gateway, opts ...Option) *EnvironmentStore {
	s := newSettings(opts)
	return &EnvironmentStore{gw: requireGateway(gw), cache: newCache[EnvironmentList]("environments", s), settings: s}
}

func (s *EnvironmentStore) Cache() *cache.Cache[EnvironmentList] { return s.cache }

func (s *EnvironmentStore) Snapshot() (EnvironmentList, bool) {
	list, _, ok := s.cache.Snapshot()
	return list, ok
}

// Environment looks apiKey up in the loaded list.
func (s *EnvironmentStore) Environment(apiKey string) (flagstate.Environment, error) {
	list, ok := s.Snapshot()
	if !ok {
		return flagstate.Environment{}, cache.ErrNotLoaded
	}
	env, ok := list.Environment(apiKey)
	if !ok {
		return flagstate.Environment{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, apiKey)
	}
	return env, nil
}

// EnvironmentByID looks an environment up by its numeric id.
func (s *EnvironmentStore) EnvironmentByID(id int) (flagstate.Environment, error) {
	list, ok := s.Snapshot()
	if !ok {
		return flagstate.Environment{}, cache.ErrNotLoaded
	}
	for _, env := range list.Environments {
		if env.ID == id {
			return env, nil
		}
	}
	return flagstate.Environment{}, fmt.Errorf("%w: id %d", ErrUnknownEnvironment, id)
}

// Load fetches the environments of projectID and selects apiKey, which may
// be empty.
func (s *EnvironmentStore) Load(ctx context.Context, projectID int, apiKey string, force bool) (EnvironmentList, error) {
	job, err := s.beginLoad(projectID, apiKey, force)
	return await(ctx, job, err)
}

func (s *EnvironmentStore) beginLoad(projectID int, apiKey string, force bool) (cache.Job[EnvironmentList], error) {
	key := projectKey(projectID)
	if err := s.cache.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (EnvironmentList, error) {
		list, err := s.cache.Ensure(ctx, key, force, func(ctx context.Context) (EnvironmentList, error) {
			envs, err := gateway.GetList[flagstate.Environment](ctx, s.gw, fmt.Sprintf("environments/?project=%d", projectID))
			if err != nil {
				return EnvironmentList{}, err
			}
			return EnvironmentList{Project: projectID, Environments: envs}, nil
		})
		if err != nil || apiKey == "" || list.Selected == apiKey {
			return list, err
		}
		return s.selectEnvironment(ctx, key, list, apiKey)
	}, nil
}

func (s *EnvironmentStore) selectEnvironment(ctx context.Context, key string, list EnvironmentList, apiKey string) (EnvironmentList, error) {
	if _, ok := list.Environment(apiKey); !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownEnvironment, apiKey)
		s.cache.Problem(err)
		return list, err
	}
	_, err := s.cache.Mutate(ctx, cache.Mutation[EnvironmentList]{
		Entity: "selection",
		Key:    key,
		Force:  true,
		Run: func(context.Context) (cache.Outcome[EnvironmentList], error) {
			return cache.Outcome[EnvironmentList]{
				Apply: func(current EnvironmentList) EnvironmentList {
					current.Selected = apiKey
					return current
				},
			}, nil
		},
	})
	list.Selected = apiKey
	return list, err
}

// Edit saves an environment's settings, including its approval quorum.
func (s *EnvironmentStore) Edit(ctx context.Context, env flagstate.Environment) (flagstate.Environment, error) {
	job, err := s.beginEdit(env)
	return await(ctx, job, err)
}

func (s *EnvironmentStore) beginEdit(env flagstate.Environment) (cache.Job[flagstate.Environment], error) {
	var saved flagstate.Environment
	job, err := s.cache.Begin(cache.Mutation[EnvironmentList]{
		Entity: "environment/" + env.APIKey,
		Run: func(ctx context.Context) (cache.Outcome[EnvironmentList], error) {
			var err error
			saved, err = gateway.PutJSON[flagstate.Environment](ctx, s.gw, fmt.Sprintf("environments/%s/", env.APIKey), env)
			if err != nil {
				return cache.Outcome[EnvironmentList]{}, err
			}
			if saved.APIKey == "" {
				saved = env
			}
			return cache.Outcome[EnvironmentList]{
				Apply: func(current EnvironmentList) EnvironmentList {
					for i, existing := range current.Environments {
						if existing.APIKey == saved.APIKey {
							current.Environments[i] = saved
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
	return func(ctx context.Context) (flagstate.Environment, error) {
		_, err := job(ctx)
		return saved, err
	}, nil
}
