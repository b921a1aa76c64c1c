package stores

import (
	"context"
	"fmt"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// ProjectStore caches the active project.
type ProjectStore struct {
	gw    gateway.Gateway
	cache *cache.Cache[flagstate.Project]
	settings
}

func NewProjectStore(gw gateway.Gateway, opts ...Option) *ProjectStore {
	s := newSettings(opts)
	return &ProjectStore{gw: requireGateway(gw), cache: newCache[flagstate.Project]("project", s), settings: s}
}

func (s *ProjectStore) Cache() *cache.Cache[flagstate.Project] { return s.cache }

func (s *ProjectStore) Snapshot() (flagstate.Project, bool) {
	project, _, ok := s.cache.Snapshot()
	return project, ok
}

func (s *ProjectStore) Load(ctx context.Context, projectID int, force bool) (flagstate.Project, error) {
	job, err := s.beginLoad(projectID, force)
	return await(ctx, job, err)
}

func (s *ProjectStore) beginLoad(projectID int, force bool) (cache.Job[flagstate.Project], error) {
	key := projectKey(projectID)
	if err := s.cache.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.Project, error) {
		return s.cache.Ensure(ctx, key, force, func(ctx context.Context) (flagstate.Project, error) {
			return gateway.GetJSON[flagstate.Project](ctx, s.gw, fmt.Sprintf("projects/%d/", projectID))
		})
	}, nil
}

// Edit saves the project's settings.
func (s *ProjectStore) Edit(ctx context.Context, project flagstate.Project) (flagstate.Project, error) {
	job, err := s.beginEdit(project)
	return await(ctx, job, err)
}

func (s *ProjectStore) beginEdit(project flagstate.Project) (cache.Job[flagstate.Project], error) {
	var saved flagstate.Project
	job, err := s.cache.Begin(cache.Mutation[flagstate.Project]{
		Entity: projectKey(project.ID),
		Key:    projectKey(project.ID),
		Run: func(ctx context.Context) (cache.Outcome[flagstate.Project], error) {
			var err error
			saved, err = gateway.PutJSON[flagstate.Project](ctx, s.gw, fmt.Sprintf("projects/%d/", project.ID), project)
			if err != nil {
				return cache.Outcome[flagstate.Project]{}, err
			}
			if saved.ID == 0 {
				saved = project
			}
			return cache.Outcome[flagstate.Project]{
				Apply: func(flagstate.Project) flagstate.Project { return saved },
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.Project, error) {
		_, err := job(ctx)
		return saved, err
	}, nil
}

func projectKey(id int) string {
	return fmt.Sprintf("project/%d", id)
}
