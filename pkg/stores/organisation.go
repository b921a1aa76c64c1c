package stores

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// OrganisationStore caches the active organisation with its user groups.
type OrganisationStore struct {
	gw    gateway.Gateway
	cache *cache.Cache[flagstate.Organisation]
	settings
}

func NewOrganisationStore(gw gateway.Gateway, opts ...Option) *OrganisationStore {
	s := newSettings(opts)
	return &OrganisationStore{gw: requireGateway(gw), cache: newCache[flagstate.Organisation]("organisation", s), settings: s}
}

func (s *OrganisationStore) Cache() *cache.Cache[flagstate.Organisation] { return s.cache }

func (s *OrganisationStore) Snapshot() (flagstate.Organisation, bool) {
	org, _, ok := s.cache.Snapshot()
	return org, ok
}

func (s *OrganisationStore) Load(ctx context.Context, organisationID int, force bool) (flagstate.Organisation, error) {
	job, err := s.beginLoad(organisationID, force)
	return await(ctx, job, err)
}

func (s *OrganisationStore) beginLoad(organisationID int, force bool) (cache.Job[flagstate.Organisation], error) {
	key := organisationKey(organisationID)
	if err := s.cache.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.Organisation, error) {
		return s.cache.Ensure(ctx, key, force, s.fetcher(organisationID))
	}, nil
}

func (s *OrganisationStore) fetcher(organisationID int) cache.Fetch[flagstate.Organisation] {
	return func(ctx context.Context) (flagstate.Organisation, error) {
		var (
			org    flagstate.Organisation
			groups []flagstate.UserGroup
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			org, err = gateway.GetJSON[flagstate.Organisation](gctx, s.gw, fmt.Sprintf("organisations/%d/", organisationID))
			return err
		})
		g.Go(func() error {
			var err error
			groups, err = gateway.GetList[flagstate.UserGroup](gctx, s.gw, fmt.Sprintf("organisations/%d/groups/", organisationID))
			return err
		})
		if err := g.Wait(); err != nil {
			return flagstate.Organisation{}, err
		}
		org.Groups = groups
		return org, nil
	}
}

// GroupMembers returns the user ids of group, used to resolve group approvals.
func (s *OrganisationStore) GroupMembers(groupID int) []int {
	org, ok := s.Snapshot()
	if !ok {
		return nil
	}
	for _, group := range org.Groups {
		if group.ID != groupID {
			continue
		}
		ids := make([]int, 0, len(group.Users))
		for _, user := range group.Users {
			ids = append(ids, user.ID)
		}
		return ids
	}
	return nil
}

func (s *OrganisationStore) Edit(ctx context.Context, org flagstate.Organisation) (flagstate.Organisation, error) {
	job, err := s.beginEdit(org)
	return await(ctx, job, err)
}

func (s *OrganisationStore) beginEdit(org flagstate.Organisation) (cache.Job[flagstate.Organisation], error) {
	var saved flagstate.Organisation
	job, err := s.cache.Begin(cache.Mutation[flagstate.Organisation]{
		Entity: organisationKey(org.ID),
		Key:    organisationKey(org.ID),
		Run: func(ctx context.Context) (cache.Outcome[flagstate.Organisation], error) {
			body := org
			body.Groups = nil
			var err error
			saved, err = gateway.PutJSON[flagstate.Organisation](ctx, s.gw, fmt.Sprintf("organisations/%d/", org.ID), body)
			if err != nil {
				return cache.Outcome[flagstate.Organisation]{}, err
			}
			if saved.ID == 0 {
				saved = org
			}
			return cache.Outcome[flagstate.Organisation]{
				Apply: func(current flagstate.Organisation) flagstate.Organisation {
					groups := current.Groups
					current = saved
					current.Groups = groups
					return current
				},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.Organisation, error) {
		_, err := job(ctx)
		return saved, err
	}, nil
}

func organisationKey(id int) string {
	return fmt.Sprintf("organisation/%d", id)
}
