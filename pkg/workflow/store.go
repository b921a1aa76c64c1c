package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/state"
)

// ChangeRequestList is one page of change requests of an environment.
type ChangeRequestList struct {
	Environment string                    `json:"environment"`
	Committed   bool                      `json:"committed"`
	Items       []flagstate.ChangeRequest `json:"items"`
}

// Find returns the request with id.
func (l ChangeRequestList) Find(id int) (flagstate.ChangeRequest, bool) {
	for _, cr := range l.Items {
		if cr.ID == id {
			return cr, true
		}
	}
	return flagstate.ChangeRequest{}, false
}

// ChangeRequestStore caches the change-request list of an environment and
// the change request currently inspected.
type ChangeRequestStore struct {
	gw     gateway.Gateway
	list   *cache.Cache[ChangeRequestList]
	detail *cache.Cache[flagstate.ChangeRequest]
	logger *slog.Logger
}

func newChangeRequestStore(gw gateway.Gateway, cfg config) *ChangeRequestStore {
	var (
		listStore   state.Store[ChangeRequestList]
		detailStore state.Store[flagstate.ChangeRequest]
	)
	if cfg.redis != nil {
		listStore = state.NewRedisStore[ChangeRequestList](cfg.redis, state.WithRedisPrefix(cfg.prefix), state.WithRedisTTL(cfg.ttl))
		detailStore = state.NewRedisStore[flagstate.ChangeRequest](cfg.redis, state.WithRedisPrefix(cfg.prefix), state.WithRedisTTL(cfg.ttl))
	}
	return &ChangeRequestStore{
		gw:     gw,
		list:   cache.New[ChangeRequestList]("change-requests", listStore, cache.WithLogger(cfg.logger), cache.WithMetrics(cfg.metrics)),
		detail: cache.New[flagstate.ChangeRequest]("change-request", detailStore, cache.WithLogger(cfg.logger), cache.WithMetrics(cfg.metrics)),
		logger: cfg.logger,
	}
}

// List returns the list cache.
func (s *ChangeRequestStore) List() *cache.Cache[ChangeRequestList] { return s.list }

// Detail returns the cache holding the inspected change request.
func (s *ChangeRequestStore) Detail() *cache.Cache[flagstate.ChangeRequest] { return s.detail }

// Current returns the inspected change request.
func (s *ChangeRequestStore) Current() (flagstate.ChangeRequest, bool) {
	cr, _, ok := s.detail.Snapshot()
	return cr, ok
}

// Listed returns the loaded list.
func (s *ChangeRequestStore) Listed() (ChangeRequestList, bool) {
	list, _, ok := s.list.Snapshot()
	return list, ok
}

// LoadList fetches the committed or open change requests of environment.
func (s *ChangeRequestStore) LoadList(ctx context.Context, environment string, committed, force bool) (ChangeRequestList, error) {
	job, err := s.beginLoadList(environment, committed, force)
	return await(ctx, job, err)
}

func (s *ChangeRequestStore) beginLoadList(environment string, committed, force bool) (cache.Job[ChangeRequestList], error) {
	key := fmt.Sprintf("environment/%s/committed/%t", environment, committed)
	if err := s.list.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (ChangeRequestList, error) {
		return s.list.Ensure(ctx, key, force, func(ctx context.Context) (ChangeRequestList, error) {
			url := fmt.Sprintf("environments/%s/list-change-requests/?committed=%t", environment, committed)
			items, err := gateway.GetList[flagstate.ChangeRequest](ctx, s.gw, url)
			if err != nil {
				return ChangeRequestList{}, err
			}
			return ChangeRequestList{Environment: environment, Committed: committed, Items: items}, nil
		})
	}, nil
}

// Load makes change request id the inspected one.
func (s *ChangeRequestStore) Load(ctx context.Context, id int, force bool) (flagstate.ChangeRequest, error) {
	job, err := s.beginLoad(id, force)
	return await(ctx, job, err)
}

func (s *ChangeRequestStore) beginLoad(id int, force bool) (cache.Job[flagstate.ChangeRequest], error) {
	key := detailKey(id)
	if err := s.detail.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.ChangeRequest, error) {
		return s.detail.Ensure(ctx, key, force, s.fetcher(id))
	}, nil
}

func (s *ChangeRequestStore) fetcher(id int) cache.Fetch[flagstate.ChangeRequest] {
	return func(ctx context.Context) (flagstate.ChangeRequest, error) {
		return gateway.GetJSON[flagstate.ChangeRequest](ctx, s.gw, requestURL(id))
	}
}

// Refresh reloads id when it is inspected and otherwise drops its persisted
// copy.
func (s *ChangeRequestStore) Refresh(ctx context.Context, id int) error {
	key := detailKey(id)
	if s.detail.Active() != key {
		return s.detail.Invalidate(ctx, key)
	}
	_, err := s.Load(ctx, id, true)
	return err
}

// Settle waits for background work started by bus handlers.
func (s *ChangeRequestStore) Settle() {
	s.detail.Settle()
	s.list.Settle()
}

// show makes cr the inspected change request without fetching it.
func (s *ChangeRequestStore) show(ctx context.Context, cr flagstate.ChangeRequest) {
	_, err := s.detail.Load(ctx, detailKey(cr.ID), true, func(context.Context) (flagstate.ChangeRequest, error) {
		return cr, nil
	})
	if err != nil {
		s.logger.Debug("change request not shown", slog.Int("id", cr.ID), slog.Any("error", err))
	}
}

// revise is a write against a loaded change request. It returns the
// request as the server left it and whether anything changed.
type revise func(ctx context.Context, cr flagstate.ChangeRequest) (flagstate.ChangeRequest, bool, error)

// beginMutate makes id the inspected request and claims it. The job loads
// the request when needed and runs fn; a changed result replaces the
// inspected request and is patched into the loaded list.
func (s *ChangeRequestStore) beginMutate(id int, fn revise) (cache.Job[flagstate.ChangeRequest], error) {
	key := detailKey(id)
	if err := s.detail.Activate(key); err != nil {
		return nil, err
	}
	var (
		out     flagstate.ChangeRequest
		changed bool
	)
	job, err := s.detail.Begin(cache.Mutation[flagstate.ChangeRequest]{
		Entity: key,
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[flagstate.ChangeRequest], error) {
			cr, err := s.detail.Ensure(ctx, key, false, s.fetcher(id))
			if err != nil {
				return cache.Outcome[flagstate.ChangeRequest]{}, err
			}
			out = cr
			next, ok, err := fn(ctx, cr)
			if err != nil {
				return cache.Outcome[flagstate.ChangeRequest]{}, err
			}
			out, changed = next, ok
			if !changed {
				return cache.Outcome[flagstate.ChangeRequest]{Meta: out.ID}, nil
			}
			return cache.Outcome[flagstate.ChangeRequest]{
				Apply: func(flagstate.ChangeRequest) flagstate.ChangeRequest { return next },
				Meta:  out.ID,
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.ChangeRequest, error) {
		_, err := job(ctx)
		if changed && (err == nil || errors.Is(err, cache.ErrSuperseded)) {
			s.patchList(ctx, "", out)
		}
		return out, err
	}, nil
}

// patchList replaces cr in the loaded list, drops it once it left the list's
// committed partition, and adds it to the open list of environment.
func (s *ChangeRequestStore) patchList(ctx context.Context, environment string, cr flagstate.ChangeRequest) {
	list, key, ok := s.list.Snapshot()
	if !ok || cr.ID == 0 {
		return
	}
	_, listed := list.Find(cr.ID)
	belongs := cr.DeletedAt == nil && (cr.CommittedAt != nil) == list.Committed
	add := !listed && belongs && environment != "" && environment == list.Environment
	if !listed && !add {
		return
	}
	_, err := s.list.Mutate(ctx, cache.Mutation[ChangeRequestList]{
		Entity: "list",
		Key:    key,
		Force:  true,
		Run: func(context.Context) (cache.Outcome[ChangeRequestList], error) {
			return cache.Outcome[ChangeRequestList]{
				Apply: func(current ChangeRequestList) ChangeRequestList {
					current.Items = slices.DeleteFunc(current.Items, func(item flagstate.ChangeRequest) bool {
						return item.ID == cr.ID
					})
					if belongs {
						current.Items = append(current.Items, cr)
						slices.SortStableFunc(current.Items, func(a, b flagstate.ChangeRequest) int { return a.ID - b.ID })
					}
					return current
				},
				Meta: cr.ID,
			}, nil
		},
	})
	if err != nil {
		s.logger.Debug("change request list not patched", slog.Int("id", cr.ID), slog.Any("error", err))
	}
}

func detailKey(id int) string {
	return fmt.Sprintf("change-request/%d", id)
}

func requestURL(id int) string {
	return fmt.Sprintf("features/workflows/change-requests/%d/", id)
}
