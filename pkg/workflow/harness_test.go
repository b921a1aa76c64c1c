package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/gateway/gatewaytest"
	"github.com/goliatone/go-flagstate/pkg/stores"
	"github.com/goliatone/go-flagstate/pkg/workflow"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// server is an in-memory stand-in for the flag API.
type server struct {
	mu       sync.Mutex
	quorum   *int
	states   map[int]flagstate.FeatureState
	requests map[int]flagstate.ChangeRequest
	nextID   int
	now      func() time.Time
}

func newServer(quorum *int, now func() time.Time) *server {
	return &server{
		quorum: quorum,
		states: map[int]flagstate.FeatureState{
			1: {ID: 5, Feature: 1, Environment: 7, Enabled: false},
		},
		requests: map[int]flagstate.ChangeRequest{},
		nextID:   100,
		now:      now,
	}
}

func (s *server) respond(call *gatewaytest.Call) (any, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case call.Is(http.MethodGet, "environments/?project=1"):
		return []flagstate.Environment{{ID: 7, APIKey: "env-a", Name: "Production", Project: 1, MinimumChangeRequestApprovals: s.quorum}}, nil, true
	case call.Is(http.MethodGet, "projects/1/features/"):
		return []flagstate.ProjectFlag{{ID: 1, Name: "banner", Type: flagstate.FlagTypeStandard, Project: 1}}, nil, true
	case call.Is(http.MethodGet, "environments/env-a/featurestates/"):
		out := make([]flagstate.FeatureState, 0, len(s.states))
		for _, st := range s.states {
			out = append(out, st)
		}
		return out, nil, true
	case call.Method == http.MethodPut && strings.HasPrefix(call.URL, "environments/env-a/featurestates/"):
		var st flagstate.FeatureState
		_ = call.Decode(&st)
		s.states[st.Feature] = st
		return st, nil, true
	case call.Is(http.MethodPost, "environments/env-a/create-change-request/"):
		var cr flagstate.ChangeRequest
		_ = call.Decode(&cr)
		s.nextID++
		cr.ID = s.nextID
		created := s.now()
		cr.CreatedAt = &created
		s.requests[cr.ID] = cr
		return cr, nil, true
	case call.Is(http.MethodGet, "environments/env-a/list-change-requests/?committed=false"):
		ids := make([]int, 0, len(s.requests))
		for id, cr := range s.requests {
			if cr.CommittedAt == nil && cr.DeletedAt == nil {
				ids = append(ids, id)
			}
		}
		sort.Ints(ids)
		out := make([]flagstate.ChangeRequest, 0, len(ids))
		for _, id := range ids {
			out = append(out, s.requests[id])
		}
		return gateway.Page[flagstate.ChangeRequest]{Count: len(out), Results: out}, nil, true
	case call.Is(http.MethodPost, "features/feature-segments/update-priorities/"):
		return string(call.Body), nil, true
	case call.Is(http.MethodPost, "features/feature-segments/"):
		var segment flagstate.FeatureSegment
		_ = call.Decode(&segment)
		s.nextID++
		segment.ID = s.nextID
		return segment, nil, true
	case call.Is(http.MethodPost, "features/featurestates/"):
		var st flagstate.FeatureState
		_ = call.Decode(&st)
		s.nextID++
		st.ID = s.nextID
		return st, nil, true
	}

	var id int
	if _, err := fmt.Sscanf(call.URL, "features/workflows/change-requests/%d/", &id); err != nil {
		return nil, nil, false
	}
	cr, ok := s.requests[id]
	if !ok || cr.DeletedAt != nil {
		return nil, &gateway.Error{Status: http.StatusNotFound, Method: call.Method, URL: call.URL, Data: json.RawMessage(`{"detail": "Not found."}`)}, true
	}
	switch {
	case call.Method == http.MethodGet:
		return cr, nil, true
	case call.Method == http.MethodPut:
		var next flagstate.ChangeRequest
		_ = call.Decode(&next)
		next.ID = id
		next.Approvals = cr.Approvals
		next.CreatedAt = cr.CreatedAt
		s.requests[id] = next
		return next, nil, true
	case call.Method == http.MethodDelete:
		deleted := s.now()
		cr.DeletedAt = &deleted
		s.requests[id] = cr
		return "", nil, true
	case strings.HasSuffix(call.URL, "/approve/"):
		var body struct {
			User int `json:"user"`
		}
		_ = call.Decode(&body)
		at := s.now()
		cr.Approvals = append(cr.Approvals, flagstate.Approval{User: body.User, ApprovedAt: &at})
		s.requests[id] = cr
		return cr, nil, true
	case strings.HasSuffix(call.URL, "/commit/"):
		at := s.now()
		cr.CommittedAt = &at
		s.requests[id] = cr
		for _, st := range cr.FeatureStates {
			if st.FeatureSegment == nil {
				live := s.states[st.Feature]
				live.Enabled = st.Enabled
				live.FeatureStateValue = st.FeatureStateValue
				s.states[st.Feature] = live
			}
		}
		return cr, nil, true
	}
	return nil, nil, false
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !timer.stopped
		timer.stopped = true
		return was
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, timer := range c.timers {
		if !timer.stopped && !timer.at.After(c.now) {
			timer.stopped = true
			due = append(due, timer.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

type fixture struct {
	server       *server
	gw           *gatewaytest.Deferred
	clock        *fakeClock
	features     *stores.FeatureListStore
	environments *stores.EnvironmentStore
	engine       *workflow.Engine
}

func newFixture(t *testing.T, quorum *int, opts ...workflow.Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: epoch}
	srv := newServer(quorum, clock.Now)
	gw := gatewaytest.New(gatewaytest.WithResponder(srv.respond))

	features := stores.NewFeatureListStore(gw)
	environments := stores.NewEnvironmentStore(gw)
	ctx := context.Background()
	if _, err := environments.Load(ctx, 1, "env-a", false); err != nil {
		t.Fatalf("load environments: %v", err)
	}
	if _, err := features.Load(ctx, 1, "env-a", false); err != nil {
		t.Fatalf("load features: %v", err)
	}

	engine := workflow.NewEngine(gw, features, environments, append([]workflow.Option{workflow.WithClock(clock)}, opts...)...)
	t.Cleanup(engine.Close)
	return &fixture{server: srv, gw: gw, clock: clock, features: features, environments: environments, engine: engine}
}

func quorum(n int) *int { return &n }

func (f *fixture) enabled(t *testing.T) bool {
	t.Helper()
	list, ok := f.features.Snapshot()
	if !ok {
		t.Fatalf("feature list not loaded")
	}
	return list.States[1].Enabled
}

func (f *fixture) edit(enabled bool) workflow.FeatureEdit {
	list, _ := f.features.Snapshot()
	flag, _ := list.Flag(1)
	st := list.States[1]
	st.Enabled = enabled
	return workflow.FeatureEdit{Project: 1, Environment: "env-a", Flag: flag, State: st}
}
