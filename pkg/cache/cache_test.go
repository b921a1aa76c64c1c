package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/state"
)

type recorder struct {
	mu     sync.Mutex
	events []cache.Event
}

func (r *recorder) listen(event cache.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) types() []cache.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cache.EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func (r *recorder) count(kind cache.EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == kind {
			n++
		}
	}
	return n
}

func static(values ...string) cache.Fetch[[]string] {
	return func(context.Context) ([]string, error) {
		return append([]string(nil), values...), nil
	}
}

// gated returns a fetch that blocks until release is closed.
func gated(started chan<- struct{}, release <-chan struct{}, calls *int32, values ...string) cache.Fetch[[]string] {
	return func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(calls, 1)
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return append([]string(nil), values...), nil
	}
}

func TestLoadSkipsLoadedKey(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)

	var calls int32
	fetch := func(context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"a"}, nil
	}
	ctx := context.Background()
	if _, err := c.Load(ctx, "p1", false, fetch); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Load(ctx, "p1", false, fetch); err != nil {
		t.Fatalf("load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
	if _, err := c.Load(ctx, "p1", true, fetch); err != nil {
		t.Fatalf("forced load: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected forced fetch, got %d", calls)
	}

	got := rec.types()
	want := []cache.EventType{cache.EventLoading, cache.EventLoaded, cache.EventChange}
	for i, kind := range want {
		if got[i] != kind {
			t.Fatalf("expected %v first, got %v", want, got)
		}
	}
}

func TestLoadSharesInFlightFetch(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls int32
	fetch := gated(started, release, &calls, "a")

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Load(context.Background(), "p1", false, fetch)
		}(i)
	}
	<-started
	if !c.IsLoading("p1") {
		t.Fatalf("expected loading flag for p1")
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected one fetch for concurrent loads, got %d", calls)
	}
	for _, result := range results {
		if len(result) != 1 || result[0] != "a" {
			t.Fatalf("expected shared result, got %v", results)
		}
	}
}

func TestLoadDiscardsStaleResponse(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)

	startedA := make(chan struct{}, 1)
	releaseA := make(chan struct{})
	var calls int32
	errA := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background(), "env-a", false, gated(startedA, releaseA, &calls, "a"))
		errA <- err
	}()
	<-startedA

	startedB := make(chan struct{}, 1)
	releaseB := make(chan struct{})
	errB := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background(), "env-b", false, gated(startedB, releaseB, &calls, "b"))
		errB <- err
	}()
	<-startedB

	close(releaseB)
	if err := <-errB; err != nil {
		t.Fatalf("load b: %v", err)
	}
	close(releaseA)
	if err := <-errA; !errors.Is(err, cache.ErrSuperseded) {
		t.Fatalf("expected superseded load for a, got %v", err)
	}

	value, key, ok := c.Snapshot()
	if !ok || key != "env-b" || value[0] != "b" {
		t.Fatalf("expected env-b slice, got %v %q %v", value, key, ok)
	}
	if rec.count(cache.EventLoaded) != 1 {
		t.Fatalf("expected only env-b to emit loaded, got %v", rec.types())
	}
}

func TestLoadFailureKeepsLastGoodSlice(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()
	if _, err := c.Load(ctx, "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	boom := errors.New("boom")
	_, err := c.Load(ctx, "p1", true, func(context.Context) ([]string, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	value, _, _ := c.Snapshot()
	if len(value) != 1 || value[0] != "a" {
		t.Fatalf("expected last good slice, got %v", value)
	}
	if rec.count(cache.EventProblem) != 1 {
		t.Fatalf("expected one problem event, got %v", rec.types())
	}
}

func TestLoadRecoversPanics(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	_, err := c.Load(context.Background(), "p1", false, func(context.Context) ([]string, error) {
		panic("bad payload")
	})
	if err == nil {
		t.Fatalf("expected recovered panic as error")
	}
}

func TestMutateAppliesToLatestSlice(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()
	if _, err := c.Load(ctx, "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	meta, err := c.Mutate(ctx, cache.Mutation[[]string]{
		Entity: "feature/1",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			return cache.Outcome[[]string]{
				Apply: func(current []string) []string { return append(current, "b") },
				Meta:  "created",
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if meta != "created" {
		t.Fatalf("expected meta passthrough, got %v", meta)
	}
	value, _, _ := c.Snapshot()
	if len(value) != 2 || value[1] != "b" {
		t.Fatalf("expected patched slice, got %v", value)
	}
	if c.Meta().ETag == "" {
		t.Fatalf("expected persisted meta")
	}

	types := rec.types()
	tail := types[len(types)-3:]
	if tail[0] != cache.EventSaving || tail[1] != cache.EventSaved || tail[2] != cache.EventChange {
		t.Fatalf("unexpected mutation events %v", types)
	}
}

func TestMutateRejectsConcurrentSaveForEntity(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	ctx := context.Background()
	if _, err := c.Load(ctx, "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, cache.Mutation[[]string]{
			Entity: "feature/1",
			Run: func(context.Context) (cache.Outcome[[]string], error) {
				close(started)
				<-release
				return cache.Outcome[[]string]{}, nil
			},
		})
		first <- err
	}()
	<-started

	noop := func(context.Context) (cache.Outcome[[]string], error) { return cache.Outcome[[]string]{}, nil }
	if _, err := c.Mutate(ctx, cache.Mutation[[]string]{Entity: "feature/1", Run: noop}); !errors.Is(err, cache.ErrSaveInProgress) {
		t.Fatalf("expected ErrSaveInProgress, got %v", err)
	}
	if _, err := c.Mutate(ctx, cache.Mutation[[]string]{Entity: "feature/2", Run: noop}); err != nil {
		t.Fatalf("expected other entity to save, got %v", err)
	}
	if _, err := c.Mutate(ctx, cache.Mutation[[]string]{Entity: "feature/1", Force: true, Run: noop}); err != nil {
		t.Fatalf("expected forced save, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first mutate: %v", err)
	}
	if c.IsSaving("feature/1") {
		t.Fatalf("expected save flag cleared")
	}
}

func TestMutateSupersededWhenKeyChanges(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	ctx := context.Background()
	if _, err := c.Load(ctx, "env-a", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, cache.Mutation[[]string]{
			Entity: "feature/1",
			Run: func(context.Context) (cache.Outcome[[]string], error) {
				close(started)
				<-release
				return cache.Outcome[[]string]{Apply: func([]string) []string { return []string{"clobbered"} }}, nil
			},
		})
		result <- err
	}()
	<-started
	if _, err := c.Load(ctx, "env-b", false, static("b")); err != nil {
		t.Fatalf("load b: %v", err)
	}
	c.Subscribe(rec.listen)
	close(release)

	if err := <-result; !errors.Is(err, cache.ErrSuperseded) {
		t.Fatalf("expected superseded mutation, got %v", err)
	}
	value, key, _ := c.Snapshot()
	if key != "env-b" || value[0] != "b" {
		t.Fatalf("expected env-b slice untouched, got %v %q", value, key)
	}
	if len(rec.types()) != 0 {
		t.Fatalf("expected no events for superseded mutation, got %v", rec.types())
	}
}

func TestMutateFailureLeavesSliceUnchanged(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()
	if _, err := c.Load(ctx, "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}
	boom := errors.New("boom")
	_, err := c.Mutate(ctx, cache.Mutation[[]string]{
		Entity: "feature/1",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			return cache.Outcome[[]string]{}, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	value, _, _ := c.Snapshot()
	if len(value) != 1 {
		t.Fatalf("expected unchanged slice, got %v", value)
	}
	if rec.count(cache.EventSaved) != 0 || rec.count(cache.EventProblem) != 1 {
		t.Fatalf("expected exactly one problem, got %v", rec.types())
	}
}

func TestMutateWithoutActiveSlice(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	_, err := c.Mutate(context.Background(), cache.Mutation[[]string]{
		Entity: "feature/1",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			return cache.Outcome[[]string]{}, nil
		},
	})
	if !errors.Is(err, cache.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestMutateForStaleKeyIsSuperseded(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	ctx := context.Background()
	if _, err := c.Load(ctx, "env-b", false, static("b")); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Subscribe(rec.listen)

	ran := false
	_, err := c.Mutate(ctx, cache.Mutation[[]string]{
		Entity: "feature/1",
		Key:    "env-a",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			ran = true
			return cache.Outcome[[]string]{Apply: func([]string) []string { return []string{"a"} }}, nil
		},
	})
	if !errors.Is(err, cache.ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	if ran {
		t.Fatalf("expected run to be skipped for a stale key")
	}
	value, key, _ := c.Snapshot()
	if key != "env-b" || len(value) != 1 || value[0] != "b" {
		t.Fatalf("expected env-b slice untouched, got %v %q", value, key)
	}
	if c.IsSaving("feature/1") {
		t.Fatalf("expected no claim for a stale key")
	}
	if len(rec.types()) != 0 {
		t.Fatalf("expected no events, got %v", rec.types())
	}
}

func TestBeginClaimsBeforeJobRuns(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	ctx := context.Background()
	if _, err := c.Load(ctx, "env-a", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	job, err := c.Begin(cache.Mutation[[]string]{
		Entity: "feature/1",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			return cache.Outcome[[]string]{Apply: func([]string) []string { return []string{"clobbered"} }}, nil
		},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !c.IsSaving("feature/1") {
		t.Fatalf("expected the entity claimed by begin")
	}
	if _, err := c.Begin(cache.Mutation[[]string]{
		Entity: "feature/1",
		Run: func(context.Context) (cache.Outcome[[]string], error) {
			return cache.Outcome[[]string]{}, nil
		},
	}); !errors.Is(err, cache.ErrSaveInProgress) {
		t.Fatalf("expected second begin rejected, got %v", err)
	}

	if err := c.Activate("env-b"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := job(ctx); !errors.Is(err, cache.ErrSuperseded) {
		t.Fatalf("expected job superseded after activate, got %v", err)
	}
	if c.IsSaving("feature/1") {
		t.Fatalf("expected claim released")
	}
	if _, err := c.Ensure(ctx, "env-a", false, static("a")); !errors.Is(err, cache.ErrSuperseded) {
		t.Fatalf("expected ensure of inactive key superseded, got %v", err)
	}
	if _, err := c.Ensure(ctx, "env-b", false, static("b")); err != nil {
		t.Fatalf("ensure env-b: %v", err)
	}
	value, key, _ := c.Snapshot()
	if key != "env-b" || value[0] != "b" {
		t.Fatalf("expected env-b slice, got %v %q", value, key)
	}
}

func TestWarmStoreServesWithoutFetch(t *testing.T) {
	store := state.NewMemoryStore[[]string]()
	ctx := context.Background()
	first := cache.New[[]string]("features", store)
	if _, err := first.Load(ctx, "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}

	second := cache.New[[]string]("features", store)
	value, err := second.Load(ctx, "p1", false, func(context.Context) ([]string, error) {
		t.Fatalf("expected warm slice, fetch called")
		return nil, nil
	})
	if err != nil || len(value) != 1 || value[0] != "a" {
		t.Fatalf("expected warm slice, got %v %v", value, err)
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	c.Subscribe(func(cache.Event) { panic("listener") })
	rec := &recorder{}
	unsubscribe := c.Subscribe(rec.listen)
	if _, err := c.Load(context.Background(), "p1", false, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.count(cache.EventLoaded) != 1 {
		t.Fatalf("expected later listener to receive events, got %v", rec.types())
	}
	unsubscribe()
	if _, err := c.Load(context.Background(), "p1", true, static("a")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.count(cache.EventLoaded) != 1 {
		t.Fatalf("expected unsubscribed listener to stop receiving")
	}
}

func TestGoConvertsPanicsAndSettles(t *testing.T) {
	c := cache.New[[]string]("features", nil)
	rec := &recorder{}
	c.Subscribe(rec.listen)
	c.Go(func() { panic("handler") })
	c.Settle()
	if rec.count(cache.EventProblem) != 1 {
		t.Fatalf("expected problem from panicking task, got %v", rec.types())
	}
}
