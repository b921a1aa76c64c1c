// Package cache holds the last-known-good server slice for one entity family
// and serializes reads and writes against it.
//
// Loads replace the slice only while their key is still the active one, so a
// slow response for a previous key never overwrites the current slice.
// Mutations are serialized per entity and apply their patch to the latest
// slice after the server accepted the write.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-flagstate/layering"
	"github.com/goliatone/go-flagstate/pkg/metrics"
	"github.com/goliatone/go-flagstate/pkg/state"
)

var (
	// ErrSuperseded is returned when a response arrives for a key that is no
	// longer active. No event is emitted for superseded responses.
	ErrSuperseded = errors.New("cache: response superseded")
	// ErrSaveInProgress rejects a second mutation of an entity whose previous
	// mutation is still outstanding.
	ErrSaveInProgress = errors.New("cache: save in progress")
	// ErrNotLoaded is returned by mutations issued before any slice was loaded.
	ErrNotLoaded = errors.New("cache: no active slice")
)

// Fetch retrieves a full slice for a key.
type Fetch[T any] func(ctx context.Context) (T, error)

// Job is the deferred part of an operation whose ordering-sensitive part
// already ran.
type Job[R any] func(ctx context.Context) (R, error)

// LoadError is returned when a fetch failed. The failure has already been
// reported to subscribers as a problem event.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string { return e.Err.Error() }

func (e *LoadError) Unwrap() error { return e.Err }

// Outcome is the result of a successful mutation chain. Apply patches the
// latest slice; a nil Apply leaves the slice untouched.
type Outcome[T any] struct {
	Apply func(current T) T
	Meta  any
}

// Mutation describes one write against an entity of the active slice.
type Mutation[T any] struct {
	// Entity serializes concurrent writes; typically "feature/12".
	Entity string
	// Key is the slice the patch was built from. Empty means the active one.
	Key string
	// Force bypasses the save-in-progress check.
	Force bool
	Run   func(ctx context.Context) (Outcome[T], error)
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics records loads and mutations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// Cache is the generic entity cache.
type Cache[T any] struct {
	name    string
	store   state.Store[T]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  string
	loaded  string
	value   T
	meta    state.Meta
	loading map[string]struct{}
	saving  map[string]struct{}

	subMu   sync.Mutex
	subs    []subscription
	nextSub int
}

// New constructs a cache named name whose slices are persisted in store. A
// nil store keeps slices in process memory.
func New[T any](name string, store state.Store[T], opts ...Option) *Cache[T] {
	cfg := config{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if store == nil {
		store = state.NewMemoryStore[T]()
	}
	return &Cache[T]{
		name:    name,
		store:   store,
		logger:  cfg.logger.With(slog.String("cache", name)),
		metrics: cfg.metrics,
		now:     cfg.now,
		loading: map[string]struct{}{},
		saving:  map[string]struct{}{},
	}
}

func (c *Cache[T]) Name() string { return c.name }

// Snapshot returns a deep copy of the active slice.
func (c *Cache[T]) Snapshot() (value T, key string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded == "" || c.loaded != c.active {
		var zero T
		return zero, c.active, false
	}
	return layering.Clone(c.value), c.loaded, true
}

// Meta returns the storage metadata of the active slice.
func (c *Cache[T]) Meta() state.Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// Active returns the key the cache currently serves.
func (c *Cache[T]) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsLoading reports whether a load for key is in flight.
func (c *Cache[T]) IsLoading(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loading[key]
	return ok
}

// IsSaving reports whether a mutation for entity is outstanding.
func (c *Cache[T]) IsSaving(entity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.saving[entity]
	return ok
}

// Load makes key active and ensures its slice is loaded. Without force a
// loaded key, or one found in the store, is served without fetching.
// Concurrent loads for the same key share one fetch.
func (c *Cache[T]) Load(ctx context.Context, key string, force bool, fetch Fetch[T]) (T, error) {
	if err := c.Activate(key); err != nil {
		var zero T
		return zero, err
	}
	return c.Ensure(ctx, key, force, fetch)
}

// Activate makes key the active key. Loads and mutations of any other key
// that complete afterwards are discarded. Bus handlers call it while the
// intent is delivered so intents take effect in dispatch order.
func (c *Cache[T]) Activate(key string) error {
	if key == "" {
		return fmt.Errorf("cache %s: key is required", c.name)
	}
	c.mu.Lock()
	c.active = key
	c.mu.Unlock()
	return nil
}

// Ensure loads key when it is still the active key and returns
// ErrSuperseded otherwise.
func (c *Cache[T]) Ensure(ctx context.Context, key string, force bool, fetch Fetch[T]) (T, error) {
	var zero T
	if key == "" || fetch == nil {
		return zero, fmt.Errorf("cache %s: key and fetch are required", c.name)
	}

	c.mu.Lock()
	if c.active != key {
		c.mu.Unlock()
		c.logger.Debug("cache load superseded before start", slog.String("key", key))
		return zero, ErrSuperseded
	}
	if !force && c.loaded == key {
		value := layering.Clone(c.value)
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	if !force {
		if value, ok := c.warm(ctx, key); ok {
			return value, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key, fetch)
	})
	if err != nil {
		return zero, err
	}
	return layering.Clone(result.(T)), nil
}

func (c *Cache[T]) warm(ctx context.Context, key string) (T, bool) {
	var zero T
	value, meta, ok, err := c.store.Load(ctx, c.ref(key))
	if err != nil {
		c.logger.Warn("cache store load failed", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	if !ok {
		return zero, false
	}

	c.mu.Lock()
	if c.active != key {
		c.mu.Unlock()
		return zero, false
	}
	c.value = value
	c.meta = meta
	c.loaded = key
	c.mu.Unlock()

	c.logger.Debug("cache served from store", slog.String("key", key), slog.String("snapshot_id", meta.SnapshotID))
	c.emit(Event{Type: EventLoaded, Key: key}, Event{Type: EventChange, Key: key})
	return layering.Clone(value), true
}

func (c *Cache[T]) fetch(ctx context.Context, key string, fetch Fetch[T]) (result T, err error) {
	c.mu.Lock()
	c.loading[key] = struct{}{}
	c.mu.Unlock()
	done := c.metrics.Track(c.name, "load")
	defer done()

	c.emit(Event{Type: EventLoading, Key: key})
	started := c.now()

	value, err := recoverCall(c.name, func() (T, error) { return fetch(ctx) })

	c.mu.Lock()
	delete(c.loading, key)
	if c.active != key {
		c.mu.Unlock()
		c.metrics.ObserveLoad(c.name, metrics.OutcomeSuperseded, c.now().Sub(started))
		c.logger.Debug("cache load superseded", slog.String("key", key))
		var zero T
		return zero, ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		c.metrics.ObserveLoad(c.name, metrics.OutcomeError, c.now().Sub(started))
		c.logger.Warn("cache load failed", slog.String("key", key), slog.Any("error", err))
		c.emit(Event{Type: EventProblem, Key: key, Err: err})
		var zero T
		return zero, &LoadError{Key: key, Err: err}
	}
	c.value = value
	c.loaded = key
	c.mu.Unlock()

	c.persist(ctx, key, value)
	c.metrics.ObserveLoad(c.name, metrics.OutcomeSuccess, c.now().Sub(started))
	c.emit(Event{Type: EventLoaded, Key: key}, Event{Type: EventChange, Key: key})
	return value, nil
}

// Mutate claims m.Entity and runs the mutation. It is Begin followed by the
// returned job.
func (c *Cache[T]) Mutate(ctx context.Context, m Mutation[T]) (any, error) {
	job, err := c.Begin(m)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

// Begin claims m.Entity on the slice m.Key, or on the active slice when Key
// is empty, and returns the job that runs m.Run. A claim on a key that is no
// longer active returns ErrSuperseded. The job applies the outcome to the
// latest slice only while the key is still active; failures emit problem and
// leave the slice unchanged. The job must run exactly once.
func (c *Cache[T]) Begin(m Mutation[T]) (Job[any], error) {
	if m.Run == nil {
		return nil, fmt.Errorf("cache %s: mutation run is required", c.name)
	}

	c.mu.Lock()
	key := m.Key
	if key == "" {
		key = c.active
	}
	switch {
	case key == "":
		c.mu.Unlock()
		c.emit(Event{Type: EventProblem, Err: ErrNotLoaded})
		return nil, ErrNotLoaded
	case key != c.active:
		c.mu.Unlock()
		c.metrics.ObserveMutation(c.name, metrics.OutcomeSuperseded)
		c.logger.Debug("cache mutation superseded before start", slog.String("key", key), slog.String("entity", m.Entity))
		return nil, ErrSuperseded
	}
	if _, busy := c.saving[m.Entity]; busy && !m.Force {
		c.mu.Unlock()
		c.metrics.ObserveMutation(c.name, metrics.OutcomeRejected)
		err := fmt.Errorf("%w: %s", ErrSaveInProgress, m.Entity)
		c.emit(Event{Type: EventProblem, Key: key, Err: err})
		return nil, err
	}
	c.saving[m.Entity] = struct{}{}
	c.mu.Unlock()
	c.emit(Event{Type: EventSaving, Key: key})

	return func(ctx context.Context) (any, error) {
		return c.finish(ctx, key, m)
	}, nil
}

func (c *Cache[T]) finish(ctx context.Context, key string, m Mutation[T]) (any, error) {
	done := c.metrics.Track(c.name, "save")
	defer done()

	outcome, err := recoverCall(c.name, func() (Outcome[T], error) { return m.Run(ctx) })

	c.mu.Lock()
	delete(c.saving, m.Entity)
	if err != nil {
		c.mu.Unlock()
		var loadErr *LoadError
		switch {
		case errors.Is(err, ErrSuperseded):
			c.metrics.ObserveMutation(c.name, metrics.OutcomeSuperseded)
		case errors.As(err, &loadErr):
			c.metrics.ObserveMutation(c.name, metrics.OutcomeError)
		default:
			c.metrics.ObserveMutation(c.name, metrics.OutcomeError)
			c.logger.Warn("cache mutation failed", slog.String("key", key), slog.String("entity", m.Entity), slog.Any("error", err))
			c.emit(Event{Type: EventProblem, Key: key, Err: err})
		}
		return nil, err
	}
	if c.active != key {
		c.mu.Unlock()
		c.metrics.ObserveMutation(c.name, metrics.OutcomeSuperseded)
		c.logger.Debug("cache mutation superseded", slog.String("key", key), slog.String("entity", m.Entity))
		return outcome.Meta, ErrSuperseded
	}
	var value T
	changed := false
	if outcome.Apply != nil && c.loaded == key {
		c.value = outcome.Apply(layering.Clone(c.value))
		value = layering.Clone(c.value)
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.persist(ctx, key, value)
	}
	c.metrics.ObserveMutation(c.name, metrics.OutcomeSuccess)
	events := []Event{{Type: EventSaved, Key: key, Meta: outcome.Meta}}
	if changed {
		events = append(events, Event{Type: EventChange, Key: key})
	}
	c.emit(events...)
	return outcome.Meta, nil
}

// Go runs fn in a tracked goroutine. Panics are converted to problem events.
func (c *Cache[T]) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("cache %s: background task panicked: %v", c.name, r)
				c.logger.Error("cache background task panicked", slog.Any("error", err))
				c.emit(Event{Type: EventProblem, Key: c.Active(), Err: err})
			}
		}()
		fn()
	}()
}

// Settle waits for every goroutine started with Go.
func (c *Cache[T]) Settle() {
	c.wg.Wait()
}

// Invalidate drops the persisted copy of key so the next Load fetches it.
// The active slice is kept.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.loaded == key && c.active != key {
		c.loaded = ""
	}
	c.mu.Unlock()
	if err := c.store.Delete(ctx, c.ref(key)); err != nil {
		return fmt.Errorf("cache %s: invalidate %s: %w", c.name, key, err)
	}
	return nil
}

// Problem reports err to subscribers for the active key. It is used for
// failures detected before any mutation starts, such as validation.
func (c *Cache[T]) Problem(err error) {
	if err == nil {
		return
	}
	c.emit(Event{Type: EventProblem, Key: c.Active(), Err: err})
}

// Reset drops the active slice and forgets the active key.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.active = ""
	c.loaded = ""
	c.value = zero
	c.meta = state.Meta{}
}

func (c *Cache[T]) persist(ctx context.Context, key string, value T) {
	meta, err := state.Stamp(value, state.Meta{Extra: map[string]string{"cache": c.name}})
	if err == nil {
		meta, err = c.store.Save(ctx, c.ref(key), value, meta)
	}
	if err != nil {
		c.logger.Warn("cache store save failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	c.mu.Lock()
	if c.loaded == key {
		c.meta = meta
	}
	c.mu.Unlock()
}

func (c *Cache[T]) ref(key string) state.Ref {
	return state.Ref{Kind: c.name, Key: key}
}

func recoverCall[R any](name string, fn func() (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			value = zero
			err = fmt.Errorf("cache %s: recovered panic: %v", name, r)
		}
	}()
	return fn()
}
