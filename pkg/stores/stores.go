// Package stores instantiates the generic entity cache for each entity
// family the client works with: projects, environments, organisations, the
// feature list of one environment and identities.
//
// Every store owns its slice exclusively. Writes go through the Gateway and
// are applied only after the server accepted them; failures end as problem
// events on the store's cache.
package stores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/metrics"
	"github.com/goliatone/go-flagstate/pkg/state"
)

var (
	// ErrUnknownFlag is returned for flags missing from the loaded list.
	ErrUnknownFlag = errors.New("stores: flag not loaded")
	// ErrUnknownEnvironment is returned for environments missing from the loaded list.
	ErrUnknownEnvironment = errors.New("stores: environment not loaded")
)

// Option configures a store.
type Option func(*settings)

type settings struct {
	ctx      context.Context
	logger   *slog.Logger
	metrics  *metrics.Metrics
	activity *activity.Emitter
	redis    redis.UniversalClient
	prefix   string
	ttl      time.Duration
	actor    int
}

// WithContext sets the context bus handlers run their gateway calls with.
func WithContext(ctx context.Context) Option {
	return func(s *settings) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records cache activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithActivity records audit events for successful writes.
func WithActivity(emitter *activity.Emitter) Option {
	return func(s *settings) {
		s.activity = emitter
	}
}

// WithRedis persists slices in Redis so several processes share warm caches.
func WithRedis(client redis.UniversalClient, prefix string, ttl time.Duration) Option {
	return func(s *settings) {
		s.redis = client
		s.prefix = prefix
		s.ttl = ttl
	}
}

// WithActor attributes audit events to a user id.
func WithActor(userID int) Option {
	return func(s *settings) {
		s.actor = userID
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		ctx:    context.Background(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func newCache[T any](name string, s settings) *cache.Cache[T] {
	var store state.Store[T]
	if s.redis != nil {
		store = state.NewRedisStore[T](s.redis, state.WithRedisPrefix(s.prefix), state.WithRedisTTL(s.ttl))
	}
	return cache.New[T](name, store,
		cache.WithLogger(s.logger),
		cache.WithMetrics(s.metrics),
	)
}

func (s settings) record(ctx context.Context, event activity.Event) {
	s.activity.Record(ctx, event)
}

func requireGateway(gw gateway.Gateway) gateway.Gateway {
	if gw == nil {
		panic("stores: gateway is required")
	}
	return gw
}

func featureEntity(id int) string {
	return fmt.Sprintf("feature/%d", id)
}
