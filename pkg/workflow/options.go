package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/metrics"
	"github.com/goliatone/go-flagstate/pkg/policy"
)

// DefaultScheduleGrace is added to live_from before a scheduled request is
// refreshed, giving the server time to commit it.
const DefaultScheduleGrace = 5 * time.Second

// Clock abstracts time for scheduled refreshes.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once d elapsed and returns a function cancelling it.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	ctx       context.Context
	logger    *slog.Logger
	metrics   *metrics.Metrics
	activity  *activity.Emitter
	router    *policy.Router
	clock     Clock
	grace     time.Duration
	refresher Refresher
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	actor     int
}

// WithContext sets the context bus handlers and timers run with.
func WithContext(ctx context.Context) Option {
	return func(c *config) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithActivity records audit events for every transition.
func WithActivity(emitter *activity.Emitter) Option {
	return func(c *config) { c.activity = emitter }
}

// WithRouter adds an operator routing rule that can require a change
// request for edits the environment would otherwise apply directly.
func WithRouter(router *policy.Router) Option {
	return func(c *config) { c.router = router }
}

func WithClock(clock Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithScheduleGrace overrides DefaultScheduleGrace.
func WithScheduleGrace(grace time.Duration) Option {
	return func(c *config) {
		if grace >= 0 {
			c.grace = grace
		}
	}
}

// WithRefresher replaces the feature-list refresh run after commits.
func WithRefresher(refresher Refresher) Option {
	return func(c *config) {
		if refresher != nil {
			c.refresher = refresher
		}
	}
}

// WithRedis persists change-request slices in Redis.
func WithRedis(client redis.UniversalClient, prefix string, ttl time.Duration) Option {
	return func(c *config) {
		c.redis = client
		c.prefix = prefix
		c.ttl = ttl
	}
}

// WithActor attributes audit events to a user id.
func WithActor(userID int) Option {
	return func(c *config) { c.actor = userID }
}

func newConfig(opts []Option) config {
	c := config{
		ctx:    context.Background(),
		logger: slog.New(slog.DiscardHandler),
		clock:  systemClock{},
		grace:  DefaultScheduleGrace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}
