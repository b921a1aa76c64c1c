package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/bus"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/config"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/metrics"
	"github.com/goliatone/go-flagstate/pkg/policy"
	"github.com/goliatone/go-flagstate/pkg/stores"
	"github.com/goliatone/go-flagstate/pkg/workflow"
)

// app holds the wired client for one invocation.
type app struct {
	cfg           config.Config
	logger        *slog.Logger
	registry      *prometheus.Registry
	redis         redis.UniversalClient
	dispatcher    *bus.Dispatcher
	projects      *stores.ProjectStore
	organisations *stores.OrganisationStore
	features      *stores.FeatureListStore
	environments  *stores.EnvironmentStore
	identities    *stores.IdentityStore
	engine        *workflow.Engine
}

func dialGateway(cfg config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	opts := []gateway.HTTPOption{
		gateway.WithTimeout(cfg.API.Timeout.Std()),
		gateway.WithLogger(logger),
	}
	if cfg.API.Token != "" {
		opts = append(opts, gateway.WithToken(cfg.API.Token))
	}
	return gateway.NewHTTP(cfg.API.BaseURL, opts...)
}

func newApp(ctx context.Context, cfg config.Config, gw gateway.Gateway, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		m = metrics.New(a.registry)
	}

	if cfg.Store.Driver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("flagctl: redis %s: %w", cfg.Store.Redis.Addr, err)
		}
		a.redis = client
	}

	auditLog := activity.SinkFunc(func(_ context.Context, event activity.Event) error {
		logger.Info("activity",
			slog.String("verb", event.Verb),
			slog.String("object", event.Object.String()),
			slog.Int("actor", event.Actor),
			slog.String("environment", event.Environment),
		)
		return nil
	})
	emitter := activity.NewEmitter(activity.Config{Enabled: cfg.Activity.Enabled, Channel: cfg.Activity.Channel}, auditLog).WithLogger(logger)

	router, err := policy.NewRouter(cfg.Workflow.Rule,
		policy.WithEngine(policy.Engine(cfg.Workflow.Engine)),
		policy.WithDecisionLogger(policy.SlogLogger(logger)),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("flagctl: workflow rule: %w", err)
	}

	storeOpts := []stores.Option{
		stores.WithContext(ctx),
		stores.WithLogger(logger),
		stores.WithMetrics(m),
		stores.WithActivity(emitter),
		stores.WithActor(cfg.Scope.User),
	}
	engineOpts := []workflow.Option{
		workflow.WithContext(ctx),
		workflow.WithLogger(logger),
		workflow.WithMetrics(m),
		workflow.WithActivity(emitter),
		workflow.WithRouter(router),
		workflow.WithScheduleGrace(cfg.Workflow.ScheduleGrace.Std()),
		workflow.WithActor(cfg.Scope.User),
	}
	if a.redis != nil {
		ttl := cfg.Store.Redis.TTL.Std()
		storeOpts = append(storeOpts, stores.WithRedis(a.redis, cfg.Store.Redis.Prefix, ttl))
		engineOpts = append(engineOpts, workflow.WithRedis(a.redis, cfg.Store.Redis.Prefix, ttl))
	}

	a.projects = stores.NewProjectStore(gw, storeOpts...)
	a.organisations = stores.NewOrganisationStore(gw, storeOpts...)
	a.features = stores.NewFeatureListStore(gw, storeOpts...)
	a.environments = stores.NewEnvironmentStore(gw, storeOpts...)
	a.identities = stores.NewIdentityStore(gw, storeOpts...)
	a.engine = workflow.NewEngine(gw, a.features, a.environments, engineOpts...)

	a.dispatcher = bus.New(bus.WithLogger(logger), bus.WithMetrics(m))
	a.projects.Register(a.dispatcher)
	a.organisations.Register(a.dispatcher)
	a.features.Register(a.dispatcher)
	a.environments.Register(a.dispatcher)
	a.identities.Register(a.dispatcher)
	a.engine.Register(a.dispatcher)
	return a, nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Debug("redis close failed", slog.Any("error", err))
		}
	}
}

// scope loads the environments of the configured project and the feature
// list of the configured environment.
func (a *app) scope(ctx context.Context) (stores.FeatureList, error) {
	project, environment := a.cfg.Scope.Project, a.cfg.Scope.Environment
	if project == 0 || environment == "" {
		return stores.FeatureList{}, fmt.Errorf("flagctl: --project and --environment are required")
	}
	if _, err := a.environments.Load(ctx, project, environment, false); err != nil {
		return stores.FeatureList{}, err
	}
	return a.features.Load(ctx, project, environment, false)
}

// dispatch sends action through the bus and waits for the work it started.
// The returned meta is the one of the feature list's saved event.
func (a *app) dispatch(action bus.Action) (stores.SavedMeta, error) {
	var (
		mu      sync.Mutex
		meta    stores.SavedMeta
		failure error
	)
	stop := a.features.Subscribe(func(event cache.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch event.Type {
		case cache.EventSaved:
			if saved, ok := event.Meta.(stores.SavedMeta); ok {
				meta = saved
			}
		case cache.EventProblem:
			failure = event.Err
		}
	})
	defer stop()

	payload := bus.Payload{ID: uuid.NewString(), Source: "flagctl", Action: action}
	if err := a.dispatcher.Dispatch(payload); err != nil {
		return stores.SavedMeta{}, err
	}
	a.engine.Settle()
	a.features.Settle()

	mu.Lock()
	defer mu.Unlock()
	return meta, failure
}

// fetch dispatches a project or organisation load and waits for it. A
// problem event of either store is returned as the error.
func (a *app) fetch(action bus.Action) error {
	var (
		mu      sync.Mutex
		failure error
	)
	listen := func(event cache.Event) {
		if event.Type != cache.EventProblem {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if failure == nil {
			failure = event.Err
		}
	}
	defer a.projects.Cache().Subscribe(listen)()
	defer a.organisations.Cache().Subscribe(listen)()

	payload := bus.Payload{ID: uuid.NewString(), Source: "flagctl", Action: action}
	if err := a.dispatcher.Dispatch(payload); err != nil {
		return err
	}
	a.projects.Cache().Settle()
	a.organisations.Cache().Settle()

	mu.Lock()
	defer mu.Unlock()
	return failure
}

func writeMetrics(w io.Writer, registry *prometheus.Registry) error {
	if registry == nil {
		return nil
	}
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				value = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			labels := ""
			for _, pair := range metric.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", pair.GetName(), pair.GetValue())
			}
			fmt.Fprintf(w, "%s%s %g\n", family.GetName(), labels, value)
		}
	}
	return nil
}
