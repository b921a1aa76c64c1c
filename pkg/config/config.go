// Package config loads flagctl and embedding-service settings.
//
// Settings are layered, strongest first: FLAGSTATE_* environment variables,
// the YAML file, then Defaults. The merged map is hydrated into Config and
// validated.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-flagstate/internal/hydrate"
	"github.com/goliatone/go-flagstate/layering"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLAGSTATE_"

type Config struct {
	API      API      `json:"api" yaml:"api"`
	Scope    Scope    `json:"scope" yaml:"scope"`
	Store    Store    `json:"store" yaml:"store"`
	Workflow Workflow `json:"workflow" yaml:"workflow"`
	Activity Activity `json:"activity" yaml:"activity"`
	Log      Log      `json:"log" yaml:"log"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`
}

type API struct {
	BaseURL string   `json:"base_url" yaml:"base_url"`
	Token   string   `json:"token" yaml:"token"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// Scope selects the default project, environment and organisation.
type Scope struct {
	Organisation int    `json:"organisation" yaml:"organisation"`
	Project      int    `json:"project" yaml:"project"`
	Environment  string `json:"environment" yaml:"environment"`
	User         int    `json:"user" yaml:"user"`
}

type Store struct {
	Driver string `json:"driver" yaml:"driver"`
	Redis  Redis  `json:"redis" yaml:"redis"`
}

type Redis struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	Prefix   string   `json:"prefix" yaml:"prefix"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// Workflow configures change-request routing.
type Workflow struct {
	Engine        string   `json:"engine" yaml:"engine"`
	Rule          string   `json:"rule" yaml:"rule"`
	ScheduleGrace Duration `json:"schedule_grace" yaml:"schedule_grace"`
}

type Activity struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Channel string `json:"channel" yaml:"channel"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Metrics struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

func Defaults() Config {
	return Config{
		API:      API{BaseURL: "http://localhost:8000/api/v1/", Timeout: Duration(30 * time.Second)},
		Store:    Store{Driver: "memory", Redis: Redis{Addr: "127.0.0.1:6379", Prefix: "flagstate"}},
		Workflow: Workflow{Engine: "expr", ScheduleGrace: Duration(5 * time.Second)},
		Activity: Activity{Channel: "flagstate"},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (Config, error) {
	defaults, err := hydrate.ToMap(Defaults())
	if err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	file := map[string]any{}
	if path != "" {
		file, err = readFile(path)
		if err != nil {
			return Config{}, err
		}
	}

	env, err := envLayer(lookup)
	if err != nil {
		return Config{}, err
	}

	merged := layering.MergeLayers(env, file, defaults)
	source := path
	if source == "" {
		source = "defaults"
	}
	cfg, err := hydrate.Decode[Config](source, merged, hydrate.Strict())
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	// Round trip through JSON so durations and nested maps use the same
	// shapes as the defaults layer.
	shaped, err := hydrate.ToMap(out)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return hydrate.FoldKeys(shaped), nil
}

type envBinding struct {
	name    string
	path    []string
	integer bool
	boolean bool
}

var envBindings = []envBinding{
	{name: "API_URL", path: []string{"api", "base_url"}},
	{name: "API_TOKEN", path: []string{"api", "token"}},
	{name: "API_TIMEOUT", path: []string{"api", "timeout"}},
	{name: "ORGANISATION", path: []string{"scope", "organisation"}, integer: true},
	{name: "PROJECT", path: []string{"scope", "project"}, integer: true},
	{name: "ENVIRONMENT", path: []string{"scope", "environment"}},
	{name: "USER", path: []string{"scope", "user"}, integer: true},
	{name: "STORE_DRIVER", path: []string{"store", "driver"}},
	{name: "REDIS_ADDR", path: []string{"store", "redis", "addr"}},
	{name: "REDIS_PASSWORD", path: []string{"store", "redis", "password"}},
	{name: "REDIS_DB", path: []string{"store", "redis", "db"}, integer: true},
	{name: "WORKFLOW_ENGINE", path: []string{"workflow", "engine"}},
	{name: "WORKFLOW_RULE", path: []string{"workflow", "rule"}},
	{name: "ACTIVITY_ENABLED", path: []string{"activity", "enabled"}, boolean: true},
	{name: "LOG_LEVEL", path: []string{"log", "level"}},
	{name: "LOG_FORMAT", path: []string{"log", "format"}},
	{name: "METRICS_ENABLED", path: []string{"metrics", "enabled"}, boolean: true},
}

func envLayer(lookup func(string) (string, bool)) (map[string]any, error) {
	out := map[string]any{}
	if lookup == nil {
		return out, nil
	}
	var errs []error
	for _, binding := range envBindings {
		raw, ok := lookup(EnvPrefix + binding.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		var value any = raw
		switch {
		case binding.integer:
			n, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, binding.name, err))
				continue
			}
			value = n
		case binding.boolean:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, binding.name, err))
				continue
			}
			value = b
		}
		setPath(out, binding.path, value)
	}
	return out, errors.Join(errs...)
}

func setPath(target map[string]any, path []string, value any) {
	for _, key := range path[:len(path)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[key] = next
		}
		target = next
	}
	target[path[len(path)-1]] = value
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimSpace(c.API.BaseURL)
	if c.API.BaseURL != "" && !strings.HasSuffix(c.API.BaseURL, "/") {
		c.API.BaseURL += "/"
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Workflow.Engine = strings.ToLower(strings.TrimSpace(c.Workflow.Engine))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.API.BaseURL); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("config: api.base_url must be an absolute url, got %q", c.API.BaseURL))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, fmt.Errorf("config: api.timeout must not be negative"))
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("config: store.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: store.driver must be memory or redis, got %q", c.Store.Driver))
	}
	switch c.Workflow.Engine {
	case "expr", "cel", "js":
	default:
		errs = append(errs, fmt.Errorf("config: workflow.engine must be expr, cel or js, got %q", c.Workflow.Engine))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Logger builds the slog logger described by Log.
func (l Log) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return level, fmt.Errorf("config: log.level %q: %w", value, err)
	}
	return level, nil
}
