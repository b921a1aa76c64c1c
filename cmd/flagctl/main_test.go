package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/config"
	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/gateway/gatewaytest"
)

var baseEnv = map[string]string{
	"FLAGSTATE_API_URL":     "https://flags.example.test/api/v1/",
	"FLAGSTATE_PROJECT":     "1",
	"FLAGSTATE_ENVIRONMENT": "env-a",
	"FLAGSTATE_USER":        "4",
}

type apiFake struct {
	quorum *int
	state  flagstate.FeatureState
}

func (f *apiFake) respond(call *gatewaytest.Call) (any, error, bool) {
	switch {
	case call.Is(http.MethodGet, "environments/?project=1"):
		return []flagstate.Environment{{ID: 7, APIKey: "env-a", Name: "Production", Project: 1, MinimumChangeRequestApprovals: f.quorum}}, nil, true
	case call.Is(http.MethodGet, "projects/1/"):
		return flagstate.Project{ID: 1, Name: "Storefront", Organisation: 3}, nil, true
	case call.Is(http.MethodGet, "organisations/3/"):
		return flagstate.Organisation{ID: 3, Name: "Acme"}, nil, true
	case call.Is(http.MethodGet, "organisations/3/groups/"):
		return []flagstate.UserGroup{{ID: 9, Name: "Reviewers", Users: []flagstate.User{{ID: 4}, {ID: 5}}}}, nil, true
	case call.Is(http.MethodGet, "projects/1/features/"):
		return []flagstate.ProjectFlag{{ID: 1, Name: "banner", Type: flagstate.FlagTypeStandard, Project: 1}}, nil, true
	case call.Is(http.MethodGet, "environments/env-a/featurestates/"):
		return []flagstate.FeatureState{f.state}, nil, true
	case call.Is(http.MethodPut, "environments/env-a/featurestates/5/"):
		_ = call.Decode(&f.state)
		return f.state, nil, true
	case call.Is(http.MethodPost, "environments/env-a/create-change-request/"):
		var cr flagstate.ChangeRequest
		_ = call.Decode(&cr)
		cr.ID = 42
		return cr, nil, true
	}
	return nil, nil, false
}

func newAPIFake(quorum *int) (*apiFake, *gatewaytest.Deferred) {
	fake := &apiFake{
		quorum: quorum,
		state:  flagstate.FeatureState{ID: 5, Feature: 1, Environment: 7, FeatureStateValue: flagstate.StringValue("blue")},
	}
	return fake, gatewaytest.New(gatewaytest.WithResponder(fake.respond))
}

func execute(t *testing.T, gw gateway.Gateway, env map[string]string, args ...string) (string, string, error) {
	t.Helper()
	merged := map[string]string{}
	for k, v := range baseEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	c := &cli{
		lookup: func(key string) (string, bool) {
			v, ok := merged[key]
			return v, ok
		},
		stderr: io.Discard,
		gateway: func(config.Config, *slog.Logger) (gateway.Gateway, error) {
			return gw, nil
		},
	}
	root := newRootCommand(c)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestFlagsList(t *testing.T) {
	_, gw := newAPIFake(nil)
	out, _, err := execute(t, gw, nil, "flags", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "banner") || !strings.Contains(out, "blue") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestProjectShowsOrganisationGroups(t *testing.T) {
	_, gw := newAPIFake(nil)
	out, _, err := execute(t, gw, nil, "project")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	want := "project 1 Storefront\norganisation 3 Acme\n  group 9 Reviewers members=2\n"
	if out != want {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestFlagsToggleWritesDirectly(t *testing.T) {
	fake, gw := newAPIFake(nil)
	out, _, err := execute(t, gw, nil, "flags", "toggle", "banner")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if strings.TrimSpace(out) != "banner enabled=true" {
		t.Fatalf("unexpected output %q", out)
	}
	if !fake.state.Enabled {
		t.Fatalf("expected the server state to be enabled")
	}
}

func TestFlagsToggleOpensChangeRequest(t *testing.T) {
	quorum := 1
	fake, gw := newAPIFake(&quorum)
	out, _, err := execute(t, gw, nil, "flags", "toggle", "1")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if strings.TrimSpace(out) != "change request 42 opened: Enable banner" {
		t.Fatalf("unexpected output %q", out)
	}
	if fake.state.Enabled {
		t.Fatalf("live state must not change before commit")
	}
	if n := gw.Count(http.MethodPut, "environments/"); n != 0 {
		t.Fatalf("expected no direct write, got %d", n)
	}
}

func TestFlagsEvaluateWithTrace(t *testing.T) {
	_, gw := newAPIFake(nil)
	out, _, err := execute(t, gw, nil, "flags", "evaluate", "banner", "--trace")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !strings.HasPrefix(out, "banner enabled=false value=blue source=environment") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, `"layers"`) {
		t.Fatalf("expected a trace, got:\n%s", out)
	}
}

func TestUnknownFlagFails(t *testing.T) {
	_, gw := newAPIFake(nil)
	if _, _, err := execute(t, gw, nil, "flags", "toggle", "missing"); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected unknown flag error, got %v", err)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	_, gw := newAPIFake(nil)
	_, _, err := execute(t, gw, map[string]string{"FLAGSTATE_LOG_FORMAT": "xml"}, "flags", "list")
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected config error, got %v", err)
	}
	if n := len(gw.Calls()); n != 0 {
		t.Fatalf("no request expected before config is valid, got %d", n)
	}
}

func TestMetricsWrittenWhenEnabled(t *testing.T) {
	_, gw := newAPIFake(nil)
	_, stderr, err := execute(t, gw, map[string]string{"FLAGSTATE_METRICS_ENABLED": "true"}, "flags", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(stderr, "flagstate_cache_loads_total") {
		t.Fatalf("expected cache metrics, got:\n%s", stderr)
	}
}
