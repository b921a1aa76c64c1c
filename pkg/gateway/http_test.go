package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goliatone/go-flagstate/pkg/gateway"
)

func TestHTTPGatewayRoundTrip(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.RequestURI()
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 5, "enabled": true}`))
	}))
	defer server.Close()

	gw, err := gateway.NewHTTP(server.URL+"/api/v1", gateway.WithToken("secret"))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	type state struct {
		ID      int  `json:"id"`
		Enabled bool `json:"enabled"`
	}
	got, err := gateway.PutJSON[state](context.Background(), gw, "environments/abc/featurestates/5/", map[string]any{"enabled": true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if got.ID != 5 || !got.Enabled {
		t.Fatalf("unexpected decoded body %+v", got)
	}
	if gotAuth != "Token secret" {
		t.Fatalf("expected token header, got %q", gotAuth)
	}
	if gotPath != "PUT /api/v1/environments/abc/featurestates/5/" {
		t.Fatalf("unexpected request line %q", gotPath)
	}
	if gotBody != `{"enabled":true}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestHTTPGatewayNormalizesRejections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "No changes to commit"}`))
	}))
	defer server.Close()

	gw, err := gateway.NewHTTP(server.URL)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	_, err = gw.Post(context.Background(), "features/workflows/change-requests/1/commit/", nil)

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *gateway.Error, got %T", err)
	}
	if gwErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", gwErr.Status)
	}
	if gwErr.Message() != "No changes to commit" {
		t.Fatalf("unexpected message %q", gwErr.Message())
	}
	if !gateway.IsNoChange(err) {
		t.Fatalf("expected no-change rejection")
	}
}

func TestHTTPGatewayNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	gw, err := gateway.NewHTTP(server.URL)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	_, err = gw.Get(context.Background(), "projects/1/")
	gwErr := gateway.Normalize(err)
	if gwErr == nil || gwErr.Status != 0 || gwErr.Err == nil {
		t.Fatalf("expected network error with status 0, got %#v", gwErr)
	}
}

func TestNewHTTPValidatesBaseURL(t *testing.T) {
	if _, err := gateway.NewHTTP(""); err == nil {
		t.Fatalf("expected empty base url to fail")
	}
	if _, err := gateway.NewHTTP("api/v1"); err == nil {
		t.Fatalf("expected relative base url to fail")
	}
}

func TestDecodeListAcceptsPages(t *testing.T) {
	items, err := gateway.DecodeList[int](json.RawMessage(`{"count": 2, "results": [1, 2]}`), nil)
	if err != nil || len(items) != 2 {
		t.Fatalf("expected paged results, got %v %v", items, err)
	}
	items, err = gateway.DecodeList[int](json.RawMessage(` [3]`), nil)
	if err != nil || len(items) != 1 || items[0] != 3 {
		t.Fatalf("expected bare array, got %v %v", items, err)
	}
}

func TestErrorMessageFallsBackToFieldErrors(t *testing.T) {
	err := &gateway.Error{Status: 400, Data: json.RawMessage(`{"name": ["Feature with that name already exists."]}`)}
	if got := err.Message(); got != "name: Feature with that name already exists." {
		t.Fatalf("unexpected message %q", got)
	}
	if gateway.IsNoChange(err) {
		t.Fatalf("field errors are not no-change rejections")
	}
	if gateway.Normalize(nil) != nil {
		t.Fatalf("normalize(nil) must be nil")
	}
}
