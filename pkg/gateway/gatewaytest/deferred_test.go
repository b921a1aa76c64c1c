package gatewaytest_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goliatone/go-flagstate/pkg/gateway"
	"github.com/goliatone/go-flagstate/pkg/gateway/gatewaytest"
)

func TestDeferredResolvesOutOfOrder(t *testing.T) {
	gw := gatewaytest.New()
	results := make(chan string, 2)
	for _, url := range []string{"a/", "b/"} {
		url := url
		go func() {
			raw, _ := gw.Get(context.Background(), url)
			results <- url + string(raw)
		}()
	}

	calls := gw.WaitForPending(t, 2)
	byURL := map[string]*gatewaytest.Call{calls[0].URL: calls[0], calls[1].URL: calls[1]}
	byURL["b/"].Resolve(2)
	if got := <-results; got != "b/2" {
		t.Fatalf("expected b to complete first, got %s", got)
	}
	byURL["a/"].Resolve(1)
	if got := <-results; got != "a/1" {
		t.Fatalf("expected a to complete second, got %s", got)
	}
}

func TestDeferredRejectAndRoute(t *testing.T) {
	gw := gatewaytest.New(gatewaytest.WithResponder(gatewaytest.Route(map[string]any{
		"GET projects/1/": `{"id": 1}`,
		"DELETE x/":       errors.New("boom"),
	})))

	raw, err := gw.Get(context.Background(), "projects/1/")
	if err != nil || string(raw) != `{"id": 1}` {
		t.Fatalf("expected routed response, got %s %v", raw, err)
	}
	if _, err := gw.Delete(context.Background(), "x/"); err == nil {
		t.Fatalf("expected routed error")
	}

	done := make(chan error, 1)
	go func() {
		_, err := gw.Put(context.Background(), "y/", map[string]int{"a": 1})
		done <- err
	}()
	call := gw.Expect(t, http.MethodPut, "y/")
	var body map[string]int
	if err := call.Decode(&body); err != nil || body["a"] != 1 {
		t.Fatalf("unexpected body %s", call.Body)
	}
	call.Reject(http.StatusBadRequest, map[string]string{"detail": "nope"})
	if status := gateway.StatusOf(<-done); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	gw.AssertNoPending(t)
	if gw.Count(http.MethodGet, "projects/") != 1 {
		t.Fatalf("expected one recorded project call")
	}
}

func TestDeferredHonoursContext(t *testing.T) {
	gw := gatewaytest.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gw.Get(ctx, "slow/")
		done <- err
	}()
	gw.Next(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
