// Package gatewaytest provides a Gateway fake whose calls stay pending until
// the test resolves them, so completion order can be chosen explicitly.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// DefaultWait bounds how long helpers wait for a call to arrive.
var DefaultWait = 2 * time.Second

type result struct {
	raw json.RawMessage
	err error
}

// Call is one recorded request.
type Call struct {
	Method string
	URL    string
	Body   json.RawMessage

	once sync.Once
	done chan result
}

// Is reports whether the call matches method and URL.
func (c *Call) Is(method, url string) bool {
	return c.Method == method && c.URL == url
}

// Decode unmarshals the request body into target.
func (c *Call) Decode(target any) error {
	return json.Unmarshal(c.Body, target)
}

// Resolve completes the call with v encoded as JSON.
func (c *Call) Resolve(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: encode response: %v", err))
	}
	c.finish(result{raw: raw})
}

// ResolveRaw completes the call with a raw payload.
func (c *Call) ResolveRaw(raw string) {
	c.finish(result{raw: json.RawMessage(raw)})
}

// Reject completes the call with a normalized rejection.
func (c *Call) Reject(status int, data any) {
	raw, _ := json.Marshal(data)
	c.finish(result{err: &gateway.Error{
		Status: status,
		Data:   raw,
		Method: c.Method,
		URL:    c.URL,
		Err:    fmt.Errorf("%s", http.StatusText(status)),
	}})
}

// Fail completes the call with a transport error.
func (c *Call) Fail(err error) {
	c.finish(result{err: &gateway.Error{Method: c.Method, URL: c.URL, Err: err}})
}

func (c *Call) finish(r result) {
	c.once.Do(func() {
		c.done <- r
	})
}

// Responder answers calls synchronously. Returning handled=false leaves the
// call pending for the test to resolve.
type Responder func(call *Call) (response any, err error, handled bool)

// Deferred is a Gateway whose calls block until resolved.
type Deferred struct {
	mu        sync.Mutex
	calls     []*Call
	queue     chan *Call
	responder Responder
}

// Option configures a Deferred gateway.
type Option func(*Deferred)

// WithResponder answers matching calls immediately.
func WithResponder(responder Responder) Option {
	return func(d *Deferred) {
		d.responder = responder
	}
}

// New constructs a Deferred gateway.
func New(opts ...Option) *Deferred {
	d := &Deferred{queue: make(chan *Call, 256)}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

var _ gateway.Gateway = (*Deferred)(nil)

func (d *Deferred) Get(ctx context.Context, url string) (json.RawMessage, error) {
	return d.record(ctx, http.MethodGet, url, nil)
}

func (d *Deferred) Post(ctx context.Context, url string, body any) (json.RawMessage, error) {
	return d.record(ctx, http.MethodPost, url, body)
}

func (d *Deferred) Put(ctx context.Context, url string, body any) (json.RawMessage, error) {
	return d.record(ctx, http.MethodPut, url, body)
}

func (d *Deferred) Delete(ctx context.Context, url string) (json.RawMessage, error) {
	return d.record(ctx, http.MethodDelete, url, nil)
}

func (d *Deferred) record(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	call := &Call{Method: method, URL: url, done: make(chan result, 1)}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &gateway.Error{Method: method, URL: url, Err: err}
		}
		call.Body = raw
	}

	d.mu.Lock()
	d.calls = append(d.calls, call)
	responder := d.responder
	d.mu.Unlock()

	handled := false
	if responder != nil {
		response, err, ok := responder(call)
		if ok {
			handled = true
			if err != nil {
				call.finish(result{err: err})
			} else if raw, isRaw := response.(string); isRaw {
				call.ResolveRaw(raw)
			} else {
				call.Resolve(response)
			}
		}
	}
	if !handled {
		d.queue <- call
	}

	select {
	case r := <-call.done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, &gateway.Error{Method: method, URL: url, Err: ctx.Err()}
	}
}

// Next returns the next pending call, failing the test if none arrives.
func (d *Deferred) Next(t testing.TB) *Call {
	t.Helper()
	select {
	case call := <-d.queue:
		return call
	case <-time.After(DefaultWait):
		t.Fatalf("gatewaytest: no pending call after %s", DefaultWait)
		return nil
	}
}

// Expect returns the next pending call and checks its method and URL.
func (d *Deferred) Expect(t testing.TB, method, url string) *Call {
	t.Helper()
	call := d.Next(t)
	if !call.Is(method, url) {
		t.Fatalf("gatewaytest: expected %s %s, got %s %s", method, url, call.Method, call.URL)
	}
	return call
}

// WaitForPending collects n pending calls in arrival order.
func (d *Deferred) WaitForPending(t testing.TB, n int) []*Call {
	t.Helper()
	calls := make([]*Call, 0, n)
	for len(calls) < n {
		calls = append(calls, d.Next(t))
	}
	return calls
}

// AssertNoPending fails if a call is waiting to be resolved.
func (d *Deferred) AssertNoPending(t testing.TB) {
	t.Helper()
	select {
	case call := <-d.queue:
		t.Fatalf("gatewaytest: unexpected pending call %s %s", call.Method, call.URL)
	default:
	}
}

// Calls returns every recorded call, resolved or not.
func (d *Deferred) Calls() []*Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how many recorded calls match method and a URL prefix.
func (d *Deferred) Count(method, prefix string) int {
	n := 0
	for _, call := range d.Calls() {
		if call.Method == method && strings.HasPrefix(call.URL, prefix) {
			n++
		}
	}
	return n
}

// Route builds a Responder from "METHOD url" keys. Values may be a response
// value, a raw JSON string or an error.
func Route(routes map[string]any) Responder {
	return func(call *Call) (any, error, bool) {
		value, ok := routes[call.Method+" "+call.URL]
		if !ok {
			return nil, nil, false
		}
		if err, isErr := value.(error); isErr {
			return nil, err, true
		}
		return value, nil, true
	}
}
