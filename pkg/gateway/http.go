package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-flagstate/pkg/gateway"

// HTTPGateway implements Gateway over net/http. Relative URLs are resolved
// against the base URL; every request runs inside an OpenTelemetry span.
type HTTPGateway struct {
	base      *url.URL
	client    *http.Client
	token     string
	headers   http.Header
	tracer    trace.Tracer
	logger    *slog.Logger
	userAgent string
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithToken sets the API token sent as "Authorization: Token <token>".
func WithToken(token string) HTTPOption {
	return func(g *HTTPGateway) {
		g.token = strings.TrimSpace(token)
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(g *HTTPGateway) {
		g.headers.Add(key, value)
	}
}

// WithTracerProvider selects the tracer provider. Defaults to the global one.
func WithTracerProvider(provider trace.TracerProvider) HTTPOption {
	return func(g *HTTPGateway) {
		if provider != nil {
			g.tracer = provider.Tracer(tracerName)
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(g *HTTPGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTimeout sets the client timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(g *HTTPGateway) {
		if timeout > 0 {
			g.client.Timeout = timeout
		}
	}
}

// NewHTTP builds an HTTPGateway for baseURL (e.g. https://api.example.com/api/v1/).
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTPGateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("gateway: base url is required")
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway: base url %q must be absolute", baseURL)
	}
	g := &HTTPGateway{
		base:      base,
		client:    &http.Client{Timeout: 30 * time.Second},
		headers:   http.Header{},
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		logger:    slog.New(slog.DiscardHandler),
		userAgent: "go-flagstate",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *HTTPGateway) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return g.do(ctx, http.MethodGet, path, nil)
}

func (g *HTTPGateway) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return g.do(ctx, http.MethodPost, path, body)
}

func (g *HTTPGateway) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return g.do(ctx, http.MethodPut, path, body)
}

func (g *HTTPGateway) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return g.do(ctx, http.MethodDelete, path, nil)
}

func (g *HTTPGateway) resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	return g.base.ResolveReference(ref).String(), nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	target, err := g.resolve(path)
	if err != nil {
		return nil, &Error{Method: method, URL: path, Err: err}
	}

	ctx, span := g.tracer.Start(ctx, "gateway "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", target),
		))
	defer span.End()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, g.fail(span, &Error{Method: method, URL: path, Err: fmt.Errorf("encode body: %w", err)})
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, g.fail(span, &Error{Method: method, URL: path, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Token "+g.token)
	}
	req.Header.Set("User-Agent", g.userAgent)
	for key, values := range g.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.fail(span, &Error{Method: method, URL: path, Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	g.logger.DebugContext(ctx, "gateway request",
		slog.String("method", method),
		slog.String("url", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	if err != nil {
		return nil, g.fail(span, &Error{Status: resp.StatusCode, Method: method, URL: path, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, g.fail(span, &Error{
			Status: resp.StatusCode,
			Data:   json.RawMessage(data),
			Method: method,
			URL:    path,
			Err:    fmt.Errorf("%s", http.StatusText(resp.StatusCode)),
		})
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func (g *HTTPGateway) fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	g.logger.Warn("gateway request failed",
		slog.String("method", err.Method),
		slog.String("url", err.URL),
		slog.Int("status", err.Status),
		slog.Any("error", err.Err),
	)
	return err
}
