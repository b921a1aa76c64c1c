// Package gateway defines the request contract the caches depend on and an
// HTTP implementation of it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Gateway issues JSON requests against the API. Rejections are returned as
// *Error values carrying the HTTP status and response payload.
type Gateway interface {
	Get(ctx context.Context, url string) (json.RawMessage, error)
	Post(ctx context.Context, url string, body any) (json.RawMessage, error)
	Put(ctx context.Context, url string, body any) (json.RawMessage, error)
	Delete(ctx context.Context, url string) (json.RawMessage, error)
}

// Decode unmarshals raw into T. A prior request error is normalized and
// returned unchanged.
func Decode[T any](raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, Normalize(err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &Error{Data: raw, Err: fmt.Errorf("gateway: decode %T: %w", out, err)}
	}
	return out, nil
}

// GetJSON issues a GET and decodes the response into T.
func GetJSON[T any](ctx context.Context, gw Gateway, url string) (T, error) {
	return Decode[T](gw.Get(ctx, url))
}

// PostJSON issues a POST and decodes the response into T.
func PostJSON[T any](ctx context.Context, gw Gateway, url string, body any) (T, error) {
	return Decode[T](gw.Post(ctx, url, body))
}

// PutJSON issues a PUT and decodes the response into T.
func PutJSON[T any](ctx context.Context, gw Gateway, url string, body any) (T, error) {
	return Decode[T](gw.Put(ctx, url, body))
}

// Page is the paginated list envelope some endpoints return.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// DecodeList accepts either a bare JSON array or a paginated envelope.
func DecodeList[T any](raw json.RawMessage, err error) ([]T, error) {
	if err != nil {
		return nil, Normalize(err)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		return Decode[[]T](raw, nil)
	}
	page, err := Decode[Page[T]](raw, nil)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// GetList issues a GET for a list endpoint.
func GetList[T any](ctx context.Context, gw Gateway, url string) ([]T, error) {
	return DecodeList[T](gw.Get(ctx, url))
}
