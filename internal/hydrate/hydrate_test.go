package hydrate

import (
	"errors"
	"testing"
)

type apiSettings struct {
	BaseURL string `json:"base_url"`
	Retries int    `json:"retries"`
	Debug   bool   `json:"debug"`
}

type settings struct {
	API apiSettings `json:"api"`
}

func TestDecodeFoldsKeys(t *testing.T) {
	input := map[string]any{"API": map[string]any{"Base-URL": "https://api.example.com/", "debug": true}}
	got, err := Decode[settings]("flagstate.yaml", FoldKeys(input), Strict())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.API.BaseURL != "https://api.example.com/" || !got.API.Debug {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, ok := input["API"].(map[string]any)["Base-URL"]; !ok {
		t.Fatalf("expected input payload untouched")
	}
}

func TestDecodeStrictNamesUnknownKey(t *testing.T) {
	_, err := Decode[apiSettings]("file", map[string]any{"base_ulr": "x"}, Strict())
	var hydrateErr *Error
	if !errors.As(err, &hydrateErr) || hydrateErr.Key != "base_ulr" || hydrateErr.Source != "file" {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := Decode[apiSettings]("file", map[string]any{"base_ulr": "x"}); err != nil {
		t.Fatalf("expected lenient decode, got %v", err)
	}
}

func TestDecodeNamesMistypedKey(t *testing.T) {
	_, err := Decode[settings]("env", map[string]any{"api": map[string]any{"retries": "three"}})
	var hydrateErr *Error
	if !errors.As(err, &hydrateErr) || hydrateErr.Key != "api.retries" {
		t.Fatalf("expected api.retries in error, got %v", err)
	}
}

func TestDecodeNilPayload(t *testing.T) {
	if _, err := Decode[apiSettings]("file", nil); err == nil {
		t.Fatalf("expected nil payload error")
	}
}

func TestToMap(t *testing.T) {
	got, err := ToMap(apiSettings{BaseURL: "u", Retries: 2})
	if err != nil {
		t.Fatalf("to map: %v", err)
	}
	if got["base_url"] != "u" || got["retries"] != float64(2) {
		t.Fatalf("unexpected map %v", got)
	}
}
