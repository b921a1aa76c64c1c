package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrETagMismatch = errors.New("state: etag mismatch")
	ErrRefRequired  = errors.New("state: ref kind and key are required")
)

// Ref identifies one persisted slice.
type Ref struct {
	Kind string
	Key  string
}

// Meta is storage-owned metadata used for provenance and concurrency control.
type Meta struct {
	SnapshotID string            `json:"snapshot_id,omitempty"`
	ETag       string            `json:"etag,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Store loads/saves one snapshot for a single ref.
type Store[T any] interface {
	Load(ctx context.Context, ref Ref) (snapshot T, meta Meta, ok bool, err error)
	Save(ctx context.Context, ref Ref, snapshot T, meta Meta) (Meta, error)
	Delete(ctx context.Context, ref Ref) error
}

// Mutator edits a loaded snapshot in place.
type Mutator[T any] func(*T) error

// Updater is implemented by stores that apply a Mutator atomically.
type Updater[T any] interface {
	Update(ctx context.Context, ref Ref, expected Meta, fn Mutator[T]) (T, Meta, error)
}

func (r Ref) Identifier() (string, error) {
	if r.Kind == "" || r.Key == "" {
		return "", fmt.Errorf("%w: kind=%q key=%q", ErrRefRequired, r.Kind, r.Key)
	}
	return r.Kind + "/" + r.Key, nil
}

// Update loads ref, verifies expected.ETag when both sides carry one, applies
// fn and saves the result. A missing snapshot starts from the zero value.
func Update[T any](ctx context.Context, store Store[T], ref Ref, expected Meta, fn Mutator[T]) (T, Meta, error) {
	var zero T
	if store == nil {
		return zero, Meta{}, fmt.Errorf("state: store is required")
	}
	if fn == nil {
		return zero, Meta{}, fmt.Errorf("state: mutator is required")
	}
	if _, err := ref.Identifier(); err != nil {
		return zero, Meta{}, err
	}
	if updater, ok := store.(Updater[T]); ok {
		return updater.Update(ctx, ref, expected, fn)
	}

	snapshot, loaded, ok, err := store.Load(ctx, ref)
	if err != nil {
		return zero, Meta{}, fmt.Errorf("state: load %s/%s: %w", ref.Kind, ref.Key, err)
	}
	if !ok {
		snapshot = zero
		loaded = Meta{}
	}
	if err := checkETag(expected, loaded); err != nil {
		return zero, loaded, err
	}
	if err := fn(&snapshot); err != nil {
		return zero, loaded, err
	}

	next, err := Stamp(snapshot, mergeMeta(loaded, expected))
	if err != nil {
		return zero, loaded, err
	}
	saved, err := store.Save(ctx, ref, snapshot, next)
	if err != nil {
		return zero, loaded, fmt.Errorf("state: save %s/%s: %w", ref.Kind, ref.Key, err)
	}
	return snapshot, saved, nil
}

// Stamp assigns a fresh SnapshotID, a content ETag and UpdatedAt.
func Stamp[T any](snapshot T, meta Meta) (Meta, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return meta, fmt.Errorf("state: encode snapshot: %w", err)
	}
	out := cloneMeta(meta)
	out.SnapshotID = uuid.NewString()
	out.ETag = contentETag(raw)
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

func contentETag(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func checkETag(expected, loaded Meta) error {
	if expected.ETag != "" && loaded.ETag != "" && expected.ETag != loaded.ETag {
		return fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, expected.ETag, loaded.ETag)
	}
	return nil
}

func mergeMeta(base, override Meta) Meta {
	out := cloneMeta(base)
	if override.Extra != nil {
		out.Extra = make(map[string]string, len(override.Extra))
		for k, v := range override.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func cloneMeta(meta Meta) Meta {
	out := meta
	if meta.Extra == nil {
		return out
	}
	out.Extra = make(map[string]string, len(meta.Extra))
	for k, v := range meta.Extra {
		out.Extra[k] = v
	}
	return out
}
