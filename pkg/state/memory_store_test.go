package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-flagstate/pkg/state"
)

type slice struct {
	Names []string `json:"names"`
}

func TestRefIdentifier(t *testing.T) {
	id, err := state.Ref{Kind: "features", Key: "project/1/environment/abc"}.Identifier()
	if err != nil {
		t.Fatalf("identifier: %v", err)
	}
	if id != "features/project/1/environment/abc" {
		t.Fatalf("unexpected identifier %q", id)
	}
	if _, err := (state.Ref{Kind: "features"}).Identifier(); !errors.Is(err, state.ErrRefRequired) {
		t.Fatalf("expected ErrRefRequired, got %v", err)
	}
}

func TestMemoryStoreDetachesSnapshots(t *testing.T) {
	store := state.NewMemoryStore[slice]()
	ref := state.Ref{Kind: "features", Key: "p1"}
	input := slice{Names: []string{"a"}}
	if _, err := store.Save(context.Background(), ref, input, state.Meta{ETag: "v1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	input.Names[0] = "mutated"

	got, meta, ok, err := store.Load(context.Background(), ref)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Names[0] != "a" || meta.ETag != "v1" {
		t.Fatalf("expected detached snapshot, got %+v %+v", got, meta)
	}

	if err := store.Delete(context.Background(), ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok, _ := store.Load(context.Background(), ref); ok {
		t.Fatalf("expected deleted snapshot")
	}
}

func TestUpdateChecksETag(t *testing.T) {
	store := state.NewMemoryStore[slice]()
	ref := state.Ref{Kind: "features", Key: "p1"}
	ctx := context.Background()

	first, meta, err := state.Update[slice](ctx, store, ref, state.Meta{}, func(s *slice) error {
		s.Names = append(s.Names, "a")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(first.Names) != 1 || meta.ETag == "" || meta.SnapshotID == "" {
		t.Fatalf("expected stamped snapshot, got %+v %+v", first, meta)
	}

	_, _, err = state.Update[slice](ctx, store, ref, state.Meta{ETag: "stale"}, func(s *slice) error {
		s.Names = nil
		return nil
	})
	if !errors.Is(err, state.ErrETagMismatch) {
		t.Fatalf("expected ErrETagMismatch, got %v", err)
	}

	second, next, err := state.Update[slice](ctx, store, ref, state.Meta{ETag: meta.ETag}, func(s *slice) error {
		s.Names = append(s.Names, "b")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(second.Names) != 2 || next.ETag == meta.ETag {
		t.Fatalf("expected new content etag, got %+v %+v", second, next)
	}
}

func TestUpdateMutatorErrorDoesNotSave(t *testing.T) {
	store := state.NewMemoryStore[slice]()
	ref := state.Ref{Kind: "features", Key: "p1"}
	boom := errors.New("boom")
	_, _, err := state.Update[slice](context.Background(), store, ref, state.Meta{}, func(*slice) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	if _, _, ok, _ := store.Load(context.Background(), ref); ok {
		t.Fatalf("expected nothing saved")
	}
}

type plainStore struct {
	*state.MemoryStore[slice]
	saves int
}

func (s *plainStore) Save(ctx context.Context, ref state.Ref, snapshot slice, meta state.Meta) (state.Meta, error) {
	s.saves++
	return s.MemoryStore.Save(ctx, ref, snapshot, meta)
}

func TestUpdateFallsBackToLoadSave(t *testing.T) {
	// Embedding the interface hides Update so the generic path runs.
	store := struct{ state.Store[slice] }{&plainStore{MemoryStore: state.NewMemoryStore[slice]()}}
	ref := state.Ref{Kind: "features", Key: "p1"}
	got, meta, err := state.Update[slice](context.Background(), store, ref, state.Meta{}, func(s *slice) error {
		s.Names = []string{"x"}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(got.Names) != 1 || meta.ETag == "" {
		t.Fatalf("unexpected result %+v %+v", got, meta)
	}
	inner := store.Store.(*plainStore)
	if inner.saves != 1 {
		t.Fatalf("expected one save through the store, got %d", inner.saves)
	}
}
