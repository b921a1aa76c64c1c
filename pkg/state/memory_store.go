package state

import (
	"context"
	"sync"

	"github.com/goliatone/go-flagstate/layering"
)

// MemoryStore keeps slices in process. It is the default store of every
// cache; values are cloned on the way in and out.
type MemoryStore[T any] struct {
	mu     sync.RWMutex
	slices map[Ref]entry[T]
}

type entry[T any] struct {
	value T
	meta  Meta
}

func (e entry[T]) detach() (T, Meta) {
	return layering.Clone(e.value), cloneMeta(e.meta)
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{slices: map[Ref]entry[T]{}}
}

func (s *MemoryStore[T]) Load(_ context.Context, ref Ref) (T, Meta, bool, error) {
	var zero T
	if _, err := ref.Identifier(); err != nil {
		return zero, Meta{}, false, err
	}
	s.mu.RLock()
	found, ok := s.slices[ref]
	s.mu.RUnlock()
	if !ok {
		return zero, Meta{}, false, nil
	}
	value, meta := found.detach()
	return value, meta, true, nil
}

func (s *MemoryStore[T]) Save(_ context.Context, ref Ref, snapshot T, meta Meta) (Meta, error) {
	if _, err := ref.Identifier(); err != nil {
		return Meta{}, err
	}
	stored := entry[T]{value: layering.Clone(snapshot), meta: cloneMeta(meta)}
	s.mu.Lock()
	s.slices[ref] = stored
	s.mu.Unlock()
	return cloneMeta(meta), nil
}

func (s *MemoryStore[T]) Delete(_ context.Context, ref Ref) error {
	if _, err := ref.Identifier(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.slices, ref)
	s.mu.Unlock()
	return nil
}

// Update runs fn while holding the write lock, so concurrent updates of one
// ref never interleave.
func (s *MemoryStore[T]) Update(_ context.Context, ref Ref, expected Meta, fn Mutator[T]) (T, Meta, error) {
	var zero T
	if _, err := ref.Identifier(); err != nil {
		return zero, Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, meta := s.slices[ref].detach()
	if err := checkETag(expected, meta); err != nil {
		return zero, meta, err
	}
	if err := fn(&current); err != nil {
		return zero, meta, err
	}
	next, err := Stamp(current, mergeMeta(meta, expected))
	if err != nil {
		return zero, meta, err
	}
	s.slices[ref] = entry[T]{value: layering.Clone(current), meta: next}
	return current, cloneMeta(next), nil
}
