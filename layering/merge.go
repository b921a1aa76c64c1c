package layering

import "reflect"

// Clone returns a deep copy of value. Pointers shared inside value stay
// shared in the copy. Structs are copied whole before their exported fields
// are replaced, so unexported state (time.Time, sync-free caches) is carried
// by value.
func Clone[T any](value T) T {
	c := newCopier()
	return as[T](c.copy(reflect.ValueOf(value)))
}

// MergeLayers composes snapshots ordered strongest first. Unset values in a
// stronger layer (nil pointer, map, slice or interface) are filled from the
// weaker ones; maps merge per key and everything else comes from the
// strongest layer that sets it. Inputs are never mutated.
func MergeLayers[T any](layers ...T) T {
	if len(layers) == 0 {
		var zero T
		return zero
	}
	c := newCopier()
	out := c.copy(reflect.ValueOf(layers[len(layers)-1]))
	for i := len(layers) - 2; i >= 0; i-- {
		out = c.overlay(reflect.ValueOf(layers[i]), out)
	}
	return as[T](out)
}

func as[T any](v reflect.Value) T {
	var out T
	if !v.IsValid() {
		return out
	}
	if typed, ok := v.Interface().(T); ok {
		return typed
	}
	target := reflect.ValueOf(&out).Elem()
	target.Set(v.Convert(target.Type()))
	return out
}

type pointerKey struct {
	addr uintptr
	typ  reflect.Type
}

type copier struct {
	pointers map[pointerKey]reflect.Value
}

func newCopier() *copier {
	return &copier{pointers: map[pointerKey]reflect.Value{}}
}

func unset(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func (c *copier) copy(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if unset(v) {
		return reflect.Zero(v.Type())
	}
	switch v.Kind() {
	case reflect.Pointer:
		key := pointerKey{addr: v.Pointer(), typ: v.Type()}
		if seen, ok := c.pointers[key]; ok {
			return seen
		}
		out := reflect.New(v.Type().Elem())
		c.pointers[key] = out
		out.Elem().Set(c.copy(v.Elem()))
		return out
	case reflect.Interface:
		out := reflect.New(v.Type()).Elem()
		out.Set(c.copy(v.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if field := out.Field(i); field.CanSet() {
				field.Set(c.copy(v.Field(i)))
			}
		}
		return out
	case reflect.Map:
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		for iter := v.MapRange(); iter.Next(); {
			out.SetMapIndex(iter.Key(), c.copy(iter.Value()))
		}
		return out
	case reflect.Slice:
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(c.copy(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(c.copy(v.Index(i)))
		}
		return out
	}
	out := reflect.New(v.Type()).Elem()
	out.Set(v)
	return out
}

// overlay lays strong over weak. weak is already a private copy, so it can
// be reused without copying again.
func (c *copier) overlay(strong, weak reflect.Value) reflect.Value {
	if unset(strong) {
		if !strong.IsValid() || (weak.IsValid() && weak.Type().AssignableTo(strong.Type())) {
			return weak
		}
		return reflect.Zero(strong.Type())
	}
	sameType := weak.IsValid() && weak.Type() == strong.Type()

	switch strong.Kind() {
	case reflect.Pointer:
		var below reflect.Value
		if sameType && !weak.IsNil() {
			below = weak.Elem()
		}
		out := reflect.New(strong.Type().Elem())
		out.Elem().Set(c.overlay(strong.Elem(), below))
		return out
	case reflect.Interface:
		below := weak
		if sameType {
			below = weak.Elem()
		}
		out := reflect.New(strong.Type()).Elem()
		out.Set(c.overlay(strong.Elem(), below))
		return out
	case reflect.Struct:
		if !sameType {
			return c.copy(strong)
		}
		out := reflect.New(strong.Type()).Elem()
		out.Set(strong)
		for i := range strong.NumField() {
			if field := out.Field(i); field.CanSet() {
				field.Set(c.overlay(strong.Field(i), weak.Field(i)))
			}
		}
		return out
	case reflect.Map:
		out := reflect.MakeMapWithSize(strong.Type(), strong.Len())
		if sameType && !weak.IsNil() {
			for iter := weak.MapRange(); iter.Next(); {
				out.SetMapIndex(iter.Key(), iter.Value())
			}
		}
		for iter := strong.MapRange(); iter.Next(); {
			below := out.MapIndex(iter.Key())
			if below.IsValid() {
				out.SetMapIndex(iter.Key(), c.overlay(iter.Value(), below))
				continue
			}
			out.SetMapIndex(iter.Key(), c.copy(iter.Value()))
		}
		return out
	case reflect.Array:
		out := reflect.New(strong.Type()).Elem()
		for i := range strong.Len() {
			var below reflect.Value
			if sameType {
				below = weak.Index(i)
			}
			out.Index(i).Set(c.overlay(strong.Index(i), below))
		}
		return out
	}
	return c.copy(strong)
}
