// Package cmp has comparators for slices and maps used in tests.
package cmp

type BiPredicator[V any, U any] func(a V, b U) bool

func EqEq[T comparable](a, b T) bool {
	return a == b
}

// check a == b, element by element.
func SliceEq[T comparable](a []T, b []T) bool {
	return SliceEqWith(a, b, EqEq[T])
}

// check a == b, element by element, in context of pred.
func SliceEqWith[T any, U any](a []T, b []U, pred BiPredicator[T, U]) bool {
	if len(a) != len(b) {
		return false
	}
	for nth := range a {
		if !pred(a[nth], b[nth]) {
			return false
		}
	}
	return true
}

// check 2 slices have the same content, ignoring ordering.
//
//	SliceContentEq([]string{"a", "b", "c"}, []string{"c", "a", "b"})  // ==> true
//	SliceContentEq([]string{"a", "c", "c"}, []string{"a", "c"})       // ==> false
func SliceContentEq[T comparable](a, b []T) bool {
	return SliceContentEqWith(a, b, EqEq[T])
}

// check 2 slices are equivalent as bags, in context of equiv.
func SliceContentEqWith[S, T any](a []S, b []T, equiv BiPredicator[S, T]) bool {
	if len(a) != len(b) {
		return false
	}

	used := make([]bool, len(b))
NEXT_A:
	for _, va := range a {
		for i, vb := range b {
			if used[i] {
				continue
			}
			if equiv(va, vb) {
				used[i] = true
				continue NEXT_A
			}
		}
		return false
	}
	return true
}

// check a == b
func MapEq[K comparable, V comparable](a map[K]V, b map[K]V) bool {
	return MapEqWith(a, b, EqEq[V])
}

// check a == b, in context of comparator
func MapEqWith[K comparable, V any, U any](a map[K]V, b map[K]U, comparator BiPredicator[V, U]) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !comparator(va, vb) {
			return false
		}
	}
	return true
}
