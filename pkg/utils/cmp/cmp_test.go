package cmp_test

import (
	"testing"

	"github.com/opst/caf/pkg/utils/cmp"
)

func TestSliceContentEq(t *testing.T) {
	type when struct{ a, b []string }
	for name, testcase := range map[string]struct {
		when when
		then bool
	}{
		"empty slices are equal":      {when: when{a: []string{}, b: nil}, then: true},
		"ordering does not matter":    {when: when{a: []string{"a", "b", "c"}, b: []string{"c", "a", "b"}}, then: true},
		"multiplicity matters":        {when: when{a: []string{"a", "c", "c"}, b: []string{"a", "a", "c"}}, then: false},
		"different length is unequal": {when: when{a: []string{"a"}, b: []string{"a", "a"}}, then: false},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := cmp.SliceContentEq(testcase.when.a, testcase.when.b); actual != testcase.then {
				t.Errorf("mismatch. (actual, expected) = (%v, %v)", actual, testcase.then)
			}
		})
	}
}

func TestSliceEq(t *testing.T) {
	if !cmp.SliceEq([]int{1, 2, 3}, []int{1, 2, 3}) {
		t.Error("same slices are not equal")
	}
	if cmp.SliceEq([]int{1, 2, 3}, []int{1, 3, 2}) {
		t.Error("ordering is ignored")
	}
}

func TestMapEq(t *testing.T) {
	if !cmp.MapEq(map[string]int{"a": 1, "b": 2}, map[string]int{"b": 2, "a": 1}) {
		t.Error("same maps are not equal")
	}
	if cmp.MapEq(map[string]int{"a": 1}, map[string]int{"a": 2}) {
		t.Error("different values are equal")
	}
	if cmp.MapEq(map[string]int{"a": 1}, map[string]int{"b": 1}) {
		t.Error("different keys are equal")
	}
}
