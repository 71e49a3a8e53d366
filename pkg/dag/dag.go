// Package dag orders calibrations by their dependencies.
//
// Graphs are given as "forward" edges: forward[u] lists nodes which depend on u.
package dag

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrCycle = errors.New("dependency graph has a cycle")

// nodes collects every node appearing in the graph, sorted by name.
func nodes(forward map[string][]string) []string {
	seen := map[string]struct{}{}
	for u, vs := range forward {
		seen[u] = struct{}{}
		for _, v := range vs {
			seen[v] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// TopologicalSort returns nodes ordered so that every node comes before any node depending on it.
//
// Among nodes which can be next, the one with the smallest name is taken first,
// so the order is deterministic.
//
// # Returns
//
// - []string: sorted nodes.
//
// - error: ErrCycle if the graph is not acyclic.
func TopologicalSort(forward map[string][]string) ([]string, error) {
	all := nodes(forward)
	indegree := make(map[string]int, len(all))
	for _, u := range all {
		for _, v := range forward[u] {
			indegree[v] += 1
		}
	}

	ready := []string{}
	for _, u := range all {
		if indegree[u] == 0 {
			ready = append(ready, u)
		}
	}

	order := make([]string, 0, len(all))
	for len(ready) > 0 {
		slices.Sort(ready)
		u := ready[0]
		ready = ready[1:]
		order = append(order, u)

		for _, v := range forward[u] {
			indegree[v] -= 1
			if indegree[v] == 0 {
				ready = append(ready, v)
			}
		}
	}

	if len(order) != len(all) {
		stuck := []string{}
		for _, u := range all {
			if 0 < indegree[u] {
				stuck = append(stuck, u)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return order, nil
}

// PastFromFuture inverts forward edges: the result maps a node to nodes it depends on.
//
// Every node in the graph has an entry, possibly empty.
func PastFromFuture(forward map[string][]string) map[string][]string {
	past := map[string][]string{}
	for _, u := range nodes(forward) {
		past[u] = []string{}
	}
	for u, vs := range forward {
		for _, v := range vs {
			if !slices.Contains(past[v], u) {
				past[v] = append(past[v], u)
			}
		}
	}
	return past
}

// AllDependencies returns, for each node, every node it depends on directly or transitively.
//
// Dependencies of each node are listed in the given topological order.
func AllDependencies(forward map[string][]string, order []string) map[string][]string {
	rank := make(map[string]int, len(order))
	for i, u := range order {
		rank[u] = i
	}
	past := PastFromFuture(forward)

	closure := map[string]map[string]struct{}{}
	for _, u := range order {
		set := map[string]struct{}{}
		for _, p := range past[u] {
			set[p] = struct{}{}
			for a := range closure[p] {
				set[a] = struct{}{}
			}
		}
		closure[u] = set
	}

	ret := make(map[string][]string, len(closure))
	for u, set := range closure {
		deps := slices.Collect(maps.Keys(set))
		slices.SortFunc(deps, func(a, b string) int { return rank[a] - rank[b] })
		ret[u] = deps
	}
	return ret
}
