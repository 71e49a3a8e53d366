package iov

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ExpRun identifies a run in an experiment.
//
// ExpRuns are ordered lexicographically: by experiment, and then by run.
type ExpRun struct {
	Exp int `json:"exp"`
	Run int `json:"run"`
}

func (e ExpRun) Compare(other ExpRun) int {
	if c := cmp.Compare(e.Exp, other.Exp); c != 0 {
		return c
	}
	return cmp.Compare(e.Run, other.Run)
}

func (e ExpRun) Less(other ExpRun) bool {
	return e.Compare(other) < 0
}

// IoV returns the interval covering only this run.
func (e ExpRun) IoV() IoV {
	return IoV{ExpLow: e.Exp, RunLow: e.Run, ExpHigh: e.Exp, RunHigh: e.Run}
}

func (e ExpRun) String() string {
	return fmt.Sprintf("%d,%d", e.Exp, e.Run)
}

func (e ExpRun) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *ExpRun) UnmarshalText(text []byte) error {
	er, err := ParseExpRun(string(text))
	if err != nil {
		return err
	}
	*e = er
	return nil
}

// ParseExpRun parses "exp,run".
func ParseExpRun(s string) (ExpRun, error) {
	n, err := parseInts(s, 2)
	if err != nil {
		return ExpRun{}, fmt.Errorf("%w: run %q: %w", ErrFormat, s, err)
	}
	return ExpRun{Exp: n[0], Run: n[1]}, nil
}

func parseInts(s string, count int) ([]int, error) {
	fields := strings.Split(s, ",")
	if len(fields) != count {
		return nil, fmt.Errorf("%d fields are expected, but %d", count, len(fields))
	}
	ret := make([]int, 0, count)
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		ret = append(ret, n)
	}
	return ret, nil
}

// Sort sorts runs in place.
func Sort(runs []ExpRun) {
	slices.SortFunc(runs, ExpRun.Compare)
}

// RunsFromVector returns sorted runs without duplication.
//
// The argument is not modified.
func RunsFromVector(runs []ExpRun) []ExpRun {
	ret := slices.Clone(runs)
	Sort(ret)
	return slices.Compact(ret)
}

// SplitRunsByExp groups runs by experiment.
//
// Groups are ordered by first appearance of each experiment,
// and runs in a group keep their order.
func SplitRunsByExp(runs []ExpRun) [][]ExpRun {
	index := map[int]int{}
	ret := [][]ExpRun{}
	for _, r := range runs {
		i, ok := index[r.Exp]
		if !ok {
			i = len(ret)
			index[r.Exp] = i
			ret = append(ret, []ExpRun{})
		}
		ret[i] = append(ret[i], r)
	}
	return ret
}

// Grouper splits runs into consecutive chunks of n runs. The last chunk can be shorter.
func Grouper(n int, runs []ExpRun) [][]ExpRun {
	if n < 1 {
		n = 1
	}
	ret := [][]ExpRun{}
	for len(runs) > 0 {
		size := min(n, len(runs))
		ret = append(ret, slices.Clone(runs[:size]))
		runs = runs[size:]
	}
	return ret
}

// FindGaps returns missing intervals between sorted runs.
//
// Gaps are searched only within an experiment; a change of experiment is not a gap.
func FindGaps(sorted []ExpRun) []IoV {
	gaps := []IoV{}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Exp != cur.Exp || cur.Run <= prev.Run+1 {
			continue
		}
		gaps = append(gaps, IoV{ExpLow: cur.Exp, RunLow: prev.Run + 1, ExpHigh: cur.Exp, RunHigh: cur.Run - 1})
	}
	return gaps
}

// Without returns runs not in excluded, keeping order.
func Without(runs []ExpRun, excluded []ExpRun) []ExpRun {
	ret := []ExpRun{}
	for _, r := range runs {
		if !slices.Contains(excluded, r) {
			ret = append(ret, r)
		}
	}
	return ret
}
