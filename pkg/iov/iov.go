// Package iov is an algebra of Intervals of Validity over (experiment, run).
package iov

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Open marks an unbounded end of IoV.
//
// RunHigh == Open means "until the end of the experiment ExpHigh",
// and ExpHigh == Open means "forever".
const Open = -1

var (
	ErrFormat      = errors.New("malformed iov")
	ErrEmpty       = errors.New("no runs")
	ErrNotAdjacent = errors.New("iovs are neither overlapping nor adjacent")
)

// IoV is a closed interval [(ExpLow, RunLow), (ExpHigh, RunHigh)].
type IoV struct {
	ExpLow  int `json:"exp_low"`
	RunLow  int `json:"run_low"`
	ExpHigh int `json:"exp_high"`
	RunHigh int `json:"run_high"`
}

func New(expLow, runLow, expHigh, runHigh int) IoV {
	return IoV{ExpLow: expLow, RunLow: runLow, ExpHigh: expHigh, RunHigh: runHigh}
}

// Always is valid for every run.
func Always() IoV {
	return IoV{ExpLow: 0, RunLow: 0, ExpHigh: Open, RunHigh: Open}
}

// Parse parses "exp_low,run_low,exp_high,run_high".
func Parse(s string) (IoV, error) {
	n, err := parseInts(s, 4)
	if err != nil {
		return IoV{}, fmt.Errorf("%w: %q: %w", ErrFormat, s, err)
	}
	return New(n[0], n[1], n[2], n[3]), nil
}

func (i IoV) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", i.ExpLow, i.RunLow, i.ExpHigh, i.RunHigh)
}

func (i IoV) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *IoV) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Low is the first run in the IoV.
func (i IoV) Low() ExpRun {
	return ExpRun{Exp: i.ExpLow, Run: i.RunLow}
}

type bound struct{ exp, run int64 }

func (b bound) compare(o bound) int {
	switch {
	case b.exp < o.exp:
		return -1
	case b.exp > o.exp:
		return 1
	case b.run < o.run:
		return -1
	case b.run > o.run:
		return 1
	}
	return 0
}

func (i IoV) lower() bound {
	exp, run := int64(i.ExpLow), int64(i.RunLow)
	if exp < 0 {
		return bound{exp: math.MinInt64, run: math.MinInt64}
	}
	if run < 0 {
		run = 0
	}
	return bound{exp: exp, run: run}
}

func (i IoV) upper() bound {
	if i.ExpHigh == Open {
		return bound{exp: math.MaxInt64, run: math.MaxInt64}
	}
	if i.RunHigh == Open {
		return bound{exp: int64(i.ExpHigh), run: math.MaxInt64}
	}
	return bound{exp: int64(i.ExpHigh), run: int64(i.RunHigh)}
}

func point(er ExpRun) bound {
	return bound{exp: int64(er.Exp), run: int64(er.Run)}
}

// Contains tells the run is in the IoV.
func (i IoV) Contains(er ExpRun) bool {
	p := point(er)
	return i.lower().compare(p) <= 0 && p.compare(i.upper()) <= 0
}

// Overlaps tells two IoVs share at least one run.
func (i IoV) Overlaps(other IoV) bool {
	return i.lower().compare(other.upper()) <= 0 && other.lower().compare(i.upper()) <= 0
}

// adjacent tells `other` starts just after i ends.
func (i IoV) adjacent(other IoV) bool {
	if i.ExpHigh == Open {
		return false
	}
	if i.RunHigh == Open {
		return other.ExpLow == i.ExpHigh+1 && other.RunLow <= 0
	}
	return other.ExpLow == i.ExpHigh && other.RunLow == i.RunHigh+1
}

// Union returns the smallest IoV covering both.
//
// If they neither overlap nor touch each other, it returns ErrNotAdjacent.
func (i IoV) Union(other IoV) (IoV, error) {
	if !i.Overlaps(other) && !i.adjacent(other) && !other.adjacent(i) {
		return IoV{}, fmt.Errorf("%w: %s and %s", ErrNotAdjacent, i, other)
	}
	ret := i
	if other.lower().compare(i.lower()) < 0 {
		ret.ExpLow, ret.RunLow = other.ExpLow, other.RunLow
	}
	if other.upper().compare(i.upper()) > 0 {
		ret.ExpHigh, ret.RunHigh = other.ExpHigh, other.RunHigh
	}
	return ret, nil
}

// FromRuns returns the IoV spanning from the lowest run to the highest run.
func FromRuns(runs []ExpRun) (IoV, error) {
	if len(runs) == 0 {
		return IoV{}, ErrEmpty
	}
	lo := slices.MinFunc(runs, ExpRun.Compare)
	hi := slices.MaxFunc(runs, ExpRun.Compare)
	return New(lo.Exp, lo.Run, hi.Exp, hi.Run), nil
}

// RunsOverlapping returns runs contained in the IoV, keeping order.
func RunsOverlapping(i IoV, runs []ExpRun) []ExpRun {
	ret := []ExpRun{}
	for _, r := range runs {
		if i.Contains(r) {
			ret = append(ret, r)
		}
	}
	return ret
}

// SortIoVs sorts IoVs by their lower bounds, then by upper bounds.
func SortIoVs(iovs []IoV) {
	slices.SortFunc(iovs, func(a, b IoV) int {
		if c := a.lower().compare(b.lower()); c != 0 {
			return c
		}
		return a.upper().compare(b.upper())
	})
}

// Coalesce unions overlapping or adjacent IoVs in a sorted sequence.
func Coalesce(sorted []IoV) []IoV {
	ret := []IoV{}
	for _, i := range sorted {
		if n := len(ret); n != 0 {
			if u, err := ret[n-1].Union(i); err == nil {
				ret[n-1] = u
				continue
			}
		}
		ret = append(ret, i)
	}
	return ret
}

// GapsBetween finds the runs not covered between a sorted sequence of IoVs.
//
// Overlapping IoVs are coalesced first. Like FindGaps, only gaps within an experiment are reported.
func GapsBetween(sorted []IoV) []IoV {
	sorted = Coalesce(sorted)
	gaps := []IoV{}
	for n := 1; n < len(sorted); n++ {
		prev, cur := sorted[n-1], sorted[n]
		if prev.ExpHigh == Open || prev.RunHigh == Open {
			continue
		}
		if prev.ExpHigh != cur.ExpLow || cur.RunLow <= prev.RunHigh+1 {
			continue
		}
		gaps = append(gaps, New(cur.ExpLow, prev.RunHigh+1, cur.ExpLow, cur.RunLow-1))
	}
	return gaps
}
