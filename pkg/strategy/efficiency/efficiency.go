// Package efficiency is a strategy for strip efficiency calibrations.
//
// Runs are calibrated in 4 stages.
//
//  1. Plane check: each run is executed alone. Runs without hits are excluded.
//     Runs without enough data are merged into a neighbouring normal run when the set of
//     planes with hits does not grow, or into the neighbour adding the least planes, or calibrated forcedly.
//  2. Maximal ranges: consecutive runs measuring the same set of planes form a range.
//  3. Efficiency: runs in each range are executed, merging forward while there is not enough data.
//     The last run of a range is calibrated forcedly.
//  4. Write: each result is valid from its first run up to the run before the next result.
//     The last one is open ended in the experiment.
package efficiency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/opst/caf/pkg/algorithm"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
	"github.com/opst/caf/pkg/strategy"
)

const Name = "StripEfficiency"

var (
	// ErrMergeFailed is returned when merged runs cannot be calibrated.
	ErrMergeFailed = errors.New("merging runs failed")

	// ErrForcedCalibrationFailed is returned when a forced calibration does not succeed.
	ErrForcedCalibrationFailed = errors.New("forced calibration failed")
)

// Stage of the calibration.
type Stage int

const (
	MeasurablePlaneCheck Stage = iota
	EfficiencyMeasurement
)

func (s Stage) String() string {
	switch s {
	case MeasurablePlaneCheck:
		return "MeasurablePlaneCheck"
	case EfficiencyMeasurement:
		return "EfficiencyMeasurement"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Planes is a set of detector plane ids.
type Planes map[int]struct{}

func NewPlanes(ids ...int) Planes {
	p := Planes{}
	for _, id := range ids {
		p[id] = struct{}{}
	}
	return p
}

// Union of planes.
func (p Planes) Union(other Planes) Planes {
	ret := Planes{}
	for id := range p {
		ret[id] = struct{}{}
	}
	for id := range other {
		ret[id] = struct{}{}
	}
	return ret
}

// NotIn counts planes in p but not in other.
func (p Planes) NotIn(other Planes) int {
	n := 0
	for id := range p {
		if _, ok := other[id]; !ok {
			n += 1
		}
	}
	return n
}

// Results are what the algorithm found in the last execution.
type Results struct {
	// ExtHits is the number of extrapolated hits.
	ExtHits int

	// ExtHitsPlanes are planes having extrapolated hits.
	ExtHitsPlanes Planes

	// MeasuredPlanes are planes whose efficiency is measured.
	MeasuredPlanes Planes

	// AchievedPrecision of efficiency.
	AchievedPrecision float64
}

// NewExtHitsPlanes counts planes having extrapolated hits here, but not in other.
func (r Results) NewExtHitsPlanes(other Planes) int {
	return r.ExtHitsPlanes.NotIn(other)
}

// NewMeasuredPlanes counts planes measured here, but not in other.
func (r Results) NewMeasuredPlanes(other Planes) int {
	return r.MeasuredPlanes.NotIn(other)
}

// Algorithm is an executor which can calibrate strip efficiency.
type Algorithm interface {
	algorithm.Executor

	SetForcedCalibration(forced bool)
	SetCalibrationStage(stage Stage)
	SetOutputFileName(path string)

	// Results of the last execution.
	Results() Results
}

type merge int

const (
	mergeUndecided merge = iota
	mergeNext
	mergePrevious
	mergeNone
)

type entry struct {
	// run is the run number which the entry started with.
	run      int
	code     algorithm.ResultCode
	runs     []iov.ExpRun
	results  Results
	merge    merge
	payloads payload.List
	dropped  bool
}

func (e *entry) notEnoughData() bool {
	return e.code == algorithm.NotEnoughData
}

// Strategy is the strip efficiency strategy.
type Strategy struct {
	conf strategy.Config
	alg  Algorithm

	executions int
}

var _ strategy.Strategy = &Strategy{}

func New(conf strategy.Config) strategy.Strategy {
	return &Strategy{conf: conf}
}

func (*Strategy) Name() string {
	return Name
}

func (*Strategy) AllowedGranularities() []string {
	return []string{strategy.GranularityRun, strategy.GranularityAll}
}

func (s *Strategy) Run(ctx context.Context, requested *iov.IoV, iteration int, queue chan<- strategy.Message) error {
	if err := s.conf.Validate(); err != nil {
		return err
	}
	m := s.conf.Machine
	alg, ok := m.Algorithm.Executor.(Algorithm)
	if !ok {
		return fmt.Errorf("%w: %s is not a strip efficiency algorithm", strategy.ErrInvalidSetup, m.Algorithm.Name)
	}
	s.alg = alg
	s.executions = 0

	s.conf.Log().Printf("setting up %s strategy for %s", s.Name(), m.Algorithm.Name)
	alg.SetCalibrationStage(EfficiencyMeasurement)
	if err := m.Setup(iteration); err != nil {
		return xe.Wrap(err)
	}
	defer m.Close()
	m.Logger().Printf("beginning execution of %s using strategy %s", m.Algorithm.Name, s.Name())

	all, err := alg.RunListFromAllData()
	if err != nil {
		return xe.Wrap(err)
	}
	runs := iov.RunsFromVector(all)
	if requested != nil {
		runs = iov.RunsOverlapping(*requested, runs)
	}
	if len(s.conf.IgnoredRuns) != 0 {
		m.Logger().Printf("removing the ignored runs from the runs to execute for %s", m.Algorithm.Name)
		runs = iov.Without(runs, s.conf.IgnoredRuns)
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s", strategy.ErrNoRuns, m.Algorithm.Name)
	}

	out := strategy.NewEmitter(ctx, queue)
	for _, expRuns := range iov.SplitRunsByExp(runs) {
		if err := s.processExperiment(ctx, out, expRuns[0].Exp, expRuns, iteration); err != nil {
			return err
		}
	}
	return out.Finish()
}

func (s *Strategy) execute(
	ctx context.Context, runs []iov.ExpRun, iteration int,
	forced bool, stage Stage, outputFile string,
) (algorithm.Result, Results, error) {
	m := s.conf.Machine
	s.executions += 1
	if s.executions != 1 {
		if err := m.Setup(iteration); err != nil {
			return algorithm.Result{}, Results{}, xe.Wrap(err)
		}
	}
	s.alg.SetForcedCalibration(forced)
	s.alg.SetCalibrationStage(stage)
	if outputFile != "" {
		s.alg.SetOutputFileName(outputFile)
	}
	if err := m.ExecuteRuns(ctx, runs, iteration, nil); err != nil {
		return algorithm.Result{}, Results{}, xe.Wrap(err)
	}
	result := m.Result()
	results := s.alg.Results()
	if result.Code.Succeeded() {
		if err := m.Complete(); err != nil {
			return result, results, xe.Wrap(err)
		}
	} else {
		if err := m.Fail(); err != nil {
			return result, results, xe.Wrap(err)
		}
	}
	return result, results, nil
}

func (s *Strategy) reexecute(ctx context.Context, e *entry, iteration int, forced bool) error {
	result, results, err := s.execute(ctx, e.runs, iteration, forced, MeasurablePlaneCheck, "")
	if err != nil {
		return err
	}
	e.code = result.Code
	e.results = results
	s.conf.Machine.Logger().Printf("run %d: %s.", e.run, e.code)
	return nil
}

func canMerge(entries []*entry, notEnoughData, normal int) bool {
	return entries[notEnoughData].results.NewExtHitsPlanes(entries[normal].results.ExtHitsPlanes) == 0
}

// processExperiment calibrates runs of an experiment, sending each result to out once it is committed.
func (s *Strategy) processExperiment(ctx context.Context, out *strategy.Emitter, experiment int, runs []iov.ExpRun, iteration int) error {
	logger := s.conf.Machine.Logger()

	// stage 1: plane check
	entries := []*entry{}
	for _, r := range runs {
		result, results, err := s.execute(ctx, []iov.ExpRun{r}, iteration, false, MeasurablePlaneCheck, "")
		if err != nil {
			return err
		}
		// no hits means the detector was excluded in the run.
		if 0 < results.ExtHits {
			entries = append(entries, &entry{run: r.Run, code: result.Code, runs: []iov.ExpRun{r}, results: results})
		}
		logger.Printf("run %d: %s.", r.Run, result.Code)
	}
	slices.SortFunc(entries, func(a, b *entry) int { return a.run - b.run })

	type span struct{ begin, end int }
	lacking := []span{}
	for i := 0; i < len(entries); {
		if !entries[i].notEnoughData() {
			i += 1
			continue
		}
		j := i
		for j < len(entries) && entries[j].notEnoughData() {
			j += 1
		}
		lacking = append(lacking, span{i, j})
		i = j
	}

	for _, sp := range lacking {
		next := sp.end
		j := sp.begin
		i := next - 1
		if next < len(entries) {
			for ; sp.begin <= i; i-- {
				if !canMerge(entries, i, next) {
					logger.Printf(
						"run %d (not enough data) cannot be merged into the next normal run %d, will try the previous one.",
						entries[i].run, entries[next].run,
					)
					break
				}
				logger.Printf("run %d (not enough data) can be merged into the next normal run %d.", entries[i].run, entries[next].run)
				entries[i].merge = mergeNext
			}
			if i < sp.begin {
				continue
			}
		}
		previous := sp.begin - 1
		if 0 <= previous {
			for ; j <= i; j++ {
				if !canMerge(entries, j, previous) {
					logger.Printf(
						"run %d (not enough data) cannot be merged into the previous normal run %d.",
						entries[j].run, entries[previous].run,
					)
					break
				}
				logger.Printf(
					"run %d (not enough data) can be merged into the previous normal run %d.",
					entries[j].run, entries[previous].run,
				)
				entries[j].merge = mergePrevious
			}
			if i < j {
				continue
			}
		}
		logger.Printf(
			"a range of runs with not enough data is found that cannot be merged into neither previous nor next normal run: from %d to %d.",
			entries[j].run, entries[i].run,
		)
		for ; j <= i; j++ {
			entries[j].merge = mergeNone
		}
	}

	// runs without enough data going to the same direction are merged together.
	for i := 0; i < len(entries)-1; i++ {
		for entries[i].notEnoughData() && entries[i+1].notEnoughData() {
			if entries[i].merge != entries[i+1].merge {
				break
			}
			logger.Printf("merging run %d (not enough data) into run %d (not enough data).", entries[i+1].run, entries[i].run)
			entries[i].runs = append(entries[i].runs, entries[i+1].runs...)
			entries = slices.Delete(entries, i+1, i+2)
			if err := s.reexecute(ctx, entries[i], iteration, false); err != nil {
				return err
			}
			if len(entries)-1 <= i {
				break
			}
		}
	}

	mergeRuns := func(notEnoughData, normal int, forced bool) error {
		if normal < 0 || len(entries) <= normal {
			return fmt.Errorf("%w: no run to merge run %d into", ErrMergeFailed, entries[notEnoughData].run)
		}
		from, into := entries[notEnoughData], entries[normal]
		logger.Printf("merging run %d (not enough data) into run %d (normal).", from.run, into.run)
		into.runs = append(into.runs, from.runs...)
		if err := s.reexecute(ctx, into, iteration, forced); err != nil {
			return err
		}
		if into.code != algorithm.OK {
			return fmt.Errorf("%w: run %d into run %d", ErrMergeFailed, from.run, into.run)
		}
		entries = slices.Delete(entries, notEnoughData, notEnoughData+1)
		return nil
	}

	for i := 0; i < len(entries); {
		e := entries[i]
		if !e.notEnoughData() {
			i += 1
			continue
		}
		switch e.merge {
		case mergeNext:
			if err := mergeRuns(i, i+1, false); err != nil {
				return err
			}
		case mergePrevious:
			if err := mergeRuns(i, i-1, false); err != nil {
				return err
			}
		default:
			i += 1
		}
	}

	for i := 0; i < len(entries); {
		e := entries[i]
		if !e.notEnoughData() || e.merge != mergeNone {
			i += 1
			continue
		}
		newPlanesPrevious, newPlanesNext := -1, -1
		if i < len(entries)-1 {
			newPlanesNext = e.results.NewExtHitsPlanes(entries[i+1].results.ExtHitsPlanes)
			logger.Printf("there are %d new active modules in run %d relatively to run %d.", newPlanesNext, e.run, entries[i+1].run)
		}
		if 0 < i {
			newPlanesPrevious = e.results.NewExtHitsPlanes(entries[i-1].results.ExtHitsPlanes)
			logger.Printf("there are %d new active modules in run %d relatively to run %d.", newPlanesPrevious, e.run, entries[i-1].run)
		}

		target := -1
		switch {
		case 0 <= newPlanesPrevious && newPlanesNext < 0:
			target = i - 1
		case newPlanesPrevious < 0 && 0 <= newPlanesNext:
			target = i + 1
		case 0 <= newPlanesPrevious && 0 <= newPlanesNext:
			if newPlanesPrevious < newPlanesNext {
				target = i - 1
			} else {
				target = i + 1
			}
		default:
			logger.Printf("cannot determine run for merging for run %d, performing its forced calibration.", e.run)
			if err := s.reexecute(ctx, e, iteration, true); err != nil {
				return err
			}
			if e.code != algorithm.OK {
				return fmt.Errorf("%w: run %d", ErrForcedCalibrationFailed, e.run)
			}
		}
		if 0 <= target {
			if err := mergeRuns(i, target, true); err != nil {
				return err
			}
		}
	}

	// stage 2: maximal run ranges measuring the same planes
	ranges := []span{}
	for i := 0; i < len(entries); {
		j := i + 1
		for ; j < len(entries); j++ {
			differ := entries[j].results.NewMeasuredPlanes(entries[i].results.MeasuredPlanes) != 0 ||
				entries[i].results.NewMeasuredPlanes(entries[j].results.MeasuredPlanes) != 0
			if differ {
				logger.Printf("run %d: the set of planes is different from run %d.", entries[j].run, entries[i].run)
				break
			}
			logger.Printf("run %d: the set of planes is the same as for run %d.", entries[j].run, entries[i].run)
		}
		ranges = append(ranges, span{i, j})
		i = j
	}

	// stage 3: efficiency
	outputDir := filepath.Join(s.conf.Machine.OutputDir, "efficiency")
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	measure := func(e *entry, forced bool) error {
		first := e.runs[0]
		output := filepath.Join(outputDir, fmt.Sprintf("efficiency_%d_%d.root", first.Exp, first.Run))
		result, results, err := s.execute(ctx, e.runs, iteration, forced, EfficiencyMeasurement, output)
		if err != nil {
			return err
		}
		e.code = result.Code
		e.results = results
		e.payloads = result.Payloads
		logger.Printf(
			"run %d: %s; achieved precision %f.", e.run, e.code, e.results.AchievedPrecision,
		)
		return nil
	}

	for _, r := range ranges {
		for i := r.begin; i < r.end; {
			if err := measure(entries[i], i == r.end-1); err != nil {
				return err
			}
			if !entries[i].notEnoughData() {
				i += 1
				continue
			}
			j := i + 1
			for j < r.end {
				logger.Printf("merging run %d into run %d.", entries[j].run, entries[i].run)
				entries[i].runs = append(entries[i].runs, entries[j].runs...)
				if err := measure(entries[i], j == r.end-1); err != nil {
					return err
				}
				entries[j].dropped = true
				j += 1
				if entries[i].code == algorithm.OK {
					break
				}
			}
			i = j
		}
	}
	entries = slices.DeleteFunc(entries, func(e *entry) bool { return e.dropped })

	// stage 4: write
	m := s.conf.Machine
	results := []algorithm.IoVResult{}
	commit := func(en *entry) error {
		logger.Printf("writing run %d.", en.run)
		if err := m.Commit(en.payloads); err != nil {
			return xe.Wrap(err)
		}
		executed, err := iov.FromRuns(en.runs)
		if err != nil {
			return xe.Wrap(err)
		}
		r := algorithm.IoVResult{IoV: executed, Result: en.code}
		results = append(results, r)
		return out.Send(r)
	}

	for i, en := range entries {
		iov.Sort(en.runs)
		first := en.runs[0].Run
		en.payloads = en.payloads.WithIoV(iov.New(experiment, first, experiment, iov.Open))
		if 0 < i {
			prev := entries[i-1]
			prev.payloads = prev.payloads.WithIoV(iov.New(experiment, prev.runs[0].Run, experiment, first-1))
			if err := commit(prev); err != nil {
				return err
			}
		}
		if i == len(entries)-1 {
			if err := commit(en); err != nil {
				return err
			}
		}
	}
	strategy.FindIoVGaps(logger, results)
	return nil
}
