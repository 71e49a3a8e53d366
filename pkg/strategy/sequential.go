package strategy

import (
	"context"
	"fmt"
	"slices"

	"github.com/opst/caf/pkg/algorithm"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
)

const SequentialRunByRunName = "SequentialRunByRun"

// SequentialRunByRun calibrates run by run, merging runs until the algorithm has enough data.
//
// Runs are executed in chunks of the step size parameter (default 1) from the first run of each experiment.
// When the algorithm returns not_enough_data, the next chunk is added and executed again.
// Payloads of a success are committed after the next success, because the upper bound of
// their IoV is known only then. Runs left without enough data at the end of an experiment are
// merged with the last successful runs and executed again.
//
// IoVs of payloads never cross an experiment boundary. With the IoV coverage parameter,
// the first and the last payloads are widened up to the coverage.
type SequentialRunByRun struct {
	conf Config

	executions int
}

var _ Strategy = &SequentialRunByRun{}

func NewSequentialRunByRun(conf Config) Strategy {
	return &SequentialRunByRun{conf: conf}
}

func (*SequentialRunByRun) Name() string {
	return SequentialRunByRunName
}

func (*SequentialRunByRun) AllowedGranularities() []string {
	return []string{GranularityRun}
}

func (s *SequentialRunByRun) stepSize() int {
	if n := s.conf.Machine.Algorithm.Params.StepSize; 0 < n {
		return n
	}
	return 1
}

func (s *SequentialRunByRun) Run(ctx context.Context, requested *iov.IoV, iteration int, queue chan<- Message) error {
	if err := s.conf.Validate(); err != nil {
		return err
	}
	m := s.conf.Machine
	alg := m.Algorithm
	s.conf.Log().Printf("setting up %s strategy for %s", s.Name(), alg.Name)
	s.executions = 0
	if err := m.Setup(iteration); err != nil {
		return xe.Wrap(err)
	}
	defer m.Close()
	m.Logger().Printf("beginning execution of %s using strategy %s", alg.Name, s.Name())

	runs, err := selectRuns(alg.Executor, requested, s.conf.IgnoredRuns)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRuns, alg.Name)
	}

	coverage := alg.Params.IoVCoverage
	if coverage != nil {
		m.Logger().Printf("detected that you have set iov_coverage to %s", coverage)
	}

	e := NewEmitter(ctx, queue)
	experiments := iov.SplitRunsByExp(runs)
	for n, runList := range experiments {
		lowest := runList[0]
		if coverage != nil && n == 0 {
			lowest = coverage.Low()
		}
		highest := runList[len(runList)-1]
		if coverage != nil && n == len(experiments)-1 {
			highest = iov.ExpRun{Exp: coverage.ExpHigh, Run: coverage.RunHigh}
		}
		if err := s.executeOverRunList(ctx, e, iteration, runList, lowest, highest); err != nil {
			return err
		}
	}

	if err := e.Finish(); err != nil {
		return err
	}
	FindIoVGaps(m.Logger(), e.Results())
	return nil
}

// setup prepares the machine for the next execution. The first one is done by Run.
func (s *SequentialRunByRun) setup(iteration int) error {
	s.executions += 1
	if s.executions == 1 {
		return nil
	}
	return xe.Wrap(s.conf.Machine.Setup(iteration))
}

type success struct {
	result   algorithm.Result
	payloads payload.List
}

func (s *SequentialRunByRun) executeOverRunList(
	ctx context.Context, e *Emitter, iteration int,
	runList []iov.ExpRun, lowest, highest iov.ExpRun,
) error {
	m := s.conf.Machine
	logger := m.Logger()

	remaining := slices.Clone(runList)
	previous := []iov.ExpRun{}
	current := []iov.ExpRun{}
	var last *success

	broken := false
chunks:
	for _, chunk := range iov.Grouper(s.stepSize(), runList) {
		if err := s.setup(iteration); err != nil {
			return err
		}
		current = append(current, chunk...)
		remaining = iov.Without(remaining, current)

		var apply iov.IoV
		switch {
		case last == nil && len(remaining) != 0:
			logger.Printf("detected that this will be the first payload of this experiment.")
			apply = iov.New(lowest.Exp, lowest.Run, remaining[0].Exp, remaining[0].Run-1)
		case last == nil:
			logger.Printf("detected that this will be the only payload of the experiment.")
			apply = iov.New(lowest.Exp, lowest.Run, highest.Exp, highest.Run)
		case len(remaining) == 0:
			logger.Printf("detected that there are no more runs to execute in this experiment after this next execution.")
			apply = iov.New(current[0].Exp, current[0].Run, highest.Exp, highest.Run)
		default:
			logger.Printf("detected that there are more runs to execute in this experiment after this next execution.")
			apply = iov.New(current[0].Exp, current[0].Run, remaining[0].Exp, remaining[0].Run-1)
		}

		logger.Printf("executing and applying %s to the payloads", apply)
		if err := m.ExecuteRuns(ctx, current, iteration, &apply); err != nil {
			return xe.Wrap(err)
		}
		result := m.Result()
		logger.Printf("finished execution with result code %s", result.Code)

		switch result.Code {
		case algorithm.OK, algorithm.Iterate:
			if err := m.Complete(); err != nil {
				return xe.Wrap(err)
			}
			this := &success{result: result, payloads: result.Payloads}

			if last != nil {
				logger.Printf(
					"we just succeeded in execution of the algorithm. will now commit payloads from the previous success for %s.",
					last.result.IoV,
				)
				if err := m.Commit(last.payloads); err != nil {
					return xe.Wrap(err)
				}
				if err := e.emit(last.result); err != nil {
					return err
				}
			}

			if len(remaining) != 0 {
				logger.Printf("saving the most recent payloads for %s to be committed later.", result.IoV)
				last = this
			} else {
				logger.Printf("no runs left to be processed. will now commit the most recent payloads for %s.", result.IoV)
				if err := m.Commit(this.payloads); err != nil {
					return xe.Wrap(err)
				}
				if err := e.emit(this.result); err != nil {
					return err
				}
				broken = true
				break chunks
			}

			previous = slices.Clone(current)
			current = []iov.ExpRun{}

		case algorithm.NotEnoughData:
			logger.Printf("there wasn't enough data in %s", result.IoV)
			switch {
			case len(remaining) != 0:
				logger.Printf(
					"some runs remain to be processed. will try to add at most %d more runs of data and execute again.",
					s.stepSize(),
				)
			case last == nil:
				logger.Printf(
					"there aren't any more runs remaining to merge with, and we never had a previous success. " +
						"there wasn't enough data in the full input data requested.",
				)
				if err := e.emit(result); err != nil {
					return err
				}
				if err := m.Fail(); err != nil {
					return xe.Wrap(err)
				}
				broken = true
				break chunks
			default:
				logger.Printf(
					"there aren't any more runs remaining to merge with. but we had a previous success, so we'll merge with the previous IoV.",
				)
				current = append(slices.Clone(previous), current...)
			}
			if err := m.Fail(); err != nil {
				return xe.Wrap(err)
			}

		default:
			logger.Printf("%s returned %s exit code.", m.Algorithm.Name, result.Code)
			if err := e.emit(result); err != nil {
				return err
			}
			if err := m.Fail(); err != nil {
				return xe.Wrap(err)
			}
			broken = true
			break chunks
		}
	}

	if broken || len(current) == 0 || last == nil {
		return nil
	}

	// dangling runs merged with the last success
	if err := s.setup(iteration); err != nil {
		return err
	}
	apply := iov.New(last.result.IoV.ExpLow, last.result.IoV.RunLow, highest.Exp, highest.Run)
	logger.Printf("executing on %s", apply)
	if err := m.ExecuteRuns(ctx, current, iteration, &apply); err != nil {
		return xe.Wrap(err)
	}
	result := m.Result()
	logger.Printf("finished execution with result code %s", result.Code)
	if result.Code.Succeeded() {
		if err := m.Complete(); err != nil {
			return xe.Wrap(err)
		}
		if err := m.Commit(result.Payloads); err != nil {
			return xe.Wrap(err)
		}
		return e.emit(result)
	}
	if err := e.emit(result); err != nil {
		return err
	}
	return xe.Wrap(m.Fail())
}
