package strategy

import (
	"context"
	"fmt"

	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
)

const SimpleRunByRunName = "SimpleRunByRun"

// SimpleRunByRun executes the algorithm for each run independently.
//
// Runs are never merged. A run returning not_enough_data or failure does not stop
// the rest of runs, but it makes the whole execution failed.
// Payloads are committed for each run returning ok or iterate.
type SimpleRunByRun struct {
	conf Config
}

var _ Strategy = &SimpleRunByRun{}

func NewSimpleRunByRun(conf Config) Strategy {
	return &SimpleRunByRun{conf: conf}
}

func (*SimpleRunByRun) Name() string {
	return SimpleRunByRunName
}

func (*SimpleRunByRun) AllowedGranularities() []string {
	return []string{GranularityRun}
}

func (s *SimpleRunByRun) Run(ctx context.Context, requested *iov.IoV, iteration int, queue chan<- Message) error {
	if err := s.conf.Validate(); err != nil {
		return err
	}
	m := s.conf.Machine
	alg := m.Algorithm
	s.conf.Log().Printf("setting up %s strategy for %s", s.Name(), alg.Name)
	if err := m.Setup(iteration); err != nil {
		return xe.Wrap(err)
	}
	defer m.Close()
	logger := m.Logger()
	logger.Printf("beginning execution of %s using strategy %s", alg.Name, s.Name())

	// ignored runs are not removed here; each run stands alone.
	runs, err := selectRuns(alg.Executor, requested, nil)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRuns, alg.Name)
	}

	e := NewEmitter(ctx, queue)
	for n, run := range runs {
		if n != 0 {
			if err := m.Setup(iteration); err != nil {
				return xe.Wrap(err)
			}
		}
		logger.Printf("executing on IoV = %s", run.IoV())
		if err := m.ExecuteRuns(ctx, []iov.ExpRun{run}, iteration, nil); err != nil {
			return xe.Wrap(err)
		}
		result := m.Result()
		logger.Printf("finished execution with result code %s", result.Code)

		if result.Code.Succeeded() {
			logger.Printf("committing payloads for %s.", run.IoV())
			if err := m.Commit(result.Payloads); err != nil {
				return xe.Wrap(err)
			}
			if err := e.emit(result); err != nil {
				return err
			}
			if err := m.Complete(); err != nil {
				return xe.Wrap(err)
			}
			continue
		}

		logger.Printf("%s in the IoV %s", result.Code, run.IoV())
		if err := e.emit(result); err != nil {
			return err
		}
		if err := m.Fail(); err != nil {
			return xe.Wrap(err)
		}
	}

	if err := e.Finish(); err != nil {
		return err
	}
	FindIoVGaps(logger, e.Results())
	return nil
}
