package strategy

import (
	"context"
	"fmt"

	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
)

const SingleIOVName = "SingleIOV"

// SingleIOV executes the algorithm once over every selected run.
//
// If the algorithm has the apply IoV parameter, payloads are committed with the IoV.
type SingleIOV struct {
	conf Config
}

var _ Strategy = &SingleIOV{}

func NewSingleIOV(conf Config) Strategy {
	return &SingleIOV{conf: conf}
}

func (*SingleIOV) Name() string {
	return SingleIOVName
}

func (*SingleIOV) AllowedGranularities() []string {
	return []string{GranularityRun, GranularityAll}
}

func (s *SingleIOV) Run(ctx context.Context, requested *iov.IoV, iteration int, queue chan<- Message) error {
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

	runs, err := selectRuns(alg.Executor, requested, s.conf.IgnoredRuns)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRuns, alg.Name)
	}

	if err := m.ExecuteRuns(ctx, runs, iteration, alg.Params.ApplyIoV); err != nil {
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
	} else {
		if err := m.Fail(); err != nil {
			return xe.Wrap(err)
		}
	}

	e := NewEmitter(ctx, queue)
	if err := e.emit(result); err != nil {
		return err
	}
	return e.Finish()
}
