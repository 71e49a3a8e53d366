// Package fakealgorithm provides a scriptable algorithm.Executor for tests.
package fakealgorithm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
)

// Execution is a record of Execute call.
type Execution struct {
	Runs      []iov.ExpRun
	Iteration int
}

type Executor struct {
	algorithm.Staging

	Collector string

	// Runs is returned by RunListFromAllData.
	Runs []iov.ExpRun

	// Decide gives the result of Execute. If nil, OK.
	Decide func(runs []iov.ExpRun, iteration int) algorithm.ResultCode

	// PayloadName is the name of payload produced by each Execute. Default is "FakePayload".
	PayloadName string

	mu         sync.Mutex
	inputFiles []string
	executions []Execution
	last       payload.List
}

var _ algorithm.Executor = &Executor{}

func (e *Executor) SetInputFileNames(paths []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputFiles = slices.Clone(paths)
}

func (e *Executor) InputFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.inputFiles)
}

func (e *Executor) RunListFromAllData() ([]iov.ExpRun, error) {
	return slices.Clone(e.Runs), nil
}

func (e *Executor) Execute(_ context.Context, runs []iov.ExpRun, iteration int) (algorithm.ResultCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executions = append(e.executions, Execution{Runs: slices.Clone(runs), Iteration: iteration})

	target := runs
	if len(target) == 0 {
		target = e.Runs
	}
	span, err := iov.FromRuns(target)
	if err != nil {
		return algorithm.Failure, err
	}

	name := e.PayloadName
	if name == "" {
		name = "FakePayload"
	}
	e.last = payload.List{{Name: name, Data: []byte(Describe(target, iteration)), IoV: span}}

	if e.Decide == nil {
		return algorithm.OK, nil
	}
	return e.Decide(runs, iteration), nil
}

func (e *Executor) PayloadValues() payload.List {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.Clone()
}

func (e *Executor) CollectorName() string {
	return e.Collector
}

// Executions lists Execute calls.
func (e *Executor) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.executions)
}

// Describe is the content of payloads produced for runs in the iteration.
func Describe(runs []iov.ExpRun, iteration int) string {
	rs := make([]string, 0, len(runs))
	for _, r := range runs {
		rs = append(rs, r.String())
	}
	return fmt.Sprintf("iteration=%d runs=%s", iteration, strings.Join(rs, ";"))
}

// Runs builds runs of an experiment.
func Runs(exp int, runs ...int) []iov.ExpRun {
	ret := make([]iov.ExpRun, 0, len(runs))
	for _, r := range runs {
		ret = append(ret, iov.ExpRun{Exp: exp, Run: r})
	}
	return ret
}

// ByRun decides the result of an execution as the worst result of its runs. Runs not in the map are OK.
func ByRun(results map[iov.ExpRun]algorithm.ResultCode) func([]iov.ExpRun, int) algorithm.ResultCode {
	return func(runs []iov.ExpRun, _ int) algorithm.ResultCode {
		worst := algorithm.OK
		for _, r := range runs {
			if code, ok := results[r]; ok && worst < code {
				worst = code
			}
		}
		return worst
	}
}
