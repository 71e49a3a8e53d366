// Package algorithm runs a calibration algorithm over runs.
//
// An algorithm is something implementing Executor. CAF does not know how it computes the
// calibration constants; it only feeds collected files, asks it to execute over runs,
// and commits payloads it produced.
package algorithm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/opst/caf/pkg/conditions"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
)

var ErrNoWritableDatabase = errors.New("no writable database in chain")

// Executor is a calibration algorithm.
type Executor interface {
	// SetInputFileNames gives collector output files to the algorithm.
	SetInputFileNames(paths []string)

	// RunListFromAllData lists runs found in the input files.
	RunListFromAllData() ([]iov.ExpRun, error)

	// Execute runs the algorithm over runs. If runs is empty, it runs over all input data.
	//
	// A non-nil error is treated as Failure.
	Execute(ctx context.Context, runs []iov.ExpRun, iteration int) (ResultCode, error)

	// PayloadValues returns payloads produced by the last Execute.
	PayloadValues() payload.List

	// Commit writes payloads into the writable database of its chain.
	Commit(payloads payload.List) error

	// CollectorName is the name of collector whose output the algorithm reads.
	CollectorName() string

	// UseDatabaseChain gives the database chain which the algorithm reads from and commits into.
	UseDatabaseChain(chain *conditions.Chain)
}

// Staging implements the database side of Executor. Executors can embed it.
type Staging struct {
	chain *conditions.Chain
}

func (s *Staging) UseDatabaseChain(chain *conditions.Chain) {
	s.chain = chain
}

// Chain is the chain given by UseDatabaseChain.
func (s *Staging) Chain() *conditions.Chain {
	return s.chain
}

// Commit writes payloads into the writable database on top of the chain.
func (s *Staging) Commit(payloads payload.List) error {
	if s.chain == nil || s.chain.Writable() == nil {
		return ErrNoWritableDatabase
	}
	return s.chain.Writable().Commit(payloads)
}

// PreAlgorithm is called after the machine is set up, before executions of an iteration.
type PreAlgorithm func(exe Executor, iteration int) error

// DataInput binds collector output files to the executor.
type DataInput func(exe Executor, paths []string)

func defaultDataInput(exe Executor, paths []string) {
	exe.SetInputFileNames(paths)
}

// Params are parameters for strategies.
type Params struct {
	// StepSize is the number of runs executed at once by run-by-run strategies.
	StepSize int `json:"step_size,omitempty"`

	// IoVCoverage widens IoVs of the first and the last payloads.
	IoVCoverage *iov.IoV `json:"iov_coverage,omitempty"`

	// ApplyIoV overwrites IoV of payloads of a single execution.
	ApplyIoV *iov.IoV `json:"apply_iov,omitempty"`

	// Extra is strategy specific parameters.
	Extra map[string]string `json:"extra,omitempty"`
}

// Algorithm wraps an executor with how it is prepared in each iteration.
type Algorithm struct {
	Name         string
	Executor     Executor
	PreAlgorithm PreAlgorithm
	DataInput    DataInput
	Params       Params

	// Strategy is the name of the strategy executing the algorithm.
	// If empty, the calibration decides.
	Strategy string
}

// New wraps an executor.
//
// If name is empty, the type name of the executor is used.
func New(name string, exe Executor) *Algorithm {
	if name == "" {
		name = typeName(exe)
	}
	return &Algorithm{Name: name, Executor: exe, DataInput: defaultDataInput}
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	name := t.String()
	if i := strings.LastIndex(name, "."); 0 <= i {
		name = name[i+1:]
	}
	return name
}

func (a *Algorithm) String() string {
	return fmt.Sprintf("Algorithm(%s)", a.Name)
}

func (a *Algorithm) dataInput(paths []string) {
	if a.DataInput == nil {
		defaultDataInput(a.Executor, paths)
		return
	}
	a.DataInput(a.Executor, paths)
}
