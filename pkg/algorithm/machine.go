package algorithm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/opst/caf/pkg/conditions"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/machine"
	"github.com/opst/caf/pkg/payload"
)

const (
	Init      machine.State = "init"
	Ready     machine.State = "ready"
	Running   machine.State = "running"
	Completed machine.State = "completed"
	Failed    machine.State = "failed"
)

var ErrInvalidMachine = errors.New("algorithm machine is not set up")

// Result is the outcome of the last execution.
type Result struct {
	IoV      iov.IoV
	Code     ResultCode
	Payloads payload.List
}

// IoVResult drops payloads from the result.
func (r Result) IoVResult() IoVResult {
	return IoVResult{IoV: r.IoV, Result: r.Code}
}

// Machine drives one algorithm through setup, execution and completion.
//
// A Machine is not safe for concurrent use; each strategy owns its machine.
type Machine struct {
	fsm *machine.Machine

	Algorithm *Algorithm

	// DatabaseChain is the chain configured by user. Its first entry is usually the central database.
	DatabaseChain []conditions.Source

	// DependentDatabases are output databases of calibrations which this one depends on,
	// in topological order.
	DependentDatabases []conditions.Source

	// PreviousDatabaseDir is the output database of the previous iteration. It is used when iteration > 0.
	PreviousDatabaseDir string

	// OutputDir is where the algorithm log is written.
	OutputDir string

	// OutputDatabaseDir is the staging database where payloads are committed.
	OutputDatabaseDir string

	// InputFiles are collector output files.
	InputFiles []string

	logger  *log.Logger
	base    *log.Logger
	logFile *os.File

	chain  *conditions.Chain
	result Result

	// arguments of the running transition
	ctx       context.Context
	iteration int
	runs      []iov.ExpRun
	applyIoV  *iov.IoV
}

// NewMachine creates a machine for the algorithm. Logs are written to logger, and to the algorithm log after setup.
func NewMachine(a *Algorithm, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	m := &Machine{
		fsm:       machine.New("AlgorithmMachine", Init, Ready, Running, Completed, Failed),
		Algorithm: a,
		base:      logger,
		logger:    logger,
		result:    Result{Code: Undefined},
		chain:     conditions.NewChain(),
	}

	must(m.fsm.AddTransition(
		"setup_algorithm", Init, Ready,
		machine.Before(m.setupLogging, m.setupDatabaseChain, m.setInputData, m.preAlgorithm),
	))
	must(m.fsm.AddTransition("execute_runs", Ready, Running, machine.After(m.executeOverIoV)))
	must(m.fsm.AddTransition("complete", Running, Completed))
	must(m.fsm.AddTransition("fail", Running, Failed, machine.After(m.discardPayloads)))
	must(m.fsm.AddTransition(
		"setup_algorithm", Completed, Ready,
		machine.Before(m.setupLogging, m.setupDatabaseChain, m.setInputData, m.preAlgorithm),
	))
	must(m.fsm.AddTransition(
		"setup_algorithm", Failed, Ready,
		machine.Before(m.setupLogging, m.setupDatabaseChain, m.setInputData, m.preAlgorithm),
	))
	return m
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (m *Machine) State() machine.State {
	return m.fsm.State()
}

// Graph is the machine in DOT language.
func (m *Machine) Graph() string {
	return m.fsm.Graph()
}

func (m *Machine) Logger() *log.Logger {
	return m.logger
}

// IsValid checks required attributes are set.
func (m *Machine) IsValid() error {
	switch {
	case m.Algorithm == nil || m.Algorithm.Executor == nil:
		return fmt.Errorf("%w: algorithm", ErrInvalidMachine)
	case m.OutputDir == "":
		return fmt.Errorf("%w: output directory", ErrInvalidMachine)
	case m.OutputDatabaseDir == "":
		return fmt.Errorf("%w: output database directory", ErrInvalidMachine)
	case len(m.InputFiles) == 0:
		return fmt.Errorf("%w: input files", ErrInvalidMachine)
	}
	return nil
}

// Setup prepares the algorithm for an iteration. It can be called again after completion or failure.
func (m *Machine) Setup(iteration int) error {
	m.iteration = iteration
	return m.fsm.Trigger("setup_algorithm")
}

// ExecuteRuns executes the algorithm over runs.
//
// If applyIoV is not nil, IoV of every produced payload is replaced by it.
func (m *Machine) ExecuteRuns(ctx context.Context, runs []iov.ExpRun, iteration int, applyIoV *iov.IoV) error {
	m.ctx = ctx
	m.runs = runs
	m.iteration = iteration
	m.applyIoV = applyIoV
	defer func() { m.ctx = nil }()
	return m.fsm.Trigger("execute_runs")
}

// Complete marks the last execution done. Committing payloads is up to the caller.
func (m *Machine) Complete() error {
	return m.fsm.Trigger("complete")
}

// Fail marks the last execution failed, discarding its payloads.
func (m *Machine) Fail() error {
	return m.fsm.Trigger("fail")
}

// Result of the last execution.
func (m *Machine) Result() Result {
	return m.result
}

// Chain is the database chain built at the last setup.
func (m *Machine) Chain() *conditions.Chain {
	return m.chain
}

// Commit asks the algorithm to commit payloads.
func (m *Machine) Commit(payloads payload.List) error {
	return m.Algorithm.Executor.Commit(payloads)
}

// Close releases the algorithm log.
func (m *Machine) Close() error {
	if m.logFile == nil {
		return nil
	}
	err := m.logFile.Close()
	m.logFile = nil
	m.logger = m.base
	return err
}

func (m *Machine) setupLogging() error {
	if err := m.Close(); err != nil {
		return xe.Wrap(err)
	}
	if err := os.MkdirAll(m.OutputDir, os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	logPath := filepath.Join(m.OutputDir, m.Algorithm.Name+"_stdout")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xe.Wrap(err)
	}
	m.logFile = f
	m.logger = log.New(io.MultiWriter(m.base.Writer(), f), m.base.Prefix(), m.base.Flags())
	m.logger.Printf("output log file at %s", logPath)
	return nil
}

func (m *Machine) setupDatabaseChain() error {
	m.chain.Reset()
	for _, s := range m.DatabaseChain {
		m.logger.Printf("using %s for %s", s, m.Algorithm.Name)
		m.chain.Push(s)
	}
	for _, s := range m.DependentDatabases {
		m.logger.Printf("using %s created by a dependent calibration for %s", s, m.Algorithm.Name)
		m.chain.Push(s)
	}
	if 0 < m.iteration && m.PreviousDatabaseDir != "" {
		m.logger.Printf("using %s of the previous iteration for %s", m.PreviousDatabaseDir, m.Algorithm.Name)
		m.chain.Push(conditions.LocalDirSource(m.PreviousDatabaseDir))
	}
	if err := m.chain.PushWritable(m.OutputDatabaseDir); err != nil {
		return err
	}
	m.logger.Printf("output local database for %s stored at %s", m.Algorithm.Name, m.OutputDatabaseDir)
	m.Algorithm.Executor.UseDatabaseChain(m.chain)
	return nil
}

func (m *Machine) setInputData() error {
	m.Algorithm.dataInput(m.InputFiles)
	return nil
}

func (m *Machine) preAlgorithm() error {
	if m.Algorithm.PreAlgorithm == nil {
		return nil
	}
	m.logger.Printf("running pre-algorithm function of %s", m.Algorithm.Name)
	return m.Algorithm.PreAlgorithm(m.Algorithm.Executor, m.iteration)
}

func (m *Machine) executeOverIoV() error {
	runs := m.runs
	if len(runs) == 0 {
		all, err := m.Algorithm.Executor.RunListFromAllData()
		if err != nil {
			return xe.Wrap(err)
		}
		runs = iov.RunsFromVector(all)
	}
	executed, err := iov.FromRuns(runs)
	if err != nil {
		return xe.WrapWithNote("no runs to execute", err)
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.logger.Printf("performing execution of %s on %s", m.Algorithm.Name, executed)
	code, err := m.Algorithm.Executor.Execute(ctx, m.runs, m.iteration)
	if err != nil {
		m.logger.Printf("execution of %s on %s failed: %v", m.Algorithm.Name, executed, err)
		code = Failure
	}

	payloads := m.Algorithm.Executor.PayloadValues().Clone()
	if m.applyIoV != nil {
		payloads = payloads.WithIoV(*m.applyIoV)
	}
	m.result = Result{IoV: executed, Code: code, Payloads: payloads}
	return nil
}

func (m *Machine) discardPayloads() error {
	m.result.Payloads = nil
	return nil
}
