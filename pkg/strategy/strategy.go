// Package strategy decides how runs are grouped into executions of an algorithm, and when payloads are committed.
//
// A Strategy reports each result to a queue as soon as the result is final,
// and ends with a Finished message carrying the final state of the algorithm.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/opst/caf/pkg/algorithm"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/machine"
)

const (
	// GranularityRun means the collector output is separated per run.
	GranularityRun = "run"

	// GranularityAll means the collector output is merged for all runs.
	GranularityAll = "all"
)

var (
	// ErrInvalidSetup is returned when a strategy is not ready to run.
	ErrInvalidSetup = errors.New("strategy was not set up correctly")

	// ErrNoRuns is returned when no runs are left to be executed.
	ErrNoRuns = errors.New("no runs to execute")

	// ErrUnknownStrategy is returned by Registry.Get for an unregistered name.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Message is sent to the queue by a running strategy.
type Message struct {
	// Result of an execution. It is nil when Finished.
	Result *algorithm.IoVResult

	// Finished is true for the last message of a run.
	Finished bool

	// Final is the state of the algorithm at the end of a run: algorithm.Completed or algorithm.Failed.
	Final machine.State
}

func (m Message) String() string {
	if m.Finished {
		return fmt.Sprintf("Finished(%s)", m.Final)
	}
	if m.Result == nil {
		return "Message(<nil>)"
	}
	return fmt.Sprintf("Result(%s: %s)", m.Result.IoV, m.Result.Result)
}

// Strategy executes an algorithm over collected data.
type Strategy interface {
	// Name of the strategy.
	Name() string

	// AllowedGranularities lists collector granularities which the strategy works with.
	AllowedGranularities() []string

	// Run executes the algorithm.
	//
	// # Args
	//
	// - ctx
	//
	// - requested: IoV to be calibrated. If nil, every collected run is calibrated.
	//
	// - iteration: iteration of the calibration.
	//
	// - queue: results of executions and the Finished message are sent.
	//
	// # Returns
	//
	// - error: when the strategy cannot proceed. Finished message may not be sent in this case.
	Run(ctx context.Context, requested *iov.IoV, iteration int, queue chan<- Message) error
}

// Config is what every strategy is built with.
type Config struct {
	// Machine is the algorithm machine, prepared with database chains, directories and input files.
	Machine *algorithm.Machine

	// IgnoredRuns are runs not to be executed.
	IgnoredRuns []iov.ExpRun

	// Logger for messages before the algorithm log is opened. If nil, log.Default() is used.
	Logger *log.Logger
}

// Log is Logger, or log.Default() if nil.
func (c Config) Log() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Validate checks the algorithm machine is given and valid.
func (c Config) Validate() error {
	if c.Machine == nil {
		return fmt.Errorf("%w: no algorithm machine", ErrInvalidSetup)
	}
	if err := c.Machine.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSetup, err)
	}
	return nil
}

// Factory builds a strategy.
type Factory func(Config) Strategy

// Registry maps strategy names to factories.
type Registry map[string]Factory

// Builtins returns a registry of SingleIOV, SequentialRunByRun and SimpleRunByRun.
func Builtins() Registry {
	return Registry{
		SingleIOVName:          NewSingleIOV,
		SequentialRunByRunName: NewSequentialRunByRun,
		SimpleRunByRunName:     NewSimpleRunByRun,
	}
}

// Get returns the factory of the named strategy.
func (r Registry) Get(name string) (Factory, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	return f, nil
}

// Names of registered strategies, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Collected is the result of Drain.
type Collected struct {
	Results []algorithm.IoVResult
	Final   machine.State
}

// Drain runs the strategy in its own goroutine and collects every message.
//
// A strategy which returns an error, panics, or exits without Finished is reported as an error.
// Results received before that are still returned.
func Drain(ctx context.Context, s Strategy, requested *iov.IoV, iteration int, capacity int) (Collected, error) {
	if capacity < 1 {
		capacity = 1
	}
	queue := make(chan Message, capacity)
	done := make(chan error, 1)

	go func() {
		defer close(queue)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
			}
		}()
		done <- s.Run(ctx, requested, iteration, queue)
	}()

	collected := Collected{Final: algorithm.Failed}
	finished := false
	for m := range queue {
		if m.Finished {
			finished = true
			collected.Final = m.Final
			continue
		}
		if m.Result != nil {
			collected.Results = append(collected.Results, *m.Result)
		}
	}

	if err := <-done; err != nil {
		collected.Final = algorithm.Failed
		return collected, err
	}
	if !finished {
		return collected, xe.Wrap(fmt.Errorf("strategy %s exited without finishing", s.Name()))
	}
	return collected, nil
}

// FindIoVGaps returns IoVs not covered by any result, within each experiment.
//
// Gaps found are logged.
func FindIoVGaps(logger *log.Logger, results []algorithm.IoVResult) []iov.IoV {
	iovs := make([]iov.IoV, 0, len(results))
	for _, r := range results {
		iovs = append(iovs, r.IoV)
	}
	iov.SortIoVs(iovs)

	gaps := iov.GapsBetween(iovs)
	if len(gaps) == 0 || logger == nil {
		return gaps
	}
	logger.Printf(
		"found gaps between IoVs of algorithm results (regardless of result). " +
			"You may have requested these gaps deliberately by not passing in data containing these runs. " +
			"You will not have payloads defined for these IoVs unless you edit the final database.txt yourself.",
	)
	for _, g := range gaps {
		logger.Printf("%s not covered by any execution of the algorithm.", g)
	}
	return gaps
}

// selectRuns lists runs collected by the algorithm, within requested and not ignored, sorted.
func selectRuns(exe algorithm.Executor, requested *iov.IoV, ignored []iov.ExpRun) ([]iov.ExpRun, error) {
	all, err := exe.RunListFromAllData()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	runs := iov.RunsFromVector(all)
	if requested != nil {
		runs = iov.RunsOverlapping(*requested, runs)
	}
	if len(ignored) != 0 {
		runs = iov.Without(runs, ignored)
	}
	return runs, nil
}

// Emitter tracks results and sends them to the queue as soon as they are final.
type Emitter struct {
	ctx     context.Context
	queue   chan<- Message
	results []algorithm.IoVResult
	failed  bool
}

func NewEmitter(ctx context.Context, queue chan<- Message) *Emitter {
	return &Emitter{ctx: ctx, queue: queue}
}

func (e *Emitter) emit(r algorithm.Result) error {
	return e.Send(r.IoVResult())
}

// Send a result to the queue.
func (e *Emitter) Send(ir algorithm.IoVResult) error {
	e.results = append(e.results, ir)
	if !ir.Result.Succeeded() {
		e.failed = true
	}
	select {
	case e.queue <- Message{Result: &ir}:
		return nil
	case <-e.ctx.Done():
		return context.Cause(e.ctx)
	}
}

// Results sent so far.
func (e *Emitter) Results() []algorithm.IoVResult {
	return e.results
}

// Finish sends the final state; failed if any result sent was not succeeded.
func (e *Emitter) Finish() error {
	final := algorithm.Completed
	if e.failed {
		final = algorithm.Failed
	}
	select {
	case e.queue <- Message{Finished: true, Final: final}:
		return nil
	case <-e.ctx.Done():
		return context.Cause(e.ctx)
	}
}
