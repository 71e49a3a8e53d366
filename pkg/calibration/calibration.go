// Package calibration defines a calibration (one collector and the algorithms reading its output)
// and the state machine which drives it through iterations.
package calibration

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/conditions"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/machine"
	"github.com/opst/caf/pkg/strategy"
)

const (
	// DefaultMaxFilesPerCollectorJob means all input files in one collector job.
	DefaultMaxFilesPerCollectorJob = -1

	// DefaultOutputPattern is the file collectors write.
	DefaultOutputPattern = "CollectorOutput.root"

	// DefaultCollectorFullUpdateInterval is how often progress of collector subjobs is logged.
	DefaultCollectorFullUpdateInterval = 30 * time.Second

	// DefaultStrategy executes algorithms without their own strategy.
	DefaultStrategy = strategy.SingleIOVName

	// GranularityParam is the parameter of a collector telling its granularity.
	GranularityParam = "granularity"
)

// DefaultDriver is the command line running a collector.
var DefaultDriver = []string{"basf2", "run_collector_path.py"}

var (
	ErrInvalidCalibration  = errors.New("invalid calibration")
	ErrSelfDependency      = errors.New("calibration cannot depend on itself")
	ErrDuplicateDependency = errors.New("dependency is already added")
	ErrLengthMismatch      = errors.New("length mismatch with algorithms")
)

// Module is a serializable processing module, like a collector.
type Module struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (m Module) String() string {
	return fmt.Sprintf("Module(%s)", m.Name)
}

// Granularity of the collector output. Default is "run".
func (m Module) Granularity() string {
	if g, ok := m.Params[GranularityParam].(string); ok && g != "" {
		return g
	}
	return strategy.GranularityRun
}

// FileIoV reads the IoV which a data file covers.
type FileIoV func(path string) (iov.IoV, error)

// Calibration is a collector and algorithms consuming its output.
type Calibration struct {
	Name string

	Collector *Module

	// PreCollectorPath are modules executed before the collector.
	PreCollectorPath []Module

	Algorithms []*algorithm.Algorithm

	// InputFiles are paths or glob patterns of data files.
	InputFiles []string

	// DatabaseChain is read by the collector and algorithms. Later sources take precedence.
	DatabaseChain []conditions.Source

	// Dependencies are names of calibrations which should be completed before this one.
	Dependencies []string

	// FutureDependencies are names of calibrations depending on this one.
	FutureDependencies []string

	// MaxIterations of this calibration. If zero, the CAF default is used.
	MaxIterations int

	MaxFilesPerCollectorJob int
	OutputPatterns          []string
	BackendArgs             map[string]string

	// Heartbeat is the interval of polls of the machine. If zero, the CAF default is used.
	Heartbeat time.Duration

	CollectorFullUpdateInterval time.Duration

	// IgnoredRuns are not executed by algorithms.
	IgnoredRuns []iov.ExpRun

	// FilesToIoVs maps input files to IoVs. If nil and an IoV is requested, FileIoV is used to fill it.
	FilesToIoVs map[string]iov.IoV
	FileIoV     FileIoV

	// Driver is the command line of collector jobs.
	Driver []string

	// SteeringFile is added to input sandbox of collector jobs, if set.
	SteeringFile string

	// Backend runs collector jobs. If nil, the CAF backend is used.
	Backend backend.Backend

	// AlgorithmParallelism is the number of algorithms executed at once.
	AlgorithmParallelism int

	mu      sync.RWMutex
	machine *Machine
}

// New creates a calibration with defaults.
//
// Its database chain starts from the central database of the default global tag.
func New(name string, collector *Module, algorithms []*algorithm.Algorithm, inputFiles []string) *Calibration {
	c := &Calibration{
		Name:                        name,
		Collector:                   collector,
		InputFiles:                  slices.Clone(inputFiles),
		DatabaseChain:               []conditions.Source{conditions.CentralSource(conditions.DefaultGlobalTag)},
		Dependencies:                []string{},
		FutureDependencies:          []string{},
		MaxFilesPerCollectorJob:     DefaultMaxFilesPerCollectorJob,
		OutputPatterns:              []string{DefaultOutputPattern},
		BackendArgs:                 map[string]string{},
		CollectorFullUpdateInterval: DefaultCollectorFullUpdateInterval,
		Driver:                      slices.Clone(DefaultDriver),
		AlgorithmParallelism:        1,
	}
	c.SetAlgorithms(algorithms...)
	return c
}

func (c *Calibration) String() string {
	return fmt.Sprintf("Calibration(%s)", c.Name)
}

// IsValid tells the calibration has a collector, algorithms and input files,
// and every algorithm reads output of the collector.
func (c *Calibration) IsValid() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: no name", ErrInvalidCalibration)
	case c.Collector == nil || c.Collector.Name == "":
		return fmt.Errorf("%w: %s has no collector", ErrInvalidCalibration, c.Name)
	case len(c.Algorithms) == 0:
		return fmt.Errorf("%w: %s has no algorithms", ErrInvalidCalibration, c.Name)
	case len(c.InputFiles) == 0:
		return fmt.Errorf("%w: %s has no input files", ErrInvalidCalibration, c.Name)
	}
	for _, a := range c.Algorithms {
		if a == nil || a.Executor == nil {
			return fmt.Errorf("%w: %s has an empty algorithm", ErrInvalidCalibration, c.Name)
		}
		if name := a.Executor.CollectorName(); name != c.Collector.Name {
			return fmt.Errorf(
				"%w: algorithm %s of %s reads collector %s, but the collector is %s",
				ErrInvalidCalibration, a.Name, c.Name, name, c.Collector.Name,
			)
		}
	}
	return nil
}

// DependsOn makes this calibration depend on other.
func (c *Calibration) DependsOn(other *Calibration) error {
	if other == c || other.Name == c.Name {
		return fmt.Errorf("%w: %s", ErrSelfDependency, c.Name)
	}
	if slices.Contains(c.Dependencies, other.Name) {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateDependency, c.Name, other.Name)
	}
	c.Dependencies = append(c.Dependencies, other.Name)
	other.FutureDependencies = append(other.FutureDependencies, c.Name)
	return nil
}

// SetAlgorithms replaces algorithms. Algorithms without strategy get DefaultStrategy.
func (c *Calibration) SetAlgorithms(algorithms ...*algorithm.Algorithm) {
	c.Algorithms = slices.Clone(algorithms)
	for _, a := range c.Algorithms {
		if a != nil && a.Strategy == "" {
			a.Strategy = DefaultStrategy
		}
	}
}

// broadcast calls set for each algorithm with one value for all, or with values of the same length.
func broadcast[T any](c *Calibration, values []T, set func(*algorithm.Algorithm, T)) error {
	switch len(values) {
	case 1:
		for _, a := range c.Algorithms {
			set(a, values[0])
		}
		return nil
	case len(c.Algorithms):
		for i, a := range c.Algorithms {
			set(a, values[i])
		}
		return nil
	default:
		return fmt.Errorf("%w: %d values for %d algorithms", ErrLengthMismatch, len(values), len(c.Algorithms))
	}
}

// SetPreAlgorithms sets one function to every algorithm, or one for each algorithm.
func (c *Calibration) SetPreAlgorithms(f ...algorithm.PreAlgorithm) error {
	return broadcast(c, f, func(a *algorithm.Algorithm, f algorithm.PreAlgorithm) { a.PreAlgorithm = f })
}

// SetStrategies sets one strategy to every algorithm, or one for each algorithm.
func (c *Calibration) SetStrategies(names ...string) error {
	return broadcast(c, names, func(a *algorithm.Algorithm, n string) { a.Strategy = n })
}

// ResetDatabase empties the database chain.
func (c *Calibration) ResetDatabase() {
	c.DatabaseChain = []conditions.Source{}
}

// UseCentralDatabase appends a central database to the chain.
func (c *Calibration) UseCentralDatabase(globalTag string) {
	c.DatabaseChain = append(c.DatabaseChain, conditions.CentralSource(globalTag))
}

// UseLocalDatabase appends a local database to the chain.
func (c *Calibration) UseLocalDatabase(filepath, payloadDir string) {
	c.DatabaseChain = append(c.DatabaseChain, conditions.LocalSource(filepath, payloadDir))
}

func (c *Calibration) attach(m *Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine = m
}

// Machine driving this calibration. It is nil before the CAF starts it.
func (c *Calibration) Machine() *Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine
}

// State of the calibration. Safe to call from any goroutine.
func (c *Calibration) State() machine.State {
	if m := c.Machine(); m != nil {
		return m.State()
	}
	return Init
}

// Iteration of the calibration. Safe to call from any goroutine.
func (c *Calibration) Iteration() int {
	if m := c.Machine(); m != nil {
		return m.Iteration()
	}
	return 0
}

// Results of algorithms in each iteration. Safe to call from any goroutine.
func (c *Calibration) Results() map[int]map[string][]algorithm.IoVResult {
	if m := c.Machine(); m != nil {
		return m.Results()
	}
	return map[int]map[string][]algorithm.IoVResult{}
}

// Terminal tells the calibration has been completed or failed.
func (c *Calibration) Terminal() bool {
	s := c.State()
	return s == Completed || s == Failed
}
