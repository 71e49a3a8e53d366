// Package caf orchestrates calibrations: it orders them by dependencies,
// and drives each calibration machine when its upstream has been completed.
package caf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/backend/local"
	"github.com/opst/caf/pkg/calibration"
	"github.com/opst/caf/pkg/conditions"
	"github.com/opst/caf/pkg/dag"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/loop"
	"github.com/opst/caf/pkg/machine"
	"github.com/opst/caf/pkg/strategy"
)

const (
	DefaultOutputDir = "calibration_results"
	DefaultHeartbeat = calibration.DefaultHeartbeat
)

var (
	ErrInvalidCalibration   = calibration.ErrInvalidCalibration
	ErrDuplicateCalibration = errors.New("calibration is already added")
	ErrOutputDirExists      = errors.New("output directory already exists")
	ErrCalibrationFailed    = errors.New("calibration failed")
	ErrNoCalibrations       = errors.New("no calibrations")
)

// CAF runs calibrations.
type CAF struct {
	// OutputDir is the root of outputs. It should not exist before Run.
	OutputDir string

	// Backend runs collector jobs of calibrations without their own backend.
	// If nil, a local backend with one process is used.
	Backend backend.Backend

	// Heartbeat is the interval of polls, for the CAF and for calibrations without their own.
	Heartbeat time.Duration

	// MaxIterations is applied to calibrations which do not set it.
	MaxIterations int

	// GlobalTag is the central database of calibrations with an empty database chain.
	GlobalTag string

	// ContinueOnFailure keeps starting calibrations independent of failed ones.
	// Otherwise, no calibrations are started after some calibration failed.
	ContinueOnFailure bool

	Strategies strategy.Registry
	Logger     *log.Logger
	Observer   calibration.Observer

	mu           sync.RWMutex
	calibrations map[string]*calibration.Calibration
	added        []string
	started      map[string]bool
}

// New creates a CAF with defaults.
func New() *CAF {
	return &CAF{
		OutputDir:     DefaultOutputDir,
		Heartbeat:     DefaultHeartbeat,
		MaxIterations: calibration.DefaultMaxIterations,
		GlobalTag:     conditions.DefaultGlobalTag,
		Strategies:    strategy.Builtins(),
		calibrations:  map[string]*calibration.Calibration{},
		started:       map[string]bool{},
	}
}

func (caf *CAF) logger() *log.Logger {
	if caf.Logger != nil {
		return caf.Logger
	}
	return log.Default()
}

// AddCalibration adds a valid calibration with a new name.
func (caf *CAF) AddCalibration(c *calibration.Calibration) error {
	if err := c.IsValid(); err != nil {
		return err
	}
	caf.mu.Lock()
	defer caf.mu.Unlock()
	if caf.calibrations == nil {
		caf.calibrations = map[string]*calibration.Calibration{}
	}
	if _, ok := caf.calibrations[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCalibration, c.Name)
	}
	caf.calibrations[c.Name] = c
	caf.added = append(caf.added, c.Name)
	return nil
}

// Calibrations in the order of addition.
func (caf *CAF) Calibrations() []*calibration.Calibration {
	caf.mu.RLock()
	defer caf.mu.RUnlock()
	ret := make([]*calibration.Calibration, 0, len(caf.added))
	for _, name := range caf.added {
		ret = append(ret, caf.calibrations[name])
	}
	return ret
}

func (caf *CAF) get(name string) *calibration.Calibration {
	caf.mu.RLock()
	defer caf.mu.RUnlock()
	return caf.calibrations[name]
}

// removeMissingDependencies drops edges to calibrations not added.
func (caf *CAF) removeMissingDependencies() {
	known := func(name string) bool { return caf.get(name) != nil }
	for _, c := range caf.Calibrations() {
		filter := func(deps []string) []string {
			kept := []string{}
			for _, d := range deps {
				if known(d) {
					kept = append(kept, d)
					continue
				}
				caf.logger().Printf(
					"WARNING: the calibration %s is a required dependency of %s but is not in the CAF. it has been removed as a dependency.",
					d, c.Name,
				)
			}
			return kept
		}
		c.Dependencies = filter(c.Dependencies)
		c.FutureDependencies = filter(c.FutureDependencies)
	}
}

func (caf *CAF) forward() map[string][]string {
	forward := map[string][]string{}
	for _, c := range caf.Calibrations() {
		if _, ok := forward[c.Name]; !ok {
			forward[c.Name] = []string{}
		}
		for _, d := range c.Dependencies {
			if !slices.Contains(forward[d], c.Name) {
				forward[d] = append(forward[d], c.Name)
			}
		}
	}
	return forward
}

// Order removes dependencies to unknown calibrations, and sorts calibrations topologically.
//
// # Returns
//
// - []string: names of calibrations in order.
//
// - map[string][]string: every upstream of each calibration, in order.
//
// - error: dag.ErrCycle if dependencies are cyclic.
func (caf *CAF) Order() ([]string, map[string][]string, error) {
	caf.removeMissingDependencies()
	forward := caf.forward()
	order, err := dag.TopologicalSort(forward)
	if err != nil {
		return nil, nil, xe.WrapWithNote("couldn't order the calibrations properly", err)
	}
	return order, dag.AllDependencies(forward, order), nil
}

// DependencyGraph is the dependencies of calibrations in DOT language.
func (caf *CAF) DependencyGraph() (string, error) {
	order, _, err := caf.Order()
	if err != nil {
		return "", err
	}
	b := new(strings.Builder)
	b.WriteString("digraph \"CAF\" {\n")
	for _, name := range order {
		fmt.Fprintf(b, "\t%q;\n", name)
	}
	for _, name := range order {
		for _, d := range caf.get(name).Dependencies {
			fmt.Fprintf(b, "\t%q -> %q;\n", d, name)
		}
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func (caf *CAF) makeOutputDir() (string, error) {
	dir, err := filepath.Abs(caf.OutputDir)
	if err != nil {
		return "", xe.Wrap(err)
	}
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrOutputDirExists, dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", xe.Wrap(err)
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", xe.Wrap(err)
	}
	return dir, nil
}

// applyCalibrationDefaults sets CAF defaults to attributes which the calibration does not set.
func (caf *CAF) applyCalibrationDefaults(c *calibration.Calibration) {
	if c.MaxIterations <= 0 {
		c.MaxIterations = caf.MaxIterations
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = caf.heartbeat()
	}
	if len(c.DatabaseChain) == 0 {
		tag := caf.GlobalTag
		if tag == "" {
			tag = conditions.DefaultGlobalTag
		}
		c.UseCentralDatabase(tag)
	}
}

func (caf *CAF) heartbeat() time.Duration {
	if 0 < caf.Heartbeat {
		return caf.Heartbeat
	}
	return DefaultHeartbeat
}

// Run runs every calibration until each one is completed or failed, or cannot be started.
//
// # Args
//
// - ctx: when it is done, running calibrations stop at their next poll.
//
// - requested: IoV to be calibrated. If nil, all input data are calibrated.
//
// # Returns
//
// - Report: final states of calibrations. It is returned even with error.
//
// - error: dag.ErrCycle on cyclic dependencies, before any directory is created.
// ErrOutputDirExists when OutputDir exists. ErrCalibrationFailed when some calibration failed.
func (caf *CAF) Run(ctx context.Context, requested *iov.IoV) (Report, error) {
	logger := caf.logger()
	if len(caf.Calibrations()) == 0 {
		return Report{}, ErrNoCalibrations
	}

	order, upstream, err := caf.Order()
	if err != nil {
		return Report{}, err
	}
	logger.Printf("calibrations will be run in the order: %s", strings.Join(order, ", "))

	be := caf.Backend
	if be == nil {
		be = local.New(1, logger)
		caf.Backend = be
	}

	outputDir, err := caf.makeOutputDir()
	if err != nil {
		return Report{}, err
	}
	logger.Printf("output directory is %s", outputDir)

	machines := map[string]*calibration.Machine{}
	for _, name := range order {
		c := caf.get(name)
		caf.applyCalibrationDefaults(c)
		ups := make([]*calibration.Calibration, 0, len(upstream[name]))
		for _, u := range upstream[name] {
			ups = append(ups, caf.get(u))
		}
		m, err := calibration.NewMachine(c, calibration.MachineConfig{
			OutputDir:  outputDir,
			Backend:    be,
			Strategies: caf.Strategies,
			Upstream:   ups,
			IoV:        requested,
			Logger:     logger,
			Observer:   caf.Observer,
		})
		if err != nil {
			return caf.report(order), err
		}
		machines[name] = m
	}

	errs, loopErr := caf.loop(ctx, order, upstream, machines)

	backends := []backend.Backend{be}
	for _, name := range order {
		if b := caf.get(name).Backend; b != nil && !slices.Contains(backends, b) {
			backends = append(backends, b)
		}
	}
	for _, b := range backends {
		if err := b.Join(ctx); err != nil {
			errs = append(errs, xe.WrapWithNote("joining backend", err))
		}
	}

	report := caf.report(order)
	if loopErr != nil {
		errs = append(errs, loopErr)
	}
	if failed := report.Failed(); len(failed) != 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrCalibrationFailed, strings.Join(failed, ", ")))
	}
	return report, errors.Join(errs...)
}

type running struct {
	done chan struct{}
	err  error
}

type schedule struct {
	running map[string]*running
	joined  map[string]bool
	failed  bool
	errs    []error
}

// loop starts machines whose upstream is completed, and joins machines which are terminal,
// until nothing more can be started.
func (caf *CAF) loop(
	ctx context.Context, order []string, upstream map[string][]string, machines map[string]*calibration.Machine,
) ([]error, error) {
	logger := caf.logger()
	heartbeat := caf.heartbeat()

	init := schedule{running: map[string]*running{}, joined: map[string]bool{}}
	last, err := loop.Start(ctx, init, func(ctx context.Context, s schedule) (schedule, loop.Next) {
		for name, r := range s.running {
			select {
			case <-r.done:
			default:
				continue
			}
			delete(s.running, name)
			s.joined[name] = true
			if r.err != nil {
				s.errs = append(s.errs, xe.WrapWithNote(name, r.err))
			}
			if m := machines[name]; m.State() == calibration.Failed {
				logger.Printf("calibration %s failed", name)
				s.failed = true
			}
		}

		for _, name := range order {
			if s.joined[name] || s.running[name] != nil {
				continue
			}
			if s.failed && !caf.ContinueOnFailure {
				break
			}
			if !completed(caf, upstream[name]) {
				continue
			}
			m := machines[name]
			r := &running{done: make(chan struct{})}
			s.running[name] = r
			caf.markStarted(name)
			logger.Printf("starting calibration %s", name)
			go func() {
				defer close(r.done)
				r.err = m.Run(ctx)
			}()
		}

		if len(s.running) == 0 && !startable(caf, order, upstream, s) {
			return s, loop.Break(nil)
		}
		return s, loop.Continue(heartbeat)
	})

	if err != nil {
		for name, r := range last.running {
			<-r.done
			if r.err != nil && !errors.Is(r.err, context.Canceled) && !errors.Is(r.err, context.DeadlineExceeded) {
				last.errs = append(last.errs, xe.WrapWithNote(name, r.err))
			}
		}
	}
	return last.errs, err
}

func completed(caf *CAF, names []string) bool {
	for _, n := range names {
		if caf.get(n).State() != calibration.Completed {
			return false
		}
	}
	return true
}

// startable tells some calibration can still be started.
func startable(caf *CAF, order []string, upstream map[string][]string, s schedule) bool {
	if s.failed && !caf.ContinueOnFailure {
		return false
	}
	for _, name := range order {
		if s.joined[name] || s.running[name] != nil {
			continue
		}
		blocked := false
		for _, u := range upstream[name] {
			if caf.get(u).State() == calibration.Failed {
				blocked = true
				break
			}
		}
		if !blocked {
			return true
		}
	}
	return false
}

func (caf *CAF) markStarted(name string) {
	caf.mu.Lock()
	defer caf.mu.Unlock()
	if caf.started == nil {
		caf.started = map[string]bool{}
	}
	caf.started[name] = true
}

func (caf *CAF) hasStarted(name string) bool {
	caf.mu.RLock()
	defer caf.mu.RUnlock()
	return caf.started[name]
}

// Entry is the state of a calibration in a report.
type Entry struct {
	Name      string        `json:"name"`
	State     machine.State `json:"state"`
	Iteration int           `json:"iteration"`
}

// Report is the outcome of a CAF run.
type Report struct {
	// Calibrations in the order of execution.
	Calibrations []Entry `json:"calibrations"`

	// NotRun are calibrations never started, because some upstream failed.
	NotRun []string `json:"not_run"`
}

// Failed lists calibrations which failed.
func (r Report) Failed() []string {
	ret := []string{}
	for _, e := range r.Calibrations {
		if e.State == calibration.Failed {
			ret = append(ret, e.Name)
		}
	}
	return ret
}

// Get the entry of the calibration.
func (r Report) Get(name string) (Entry, bool) {
	for _, e := range r.Calibrations {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (caf *CAF) report(order []string) Report {
	r := Report{Calibrations: []Entry{}, NotRun: []string{}}
	for _, name := range order {
		c := caf.get(name)
		r.Calibrations = append(r.Calibrations, Entry{Name: name, State: c.State(), Iteration: c.Iteration()})
		if !caf.hasStarted(name) {
			r.NotRun = append(r.NotRun, name)
		}
	}
	return r
}

// Status is a snapshot of a calibration.
type Status struct {
	Name         string                                   `json:"name"`
	State        machine.State                            `json:"state"`
	Iteration    int                                      `json:"iteration"`
	Dependencies []string                                 `json:"dependencies"`
	Results      map[int]map[string][]algorithm.IoVResult `json:"results"`
}

// Snapshot copies states of every calibration, in the order of addition.
//
// It is safe to call while Run.
func (caf *CAF) Snapshot() []Status {
	cals := caf.Calibrations()
	ret := make([]Status, 0, len(cals))
	for _, c := range cals {
		ret = append(ret, Status{
			Name:         c.Name,
			State:        c.State(),
			Iteration:    c.Iteration(),
			Dependencies: slices.Clone(c.Dependencies),
			Results:      c.Results(),
		})
	}
	return ret
}
