package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/conditions"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/localdb"
	"github.com/opst/caf/pkg/loop"
	"github.com/opst/caf/pkg/machine"
	"github.com/opst/caf/pkg/strategy"
)

const (
	Init                machine.State = "init"
	RunningCollector    machine.State = "running_collector"
	CollectorCompleted  machine.State = "collector_completed"
	CollectorFailed     machine.State = "collector_failed"
	RunningAlgorithms   machine.State = "running_algorithms"
	AlgorithmsCompleted machine.State = "algorithms_completed"
	AlgorithmsFailed    machine.State = "algorithms_failed"
	Completed           machine.State = "completed"
	Failed              machine.State = "failed"
)

const (
	// DefaultMaxIterations is used when neither the calibration nor the CAF sets it.
	DefaultMaxIterations = 5

	// DefaultHeartbeat is used when neither the calibration nor the CAF sets it.
	DefaultHeartbeat = 5 * time.Second

	// ResultQueueSize is the capacity of the queue of algorithm results.
	ResultQueueSize = 64
)

// names of files and directories in the output tree.
const (
	dirInput          = "input"
	dirOutput         = "output"
	dirPaths          = "paths"
	dirInputDB        = "inputdb"
	dirOutputDB       = "outputdb"
	fileCollectorConf = "collector_config.json"
	fileCollectorJob  = "collector_job.json"
	filePreCollector  = "pre_collector.path"
)

var (
	ErrInvalidMachine = errors.New("calibration machine is not configured correctly")
	ErrGranularity    = errors.New("strategy does not accept the granularity of the collector")
)

// MachineConfig is what a calibration machine is run with.
type MachineConfig struct {
	// OutputDir is the root of the output tree. The calibration works in `<OutputDir>/<name>`.
	OutputDir string

	// Backend runs collector jobs when the calibration does not have its own.
	Backend backend.Backend

	// Strategies available for algorithms.
	Strategies strategy.Registry

	// Upstream are every calibration which this one depends on directly or transitively, in topological order.
	Upstream []*Calibration

	// IoV to be calibrated. If nil, all input data are calibrated.
	IoV *iov.IoV

	Logger   *log.Logger
	Observer Observer
}

// Machine drives a calibration through iterations of collection and algorithms.
type Machine struct {
	fsm         *machine.Machine
	calibration *Calibration
	conf        MachineConfig
	backend     backend.Backend
	root        string
	logger      *log.Logger
	observer    Observer

	// ctx of the running step. Conditions and actions of transitions read it.
	ctx context.Context

	mu        sync.RWMutex
	iteration int
	results   map[int]map[string][]algorithm.IoVResult

	job            *backend.Job
	jobResult      backend.Result
	postProcessErr error
	forcedFailure  bool
	lastProgress   time.Time
}

// NewMachine creates a machine of the calibration and attaches it.
//
// It fails when the calibration is invalid, or when an algorithm requests an unknown strategy
// or one not accepting the granularity of the collector.
func NewMachine(c *Calibration, conf MachineConfig) (*Machine, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	if conf.OutputDir == "" {
		return nil, fmt.Errorf("%w: no output directory", ErrInvalidMachine)
	}
	be := c.Backend
	if be == nil {
		be = conf.Backend
	}
	if be == nil {
		return nil, fmt.Errorf("%w: no backend for %s", ErrInvalidMachine, c.Name)
	}
	if conf.Strategies == nil {
		conf.Strategies = strategy.Builtins()
	}
	granularity := c.Collector.Granularity()
	for _, a := range c.Algorithms {
		name := a.Strategy
		if name == "" {
			name = DefaultStrategy
		}
		factory, err := conf.Strategies.Get(name)
		if err != nil {
			return nil, xe.WrapWithNote(a.Name, err)
		}
		if allowed := factory(strategy.Config{}).AllowedGranularities(); !slices.Contains(allowed, granularity) {
			return nil, fmt.Errorf(
				"%w: %s of %s accepts %v, but the collector is %s",
				ErrGranularity, name, a.Name, allowed, granularity,
			)
		}
	}

	root, err := filepath.Abs(filepath.Join(conf.OutputDir, c.Name))
	if err != nil {
		return nil, xe.Wrap(err)
	}

	base := conf.Logger
	if base == nil {
		base = log.Default()
	}
	observer := conf.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	m := &Machine{
		calibration: c,
		conf:        conf,
		backend:     be,
		root:        root,
		logger:      log.New(base.Writer(), fmt.Sprintf("[%s] ", c.Name), base.Flags()),
		observer:    observer,
		ctx:         context.Background(),
		results:     map[int]map[string][]algorithm.IoVResult{},
	}
	m.fsm = newFSM(m)
	c.attach(m)
	return m, nil
}

// newFSM builds transitions between the states.
func newFSM(m *Machine) *machine.Machine {
	fsm := machine.New(
		"CalibrationMachine", Init,
		RunningCollector, CollectorCompleted, CollectorFailed,
		RunningAlgorithms, AlgorithmsCompleted, AlgorithmsFailed,
		Completed, Failed,
	)

	for _, s := range fsm.States() {
		must(fsm.OnExit(s, m.notifyBefore))
		must(fsm.OnEntered(s, m.logNewState, m.notifyAfter))
	}

	must(fsm.AddTransition(
		"submit_collector", Init, RunningCollector,
		machine.When(m.dependenciesCompleted),
		machine.Before(
			m.makeOutputDir, m.resolveFilePaths, m.buildIoVDict,
			m.createCollectorJob, m.submitCollector,
		),
	))
	must(fsm.AddTransition(
		"fail", RunningCollector, CollectorFailed,
		machine.When(m.collectorJobFailed),
	))
	must(fsm.AddTransition(
		"complete", RunningCollector, CollectorCompleted,
		machine.When(m.collectorReady, m.collectorJobCompleted),
		machine.Before(m.postProcessCollector),
		machine.After(m.dumpJobConfig),
	))
	must(fsm.AddTransition(
		"run_algorithms", CollectorCompleted, RunningAlgorithms,
		machine.Before(m.checkValidCollectorOutput),
		machine.After(m.runAlgorithms, m.automaticTransition),
	))
	must(fsm.AddTransition(
		"complete", RunningAlgorithms, AlgorithmsCompleted,
		machine.When(m.noFailedIoV),
		machine.After(m.automaticTransition),
	))
	must(fsm.AddTransition(
		"fail", RunningAlgorithms, AlgorithmsFailed,
		machine.When(m.anyFailedIoV),
	))
	must(fsm.AddTransition(
		"iterate", AlgorithmsCompleted, Init,
		machine.When(m.requireIteration, m.belowMaxIterations),
		machine.After(m.incrementIteration),
	))
	must(fsm.AddTransition(
		"finish", AlgorithmsCompleted, Completed,
		machine.When(m.noRequireIteration),
		machine.Before(m.prepareFinalDB),
	))
	must(fsm.AddTransition("fail_fully", AlgorithmsFailed, Failed))
	must(fsm.AddTransition("fail_fully", CollectorFailed, Failed))
	return fsm
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// MachineGraph is the calibration machine in DOT language.
func MachineGraph() string {
	return newFSM(&Machine{}).Graph()
}

// Graph is the machine in DOT language.
func (m *Machine) Graph() string {
	return m.fsm.Graph()
}

func (m *Machine) Calibration() *Calibration {
	return m.calibration
}

func (m *Machine) State() machine.State {
	return m.fsm.State()
}

func (m *Machine) Iteration() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.iteration
}

// Results is a copy of results of algorithms, per iteration and algorithm name.
func (m *Machine) Results() map[int]map[string][]algorithm.IoVResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[int]map[string][]algorithm.IoVResult, len(m.results))
	for it, byAlg := range m.results {
		c := make(map[string][]algorithm.IoVResult, len(byAlg))
		for name, rs := range byAlg {
			c[name] = slices.Clone(rs)
		}
		ret[it] = c
	}
	return ret
}

// Terminal tells the machine is completed or failed.
func (m *Machine) Terminal() bool {
	s := m.State()
	return s == Completed || s == Failed
}

// SetInitialState restarts the machine from the state in the iteration.
//
// Running states cannot be resumed.
// running_collector is restarted from init, and running_algorithms from collector_completed.
func (m *Machine) SetInitialState(s machine.State, iteration int) error {
	switch s {
	case RunningCollector:
		s = Init
	case RunningAlgorithms:
		s = CollectorCompleted
	}
	if err := m.fsm.SetInitialState(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iteration = iteration
	return nil
}

// Run drives the machine until it reaches completed or failed, or ctx is done.
//
// The machine tries its next transition at each heartbeat.
// An unexpected error moves the machine to failed and is returned.
func (m *Machine) Run(ctx context.Context) error {
	heartbeat := m.calibration.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, v struct{}) (struct{}, loop.Next) {
		if m.Terminal() {
			return v, loop.Break(nil)
		}
		m.ctx = ctx
		if err := m.step(); err != nil {
			m.logger.Printf("unexpected error in state %s: %v", m.State(), err)
			if !m.Terminal() {
				if serr := m.fsm.SetState(Failed); serr != nil {
					m.logger.Printf("cannot move to %s: %v", Failed, serr)
				}
			}
			return v, loop.Break(err)
		}
		if m.Terminal() {
			return v, loop.Break(nil)
		}
		return v, loop.Continue(heartbeat)
	})
	return err
}

// step tries transitions possible from the current state.
func (m *Machine) step() error {
	switch m.State() {
	case Init:
		err := m.fsm.Trigger("submit_collector")
		if errors.Is(err, machine.ErrCondition) {
			return nil
		}
		return err
	case RunningCollector:
		m.logProgress()
		err := m.fsm.Trigger("complete")
		switch {
		case err == nil:
			return nil
		case m.postProcessErr != nil:
			m.logger.Printf("post-processing of collector outputs failed: %v", m.postProcessErr)
		case !errors.Is(err, machine.ErrCondition):
			return err
		}
		if err := m.fsm.Trigger("fail"); err != nil && !errors.Is(err, machine.ErrCondition) {
			return err
		}
		return nil
	case CollectorCompleted:
		err := m.fsm.Trigger("run_algorithms")
		if errors.Is(err, backend.ErrMissingOutput) {
			// moved to collector_failed already
			return nil
		}
		return err
	case RunningAlgorithms, AlgorithmsCompleted:
		return m.fsm.Automatic("fail")
	case CollectorFailed, AlgorithmsFailed:
		return m.fsm.Trigger("fail_fully")
	}
	return nil
}

func (m *Machine) transition(from, to machine.State) Transition {
	return Transition{
		Calibration: m.calibration.Name,
		Iteration:   m.Iteration(),
		Trigger:     m.fsm.Firing(),
		From:        from,
		To:          to,
		At:          time.Now(),
	}
}

func (m *Machine) notifyBefore(from, to machine.State) error {
	m.observer.Before(m.ctx, m.transition(from, to))
	return nil
}

func (m *Machine) notifyAfter(from, to machine.State) error {
	m.observer.After(m.ctx, m.transition(from, to))
	return nil
}

func (m *Machine) logNewState(_, to machine.State) error {
	m.logger.Printf("calibration machine %s moved to state %s", m.calibration.Name, to)
	return nil
}

func (m *Machine) automaticTransition() error {
	return m.fsm.Automatic("fail")
}

// paths in the output tree

func (m *Machine) iterationDir(iteration int, elem ...string) string {
	return filepath.Join(append([]string{m.root, strconv.Itoa(iteration)}, elem...)...)
}

func (m *Machine) upstreamDatabaseDir(up *Calibration) string {
	return filepath.Join(filepath.Dir(m.root), up.Name, dirOutputDB)
}

// FinalDatabaseDir is the database which the calibration leaves when it is completed.
func (m *Machine) FinalDatabaseDir() string {
	return filepath.Join(m.root, dirOutputDB)
}

// conditions

func (m *Machine) dependenciesCompleted() bool {
	for _, up := range m.conf.Upstream {
		if up.State() != Completed {
			return false
		}
	}
	return true
}

func (m *Machine) collectorReady() bool {
	return m.jobResult != nil && m.jobResult.Ready(m.ctx)
}

func (m *Machine) collectorJobCompleted() bool {
	return m.job != nil && m.job.Status() == backend.Completed
}

func (m *Machine) collectorJobFailed() bool {
	if m.postProcessErr != nil {
		return true
	}
	return m.job != nil && m.job.Status() == backend.Failed
}

func (m *Machine) failedResults() map[string][]algorithm.IoVResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failed := map[string][]algorithm.IoVResult{}
	for name, rs := range m.results[m.iteration] {
		for _, r := range rs {
			if r.Result == algorithm.Failure || r.Result == algorithm.NotEnoughData {
				failed[name] = append(failed[name], r)
			}
		}
	}
	return failed
}

func (m *Machine) noFailedIoV() bool {
	return !m.forcedFailure && len(m.failedResults()) == 0
}

func (m *Machine) anyFailedIoV() bool {
	failed := m.failedResults()
	for _, name := range slices.Sorted(maps.Keys(failed)) {
		m.logger.Printf("failed results found in %s - %s", m.calibration.Name, name)
		for _, r := range failed[name] {
			m.logger.Printf("%s returned for %s", r.Result, r.IoV)
		}
	}
	return m.forcedFailure || len(failed) != 0
}

func (m *Machine) requireIteration() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rs := range m.results[m.iteration] {
		for _, r := range rs {
			if r.Result == algorithm.Iterate {
				return true
			}
		}
	}
	return false
}

func (m *Machine) maxIterations() int {
	if n := m.calibration.MaxIterations; 0 < n {
		return n
	}
	return DefaultMaxIterations
}

func (m *Machine) belowMaxIterations() bool {
	return m.Iteration()+1 < m.maxIterations()
}

func (m *Machine) noRequireIteration() bool {
	if !m.requireIteration() {
		return true
	}
	if m.belowMaxIterations() {
		return false
	}
	m.logger.Printf("WARNING: reached maximum number of iterations (%d), will complete now.", m.maxIterations())
	return true
}

// actions

func (m *Machine) incrementIteration() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iteration += 1
	return nil
}

func (m *Machine) makeOutputDir() error {
	it := m.Iteration()
	output := m.iterationDir(it, dirOutput)
	if _, err := os.Stat(output); err == nil {
		m.logger.Printf("previous output directory for %s collector exists. deleting %s before re-submitting.", m.calibration.Name, output)
		if err := os.RemoveAll(output); err != nil {
			return xe.Wrap(err)
		}
	}
	for _, d := range []string{dirInput, dirOutput, dirPaths, dirInputDB} {
		if err := os.MkdirAll(m.iterationDir(it, d), os.ModePerm); err != nil {
			return xe.Wrap(err)
		}
	}

	m.job = nil
	m.jobResult = nil
	m.postProcessErr = nil
	m.forcedFailure = false
	return nil
}

func (m *Machine) resolveFilePaths() error {
	c := m.calibration
	m.logger.Printf("resolving absolute paths of input files for calibration: %s", c.Name)
	resolved := []string{}
	for _, pattern := range c.InputFiles {
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return xe.Wrap(err)
		}
		matches, err := filepath.Glob(abs)
		if err != nil {
			return xe.WrapWithNote(pattern, err)
		}
		if len(matches) == 0 {
			m.logger.Printf("WARNING: no files match %s", pattern)
			continue
		}
		for _, f := range matches {
			if !slices.Contains(resolved, f) {
				resolved = append(resolved, f)
			}
		}
	}
	c.InputFiles = resolved

	if c.FilesToIoVs != nil {
		abs := make(map[string]iov.IoV, len(c.FilesToIoVs))
		for f, i := range c.FilesToIoVs {
			p, err := filepath.Abs(f)
			if err != nil {
				return xe.Wrap(err)
			}
			abs[p] = i
		}
		c.FilesToIoVs = abs
	}
	return nil
}

func (m *Machine) buildIoVDict() error {
	c := m.calibration
	requested := m.conf.IoV
	if requested == nil {
		m.logger.Printf("no overall IoV requested for calibration: %s", c.Name)
		return nil
	}
	m.logger.Printf("overall IoV %s requested for calibration: %s", requested, c.Name)

	switch {
	case c.FilesToIoVs != nil:
		m.logger.Printf("using file to IoV mapping from FilesToIoVs of calibration: %s", c.Name)
	case c.FileIoV != nil:
		m.logger.Printf("creating IoV dictionaries to map files to (exp, run) ranges for calibration: %s", c.Name)
		dict := make(map[string]iov.IoV, len(c.InputFiles))
		for _, f := range c.InputFiles {
			i, err := c.FileIoV(f)
			if err != nil {
				return xe.WrapWithNote(f, err)
			}
			dict[f] = i
		}
		c.FilesToIoVs = dict
	default:
		m.logger.Printf("WARNING: IoV of input files are unknown. every input file is used for calibration: %s", c.Name)
	}
	return nil
}

// filesContainingIoV are input files whose IoV overlaps requested one.
func (m *Machine) filesContainingIoV(requested iov.IoV) []string {
	c := m.calibration
	found := []string{}
	for _, f := range c.InputFiles {
		if i, ok := c.FilesToIoVs[f]; ok && i.Overlaps(requested) {
			found = append(found, f)
		}
	}
	return found
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(os.WriteFile(path, b, 0o644))
}

func (m *Machine) makeCollectorPath(iteration int) (string, error) {
	collector := m.calibration.Collector
	path := m.iterationDir(iteration, dirPaths, collector.Name+".path")
	if err := writeJSON(path, collector); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Machine) makePreCollectorPath(iteration int) (string, error) {
	path := m.iterationDir(iteration, dirPaths, filePreCollector)
	if err := writeJSON(path, m.calibration.PreCollectorPath); err != nil {
		return "", err
	}
	return path, nil
}

// collectorDatabaseChain merges databases of upstream calibrations, and lists the chain which the collector reads.
func (m *Machine) collectorDatabaseChain(iteration int) ([]conditions.Source, error) {
	c := m.calibration
	chain := slices.Clone(c.DatabaseChain)

	upstream := []string{}
	for _, up := range m.conf.Upstream {
		dir := m.upstreamDatabaseDir(up)
		m.logger.Printf("adding local database from %s for use by %s", up.Name, c.Name)
		upstream = append(upstream, dir)
	}
	// an earlier attempt of this iteration may have left its merge.
	inputdb := m.iterationDir(iteration, dirInputDB)
	if err := os.RemoveAll(inputdb); err != nil {
		return nil, xe.Wrap(err)
	}
	if err := localdb.Merge(upstream, inputdb); err != nil {
		return nil, err
	}
	chain = append(chain, conditions.LocalDirSource(inputdb))

	if 0 < iteration {
		m.logger.Printf("adding local database from previous iteration of %s", c.Name)
		chain = append(chain, conditions.LocalDirSource(m.iterationDir(iteration-1, dirOutput, dirOutputDB)))
	}
	return chain, nil
}

func (m *Machine) createCollectorJob() error {
	c := m.calibration
	it := m.Iteration()

	job := backend.NewJob(fmt.Sprintf("%s_Collector_Iteration_%d", c.Name, it))
	job.WorkingDir = m.iterationDir(it, dirOutput)
	job.OutputDir = m.iterationDir(it, dirOutput)
	job.Cmd = slices.Clone(c.Driver)
	if len(job.Cmd) == 0 {
		job.Cmd = slices.Clone(DefaultDriver)
	}

	if c.SteeringFile != "" {
		job.InputSandboxFiles = append(job.InputSandboxFiles, c.SteeringFile)
	}
	collectorPath, err := m.makeCollectorPath(it)
	if err != nil {
		return err
	}
	job.InputSandboxFiles = append(job.InputSandboxFiles, collectorPath)
	if len(c.PreCollectorPath) != 0 {
		preCollectorPath, err := m.makePreCollectorPath(it)
		if err != nil {
			return err
		}
		job.InputSandboxFiles = append(job.InputSandboxFiles, preCollectorPath)
	}

	chain, err := m.collectorDatabaseChain(it)
	if err != nil {
		return err
	}
	configPath := m.iterationDir(it, dirInput, fileCollectorConf)
	if err := writeJSON(configPath, conditions.CollectorConfig{DatabaseChain: chain}); err != nil {
		return err
	}
	job.InputSandboxFiles = append(job.InputSandboxFiles, configPath)

	job.InputFiles = slices.Clone(c.InputFiles)
	if m.conf.IoV != nil && c.FilesToIoVs != nil {
		job.InputFiles = m.filesContainingIoV(*m.conf.IoV)
	}
	job.MaxFilesPerSubJob = c.MaxFilesPerCollectorJob
	job.OutputPatterns = slices.Clone(c.OutputPatterns)
	if len(job.OutputPatterns) == 0 {
		job.OutputPatterns = []string{DefaultOutputPattern}
	}
	job.BackendArgs = maps.Clone(c.BackendArgs)
	if job.BackendArgs == nil {
		job.BackendArgs = map[string]string{}
	}
	m.job = job
	return nil
}

func (m *Machine) submitCollector() error {
	result, err := m.backend.Submit(m.ctx, m.job)
	if err != nil {
		return xe.WrapWithNote(m.job.Name, err)
	}
	m.jobResult = result
	m.lastProgress = time.Now()
	for _, sub := range m.job.SubJobs {
		m.logger.Printf("collector %s: %d input files", sub, len(sub.InputFiles))
	}
	return nil
}

func (m *Machine) logProgress() {
	interval := m.calibration.CollectorFullUpdateInterval
	if m.job == nil || len(m.job.SubJobs) == 0 || time.Since(m.lastProgress) < interval {
		return
	}
	m.lastProgress = time.Now()
	exited, total := m.job.Progress()
	m.logger.Printf("%d/%d collector subjobs finished in %s", exited, total, m.calibration.Name)
}

func (m *Machine) postProcessCollector() error {
	if err := m.jobResult.PostProcess(); err != nil {
		m.postProcessErr = err
		return err
	}
	return nil
}

func (m *Machine) dumpJobConfig() error {
	return m.job.DumpJSON(m.iterationDir(m.Iteration(), dirInput, fileCollectorJob))
}

func (m *Machine) recoverCollectorJob() error {
	job, err := backend.LoadJob(m.iterationDir(m.Iteration(), dirInput, fileCollectorJob))
	if err != nil {
		return err
	}
	m.job = job
	return nil
}

func (m *Machine) checkValidCollectorOutput() error {
	m.logger.Printf("checking that collector output exists for all collector jobs using output patterns of %s.", m.calibration.Name)
	if m.job == nil {
		m.logger.Printf("we're restarting so we'll recreate the collector job.")
		if err := m.recoverCollectorJob(); err != nil {
			return err
		}
	}
	if err := m.job.CheckOutputs(); err != nil {
		m.logger.Printf("no output files from collector job: %v", err)
		if serr := m.fsm.SetState(CollectorFailed); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
	return nil
}

// runAlgorithms executes every algorithm with its strategy.
//
// Each algorithm gets its own algorithm machine, so database chains are never shared.
func (m *Machine) runAlgorithms() error {
	c := m.calibration
	it := m.Iteration()
	ctx := m.ctx

	outputDir := m.iterationDir(it, dirOutput)
	outputDB := filepath.Join(outputDir, dirOutputDB)
	m.logger.Printf("output local database for %s will be stored at %s", c.Name, outputDB)

	inputs, err := m.job.OutputFiles()
	if err != nil {
		return err
	}

	dependents := make([]conditions.Source, 0, len(m.conf.Upstream))
	for _, up := range m.conf.Upstream {
		dependents = append(dependents, conditions.LocalDirSource(m.upstreamDatabaseDir(up)))
	}
	previous := ""
	if 0 < it {
		previous = m.iterationDir(it-1, dirOutput, dirOutputDB)
	}

	parallelism := c.AlgorithmParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	type outcome struct {
		name    string
		results []algorithm.IoVResult
		err     error
	}
	outcomes := make([]outcome, len(c.Algorithms))

	base := m.logger
	wg := new(sync.WaitGroup)
	for n, a := range c.Algorithms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			logger := log.New(base.Writer(), fmt.Sprintf("[%s/%s] ", c.Name, a.Name), base.Flags())
			am := algorithm.NewMachine(a, logger)
			am.DatabaseChain = slices.Clone(c.DatabaseChain)
			am.DependentDatabases = dependents
			am.PreviousDatabaseDir = previous
			am.OutputDir = outputDir
			am.OutputDatabaseDir = outputDB
			am.InputFiles = inputs

			results, err := m.runStrategy(ctx, am, logger)
			outcomes[n] = outcome{name: a.Name, results: results, err: err}
		}()
	}
	wg.Wait()

	results := map[string][]algorithm.IoVResult{}
	errs := []error{}
	for _, o := range outcomes {
		results[o.name] = append(results[o.name], o.results...)
		if o.err != nil {
			m.logger.Printf("algorithm %s failed: %v", o.name, o.err)
			errs = append(errs, o.err)
		}
	}

	m.mu.Lock()
	m.results[it] = results
	m.mu.Unlock()
	m.forcedFailure = len(errs) != 0
	return nil
}

func (m *Machine) runStrategy(ctx context.Context, am *algorithm.Machine, logger *log.Logger) (results []algorithm.IoVResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm %s panicked: %v", am.Algorithm.Name, r)
		}
	}()

	name := am.Algorithm.Strategy
	if name == "" {
		name = DefaultStrategy
	}
	factory, err := m.conf.Strategies.Get(name)
	if err != nil {
		return nil, err
	}
	s := factory(strategy.Config{
		Machine:     am,
		IgnoredRuns: slices.Clone(m.calibration.IgnoredRuns),
		Logger:      logger,
	})
	collected, err := strategy.Drain(ctx, s, m.conf.IoV, m.Iteration(), ResultQueueSize)
	if err != nil {
		return collected.Results, err
	}
	if collected.Final != algorithm.Completed {
		logger.Printf("%s finished in %s", am.Algorithm.Name, collected.Final)
	}
	return collected.Results, nil
}

func (m *Machine) prepareFinalDB() error {
	source := m.iterationDir(m.Iteration(), dirOutput, dirOutputDB)
	if _, err := localdb.Open(source); err != nil {
		return err
	}
	final := m.FinalDatabaseDir()
	if _, err := os.Stat(final); err == nil {
		m.logger.Printf("removing previous final output database for %s before copying new one.", m.calibration.Name)
	}
	return localdb.Replace(source, final)
}
