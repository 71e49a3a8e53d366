// Package backend dispatches collector jobs.
//
// A Job is a command with its input sandbox and input files. A Backend runs it
// (as a whole, or as subjobs each reading a part of input files) and returns a
// Result which tells when it has been done.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	xe "github.com/opst/caf/pkg/errors"
)

// InputDataFile is written into the working directory of each (sub)job, listing its input files.
const InputDataFile = "input_data_files.json"

var (
	// ErrMissingOutput is returned when a (sub)job produced no files matching output patterns.
	ErrMissingOutput = errors.New("no output files")

	// ErrAlreadySubmitted is returned when a job is submitted twice.
	ErrAlreadySubmitted = errors.New("job has been submitted already")
)

type Status string

const (
	Init      Status = "init"
	Submitted Status = "submitted"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Exited tells the status is terminal.
func (s Status) Exited() bool {
	return s == Completed || s == Failed
}

// SubJob is a unit of execution of a Job.
//
// A Job without subjobs is executed as one unit which has the same attributes with the job.
type SubJob struct {
	// ID is the index in subjobs. It is -1 for the unit of a whole job.
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	InputFiles []string `json:"input_files"`
	WorkingDir string   `json:"working_dir"`
	OutputDir  string   `json:"output_dir"`
	Status     Status   `json:"status"`
}

func (s *SubJob) String() string {
	return fmt.Sprintf("SubJob(%s)", s.Name)
}

// Job is a collector job.
type Job struct {
	Name string `json:"name"`

	// Cmd is a command line to be executed in the working directory.
	Cmd []string `json:"cmd"`

	// SetupCmds are shell lines executed before Cmd.
	SetupCmds []string `json:"setup_cmds,omitempty"`

	// InputSandboxFiles are copied into the working directory before execution.
	InputSandboxFiles []string `json:"input_sandbox_files"`

	// InputFiles are data files. They are listed in input_data_files.json, not copied.
	InputFiles []string `json:"input_files"`

	// OutputPatterns are glob patterns of files to be collected as outputs.
	OutputPatterns []string `json:"output_patterns"`

	WorkingDir string `json:"working_dir"`
	OutputDir  string `json:"output_dir"`

	// BackendArgs are options interpreted by backends.
	BackendArgs map[string]string `json:"backend_args,omitempty"`

	// MaxFilesPerSubJob splits input files into subjobs when it is positive.
	MaxFilesPerSubJob int `json:"max_files_per_subjob"`

	SubJobs []*SubJob `json:"subjobs,omitempty"`

	mu    sync.Mutex
	whole *SubJob
}

// jobJSON is Job on disk.
type jobJSON struct {
	Name              string            `json:"name"`
	Cmd               []string          `json:"cmd"`
	SetupCmds         []string          `json:"setup_cmds,omitempty"`
	InputSandboxFiles []string          `json:"input_sandbox_files"`
	InputFiles        []string          `json:"input_files"`
	OutputPatterns    []string          `json:"output_patterns"`
	WorkingDir        string            `json:"working_dir"`
	OutputDir         string            `json:"output_dir"`
	BackendArgs       map[string]string `json:"backend_args,omitempty"`
	MaxFilesPerSubJob int               `json:"max_files_per_subjob"`
	SubJobs           []*SubJob         `json:"subjobs,omitempty"`
	Status            Status            `json:"status"`
}

func NewJob(name string) *Job {
	return &Job{Name: name, BackendArgs: map[string]string{}}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%s)", j.Name)
}

// Split creates subjobs when MaxFilesPerSubJob is positive. It does nothing if subjobs exist.
//
// Each subjob works in `<WorkingDir>/<id>` and outputs to `<OutputDir>/<id>`.
func (j *Job) Split() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.SubJobs) != 0 || j.MaxFilesPerSubJob <= 0 || len(j.InputFiles) == 0 {
		return
	}
	for i, chunk := range chunks(j.InputFiles, j.MaxFilesPerSubJob) {
		id := strconv.Itoa(i)
		j.SubJobs = append(j.SubJobs, &SubJob{
			ID:         i,
			Name:       j.Name + "_" + id,
			InputFiles: chunk,
			WorkingDir: filepath.Join(j.WorkingDir, id),
			OutputDir:  filepath.Join(j.OutputDir, id),
			Status:     Init,
		})
	}
}

func chunks(s []string, n int) [][]string {
	ret := [][]string{}
	for n < len(s) {
		ret = append(ret, slices.Clone(s[:n]))
		s = s[n:]
	}
	return append(ret, slices.Clone(s))
}

// Units are what a backend executes: subjobs, or the job itself when it has no subjobs.
func (j *Job) Units() []*SubJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.units()
}

func (j *Job) units() []*SubJob {
	if len(j.SubJobs) != 0 {
		return slices.Clone(j.SubJobs)
	}
	if j.whole == nil {
		j.whole = &SubJob{ID: -1, Status: Init}
	}
	j.whole.Name = j.Name
	j.whole.InputFiles = j.InputFiles
	j.whole.WorkingDir = j.WorkingDir
	j.whole.OutputDir = j.OutputDir
	return []*SubJob{j.whole}
}

// SetStatus updates status of a unit of the job.
func (j *Job) SetStatus(unit *SubJob, s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	unit.Status = s
}

// StatusOf a unit of the job.
func (j *Job) StatusOf(unit *SubJob) Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return unit.Status
}

// Status aggregates statuses of units.
//
// It is failed if some unit failed and every unit has exited, completed if every unit completed,
// running if some unit has started, otherwise the least advanced status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return aggregate(j.units())
}

func aggregate(units []*SubJob) Status {
	count := map[Status]int{}
	for _, u := range units {
		count[u.Status] += 1
	}
	switch n := len(units); {
	case count[Completed] == n:
		return Completed
	case count[Completed]+count[Failed] == n:
		return Failed
	case 0 < count[Running] || 0 < count[Completed] || 0 < count[Failed]:
		return Running
	case 0 < count[Submitted]:
		return Submitted
	default:
		return Init
	}
}

// Progress is the number of exited units and of all units.
func (j *Job) Progress() (exited int, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	units := j.units()
	for _, u := range units {
		if u.Status.Exited() {
			exited += 1
		}
	}
	return exited, len(units)
}

// Prepare makes the working directory of the unit, copies input sandbox files into it
// and writes input_data_files.json.
func (j *Job) Prepare(unit *SubJob) error {
	if err := os.MkdirAll(unit.WorkingDir, os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	if err := os.MkdirAll(unit.OutputDir, os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	for _, f := range j.InputSandboxFiles {
		if err := copyFile(f, filepath.Join(unit.WorkingDir, filepath.Base(f))); err != nil {
			return xe.WrapWithNote("copying input sandbox", err)
		}
	}
	inputs := unit.InputFiles
	if inputs == nil {
		inputs = []string{}
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(os.WriteFile(filepath.Join(unit.WorkingDir, InputDataFile), b, 0o644))
}

// CollectOutputs copies files matching output patterns from the working directory to the output directory.
//
// It returns ErrMissingOutput when no such files exist.
func (j *Job) CollectOutputs(unit *SubJob) ([]string, error) {
	found := []string{}
	for _, pattern := range j.OutputPatterns {
		matches, err := filepath.Glob(filepath.Join(unit.WorkingDir, pattern))
		if err != nil {
			return nil, xe.Wrap(err)
		}
		for _, m := range matches {
			dest := filepath.Join(unit.OutputDir, filepath.Base(m))
			if !sameFile(m, dest) {
				if err := copyFile(m, dest); err != nil {
					return nil, xe.Wrap(err)
				}
			}
			found = append(found, dest)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrMissingOutput, unit.Name, unit.WorkingDir)
	}
	return found, nil
}

// OutputFiles lists files matching output patterns in output directories of every unit.
func (j *Job) OutputFiles() ([]string, error) {
	found := []string{}
	for _, unit := range j.Units() {
		for _, pattern := range j.OutputPatterns {
			matches, err := filepath.Glob(filepath.Join(unit.OutputDir, pattern))
			if err != nil {
				return nil, xe.Wrap(err)
			}
			found = append(found, matches...)
		}
	}
	return found, nil
}

// CheckOutputs confirms every unit has output files in its output directory.
func (j *Job) CheckOutputs() error {
	for _, unit := range j.Units() {
		found := false
		for _, pattern := range j.OutputPatterns {
			matches, err := filepath.Glob(filepath.Join(unit.OutputDir, pattern))
			if err != nil {
				return xe.Wrap(err)
			}
			if len(matches) != 0 {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrMissingOutput, unit.Name)
		}
	}
	return nil
}

// DumpJSON writes the job to path, to recover it later with LoadJob.
func (j *Job) DumpJSON(path string) error {
	j.mu.Lock()
	doc := jobJSON{
		Name:              j.Name,
		Cmd:               j.Cmd,
		SetupCmds:         j.SetupCmds,
		InputSandboxFiles: j.InputSandboxFiles,
		InputFiles:        j.InputFiles,
		OutputPatterns:    j.OutputPatterns,
		WorkingDir:        j.WorkingDir,
		OutputDir:         j.OutputDir,
		BackendArgs:       j.BackendArgs,
		MaxFilesPerSubJob: j.MaxFilesPerSubJob,
		SubJobs:           j.SubJobs,
		Status:            aggregate(j.units()),
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	j.mu.Unlock()
	if err != nil {
		return xe.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(os.WriteFile(path, b, 0o644))
}

// LoadJob reads a job written by DumpJSON.
func LoadJob(path string) (*Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	doc := jobJSON{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, xe.WrapWithNote(path, err)
	}
	j := &Job{
		Name:              doc.Name,
		Cmd:               doc.Cmd,
		SetupCmds:         doc.SetupCmds,
		InputSandboxFiles: doc.InputSandboxFiles,
		InputFiles:        doc.InputFiles,
		OutputPatterns:    doc.OutputPatterns,
		WorkingDir:        doc.WorkingDir,
		OutputDir:         doc.OutputDir,
		BackendArgs:       doc.BackendArgs,
		MaxFilesPerSubJob: doc.MaxFilesPerSubJob,
		SubJobs:           doc.SubJobs,
	}
	if j.BackendArgs == nil {
		j.BackendArgs = map[string]string{}
	}
	if len(j.SubJobs) == 0 {
		j.whole = &SubJob{ID: -1, Status: doc.Status}
	}
	return j, nil
}

// Result of a submission.
type Result interface {
	// Ready tells the job has exited. It refreshes statuses of the job when needed.
	Ready(ctx context.Context) bool

	// PostProcess collects outputs of the job after it has been ready.
	PostProcess() error
}

// Backend runs jobs.
type Backend interface {
	// Submit starts the job. It does not wait for the job to exit.
	Submit(ctx context.Context, job *Job) (Result, error)

	// Join waits every submitted job to exit, and releases resources of the backend.
	Join(ctx context.Context) error
}

// StartSubmission prepares units of the job and marks them submitted.
//
// It is a common first step of Backend.Submit.
func StartSubmission(job *Job) ([]*SubJob, error) {
	job.Split()
	units := job.Units()
	for _, u := range units {
		if job.StatusOf(u) != Init {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitted, job.Name)
		}
	}
	for _, u := range units {
		if err := job.Prepare(u); err != nil {
			return nil, err
		}
	}
	for _, u := range units {
		job.SetStatus(u, Submitted)
	}
	return units, nil
}

// PostProcess collects outputs of every unit of the job.
func PostProcess(job *Job) error {
	errs := []error{}
	for _, u := range job.Units() {
		if _, err := job.CollectOutputs(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
