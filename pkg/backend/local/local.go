// Package local runs collector jobs as child processes of CAF.
package local

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opst/caf/pkg/backend"
	xe "github.com/opst/caf/pkg/errors"
)

const (
	StdoutFile = "stdout"
	StderrFile = "stderr"
)

// Local is a process pool.
//
// At most MaxProcesses child processes run at once. Submissions over the limit wait in the pool.
type Local struct {
	logger *log.Logger

	pool chan struct{}
	wg   sync.WaitGroup
}

var _ backend.Backend = &Local{}

// New creates a pool. When maxProcesses is not positive, 1 is used.
func New(maxProcesses int, logger *log.Logger) *Local {
	if maxProcesses < 1 {
		maxProcesses = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Local{logger: logger, pool: make(chan struct{}, maxProcesses)}
}

// MaxProcesses is the size of the pool.
func (l *Local) MaxProcesses() int {
	return cap(l.pool)
}

func (l *Local) Submit(ctx context.Context, job *backend.Job) (backend.Result, error) {
	if len(job.Cmd) == 0 {
		return nil, xe.New("empty command")
	}
	units, err := backend.StartSubmission(job)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		l.wg.Add(1)
		go func(u *backend.SubJob) {
			defer l.wg.Done()
			l.run(ctx, job, u)
		}(u)
	}
	l.logger.Printf("submitted %s in %d process(es)", job, len(units))
	return &result{job: job}, nil
}

func (l *Local) run(ctx context.Context, job *backend.Job, unit *backend.SubJob) {
	select {
	case l.pool <- struct{}{}:
	case <-ctx.Done():
		l.logger.Printf("%s is cancelled before it starts: %v", unit, ctx.Err())
		job.SetStatus(unit, backend.Failed)
		return
	}
	defer func() { <-l.pool }()

	job.SetStatus(unit, backend.Running)
	if err := execute(ctx, job, unit); err != nil {
		l.logger.Printf("%s failed: %v", unit, err)
		job.SetStatus(unit, backend.Failed)
		return
	}
	job.SetStatus(unit, backend.Completed)
}

func execute(ctx context.Context, job *backend.Job, unit *backend.SubJob) error {
	stdout, err := os.Create(filepath.Join(unit.WorkingDir, StdoutFile))
	if err != nil {
		return xe.Wrap(err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(unit.WorkingDir, StderrFile))
	if err != nil {
		return xe.Wrap(err)
	}
	defer stderr.Close()

	cmdline := CommandLine(job)
	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Dir = unit.WorkingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "CAF_JOB_NAME="+unit.Name)
	return cmd.Run()
}

// CommandLine is the command executed for the job.
//
// If the job has setup commands, they are executed with the command in a bash.
func CommandLine(job *backend.Job) []string {
	if len(job.SetupCmds) == 0 {
		return job.Cmd
	}
	quoted := make([]string, 0, len(job.Cmd))
	for _, c := range job.Cmd {
		quoted = append(quoted, quote(c))
	}
	script := append(append([]string{}, job.SetupCmds...), strings.Join(quoted, " "))
	return []string{"bash", "-c", strings.Join(script, "\n")}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join waits every process to exit.
func (l *Local) Join(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type result struct {
	job *backend.Job
}

func (r *result) Ready(context.Context) bool {
	return r.job.Status().Exited()
}

func (r *result) PostProcess() error {
	return backend.PostProcess(r.job)
}
