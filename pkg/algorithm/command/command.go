// Package command is an algorithm implemented by an external executable.
//
// The executable is called as
//
//	<cmd> runs --inputs <inputs.json>
//	<cmd> execute --inputs <inputs.json> --iteration <N> --output <dir> [--runs e:r,e:r,...]
//
// `runs` prints runs in input files as JSON, like `[[1,1],[1,2]]`.
//
// `execute` prints the result and payloads written under the output directory, like
//
//	{"result": "ok", "payloads": [{"name": "Gain", "file": "gain.root"}]}
//
// A payload may have "iov" ("e1,r1,e2,r2"). Otherwise, the IoV spans executed runs.
// Without --runs, the algorithm executes over all input data.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/conditions"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
)

var ErrProtocol = errors.New("unexpected response from algorithm command")

// Inputs is the content of the file passed with --inputs.
type Inputs struct {
	InputFiles    []string            `json:"input_files"`
	DatabaseChain []conditions.Source `json:"database_chain"`
}

// Response of `execute`.
type Response struct {
	Result   algorithm.ResultCode `json:"result"`
	Payloads []PayloadFile        `json:"payloads"`
}

type PayloadFile struct {
	Name string   `json:"name"`
	File string   `json:"file"`
	IoV  *iov.IoV `json:"iov,omitempty"`
}

// Executor runs the command as an algorithm.
type Executor struct {
	algorithm.Staging

	// Command and its leading arguments.
	Command []string

	// Collector whose output the algorithm reads.
	Collector string

	// Stderr of the command. If nil, os.Stderr.
	Stderr io.Writer

	mu       sync.Mutex
	inputs   []string
	allRuns  []iov.ExpRun
	payloads payload.List
}

var _ algorithm.Executor = &Executor{}

// New creates Executor.
//
// Each algorithm machine should have its own Executor.
func New(collector string, command ...string) *Executor {
	return &Executor{Command: slices.Clone(command), Collector: collector}
}

// Clone makes a new Executor with the same command.
func (e *Executor) Clone() *Executor {
	return &Executor{Command: slices.Clone(e.Command), Collector: e.Collector, Stderr: e.Stderr}
}

func (e *Executor) CollectorName() string {
	return e.Collector
}

func (e *Executor) SetInputFileNames(paths []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = slices.Clone(paths)
	e.allRuns = nil
}

func (e *Executor) PayloadValues() payload.List {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payloads.Clone()
}

func (e *Executor) RunListFromAllData() ([]iov.ExpRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runList(context.Background())
}

func (e *Executor) runList(ctx context.Context) ([]iov.ExpRun, error) {
	if e.allRuns != nil {
		return slices.Clone(e.allRuns), nil
	}

	dir, err := os.MkdirTemp("", "caf-algorithm-")
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer os.RemoveAll(dir)

	inputs, err := e.writeInputs(dir)
	if err != nil {
		return nil, err
	}
	stdout, err := e.run(ctx, "runs", "--inputs", inputs)
	if err != nil {
		return nil, err
	}

	pairs := [][2]int{}
	if err := json.Unmarshal(stdout, &pairs); err != nil {
		return nil, fmt.Errorf("%w: runs: %w", ErrProtocol, err)
	}
	runs := make([]iov.ExpRun, 0, len(pairs))
	for _, p := range pairs {
		runs = append(runs, iov.ExpRun{Exp: p[0], Run: p[1]})
	}
	runs = iov.RunsFromVector(runs)
	e.allRuns = runs
	return slices.Clone(runs), nil
}

func (e *Executor) Execute(ctx context.Context, runs []iov.ExpRun, iteration int) (algorithm.ResultCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = nil

	dir, err := os.MkdirTemp("", "caf-algorithm-")
	if err != nil {
		return algorithm.Failure, xe.Wrap(err)
	}
	defer os.RemoveAll(dir)

	output := filepath.Join(dir, "output")
	if err := os.MkdirAll(output, os.ModePerm); err != nil {
		return algorithm.Failure, xe.Wrap(err)
	}
	inputs, err := e.writeInputs(dir)
	if err != nil {
		return algorithm.Failure, err
	}

	args := []string{"execute", "--inputs", inputs, "--iteration", strconv.Itoa(iteration), "--output", output}
	if len(runs) != 0 {
		args = append(args, "--runs", FormatRuns(runs))
	}
	stdout, err := e.run(ctx, args...)
	if err != nil {
		return algorithm.Failure, err
	}

	resp := Response{}
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return algorithm.Failure, fmt.Errorf("%w: execute: %w", ErrProtocol, err)
	}

	span := runs
	if len(span) == 0 {
		if span, err = e.runList(ctx); err != nil {
			return algorithm.Failure, err
		}
	}

	payloads := payload.List{}
	for _, p := range resp.Payloads {
		if p.Name == "" || p.File == "" {
			return algorithm.Failure, fmt.Errorf("%w: payload without name or file", ErrProtocol)
		}
		path := p.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(output, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return algorithm.Failure, xe.WrapWithNote("payload "+p.Name, err)
		}
		var i iov.IoV
		if p.IoV != nil {
			i = *p.IoV
		} else if i, err = iov.FromRuns(span); err != nil {
			return algorithm.Failure, err
		}
		payloads = append(payloads, payload.Payload{Name: p.Name, Data: data, IoV: i})
	}
	e.payloads = payloads
	return resp.Result, nil
}

func (e *Executor) writeInputs(dir string) (string, error) {
	in := Inputs{InputFiles: slices.Clone(e.inputs), DatabaseChain: []conditions.Source{}}
	if in.InputFiles == nil {
		in.InputFiles = []string{}
	}
	if chain := e.Chain(); chain != nil {
		in.DatabaseChain = chain.Sources()
	}
	buf, err := json.Marshal(in)
	if err != nil {
		return "", xe.Wrap(err)
	}
	path := filepath.Join(dir, "inputs.json")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", xe.Wrap(err)
	}
	return path, nil
}

func (e *Executor) run(ctx context.Context, args ...string) ([]byte, error) {
	if len(e.Command) == 0 {
		return nil, xe.New("no algorithm command")
	}
	cmd := exec.CommandContext(ctx, e.Command[0], append(slices.Clone(e.Command[1:]), args...)...)
	stdout := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return nil, xe.WrapWithNote(strings.Join(append(slices.Clone(e.Command), args[0]), " "), err)
	}
	return stdout.Bytes(), nil
}

// FormatRuns formats runs as "e:r,e:r,...".
func FormatRuns(runs []iov.ExpRun) string {
	rs := make([]string, 0, len(runs))
	for _, r := range runs {
		rs = append(rs, fmt.Sprintf("%d:%d", r.Exp, r.Run))
	}
	return strings.Join(rs, ",")
}
