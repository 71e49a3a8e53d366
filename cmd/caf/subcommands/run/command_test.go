package run_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opst/caf/cmd/caf/builder"
	"github.com/opst/caf/cmd/caf/subcommands/internal/commandline"
	"github.com/opst/caf/cmd/caf/subcommands/run"
	ctxutil "github.com/opst/caf/internal/testutils/context"
	"github.com/opst/caf/internal/testutils/fakealgorithm"
	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/backend/local"
	"github.com/opst/caf/pkg/caf"
	"github.com/opst/caf/pkg/calibration"
	configs "github.com/opst/caf/pkg/configs/caf"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/status"
	"github.com/youta-t/flarc"
)

const configYaml = `
heartbeat: 10ms
status: { address: "127.0.0.1:0", logLevel: warn }
calibrations:
  - name: C1
    collector: { name: CaTest }
    inputFiles: ["data/*.root"]
    algorithms: [{ name: TestAlgo, command: [./algo] }]
`

type fixture struct {
	root   string
	config string
	exe    *fakealgorithm.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	config := filepath.Join(root, "caf.yaml")
	if err := os.WriteFile(config, []byte(configYaml), 0o644); err != nil {
		t.Fatal(err)
	}
	data := filepath.Join(root, "data")
	if err := os.MkdirAll(data, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(data, "a.root"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		root:   root,
		config: config,
		exe:    &fakealgorithm.Executor{Collector: "CaTest", Runs: fakealgorithm.Runs(1, 1, 2)},
	}
}

// build makes a CAF running a fake algorithm instead of the command in config.
func (f *fixture) build(script string) run.Build {
	return func(_ context.Context, conf *configs.Config, logger *log.Logger) (*builder.Built, error) {
		c := caf.New()
		c.OutputDir = filepath.Join(f.root, "results")
		c.Heartbeat = conf.Heartbeat()
		c.Backend = local.New(1, logger)
		c.Logger = logger

		cal := calibration.New(
			"C1", &calibration.Module{Name: "CaTest"},
			[]*algorithm.Algorithm{algorithm.New("TestAlgo", f.exe)},
			[]string{filepath.Join(f.root, "data", "*.root")},
		)
		cal.Driver = []string{"sh", "-c", script}
		if err := c.AddCalibration(cal); err != nil {
			return nil, err
		}
		return &builder.Built{CAF: c, Status: conf.Status()}, nil
	}
}

func TestTask(t *testing.T) {
	type when struct {
		flags  run.Flags
		script string
	}
	type then struct {
		err       error
		state     string
		requested *iov.IoV
		served    bool
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			f := newFixture(t)
			flags := when.flags
			if flags.Config == "-" {
				flags.Config = f.config
			}

			served := false
			serve := func(ctx context.Context, src status.Source, address string, loglevel string) error {
				served = true
				if address != "127.0.0.1:0" || loglevel != "warn" {
					t.Errorf("unexpected status config: (%s, %s)", address, loglevel)
				}
				<-ctx.Done()
				return nil
			}

			ctx, cancel := ctxutil.WithTest(context.Background(), t)
			defer cancel()

			stdout := new(bytes.Buffer)
			testee := run.Task(f.build(when.script), serve)
			err := testee(
				ctx, log.New(io.Discard, "", 0),
				commandline.MockCommandline[run.Flags]{
					Fullname_: "caf run",
					Stdout_:   stdout,
					Stderr_:   io.Discard,
					Flags_:    flags,
					Args_:     map[string][]string{},
				},
				[]any{},
			)

			if !errors.Is(err, then.err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if then.state == "" {
				return
			}
			if served != then.served {
				t.Errorf("served mismatch. (actual, expected) = (%v, %v)", served, then.served)
			}

			var report caf.Report
			if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
				t.Fatalf("report is not written: %v\n%s", err, stdout.String())
			}
			entry, ok := report.Get("C1")
			if !ok || string(entry.State) != then.state {
				t.Errorf("unexpected report: %+v", report)
			}

			if then.requested != nil {
				for _, e := range f.exe.Executions() {
					i, err := iov.FromRuns(e.Runs)
					if err != nil {
						t.Fatal(err)
					}
					if !then.requested.Contains(i.Low()) {
						t.Errorf("run out of requested is executed: %v", e.Runs)
					}
				}
			}
		}
	}

	t.Run("it runs calibrations and writes the report", theory(
		when{
			flags:  run.Flags{Config: "-", Progress: true},
			script: "touch CollectorOutput.root",
		},
		then{state: string(calibration.Completed), served: true},
	))

	{
		requested := iov.New(1, 2, 1, 2)
		t.Run("runs are limited in the requested iov", theory(
			when{
				flags:  run.Flags{Config: "-", IoV: "1,2,1,2"},
				script: "touch CollectorOutput.root",
			},
			then{state: string(calibration.Completed), requested: &requested, served: true},
		))
	}

	t.Run("a failed calibration is reported with error", theory(
		when{flags: run.Flags{Config: "-"}, script: "exit 1"},
		then{err: caf.ErrCalibrationFailed, state: string(calibration.Failed), served: true},
	))

	t.Run("broken iov is a usage error", theory(
		when{flags: run.Flags{Config: "-", IoV: "1,2"}},
		then{err: flarc.ErrUsage},
	))

	t.Run("config is required", theory(
		when{flags: run.Flags{}},
		then{err: flarc.ErrUsage},
	))

	t.Run("unreadable config is an error", theory(
		when{flags: run.Flags{Config: "/no/such/caf.yaml"}},
		then{err: os.ErrNotExist},
	))
}

func TestTask_watch(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := ctxutil.WithTest(context.Background(), t)
	defer cancel()

	go func() {
		time.Sleep(300 * time.Millisecond)
		if err := os.WriteFile(f.config, []byte(configYaml+"\n"), 0o644); err != nil {
			t.Error(err)
		}
	}()

	stdout := new(bytes.Buffer)
	testee := run.Task(f.build("sleep 2 && touch CollectorOutput.root"), status.Serve)
	err := testee(
		ctx, log.New(io.Discard, "", 0),
		commandline.MockCommandline[run.Flags]{
			Fullname_: "caf run",
			Stdout_:   stdout,
			Stderr_:   io.Discard,
			Flags_:    run.Flags{Config: f.config, Watch: true},
			Args_:     map[string][]string{},
		},
		[]any{},
	)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout.String(), `"C1"`) {
		t.Errorf("report is not written: %s", stdout.String())
	}
}
