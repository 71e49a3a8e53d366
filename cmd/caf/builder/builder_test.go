package builder_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/opst/caf/cmd/caf/builder"
	"github.com/opst/caf/pkg/algorithm/command"
	"github.com/opst/caf/pkg/backend/kubernetes"
	"github.com/opst/caf/pkg/backend/local"
	"github.com/opst/caf/pkg/calibration"
	configs "github.com/opst/caf/pkg/configs/caf"
	"github.com/opst/caf/pkg/conditions"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/recorder"
	"github.com/opst/caf/pkg/strategy"
	"github.com/opst/caf/pkg/strategy/efficiency"
	"github.com/opst/caf/pkg/utils/cmp"
	"github.com/opst/caf/pkg/utils/try"
	"github.com/opst/caf/pkg/workloads/k8s"
	"github.com/opst/caf/pkg/workloads/k8s/mock"
)

const config = `
outputDir: out
heartbeat: 1s
continueOnFailure: true
defaults: { maxIterations: 3, globalTag: online }
calibrations:
  - name: C2
    collector: { name: CaTest, params: { granularity: all } }
    preCollector: [{ name: Gearbox }]
    driver: [sh, collect.sh]
    inputFiles: ["data/*.root"]
    filesToIoVs: { "data/a.root": "1,1,1,10" }
    dependsOn: [C1, Missing]
    maxFilesPerCollectorJob: 2
    backendArgs: { queue: short }
    database: { globalTag: staging, local: [{ file: db/database.txt, dir: db }] }
    ignoredRuns: ["1,4"]
    algorithms:
      - name: TestAlgo
        command: [python3, algo.py]
        strategy: SequentialRunByRun
        params: { stepSize: 2 }
  - name: C1
    collector: { name: CaTest }
    inputFiles: ["data/*.root"]
    algorithms:
      - { name: First, command: [./first] }
`

func null() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBuilder_CAF(t *testing.T) {
	conf := try.To(configs.Unmarshal([]byte(config))).OrFatal(t)
	testee := builder.New(null())

	c := try.To(testee.CAF(conf)).OrFatal(t)

	if c.OutputDir != "out" || !c.ContinueOnFailure || c.MaxIterations != 3 || c.GlobalTag != "online" {
		t.Errorf("mismatch: %+v", c)
	}
	if _, err := c.Strategies.Get(efficiency.Name); err != nil {
		t.Errorf("strip efficiency is not registered: %v", err)
	}

	cals := c.Calibrations()
	if len(cals) != 2 {
		t.Fatalf("unexpected calibrations: %v", cals)
	}
	c2, c1 := cals[0], cals[1]

	if !cmp.SliceEq(c2.Dependencies, []string{"C1", "Missing"}) {
		t.Errorf("dependencies mismatch. (actual, expected) = (%v, %v)", c2.Dependencies, []string{"C1", "Missing"})
	}
	if !cmp.SliceEq(c1.FutureDependencies, []string{"C2"}) {
		t.Errorf("future dependencies mismatch. (actual, expected) = (%v, %v)", c1.FutureDependencies, []string{"C2"})
	}
	if c2.Collector.Granularity() != strategy.GranularityAll {
		t.Errorf("unexpected granularity: %s", c2.Collector.Granularity())
	}
	if len(c2.PreCollectorPath) != 1 || c2.PreCollectorPath[0].Name != "Gearbox" {
		t.Errorf("unexpected pre collector path: %v", c2.PreCollectorPath)
	}
	if !cmp.SliceEq(c2.Driver, []string{"sh", "collect.sh"}) {
		t.Errorf("unexpected driver: %v", c2.Driver)
	}
	if !cmp.SliceEq(c1.Driver, calibration.DefaultDriver) {
		t.Errorf("unexpected driver: %v", c1.Driver)
	}
	if c2.MaxFilesPerCollectorJob != 2 || c1.MaxFilesPerCollectorJob != -1 {
		t.Errorf("unexpected max files: (%d, %d)", c2.MaxFilesPerCollectorJob, c1.MaxFilesPerCollectorJob)
	}
	if c2.BackendArgs["queue"] != "short" {
		t.Errorf("unexpected backend args: %v", c2.BackendArgs)
	}
	if !cmp.SliceEq(c2.IgnoredRuns, []iov.ExpRun{{Exp: 1, Run: 4}}) {
		t.Errorf("unexpected ignored runs: %v", c2.IgnoredRuns)
	}
	if c2.FilesToIoVs["data/a.root"] != iov.New(1, 1, 1, 10) {
		t.Errorf("unexpected files to iovs: %v", c2.FilesToIoVs)
	}

	expectedChain := []conditions.Source{
		conditions.CentralSource("staging"),
		conditions.LocalSource("db/database.txt", "db"),
	}
	if !cmp.SliceEq(c2.DatabaseChain, expectedChain) {
		t.Errorf("chain mismatch. (actual, expected) = (%v, %v)", c2.DatabaseChain, expectedChain)
	}

	algo := c2.Algorithms[0]
	if algo.Name != "TestAlgo" || algo.Strategy != strategy.SequentialRunByRunName || algo.Params.StepSize != 2 {
		t.Errorf("unexpected algorithm: %+v", algo)
	}
	exe, ok := algo.Executor.(*command.Executor)
	if !ok {
		t.Fatalf("unexpected executor: %T", algo.Executor)
	}
	if exe.CollectorName() != "CaTest" || !cmp.SliceEq(exe.Command, []string{"python3", "algo.py"}) {
		t.Errorf("unexpected executor: %+v", exe)
	}
	if n := c1.Algorithms[0].Executor.CollectorName(); n != "CaTest" {
		t.Errorf("unexpected collector: %s", n)
	}
}

func TestBuilder_CAF_invalid(t *testing.T) {
	conf := try.To(configs.Unmarshal([]byte(`
calibrations:
  - name: C1
    collector: { name: CaTest }
    inputFiles: ["data/*.root"]
    algorithms:
      - { name: First, collector: Other, command: [./first] }
`))).OrFatal(t)

	if _, err := builder.New(null()).CAF(conf); !errors.Is(err, calibration.ErrInvalidCalibration) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuilder_Build(t *testing.T) {
	t.Run("local backend is used by default, without observers", func(t *testing.T) {
		conf := try.To(configs.Unmarshal([]byte(config))).OrFatal(t)
		built := try.To(builder.New(null()).Build(context.Background(), conf)).OrFatal(t)
		defer built.Close()

		if l, ok := built.CAF.Backend.(*local.Local); !ok || l.MaxProcesses() != configs.DefaultMaxProcesses {
			t.Errorf("unexpected backend: %#v", built.CAF.Backend)
		}
		if built.CAF.Observer != nil || built.Recorder != nil || built.Status != nil {
			t.Errorf("unexpected observers: %+v", built)
		}
	})

	t.Run("kubernetes backend, recorder and hooks are built from config", func(t *testing.T) {
		conf := try.To(configs.Unmarshal([]byte(config + `
backend:
  kubernetes: { namespace: caf, image: "repo/basf2:release", claimName: results, mountPath: /work }
status: { address: ":9090" }
recorder: { postgres: "postgres://db.invalid/caf" }
hooks: { after: ["http://hook.invalid/after"], signingKey: secret }
`))).OrFatal(t)

		closed := false
		testee := builder.New(null())
		testee.Cluster = func(kc *configs.KubernetesBackendConfig) (k8s.Cluster, error) {
			if kc.Namespace() != "caf" {
				t.Errorf("unexpected namespace: %s", kc.Namespace())
			}
			cluster, _ := mock.NewCluster()
			return cluster, nil
		}
		testee.Store = func(_ context.Context, conn string) (recorder.Store, func(), error) {
			if conn != "postgres://db.invalid/caf" {
				t.Errorf("unexpected connection: %s", conn)
			}
			return recorder.NewMemory(), func() { closed = true }, nil
		}

		built := try.To(testee.Build(context.Background(), conf)).OrFatal(t)
		if _, ok := built.CAF.Backend.(*kubernetes.Kubernetes); !ok {
			t.Errorf("unexpected backend: %#v", built.CAF.Backend)
		}
		if built.Recorder == nil {
			t.Error("recorder is not built")
		}
		if obs, ok := built.CAF.Observer.(calibration.Observers); !ok || len(obs) != 2 {
			t.Errorf("unexpected observers: %#v", built.CAF.Observer)
		}
		if built.Status == nil || built.Status.Address() != ":9090" {
			t.Errorf("unexpected status: %+v", built.Status)
		}

		built.Close()
		if !closed {
			t.Error("store is not closed")
		}
	})

	t.Run("errors on connecting the recorder are returned", func(t *testing.T) {
		conf := try.To(configs.Unmarshal([]byte(config + `
recorder: { postgres: "postgres://db.invalid/caf" }
`))).OrFatal(t)
		expected := errors.New("fake error")
		testee := builder.New(null())
		testee.Store = func(context.Context, string) (recorder.Store, func(), error) {
			return nil, nil, expected
		}
		if _, err := testee.Build(context.Background(), conf); !errors.Is(err, expected) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestWebhook(t *testing.T) {
	type when struct {
		before []string
		after  []string
		key    string
	}
	type then struct {
		err    error
		signed bool
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			yaml := "calibrations: [{ name: C, collector: { name: M }, inputFiles: [a], algorithms: [{ name: A, command: [a] }] }]\nhooks:\n"
			for _, u := range when.before {
				yaml += "  before: [\"" + u + "\"]\n"
			}
			for _, u := range when.after {
				yaml += "  after: [\"" + u + "\"]\n"
			}
			if when.key != "" {
				yaml += "  signingKey: " + when.key + "\n"
			}
			conf := try.To(configs.Unmarshal([]byte(yaml))).OrFatal(t)

			actual, err := builder.Webhook(conf.Hooks())
			if !errors.Is(err, then.err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				return
			}
			if len(actual.BeforeURL) != len(when.before) || len(actual.AfterURL) != len(when.after) {
				t.Errorf("urls mismatch: %+v", actual)
			}
			if (actual.Sign != nil) != then.signed {
				t.Errorf("signed mismatch. (actual, expected) = (%v, %v)", actual.Sign != nil, then.signed)
			}
		}
	}

	t.Run("http urls are accepted", theory(
		when{before: []string{"http://hook.invalid/before"}, after: []string{"https://hook.invalid/after"}},
		then{},
	))
	t.Run("signing key signs requests", theory(
		when{after: []string{"https://hook.invalid/after"}, key: "secret"},
		then{signed: true},
	))
	t.Run("non http url is rejected", theory(
		when{before: []string{"ftp://hook.invalid/before"}},
		then{err: builder.ErrInvalidHook},
	))
}
