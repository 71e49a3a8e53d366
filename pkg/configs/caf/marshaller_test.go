package caf_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opst/caf/pkg/configs/caf"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/utils/cmp"
	"github.com/opst/caf/pkg/utils/try"
)

const fullYaml = `
outputDir: results
heartbeat: 2s
continueOnFailure: true
defaults: { maxIterations: 3, globalTag: online }
backend:
  kubernetes:
    namespace: caf
    image: "repo/basf2:release"
    claimName: caf-results
    mountPath: /work
    serviceAccount: caf
status: { address: ":9090", logLevel: debug }
recorder: { postgres: "postgres://user:pass@db/caf" }
hooks:
  before: [http://example.com/before]
  after: [http://example.com/after1, http://example.com/after2]
  signingKey: secret
calibrations:
  - name: C0
    collector: { name: CaTest }
    inputFiles: ["data/*.root"]
    algorithms:
      - name: Algo0
        command: [algo]
  - name: C1
    collector: { name: CaTest, params: { threshold: 10 } }
    preCollector: [{ name: Skim }]
    driver: [basf2, run.py]
    steeringFile: /path/run.py
    inputFiles: ["data/a.root", "data/b.root"]
    filesToIoVs: { "data/a.root": "1,1,1,10" }
    dependsOn: [C0]
    maxIterations: 2
    maxFilesPerCollectorJob: 2
    outputPatterns: [CollectorOutput.root, extra.root]
    backendArgs: { queue: short }
    database: { globalTag: production, local: [{ file: db/database.txt, dir: db }] }
    ignoredRuns: ["1,4"]
    algorithms:
      - name: TestAlgo
        collector: CaOther
        command: [python3, algo.py]
        strategy: SequentialRunByRun
        params: { stepSize: 1, iovCoverage: "1,1,1,-1", applyIoV: "1,0,1,-1", extra: { k: v } }
`

func TestUnmarshal(t *testing.T) {
	t.Run("it loads a full config", func(t *testing.T) {
		result := try.To(caf.Unmarshal([]byte(fullYaml))).OrFatal(t)

		if result.OutputDir() != "results" || result.Heartbeat() != 2*time.Second || !result.ContinueOnFailure() {
			t.Errorf("unexpected root: %s %s %v", result.OutputDir(), result.Heartbeat(), result.ContinueOnFailure())
		}
		if d := result.Defaults(); d.MaxIterations() != 3 || d.GlobalTag() != "online" {
			t.Errorf("unexpected defaults: %d %s", d.MaxIterations(), d.GlobalTag())
		}

		t.Run(".backend", func(t *testing.T) {
			if result.Backend().Local() != nil {
				t.Error("local backend is set")
			}
			k := result.Backend().Kubernetes()
			actual := []string{k.Namespace(), k.Image(), k.ClaimName(), k.MountPath(), k.ServiceAccount(), k.Kubeconfig()}
			expected := []string{"caf", "repo/basf2:release", "caf-results", "/work", "caf", ""}
			if !cmp.SliceEq(actual, expected) {
				t.Errorf("mismatch. (actual, expected) = (%v, %v)", actual, expected)
			}
		})

		t.Run(".status, .recorder and .hooks", func(t *testing.T) {
			if s := result.Status(); s.Address() != ":9090" || s.LogLevel() != "debug" {
				t.Errorf("unexpected status: %s %s", s.Address(), s.LogLevel())
			}
			if r := result.Recorder(); r.Postgres() != "postgres://user:pass@db/caf" {
				t.Errorf("unexpected recorder: %s", r.Postgres())
			}
			h := result.Hooks()
			if !cmp.SliceEq(h.Before(), []string{"http://example.com/before"}) ||
				!cmp.SliceEq(h.After(), []string{"http://example.com/after1", "http://example.com/after2"}) ||
				h.SigningKey() != "secret" {
				t.Errorf("unexpected hooks: %v %v %s", h.Before(), h.After(), h.SigningKey())
			}
		})

		cals := result.Calibrations()
		if len(cals) != 2 {
			t.Fatalf("unexpected calibrations: %d", len(cals))
		}

		t.Run(".calibrations[0] has defaults", func(t *testing.T) {
			c := cals[0]
			if c.MaxIterations() != 0 || c.MaxFilesPerCollectorJob() != -1 || c.Database() != nil {
				t.Errorf("unexpected defaults: %d %d %v", c.MaxIterations(), c.MaxFilesPerCollectorJob(), c.Database())
			}
			if len(c.Driver()) != 0 || len(c.OutputPatterns()) != 0 || len(c.DependsOn()) != 0 {
				t.Errorf("unexpected defaults: %v %v %v", c.Driver(), c.OutputPatterns(), c.DependsOn())
			}
			a := c.Algorithms()[0]
			if a.Collector() != "CaTest" || a.Strategy() != "" {
				t.Errorf("unexpected algorithm: %s %s", a.Collector(), a.Strategy())
			}
			if p := a.Params(); p.IoVCoverage != nil || p.ApplyIoV != nil || p.StepSize != 0 {
				t.Errorf("unexpected params: %+v", p)
			}
		})

		t.Run(".calibrations[1]", func(t *testing.T) {
			c := cals[1]
			if c.Name() != "C1" || c.Collector().Name() != "CaTest" || c.Collector().Params()["threshold"] != 10 {
				t.Errorf("unexpected collector: %s %v", c.Collector().Name(), c.Collector().Params())
			}
			if pre := c.PreCollector(); len(pre) != 1 || pre[0].Name() != "Skim" {
				t.Errorf("unexpected pre-collector: %v", pre)
			}
			if !cmp.SliceEq(c.Driver(), []string{"basf2", "run.py"}) || c.SteeringFile() != "/path/run.py" {
				t.Errorf("unexpected driver: %v %s", c.Driver(), c.SteeringFile())
			}
			if !cmp.MapEq(c.FilesToIoVs(), map[string]iov.IoV{"data/a.root": iov.New(1, 1, 1, 10)}) {
				t.Errorf("unexpected filesToIoVs: %v", c.FilesToIoVs())
			}
			if !cmp.SliceEq(c.DependsOn(), []string{"C0"}) || c.MaxIterations() != 2 || c.MaxFilesPerCollectorJob() != 2 {
				t.Errorf("unexpected: %v %d %d", c.DependsOn(), c.MaxIterations(), c.MaxFilesPerCollectorJob())
			}
			if !cmp.MapEq(c.BackendArgs(), map[string]string{"queue": "short"}) {
				t.Errorf("unexpected backendArgs: %v", c.BackendArgs())
			}
			db := c.Database()
			if db.GlobalTag() != "production" || len(db.Local()) != 1 || db.Local()[0].File() != "db/database.txt" || db.Local()[0].Dir() != "db" {
				t.Errorf("unexpected database: %+v", db)
			}
			if !cmp.SliceEq(c.IgnoredRuns(), []iov.ExpRun{{Exp: 1, Run: 4}}) {
				t.Errorf("unexpected ignoredRuns: %v", c.IgnoredRuns())
			}

			a := c.Algorithms()[0]
			if a.Name() != "TestAlgo" || a.Collector() != "CaOther" || a.Strategy() != "SequentialRunByRun" {
				t.Errorf("unexpected algorithm: %s %s %s", a.Name(), a.Collector(), a.Strategy())
			}
			if !cmp.SliceEq(a.Command(), []string{"python3", "algo.py"}) {
				t.Errorf("unexpected command: %v", a.Command())
			}
			p := a.Params()
			if p.StepSize != 1 || *p.IoVCoverage != iov.New(1, 1, 1, -1) || *p.ApplyIoV != iov.New(1, 0, 1, -1) || p.Extra["k"] != "v" {
				t.Errorf("unexpected params: %+v", p)
			}
		})
	})

	t.Run("it applies defaults", func(t *testing.T) {
		result := try.To(caf.Unmarshal([]byte(`
calibrations:
  - name: C1
    collector: { name: CaTest }
    inputFiles: [a.root]
    algorithms: [{ name: A, command: [a] }]
`))).OrFatal(t)

		if result.OutputDir() != caf.DefaultOutputDir || result.Heartbeat() != caf.DefaultHeartbeat || result.ContinueOnFailure() {
			t.Errorf("unexpected root: %s %s %v", result.OutputDir(), result.Heartbeat(), result.ContinueOnFailure())
		}
		if d := result.Defaults(); d.MaxIterations() != caf.DefaultMaxIterations || d.GlobalTag() != caf.DefaultGlobalTag {
			t.Errorf("unexpected defaults: %d %s", d.MaxIterations(), d.GlobalTag())
		}
		if l := result.Backend().Local(); l == nil || l.MaxProcesses() != caf.DefaultMaxProcesses {
			t.Errorf("unexpected backend: %+v", result.Backend())
		}
		if result.Status() != nil || result.Recorder() != nil || result.Hooks() != nil {
			t.Error("optional sections are set")
		}
	})

	type then struct {
		message string
	}
	theory := func(when string, then then) func(*testing.T) {
		return func(t *testing.T) {
			_, err := caf.Unmarshal([]byte(when))
			if !errors.Is(err, caf.ErrInvalidConfig) {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(err.Error(), then.message) {
				t.Errorf("%q is not in error: %v", then.message, err)
			}
		}
	}

	t.Run("no calibrations", theory(`outputDir: x`, then{message: "(root).calibrations is required"}))
	t.Run("empty", theory(``, then{message: "empty"}))
	t.Run("no collector", theory(`
calibrations:
  - name: C1
    inputFiles: [a.root]
    algorithms: [{ name: A, command: [a] }]
`, then{message: "(root).calibrations[0].collector is required"}))
	t.Run("no command", theory(`
calibrations:
  - name: C1
    collector: { name: CaTest }
    inputFiles: [a.root]
    algorithms: [{ name: A }]
`, then{message: "(root).calibrations[0].algorithms[0].command is required"}))
	t.Run("duplicated names", theory(`
calibrations:
  - { name: C1, collector: { name: CaTest }, inputFiles: [a.root], algorithms: [{ name: A, command: [a] }] }
  - { name: C1, collector: { name: CaTest }, inputFiles: [a.root], algorithms: [{ name: A, command: [a] }] }
`, then{message: "duplicated"}))
	t.Run("bad iov", theory(`
calibrations:
  - name: C1
    collector: { name: CaTest }
    inputFiles: [a.root]
    filesToIoVs: { a.root: "1,1" }
    algorithms: [{ name: A, command: [a] }]
`, then{message: "filesToIoVs[a.root]"}))
	t.Run("bad heartbeat", theory(`
heartbeat: often
calibrations:
  - { name: C1, collector: { name: CaTest }, inputFiles: [a.root], algorithms: [{ name: A, command: [a] }] }
`, then{message: "(root).heartbeat"}))
	t.Run("two backends", theory(`
backend: { local: { maxProcesses: 2 }, kubernetes: { namespace: caf } }
calibrations:
  - { name: C1, collector: { name: CaTest }, inputFiles: [a.root], algorithms: [{ name: A, command: [a] }] }
`, then{message: "only one of local or kubernetes"}))
	t.Run("zero files per job", theory(`
calibrations:
  - { name: C1, collector: { name: CaTest }, inputFiles: [a.root], maxFilesPerCollectorJob: 0, algorithms: [{ name: A, command: [a] }] }
`, then{message: "maxFilesPerCollectorJob"}))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caf.yaml")
	if err := os.WriteFile(path, []byte(fullYaml), 0o644); err != nil {
		t.Fatal(err)
	}
	result := try.To(caf.Load(path)).OrFatal(t)
	if len(result.Calibrations()) != 2 {
		t.Errorf("unexpected calibrations: %d", len(result.Calibrations()))
	}

	if _, err := caf.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("unexpected error: %v", err)
	}
}
