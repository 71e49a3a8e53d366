package backend_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opst/caf/pkg/backend"
	"github.com/opst/caf/pkg/utils/cmp"
	"github.com/opst/caf/pkg/utils/try"
)

func newJob(t *testing.T, inputs []string, maxFiles int) *backend.Job {
	t.Helper()
	root := t.TempDir()
	j := backend.NewJob("Cal_Collector_Iteration_0")
	j.Cmd = []string{"true"}
	j.InputFiles = inputs
	j.MaxFilesPerSubJob = maxFiles
	j.WorkingDir = filepath.Join(root, "output")
	j.OutputDir = filepath.Join(root, "output")
	j.OutputPatterns = []string{"CollectorOutput.root"}
	return j
}

func TestJob_Split(t *testing.T) {
	type then struct {
		inputs [][]string
		dirs   []string
	}
	theory := func(inputs []string, maxFiles int, then then) func(*testing.T) {
		return func(t *testing.T) {
			j := newJob(t, inputs, maxFiles)
			j.Split()
			j.Split() // idempotent

			units := j.Units()
			actual := [][]string{}
			dirs := []string{}
			for _, u := range units {
				actual = append(actual, u.InputFiles)
				rel := try.To(filepath.Rel(j.OutputDir, u.OutputDir)).OrFatal(t)
				dirs = append(dirs, rel)
			}
			if !cmp.SliceEqWith(actual, then.inputs, cmp.SliceEq[string]) {
				t.Errorf("inputs mismatch. (actual, expected) = (%v, %v)", actual, then.inputs)
			}
			if !cmp.SliceEq(dirs, then.dirs) {
				t.Errorf("dirs mismatch. (actual, expected) = (%v, %v)", dirs, then.dirs)
			}
		}
	}

	t.Run("without max files, the job is one unit", theory(
		[]string{"a", "b", "c"}, -1,
		then{inputs: [][]string{{"a", "b", "c"}}, dirs: []string{"."}},
	))
	t.Run("input files are split into chunks", theory(
		[]string{"a", "b", "c"}, 2,
		then{inputs: [][]string{{"a", "b"}, {"c"}}, dirs: []string{"0", "1"}},
	))
	t.Run("a chunk can have every file", theory(
		[]string{"a", "b"}, 5,
		then{inputs: [][]string{{"a", "b"}}, dirs: []string{"0"}},
	))
}

func TestJob_Status(t *testing.T) {
	type when []backend.Status
	theory := func(when when, then backend.Status) func(*testing.T) {
		return func(t *testing.T) {
			inputs := []string{}
			for range when {
				inputs = append(inputs, "f")
			}
			j := newJob(t, inputs, 1)
			j.Split()
			for i, u := range j.Units() {
				j.SetStatus(u, when[i])
			}
			if actual := j.Status(); actual != then {
				t.Errorf("mismatch. (actual, expected) = (%s, %s)", actual, then)
			}
		}
	}

	t.Run("all completed", theory(when{backend.Completed, backend.Completed}, backend.Completed))
	t.Run("some failed after all exited", theory(when{backend.Completed, backend.Failed}, backend.Failed))
	t.Run("some failed and some running", theory(when{backend.Failed, backend.Running}, backend.Running))
	t.Run("some completed and some submitted", theory(when{backend.Completed, backend.Submitted}, backend.Running))
	t.Run("all submitted", theory(when{backend.Submitted, backend.Submitted}, backend.Submitted))
	t.Run("all init", theory(when{backend.Init, backend.Init}, backend.Init))

	t.Run("progress counts exited units", func(t *testing.T) {
		j := newJob(t, []string{"a", "b", "c"}, 1)
		j.Split()
		units := j.Units()
		j.SetStatus(units[0], backend.Completed)
		j.SetStatus(units[1], backend.Failed)
		j.SetStatus(units[2], backend.Running)
		if exited, total := j.Progress(); exited != 2 || total != 3 {
			t.Errorf("mismatch. (actual, expected) = (%d/%d, %d/%d)", exited, total, 2, 3)
		}
	})
}

func TestStartSubmission(t *testing.T) {
	t.Run("it prepares working directories", func(t *testing.T) {
		sandbox := filepath.Join(t.TempDir(), "collector_config.json")
		if err := os.WriteFile(sandbox, []byte(`{"database_chain":[]}`), 0o644); err != nil {
			t.Fatal(err)
		}
		j := newJob(t, []string{"/data/a.root", "/data/b.root", "/data/c.root"}, 2)
		j.InputSandboxFiles = []string{sandbox}

		units := try.To(backend.StartSubmission(j)).OrFatal(t)
		if len(units) != 2 {
			t.Fatalf("unexpected units: %v", units)
		}
		for _, u := range units {
			if s := j.StatusOf(u); s != backend.Submitted {
				t.Errorf("unexpected status of %s: %s", u, s)
			}
			b := try.To(os.ReadFile(filepath.Join(u.WorkingDir, backend.InputDataFile))).OrFatal(t)
			actual := []string{}
			if err := json.Unmarshal(b, &actual); err != nil {
				t.Fatal(err)
			}
			if !cmp.SliceEq(actual, u.InputFiles) {
				t.Errorf("mismatch. (actual, expected) = (%v, %v)", actual, u.InputFiles)
			}
			if _, err := os.Stat(filepath.Join(u.WorkingDir, "collector_config.json")); err != nil {
				t.Errorf("sandbox is not copied: %v", err)
			}
		}

		if _, err := backend.StartSubmission(j); !errors.Is(err, backend.ErrAlreadySubmitted) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestPostProcess(t *testing.T) {
	t.Run("outputs are copied from working dir into output dir", func(t *testing.T) {
		j := newJob(t, []string{"a"}, -1)
		j.WorkingDir = filepath.Join(filepath.Dir(j.OutputDir), "work")
		units := try.To(backend.StartSubmission(j)).OrFatal(t)
		if err := os.WriteFile(filepath.Join(units[0].WorkingDir, "CollectorOutput.root"), []byte("hist"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := backend.PostProcess(j); err != nil {
			t.Fatal(err)
		}
		outputs := try.To(j.OutputFiles()).OrFatal(t)
		expected := []string{filepath.Join(j.OutputDir, "CollectorOutput.root")}
		if !cmp.SliceEq(outputs, expected) {
			t.Errorf("mismatch. (actual, expected) = (%v, %v)", outputs, expected)
		}
		if err := j.CheckOutputs(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("a subjob without outputs causes ErrMissingOutput", func(t *testing.T) {
		j := newJob(t, []string{"a", "b"}, 1)
		units := try.To(backend.StartSubmission(j)).OrFatal(t)
		if err := os.WriteFile(filepath.Join(units[0].WorkingDir, "CollectorOutput.root"), []byte("hist"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := backend.PostProcess(j); !errors.Is(err, backend.ErrMissingOutput) {
			t.Errorf("unexpected error: %v", err)
		}
		if err := j.CheckOutputs(); !errors.Is(err, backend.ErrMissingOutput) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestDumpJSON(t *testing.T) {
	j := newJob(t, []string{"a", "b", "c"}, 2)
	j.BackendArgs["queue"] = "short"
	j.Split()
	for _, u := range j.Units() {
		j.SetStatus(u, backend.Completed)
	}
	path := filepath.Join(t.TempDir(), "input", "collector_job.json")
	if err := j.DumpJSON(path); err != nil {
		t.Fatal(err)
	}

	loaded := try.To(backend.LoadJob(path)).OrFatal(t)
	if loaded.Name != j.Name || loaded.OutputDir != j.OutputDir || loaded.BackendArgs["queue"] != "short" {
		t.Errorf("mismatch. (actual, expected) = (%+v, %+v)", loaded, j)
	}
	if loaded.Status() != backend.Completed {
		t.Errorf("unexpected status: %s", loaded.Status())
	}
	if len(loaded.Units()) != 2 {
		t.Errorf("unexpected subjobs: %v", loaded.Units())
	}

	t.Run("status of a job without subjobs is kept", func(t *testing.T) {
		j := newJob(t, []string{"a"}, -1)
		j.SetStatus(j.Units()[0], backend.Failed)
		path := filepath.Join(t.TempDir(), "collector_job.json")
		if err := j.DumpJSON(path); err != nil {
			t.Fatal(err)
		}
		loaded := try.To(backend.LoadJob(path)).OrFatal(t)
		if loaded.Status() != backend.Failed {
			t.Errorf("unexpected status: %s", loaded.Status())
		}
	})
}
