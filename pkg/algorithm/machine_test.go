package algorithm_test

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opst/caf/internal/testutils/fakealgorithm"
	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/conditions"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/machine"
	"github.com/opst/caf/pkg/utils/cmp"
	"github.com/opst/caf/pkg/utils/try"
)

func newMachine(t *testing.T, exe *fakealgorithm.Executor) (*algorithm.Machine, string) {
	t.Helper()
	root := t.TempDir()
	alg := algorithm.New("TestAlgo", exe)
	m := algorithm.NewMachine(alg, log.New(new(strings.Builder), "", 0))
	m.DatabaseChain = []conditions.Source{conditions.CentralSource(conditions.DefaultGlobalTag)}
	m.DependentDatabases = []conditions.Source{
		conditions.LocalDirSource(filepath.Join(root, "C1", "outputdb")),
		conditions.LocalDirSource(filepath.Join(root, "C2", "outputdb")),
	}
	m.PreviousDatabaseDir = filepath.Join(root, "C3", "0", "output", "outputdb")
	m.OutputDir = filepath.Join(root, "C3", "1", "output")
	m.OutputDatabaseDir = filepath.Join(root, "C3", "1", "output", "outputdb")
	m.InputFiles = []string{filepath.Join(root, "C3", "1", "output", "CollectorOutput.root")}
	t.Cleanup(func() { m.Close() })
	return m, root
}

func TestMachine_Setup(t *testing.T) {
	t.Run("it builds database chain in order", func(t *testing.T) {
		exe := &fakealgorithm.Executor{Collector: "CaTest"}
		m, root := newMachine(t, exe)

		if err := m.Setup(1); err != nil {
			t.Fatal(err)
		}
		if m.State() != algorithm.Ready {
			t.Errorf("unexpected state: %s", m.State())
		}

		staging := filepath.Join(root, "C3", "1", "output", "outputdb")
		expected := []conditions.Source{
			conditions.CentralSource("production"),
			conditions.LocalDirSource(filepath.Join(root, "C1", "outputdb")),
			conditions.LocalDirSource(filepath.Join(root, "C2", "outputdb")),
			conditions.LocalDirSource(filepath.Join(root, "C3", "0", "output", "outputdb")),
			conditions.LocalDirSource(staging),
		}
		if actual := m.Chain().Sources(); !cmp.SliceEq(actual, expected) {
			t.Errorf("mismatch.\n  actual: %v\nexpected: %v", actual, expected)
		}
		if exe.Chain() != m.Chain() {
			t.Error("chain is not given to executor")
		}
		if _, err := os.Stat(filepath.Join(staging, "database.txt")); err != nil {
			t.Errorf("staging database is not created: %v", err)
		}
		if !cmp.SliceEq(exe.InputFiles(), m.InputFiles) {
			t.Errorf("input files are not given: %v", exe.InputFiles())
		}
		if _, err := os.Stat(filepath.Join(root, "C3", "1", "output", "TestAlgo_stdout")); err != nil {
			t.Errorf("algorithm log is not created: %v", err)
		}
	})

	t.Run("the first iteration does not use previous database", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		if err := m.Setup(0); err != nil {
			t.Fatal(err)
		}
		if n := len(m.Chain().Sources()); n != 4 {
			t.Errorf("unexpected chain: %v", m.Chain().Sources())
		}
	})

	t.Run("setup twice gives the same chain", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{Runs: fakealgorithm.Runs(1, 1)})
		if err := m.Setup(1); err != nil {
			t.Fatal(err)
		}
		first := m.Chain().Sources()

		if err := m.ExecuteRuns(context.Background(), nil, 1, nil); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(); err != nil {
			t.Fatal(err)
		}
		if err := m.Setup(1); err != nil {
			t.Fatal(err)
		}
		if second := m.Chain().Sources(); !cmp.SliceEq(first, second) {
			t.Errorf("chain differs: %v, %v", first, second)
		}
	})

	t.Run("pre-algorithm is called with iteration", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		called := -1
		m.Algorithm.PreAlgorithm = func(_ algorithm.Executor, iteration int) error {
			called = iteration
			return nil
		}
		if err := m.Setup(3); err != nil {
			t.Fatal(err)
		}
		if called != 3 {
			t.Errorf("pre-algorithm is not called properly: %d", called)
		}
	})

	t.Run("failing pre-algorithm keeps machine in init", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		expectedErr := errors.New("fake")
		m.Algorithm.PreAlgorithm = func(algorithm.Executor, int) error { return expectedErr }
		if err := m.Setup(0); !errors.Is(err, expectedErr) {
			t.Errorf("unexpected error: %v", err)
		}
		if m.State() != algorithm.Init {
			t.Errorf("unexpected state: %s", m.State())
		}
	})
}

func TestMachine_ExecuteRuns(t *testing.T) {
	t.Run("result has iov of executed runs", func(t *testing.T) {
		exe := &fakealgorithm.Executor{
			Decide: fakealgorithm.ByRun(map[iov.ExpRun]algorithm.ResultCode{{Exp: 1, Run: 2}: algorithm.Iterate}),
		}
		m, _ := newMachine(t, exe)
		try.To(0, m.Setup(0)).OrFatal(t)

		runs := fakealgorithm.Runs(1, 2, 3)
		if err := m.ExecuteRuns(context.Background(), runs, 0, nil); err != nil {
			t.Fatal(err)
		}
		result := m.Result()
		if result.IoV != iov.New(1, 2, 1, 3) || result.Code != algorithm.Iterate {
			t.Errorf("unexpected result: %+v", result.IoVResult())
		}
		if len(result.Payloads) != 1 || result.Payloads[0].IoV != iov.New(1, 2, 1, 3) {
			t.Errorf("unexpected payloads: %+v", result.Payloads)
		}
	})

	t.Run("without runs, it executes over all data", func(t *testing.T) {
		exe := &fakealgorithm.Executor{Runs: fakealgorithm.Runs(1, 5, 1, 3)}
		m, _ := newMachine(t, exe)
		try.To(0, m.Setup(0)).OrFatal(t)

		if err := m.ExecuteRuns(context.Background(), nil, 0, nil); err != nil {
			t.Fatal(err)
		}
		if m.Result().IoV != iov.New(1, 1, 1, 5) {
			t.Errorf("unexpected iov: %s", m.Result().IoV)
		}
		executions := exe.Executions()
		if len(executions) != 1 || len(executions[0].Runs) != 0 {
			t.Errorf("unexpected executions: %+v", executions)
		}
	})

	t.Run("applyIoV overwrites payload iov", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		try.To(0, m.Setup(0)).OrFatal(t)

		applied := iov.New(1, 0, 1, -1)
		if err := m.ExecuteRuns(context.Background(), fakealgorithm.Runs(1, 4), 0, &applied); err != nil {
			t.Fatal(err)
		}
		if p := m.Result().Payloads; p[0].IoV != applied {
			t.Errorf("unexpected payload iov: %s", p[0].IoV)
		}
		if m.Result().IoV != iov.New(1, 4, 1, 4) {
			t.Errorf("result iov should be of executed runs: %s", m.Result().IoV)
		}
	})

	t.Run("execute is possible only after setup", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		err := m.ExecuteRuns(context.Background(), fakealgorithm.Runs(1, 1), 0, nil)
		if !errors.Is(err, machine.ErrNoTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("committed payloads go to the staging database", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{})
		try.To(0, m.Setup(0)).OrFatal(t)
		try.To(0, m.ExecuteRuns(context.Background(), fakealgorithm.Runs(1, 1), 0, nil)).OrFatal(t)
		try.To(0, m.Complete()).OrFatal(t)

		if err := m.Commit(m.Result().Payloads); err != nil {
			t.Fatal(err)
		}
		p := try.To(m.Chain().Writable().Get("FakePayload", iov.ExpRun{Exp: 1, Run: 1})).OrFatal(t)
		if string(p.Data) != fakealgorithm.Describe(fakealgorithm.Runs(1, 1), 0) {
			t.Errorf("unexpected payload: %s", p.Data)
		}
	})

	t.Run("failure discards payloads", func(t *testing.T) {
		m, _ := newMachine(t, &fakealgorithm.Executor{
			Decide: func([]iov.ExpRun, int) algorithm.ResultCode { return algorithm.Failure },
		})
		try.To(0, m.Setup(0)).OrFatal(t)
		try.To(0, m.ExecuteRuns(context.Background(), fakealgorithm.Runs(1, 1), 0, nil)).OrFatal(t)
		try.To(0, m.Fail()).OrFatal(t)

		if m.State() != algorithm.Failed || m.Result().Payloads != nil {
			t.Errorf("unexpected: state = %s, payloads = %v", m.State(), m.Result().Payloads)
		}
	})
}

func TestMachine_IsValid(t *testing.T) {
	m := algorithm.NewMachine(algorithm.New("", &fakealgorithm.Executor{}), nil)
	if err := m.IsValid(); !errors.Is(err, algorithm.ErrInvalidMachine) {
		t.Errorf("unexpected error: %v", err)
	}
	if m.Algorithm.Name != "Executor" {
		t.Errorf("default name is not the type name: %s", m.Algorithm.Name)
	}
}

func TestResultCode(t *testing.T) {
	for code, name := range map[algorithm.ResultCode]string{
		algorithm.OK:            "ok",
		algorithm.Iterate:       "iterate",
		algorithm.NotEnoughData: "not_enough_data",
		algorithm.Failure:       "failure",
		algorithm.Undefined:     "undefined",
	} {
		if code.String() != name {
			t.Errorf("mismatch. (actual, expected) = (%s, %s)", code.String(), name)
		}
		parsed := try.To(algorithm.ParseResultCode(name)).OrFatal(t)
		if parsed != code {
			t.Errorf("mismatch. (actual, expected) = (%s, %s)", parsed, code)
		}
	}
	if !algorithm.Iterate.Succeeded() || algorithm.NotEnoughData.Succeeded() {
		t.Error("Succeeded is wrong")
	}
}
