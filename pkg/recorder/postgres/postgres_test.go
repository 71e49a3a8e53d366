package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/caf/pkg/recorder"
	"github.com/opst/caf/pkg/recorder/postgres"
	"github.com/opst/caf/pkg/utils/try"
)

// connect to the database given by CAF_TEST_POSTGRES, or skip.
func connect(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	conn := os.Getenv("CAF_TEST_POSTGRES")
	if conn == "" {
		t.Skip("CAF_TEST_POSTGRES is not set")
	}
	pool := try.To(pgxpool.Connect(ctx, conn)).OrFatal(t)
	t.Cleanup(pool.Close)
	return pool
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	pool := connect(ctx, t)

	testee := postgres.New(pool)
	if err := testee.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	// twice is fine.
	if err := testee.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	runID := uuid.New()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `delete from "caf_transitions" where "run_id" = $1`, runID.String())
	})

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []recorder.Record{
		{RunID: runID, Calibration: "C1", Trigger: "submit_collector", Source: "init", Dest: "running_collector", RecordedAt: at},
		{RunID: runID, Calibration: "C1", Trigger: "complete", Source: "running_collector", Dest: "collector_completed", RecordedAt: at.Add(time.Second)},
	}
	for _, r := range records {
		if err := testee.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	if err := testee.Append(ctx, records[0]); !errors.Is(err, recorder.ErrConflict) {
		t.Errorf("unexpected error: %v", err)
	}

	history := try.To(testee.History(ctx, runID)).OrFatal(t)
	if len(history) != len(records) {
		t.Fatalf("mismatch. (actual, expected) = (%v, %v)", history, records)
	}
	for i := range records {
		a, e := history[i], records[i]
		if a.RunID != e.RunID || a.Calibration != e.Calibration || a.Trigger != e.Trigger ||
			a.Source != e.Source || a.Dest != e.Dest || !a.RecordedAt.Equal(e.RecordedAt) {
			t.Errorf("record #%d mismatch. (actual, expected) = (%+v, %+v)", i, a, e)
		}
	}

	if others := try.To(testee.History(ctx, uuid.New())).OrFatal(t); len(others) != 0 {
		t.Errorf("records of another run: %v", others)
	}
}

func TestStore_AsRecorderStore(t *testing.T) {
	ctx := context.Background()
	pool := connect(ctx, t)
	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	rec := recorder.New(store, nil)
	t.Cleanup(func() {
		pool.Exec(context.Background(), `delete from "caf_transitions" where "run_id" = $1`, rec.RunID.String())
	})
	r := recorder.Record{RunID: rec.RunID, Calibration: "C1", Trigger: "finish", Source: "algorithms_completed", Dest: "completed", RecordedAt: time.Now()}
	if err := store.Append(ctx, r); err != nil {
		t.Fatal(err)
	}
	history := try.To(rec.History(ctx)).OrFatal(t)
	if len(history) != 1 || history[0].Dest != "completed" {
		t.Errorf("unexpected history: %+v", history)
	}
}
