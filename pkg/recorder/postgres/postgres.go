// Package postgres is a recorder.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/recorder"
)

// Queryer sends SQL.
//
// This is a subset of `*pgxpool.Pool`, `*pgxpool.Conn` and `pgx.Tx`.
type Queryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const schema = `
create table if not exists "caf_transitions" (
	"id" bigserial primary key,
	"run_id" uuid not null,
	"calibration" varchar not null,
	"iteration" integer not null,
	"trigger" varchar not null,
	"source" varchar not null,
	"dest" varchar not null,
	"recorded_at" timestamp with time zone not null,
	unique ("run_id", "calibration", "iteration", "trigger", "dest")
)
`

// Store records transitions into the table "caf_transitions".
type Store struct {
	q Queryer
}

var _ recorder.Store = &Store{}

// New creates Store on the queryer.
//
// The table is not created. Call Migrate for that.
func New(q Queryer) *Store {
	return &Store{q: q}
}

// Connect to the database, and create the table if it does not exist.
//
// # Returns
//
// - *Store
//
// - func(): closes the connection pool.
//
// - error
func Connect(ctx context.Context, connString string) (*Store, func(), error) {
	pool, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		return nil, nil, xe.WrapWithNote("connecting recorder database", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schema); err != nil {
		return xe.WrapWithNote("creating table caf_transitions", err)
	}
	return nil
}

// Append inserts a record.
//
// A duplicated record causes recorder.ErrConflict.
func (s *Store) Append(ctx context.Context, r recorder.Record) error {
	_, err := s.q.Exec(
		ctx,
		`
		insert into "caf_transitions"
			("run_id", "calibration", "iteration", "trigger", "source", "dest", "recorded_at")
		values ($1, $2, $3, $4, $5, $6, $7)
		`,
		r.RunID.String(), r.Calibration, r.Iteration, r.Trigger, r.Source, r.Dest, r.RecordedAt,
	)
	if err == nil {
		return nil
	}
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", recorder.ErrConflict, r.Key())
	}
	return xe.Wrap(err)
}

// History reads records of the run, in the order of insertion.
func (s *Store) History(ctx context.Context, runID uuid.UUID) ([]recorder.Record, error) {
	rows, err := s.q.Query(
		ctx,
		`
		select "run_id", "calibration", "iteration", "trigger", "source", "dest", "recorded_at"
		from "caf_transitions"
		where "run_id" = $1
		order by "id"
		`,
		runID.String(),
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	ret := []recorder.Record{}
	for rows.Next() {
		var id pgtype.UUID
		var at time.Time
		r := recorder.Record{}
		if err := rows.Scan(&id, &r.Calibration, &r.Iteration, &r.Trigger, &r.Source, &r.Dest, &at); err != nil {
			return nil, xe.Wrap(err)
		}
		r.RunID = uuid.UUID(id.Bytes)
		r.RecordedAt = at
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return ret, nil
}
