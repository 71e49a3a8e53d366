// Package recorder keeps a durable log of transitions of calibrations.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opst/caf/pkg/calibration"
)

// ErrConflict is returned by a Store when the same record is appended twice.
var ErrConflict = errors.New("record conflicts")

// Record is a row of the transition log.
type Record struct {
	RunID       uuid.UUID
	Calibration string
	Iteration   int
	Trigger     string
	Source      string
	Dest        string
	RecordedAt  time.Time
}

// Key of a record.
//
// Records with the same key are duplicated.
func (r Record) Key() string {
	return fmt.Sprintf("%s/%s/%d/%s/%s", r.RunID, r.Calibration, r.Iteration, r.Trigger, r.Dest)
}

// Store persists records.
type Store interface {
	// Append a record.
	//
	// It returns ErrConflict when a record with the same key exists.
	Append(context.Context, Record) error

	// History of the run, in the order of recording.
	History(ctx context.Context, runID uuid.UUID) ([]Record, error)
}

// Recorder records transitions of a CAF run into a Store.
//
// It is a calibration.Observer.
type Recorder struct {
	RunID  uuid.UUID
	store  Store
	logger *log.Logger
	now    func() time.Time
}

var _ calibration.Observer = &Recorder{}

// New creates a recorder with a new run id.
func New(store Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{RunID: uuid.New(), store: store, logger: logger, now: time.Now}
}

func (r *Recorder) Before(context.Context, calibration.Transition) {}

// After appends the transition. Failures are logged.
func (r *Recorder) After(ctx context.Context, t calibration.Transition) {
	at := t.At
	if at.IsZero() {
		at = r.now()
	}
	rec := Record{
		RunID:       r.RunID,
		Calibration: t.Calibration,
		Iteration:   t.Iteration,
		Trigger:     t.Trigger,
		Source:      string(t.From),
		Dest:        string(t.To),
		RecordedAt:  at,
	}
	if err := r.store.Append(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return
		}
		r.logger.Printf("[%s] failed to record transition %s -> %s: %v", t.Calibration, t.From, t.To, err)
	}
}

// History of the run of this recorder.
func (r *Recorder) History(ctx context.Context) ([]Record, error) {
	return r.store.History(ctx, r.RunID)
}

// Memory is a Store on memory.
type Memory struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	records []Record
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{keys: map[string]struct{}{}}
}

func (m *Memory) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]struct{}{}
	}
	k := r.Key()
	if _, ok := m.keys[k]; ok {
		return ErrConflict
	}
	m.keys[k] = struct{}{}
	m.records = append(m.records, r)
	return nil
}

func (m *Memory) History(_ context.Context, runID uuid.UUID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := []Record{}
	for _, r := range m.records {
		if r.RunID == runID {
			ret = append(ret, r)
		}
	}
	return slices.Clone(ret), nil
}
