package calibration

import (
	"context"
	"time"

	"github.com/opst/caf/pkg/machine"
)

// Transition is a change of the state of a calibration.
type Transition struct {
	Calibration string `json:"calibration"`
	Iteration   int    `json:"iteration"`

	// Trigger is empty when the state is moved without a transition, for example on an unexpected error.
	Trigger string        `json:"trigger"`
	From    machine.State `json:"from"`
	To      machine.State `json:"to"`
	At      time.Time     `json:"at"`
}

// Observer is notified of transitions of calibrations.
//
// Observers cannot affect transitions. They are called synchronously,
// so they should not block for long.
type Observer interface {
	// Before is called before the state is changed.
	Before(context.Context, Transition)

	// After is called after the state has been changed.
	After(context.Context, Transition)
}

type nopObserver struct{}

func (nopObserver) Before(context.Context, Transition) {}
func (nopObserver) After(context.Context, Transition)  {}

// Observers notifies every observer in order.
type Observers []Observer

func (os Observers) Before(ctx context.Context, t Transition) {
	for _, o := range os {
		o.Before(ctx, t)
	}
}

func (os Observers) After(ctx context.Context, t Transition) {
	for _, o := range os {
		o.After(ctx, t)
	}
}
