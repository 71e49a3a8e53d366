// Package hook notifies transitions of calibrations to functions or web endpoints.
package hook

import (
	"context"
	"errors"
	"log"

	"github.com/opst/caf/pkg/calibration"
)

// Hook is an interface for before/after hooks.
type Hook[T any] interface {
	// Before is called before the value T is processed.
	Before(context.Context, T) error

	// After is called after the value T is processed.
	After(context.Context, T) error
}

var ErrHookFailed = errors.New("hook failed")

// Observer adapts a Hook of transitions to a calibration.Observer.
//
// Errors of the hook are logged, and never change calibrations.
func Observer(h Hook[calibration.Transition], logger *log.Logger) calibration.Observer {
	if logger == nil {
		logger = log.Default()
	}
	return &observer{hook: h, logger: logger}
}

type observer struct {
	hook   Hook[calibration.Transition]
	logger *log.Logger
}

func (o *observer) Before(ctx context.Context, t calibration.Transition) {
	if err := o.hook.Before(ctx, t); err != nil {
		o.logger.Printf("[%s] before-hook of %s -> %s: %v", t.Calibration, t.From, t.To, err)
	}
}

func (o *observer) After(ctx context.Context, t calibration.Transition) {
	if err := o.hook.After(ctx, t); err != nil {
		o.logger.Printf("[%s] after-hook of %s -> %s: %v", t.Calibration, t.From, t.To, err)
	}
}
