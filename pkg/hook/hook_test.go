package hook_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/opst/caf/pkg/calibration"
	"github.com/opst/caf/pkg/hook"
)

func TestFunc(t *testing.T) {
	t.Run("nil functions are skipped", func(t *testing.T) {
		testee := hook.Func[calibration.Transition]{}
		if err := testee.Before(context.Background(), transition()); err != nil {
			t.Error(err)
		}
		if err := testee.After(context.Background(), transition()); err != nil {
			t.Error(err)
		}
	})

	t.Run("errors of functions are hook failures", func(t *testing.T) {
		cause := errors.New("fake error")
		testee := hook.Func[calibration.Transition]{
			BeforeFn: func(context.Context, calibration.Transition) error { return cause },
			AfterFn:  func(context.Context, calibration.Transition) error { return cause },
		}
		for _, err := range []error{
			testee.Before(context.Background(), transition()),
			testee.After(context.Background(), transition()),
		} {
			if !errors.Is(err, hook.ErrHookFailed) || !errors.Is(err, cause) {
				t.Errorf("unexpected error: %v", err)
			}
		}
	})
}

func TestObserver(t *testing.T) {
	buf := new(bytes.Buffer)
	called := []string{}
	h := hook.Func[calibration.Transition]{
		BeforeFn: func(_ context.Context, tr calibration.Transition) error {
			called = append(called, "before:"+string(tr.To))
			return errors.New("unreachable endpoint")
		},
		AfterFn: func(_ context.Context, tr calibration.Transition) error {
			called = append(called, "after:"+string(tr.To))
			return nil
		},
	}

	var o calibration.Observer = hook.Observer(h, log.New(buf, "", 0))
	o.Before(context.Background(), transition())
	o.After(context.Background(), transition())

	if len(called) != 2 || called[0] != "before:collector_completed" || called[1] != "after:collector_completed" {
		t.Errorf("unexpected calls: %v", called)
	}
	if !strings.Contains(buf.String(), "unreachable endpoint") {
		t.Errorf("hook failure is not logged: %q", buf.String())
	}

	var _ hook.Hook[calibration.Transition] = hook.None[calibration.Transition]{}
}
