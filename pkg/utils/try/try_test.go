package try_test

import (
	"errors"
	"testing"

	"github.com/opst/caf/pkg/utils/try"
)

type fakeFataler struct {
	called []any
}

func (f *fakeFataler) Fatal(v ...any) {
	f.called = append(f.called, v...)
}

func TestEither(t *testing.T) {
	t.Run("ok Either gives its value", func(t *testing.T) {
		ftl := &fakeFataler{}
		testee := try.To(42, nil)

		if v := testee.OrFatal(ftl); v != 42 {
			t.Errorf("mismatch. (actual, expected) = (%d, %d)", v, 42)
		}
		if len(ftl.called) != 0 {
			t.Errorf("Fatal is called: %v", ftl.called)
		}
		if v := testee.OrDefault(0); v != 42 {
			t.Errorf("mismatch. (actual, expected) = (%d, %d)", v, 42)
		}
	})

	t.Run("ng Either calls Fatal", func(t *testing.T) {
		ftl := &fakeFataler{}
		expectedErr := errors.New("fake")
		testee := try.To(42, expectedErr)

		if v := testee.OrFatal(ftl); v != 0 {
			t.Errorf("zero value is expected: %d", v)
		}
		if len(ftl.called) != 1 || ftl.called[0] != expectedErr {
			t.Errorf("Fatal is not called with error: %v", ftl.called)
		}
		if v := testee.OrDefault(7); v != 7 {
			t.Errorf("mismatch. (actual, expected) = (%d, %d)", v, 7)
		}
	})

	t.Run("Map converts only ok value", func(t *testing.T) {
		double := func(v int) int { return v * 2 }
		if v, err := try.Map(try.To(3, nil), double).Get(); err != nil || v != 6 {
			t.Errorf("unexpected: (%d, %v)", v, err)
		}
		expectedErr := errors.New("fake")
		if _, err := try.Map(try.To(3, expectedErr), double).Get(); !errors.Is(err, expectedErr) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
