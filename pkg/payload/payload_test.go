package payload_test

import (
	"testing"

	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
	"github.com/opst/caf/pkg/utils/cmp"
)

func TestList_WithIoV(t *testing.T) {
	original := payload.List{
		{Name: "A", Data: []byte("a"), IoV: iov.New(1, 1, 1, 1)},
		{Name: "B", Data: []byte("b"), IoV: iov.New(1, 2, 1, 2)},
	}
	widened := iov.New(1, 0, 1, -1)

	actual := original.WithIoV(widened)

	for _, p := range actual {
		if p.IoV != widened {
			t.Errorf("iov is not replaced: %+v", p)
		}
	}
	if original[0].IoV != iov.New(1, 1, 1, 1) {
		t.Errorf("original is modified: %+v", original[0])
	}

	actual[0].Data[0] = 'x'
	if string(original[0].Data) != "a" {
		t.Errorf("blob is shared: %s", original[0].Data)
	}

	if !cmp.SliceEq(actual.Names(), []string{"A", "B"}) {
		t.Errorf("unexpected names: %v", actual.Names())
	}
}
