package gaps_test

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"

	"github.com/opst/caf/cmd/caf/subcommands/db/gaps"
	"github.com/opst/caf/cmd/caf/subcommands/internal/commandline"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/localdb"
	"github.com/opst/caf/pkg/payload"
	"github.com/opst/caf/pkg/utils/try"
)

func TestTask(t *testing.T) {
	dir := t.TempDir()
	db := try.To(localdb.Open(dir)).OrFatal(t)
	if err := db.Commit(payload.List{
		{Name: "Gain", Data: []byte("1"), IoV: iov.New(1, 1, 1, 10)},
		{Name: "Gain", Data: []byte("2"), IoV: iov.New(1, 2, 1, 3)},
		{Name: "Gain", Data: []byte("3"), IoV: iov.New(1, 15, 1, -1)},
		{Name: "Pedestal", Data: []byte("4"), IoV: iov.New(1, 1, 1, 4)},
		{Name: "Pedestal", Data: []byte("5"), IoV: iov.New(1, 7, 1, -1)},
		{Name: "Complete", Data: []byte("6"), IoV: iov.New(0, 0, -1, -1)},
	}); err != nil {
		t.Fatal(err)
	}

	type when struct {
		payload string
	}
	type then struct {
		stdout string
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			stdout := new(bytes.Buffer)
			err := gaps.Task(
				context.Background(), log.New(io.Discard, "", 0),
				commandline.MockCommandline[gaps.Flags]{
					Fullname_: "caf db gaps",
					Stdout_:   stdout,
					Stderr_:   io.Discard,
					Flags_:    gaps.Flags{Payload: when.payload},
					Args_:     map[string][]string{gaps.ARG_DIR: {dir}},
				},
				[]any{},
			)
			if err != nil {
				t.Fatal(err)
			}
			if actual := stdout.String(); actual != then.stdout {
				t.Errorf("mismatch.\n  actual: %q\nexpected: %q", actual, then.stdout)
			}
		}
	}

	t.Run("gaps of every payload are written", theory(
		when{},
		then{stdout: "Gain 1,11,1,14\nPedestal 1,5,1,6\n"},
	))
	t.Run("gaps of the payload are written", theory(
		when{payload: "Pedestal"},
		then{stdout: "Pedestal 1,5,1,6\n"},
	))
	t.Run("unknown payload has no gaps", theory(
		when{payload: "Unknown"},
		then{stdout: ""},
	))
}
