package show_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/opst/caf/cmd/caf/subcommands/db/show"
	"github.com/opst/caf/cmd/caf/subcommands/internal/commandline"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/localdb"
	"github.com/opst/caf/pkg/payload"
	"github.com/opst/caf/pkg/utils/cmp"
	"github.com/opst/caf/pkg/utils/try"
)

func TestTask(t *testing.T) {
	dir := t.TempDir()
	db := try.To(localdb.Open(dir)).OrFatal(t)
	if err := db.Commit(payload.List{
		{Name: "Gain", Data: []byte("1"), IoV: iov.New(1, 1, 1, 2)},
		{Name: "Gain", Data: []byte("2"), IoV: iov.New(1, 3, 1, -1)},
		{Name: "Pedestal", Data: []byte("3"), IoV: iov.New(1, 1, -1, -1)},
	}); err != nil {
		t.Fatal(err)
	}

	run := func(t *testing.T, flags show.Flags) string {
		t.Helper()
		stdout := new(bytes.Buffer)
		err := show.Task(
			context.Background(), log.New(io.Discard, "", 0),
			commandline.MockCommandline[show.Flags]{
				Fullname_: "caf db show",
				Stdout_:   stdout,
				Stderr_:   io.Discard,
				Flags_:    flags,
				Args_:     map[string][]string{show.ARG_DIR: {dir}},
			},
			[]any{},
		)
		if err != nil {
			t.Fatal(err)
		}
		return stdout.String()
	}

	t.Run("it writes database.txt", func(t *testing.T) {
		actual := run(t, show.Flags{})
		expected := "Gain dbstore_Gain_rev_1.root 1,1,1,2\n" +
			"Gain dbstore_Gain_rev_2.root 1,3,1,-1\n" +
			"Pedestal dbstore_Pedestal_rev_1.root 1,1,-1,-1\n"
		if actual != expected {
			t.Errorf("mismatch.\n  actual: %q\nexpected: %q", actual, expected)
		}
	})

	t.Run("it writes JSON with revisions", func(t *testing.T) {
		actual := []show.Entry{}
		if err := json.Unmarshal([]byte(run(t, show.Flags{JSON: true})), &actual); err != nil {
			t.Fatal(err)
		}
		expected := []show.Entry{
			{Name: "Gain", Blob: "dbstore_Gain_rev_1.root", IoV: "1,1,1,2", Revision: 1},
			{Name: "Gain", Blob: "dbstore_Gain_rev_2.root", IoV: "1,3,1,-1", Revision: 2},
			{Name: "Pedestal", Blob: "dbstore_Pedestal_rev_1.root", IoV: "1,1,-1,-1", Revision: 1},
		}
		if !cmp.SliceEq(actual, expected) {
			t.Errorf("mismatch. (actual, expected) = (%v, %v)", actual, expected)
		}
	})
}
