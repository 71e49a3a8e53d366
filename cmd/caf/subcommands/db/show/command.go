package show

import (
	"context"
	"encoding/json"
	"log"

	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/localdb"
	"github.com/youta-t/flarc"
)

type Flags struct {
	JSON bool `flag:"json" help:"Write entries as JSON, instead of database.txt format."`
}

const ARG_DIR = "DIR"

// Entry is a payload in a local database.
type Entry struct {
	Name     string `json:"name"`
	Blob     string `json:"blob"`
	IoV      string `json:"iov"`
	Revision int    `json:"revision"`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Show payloads in a local database.",
		Flags{},
		flarc.Args{
			{
				Name: ARG_DIR, Required: true,
				Help: "Directory of the local database, containing database.txt",
			},
		},
		common.NewTask(Task),
	)
}

func Task(_ context.Context, _ *log.Logger, cl flarc.Commandline[Flags], _ []any) error {
	dir := cl.Args()[ARG_DIR][0]
	idx, err := localdb.ReadIndex(dir)
	if err != nil {
		return err
	}

	if !cl.Flags().JSON {
		_, err := idx.WriteTo(cl.Stdout())
		return err
	}

	entries := make([]Entry, 0, len(idx))
	revisions := map[string]int{}
	for _, e := range idx {
		revisions[e.Name] += 1
		entries = append(entries, Entry{
			Name: e.Name, Blob: e.Blob, IoV: e.IoV.String(), Revision: revisions[e.Name],
		})
	}
	enc := json.NewEncoder(cl.Stdout())
	enc.SetIndent("", "    ")
	return enc.Encode(entries)
}
