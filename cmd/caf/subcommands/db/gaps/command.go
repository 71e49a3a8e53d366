package gaps

import (
	"context"
	"fmt"
	"log"

	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/localdb"
	"github.com/youta-t/flarc"
)

type Flags struct {
	Payload string `flag:"payload" alias:"p" help:"Only check this payload."`
}

const ARG_DIR = "DIR"

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Find runs which no payloads cover, in a local database.",
		Flags{},
		flarc.Args{
			{
				Name: ARG_DIR, Required: true,
				Help: "Directory of the local database, containing database.txt",
			},
		},
		common.NewTask(Task),
		flarc.WithDescription(`
Find runs which no payloads cover, in a local database.

Each gap is written as "<payload> <exp_low>,<run_low>,<exp_high>,<run_high>".
Only gaps within an experiment are reported.
`),
	)
}

func Task(_ context.Context, logger *log.Logger, cl flarc.Commandline[Flags], _ []any) error {
	dir := cl.Args()[ARG_DIR][0]
	idx, err := localdb.ReadIndex(dir)
	if err != nil {
		return err
	}

	names := idx.Names()
	if p := cl.Flags().Payload; p != "" {
		names = []string{p}
	}

	found := 0
	for _, name := range names {
		iovs := idx.IoVs(name)
		if len(iovs) == 0 {
			logger.Printf("payload %s is not in %s", name, dir)
			continue
		}
		iov.SortIoVs(iovs)
		for _, g := range iov.GapsBetween(iovs) {
			found += 1
			if _, err := fmt.Fprintf(cl.Stdout(), "%s %s\n", name, g); err != nil {
				return err
			}
		}
	}
	if found == 0 {
		logger.Printf("no gaps in %s", dir)
	}
	return nil
}
