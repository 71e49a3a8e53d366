package merge

import (
	"context"
	"log"

	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/localdb"
	"github.com/youta-t/flarc"
)

const (
	ARG_DEST   = "DEST"
	ARG_SOURCE = "SOURCE"
)

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Merge local databases into one.",
		struct{}{},
		flarc.Args{
			{
				Name: ARG_DEST, Required: true,
				Help: "Directory of the merged database. It is created if missing.",
			},
			{
				Name: ARG_SOURCE, Required: true, Repeatable: true,
				Help: "Directories of databases to be merged.",
			},
		},
		common.NewTask(Task),
		flarc.WithDescription(`
Merge local databases into one.

Payloads of later SOURCE override earlier ones on overlapping IoVs.
Payloads already in DEST are kept, and merged ones are appended.
`),
	)
}

func Task(_ context.Context, logger *log.Logger, cl flarc.Commandline[struct{}], _ []any) error {
	dest := cl.Args()[ARG_DEST][0]
	sources := cl.Args()[ARG_SOURCE]
	if err := localdb.Merge(sources, dest); err != nil {
		return err
	}
	logger.Printf("merged %d databases into %s", len(sources), dest)
	return nil
}
