package db

import (
	db_gaps "github.com/opst/caf/cmd/caf/subcommands/db/gaps"
	db_merge "github.com/opst/caf/cmd/caf/subcommands/db/merge"
	db_show "github.com/opst/caf/cmd/caf/subcommands/db/show"
	"github.com/youta-t/flarc"
)

func New() (flarc.Command, error) {
	show, err := db_show.New()
	if err != nil {
		return nil, err
	}
	merge, err := db_merge.New()
	if err != nil {
		return nil, err
	}
	gaps, err := db_gaps.New()
	if err != nil {
		return nil, err
	}

	return flarc.NewCommandGroup(
		"Inspect and merge local databases.",
		struct{}{},
		flarc.WithSubcommand("show", show),
		flarc.WithSubcommand("merge", merge),
		flarc.WithSubcommand("gaps", gaps),
	)
}
