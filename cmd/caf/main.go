package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"

	subdb "github.com/opst/caf/cmd/caf/subcommands/db"
	subgraph "github.com/opst/caf/cmd/caf/subcommands/graph"
	subrun "github.com/opst/caf/cmd/caf/subcommands/run"
	subvalidate "github.com/opst/caf/cmd/caf/subcommands/validate"
	subver "github.com/opst/caf/cmd/caf/subcommands/version"
	"github.com/opst/caf/pkg/utils/try"
	"github.com/youta-t/flarc"
)

func main() {
	name := path.Base(os.Args[0])
	logger := log.Default()
	logger.SetPrefix(fmt.Sprintf("[%s] ", name))

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	run := try.To(subrun.New()).OrFatal(logger)
	graph := try.To(subgraph.New()).OrFatal(logger)
	validate := try.To(subvalidate.New()).OrFatal(logger)
	db := try.To(subdb.New()).OrFatal(logger)
	version := try.To(subver.New()).OrFatal(logger)

	caf := try.To(
		flarc.NewCommandGroup(
			"Calibration Framework: run calibrations in the order of their dependencies.",
			struct{}{},
			flarc.WithSubcommand("run", run),
			flarc.WithSubcommand("graph", graph),
			flarc.WithSubcommand("validate", validate),
			flarc.WithSubcommand("db", db),
			flarc.WithSubcommand("version", version),
		),
	).OrFatal(logger)

	os.Exit(flarc.Run(ctx, caf, flarc.WithHelp(true)))
}
