package graph

import (
	"context"
	"fmt"
	"log"

	"github.com/opst/caf/cmd/caf/builder"
	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/calibration"
	"github.com/youta-t/flarc"
)

type Flags struct {
	Config  string `flag:"config" alias:"c" metavar:"caf.yaml" help:"Config file of the CAF run."`
	Machine bool   `flag:"machine" alias:"m" help:"Show states and transitions of a calibration, instead of dependencies."`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Show the dependency graph of calibrations in dot format.",
		Flags{},
		flarc.Args{},
		common.NewTask(Task),
		flarc.WithDescription(`
Show the dependency graph of calibrations in the config, in dot format.

When --machine is passed, it shows the state machine which each calibration follows.
The config is not required then.

Example:

	caf graph --config caf.yaml | dot -Tpng > graph.png
`),
	)
}

func Task(_ context.Context, logger *log.Logger, cl flarc.Commandline[Flags], _ []any) error {
	flags := cl.Flags()
	if flags.Machine {
		_, err := fmt.Fprint(cl.Stdout(), calibration.MachineGraph())
		return err
	}

	conf, err := common.LoadConfig(flags.Config)
	if err != nil {
		return err
	}
	c, err := builder.New(logger).CAF(conf)
	if err != nil {
		return err
	}
	dot, err := c.DependencyGraph()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cl.Stdout(), dot)
	return err
}
