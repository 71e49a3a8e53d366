package validate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/opst/caf/cmd/caf/builder"
	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/calibration"
	"github.com/youta-t/flarc"
)

type Flags struct {
	Config string `flag:"config" alias:"c" metavar:"caf.yaml" help:"Config file of the CAF run."`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Validate the config without running calibrations.",
		Flags{},
		flarc.Args{},
		common.NewTask(Task),
		flarc.WithDescription(`
Validate the config without running calibrations.

It checks the config file, each calibration, strategies of algorithms and
dependencies between calibrations. When they are valid, the calibrations are
written to stdout in the order they would be run.
`),
	)
}

func Task(_ context.Context, logger *log.Logger, cl flarc.Commandline[Flags], _ []any) error {
	conf, err := common.LoadConfig(cl.Flags().Config)
	if err != nil {
		return err
	}
	c, err := builder.New(logger).CAF(conf)
	if err != nil {
		return err
	}

	var errs []error
	for _, cal := range c.Calibrations() {
		for _, a := range cal.Algorithms {
			name := a.Strategy
			if name == "" {
				name = calibration.DefaultStrategy
			}
			if _, err := c.Strategies.Get(name); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", cal.Name, a.Name, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	order, upstream, err := c.Order()
	if err != nil {
		return err
	}
	for _, name := range order {
		if deps := upstream[name]; len(deps) != 0 {
			fmt.Fprintf(cl.Stdout(), "%s <- %s\n", name, strings.Join(deps, ", "))
		} else {
			fmt.Fprintln(cl.Stdout(), name)
		}
	}
	return nil
}
