package run

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	pb "github.com/cheggaaa/pb/v3"
	"github.com/opst/caf/cmd/caf/builder"
	"github.com/opst/caf/cmd/caf/subcommands/common"
	"github.com/opst/caf/pkg/caf"
	"github.com/opst/caf/pkg/calibration"
	configs "github.com/opst/caf/pkg/configs/caf"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/loop"
	"github.com/opst/caf/pkg/status"
	"github.com/opst/caf/pkg/utils/filewatch"
	"github.com/youta-t/flarc"
)

type Flags struct {
	Config   string `flag:"config" alias:"c" metavar:"caf.yaml" help:"Config file of the CAF run."`
	IoV      string `flag:"iov" metavar:"exp,run,exp,run" help:"IoV requested to the algorithms. Unrestricted if not passed."`
	Progress bool   `flag:"progress" alias:"p" help:"Show a progress bar of calibrations on stderr."`
	Watch    bool   `flag:"watch" alias:"w" help:"Stop the run when the config file is modified."`
}

// Build a CAF from config.
type Build func(ctx context.Context, conf *configs.Config, logger *log.Logger) (*builder.Built, error)

// Serve the status API until ctx is done.
type Serve func(ctx context.Context, src status.Source, address string, loglevel string) error

type Option struct {
	build Build
	serve Serve
}

func WithBuild(build Build) func(*Option) *Option {
	return func(o *Option) *Option {
		o.build = build
		return o
	}
}

func WithServe(serve Serve) func(*Option) *Option {
	return func(o *Option) *Option {
		o.serve = serve
		return o
	}
}

func New(options ...func(*Option) *Option) (flarc.Command, error) {
	option := &Option{
		build: func(ctx context.Context, conf *configs.Config, logger *log.Logger) (*builder.Built, error) {
			return builder.New(logger).Build(ctx, conf)
		},
		serve: status.Serve,
	}
	for _, opt := range options {
		option = opt(option)
	}

	return flarc.NewCommand(
		"Run calibrations in the config.",
		Flags{},
		flarc.Args{},
		common.NewTask(Task(option.build, option.serve)),
		flarc.WithDescription(`
Run calibrations in the config, in the order of their dependencies.

The report of the run is written to stdout as JSON.
When the config has "status", the status API is served while running.
When --watch is passed, modifying the config file stops the run.
`),
	)
}

func Task(build Build, serve Serve) common.Task[Flags] {
	return func(ctx context.Context, logger *log.Logger, cl flarc.Commandline[Flags], _ []any) error {
		flags := cl.Flags()

		conf, err := common.LoadConfig(flags.Config)
		if err != nil {
			return err
		}

		var requested *iov.IoV
		if flags.IoV != "" {
			i, err := iov.Parse(flags.IoV)
			if err != nil {
				return errors.Join(flarc.ErrUsage, err)
			}
			requested = &i
		}

		if flags.Watch {
			wctx, cancel, err := filewatch.UntilModifyContext(ctx, flags.Config)
			if err != nil {
				return err
			}
			defer cancel()
			ctx = wctx
		}

		built, err := build(ctx, conf, logger)
		if err != nil {
			return err
		}
		defer built.Close()

		if s := built.Status; s != nil {
			sctx, stop := context.WithCancel(ctx)
			served := make(chan struct{})
			go func() {
				defer close(served)
				if err := serve(sctx, built.CAF, s.Address(), s.LogLevel()); err != nil {
					logger.Printf("status server stopped: %s", err)
				}
			}()
			defer func() {
				stop()
				<-served
			}()
			logger.Printf("status API is served at %s", s.Address())
		}

		if flags.Progress {
			stop := Progress(ctx, cl.Stderr(), built.CAF, conf.Heartbeat())
			defer stop()
		}

		report, err := built.CAF.Run(ctx, requested)

		var modified *filewatch.ErrModified
		if errors.As(context.Cause(ctx), &modified) {
			logger.Printf("%s is modified. the run is stopped.", flags.Config)
		}

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		if eerr := enc.Encode(report); eerr != nil {
			return errors.Join(err, eerr)
		}
		return err
	}
}

const progressBar pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . }} {{percent . }}{{with string . "suffix"}} {{.}}{{end}}`

// Progress shows a bar of terminated calibrations until returned func is called.
func Progress(ctx context.Context, w io.Writer, c *caf.CAF, interval time.Duration) (stop func()) {
	cals := c.Calibrations()
	bar := progressBar.New(len(cals))
	bar.SetWriter(w)
	bar.Set("prefix", "calibrations:")
	bar.Start()

	update := func() {
		terminated := 0
		running := []string{}
		for _, cal := range cals {
			switch {
			case cal.Terminal():
				terminated += 1
			case cal.State() != calibration.Init:
				running = append(running, cal.Name)
			}
		}
		bar.SetCurrent(int64(terminated))
		bar.Set("suffix", strings.Join(running, ", "))
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Start(pctx, struct{}{}, func(context.Context, struct{}) (struct{}, loop.Next) {
			update()
			return struct{}{}, loop.Continue(interval)
		})
	}()

	return func() {
		cancel()
		<-done
		update()
		bar.Finish()
	}
}
