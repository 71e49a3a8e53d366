package common

import (
	"context"
	"errors"
	"fmt"
	"log"

	configs "github.com/opst/caf/pkg/configs/caf"
	"github.com/youta-t/flarc"
)

// Task of caf subcommands, with a logger writing to stderr.
type Task[T any] func(
	ctx context.Context,
	logger *log.Logger,
	cl flarc.Commandline[T],
	params []any,
) error

func NewTask[T any](task Task[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], params []any) error {
		logger := log.New(cl.Stderr(), "", log.LstdFlags)
		logger.SetPrefix(fmt.Sprintf("[%s] ", cl.Fullname()))
		return task(ctx, logger, cl, params)
	}
}

// LoadConfig reads the config file passed by --config.
//
// Empty path is a usage error.
func LoadConfig(path string) (*configs.Config, error) {
	if path == "" {
		return nil, errors.Join(flarc.ErrUsage, errors.New("--config is required"))
	}
	conf, err := configs.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return conf, nil
}
