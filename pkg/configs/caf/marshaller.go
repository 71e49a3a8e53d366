package caf

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Load a CAF config from a file.
//
// Relative paths in the config are left as they are.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal a CAF config.
//
// # Returns
//
// - *Config: sealed config
//
// - error: YAML errors, or ErrInvalidConfig on misconfiguration.
func Unmarshal(conf []byte) (out *Config, err error) {
	var _out *ConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		return nil, fmt.Errorf("%w: empty", ErrInvalidConfig)
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrInvalidConfig, e)
			} else {
				err = fmt.Errorf("%w: %v", ErrInvalidConfig, r)
			}
		}
	}()
	return TrySeal(_out), nil
}
