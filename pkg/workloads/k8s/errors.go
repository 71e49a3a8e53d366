package k8s

import (
	"errors"
	"fmt"

	xe "github.com/opst/caf/pkg/errors"
)

type wrappingError struct {
	message  string
	causedBy error
}

func format(e wrappingError) string {
	if e.causedBy == nil {
		return e.message
	}
	if e.message == "" {
		return fmt.Sprintf("caused by: %+v", e.causedBy)
	}
	return fmt.Sprintf("%s / caused by: %+v", e.message, e.causedBy)
}

// Requested resource does not exist.
type ErrMissing wrappingError

func NewMissingCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrMissing{message: message, causedBy: err}, 1)
}

func (e *ErrMissing) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrMissing) Unwrap() error {
	return e.causedBy
}

// AsMissing tells err is (or wraps) ErrMissing.
func AsMissing(err error) bool {
	var m *ErrMissing
	return errors.As(err, &m)
}

// Failed to create a resource since it already exists.
type ErrConflict wrappingError

func NewConflictCausedBy(message string, err error) error {
	return xe.WrapAsOuter(&ErrConflict{message: message, causedBy: err}, 1)
}

func (e *ErrConflict) Error() string {
	return format(wrappingError(*e))
}

func (e *ErrConflict) Unwrap() error {
	return e.causedBy
}

// AsConflict tells err is (or wraps) ErrConflict.
func AsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}

// waiting for a requirement takes too long time.
var ErrDeadlineExceeded = errors.New("deadline exceeded")
