// Package errors provides an error wrapper which remembers where it is wrapped.
//
// Usage:
//
//	if err := m.Trigger(ctx, "complete"); err != nil {
//		return xe.Wrap(err)
//	}
//
// The message of a wrapped error looks like
//
//	@ pkg.Func "/path/to/file.go" l42 <- cause
//
// so, replacing `<-` with a newline gives you a trace of where the error went through.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

type ErrWithCaller struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

// File is the source file where the error is wrapped.
func (e *ErrWithCaller) File() string {
	return e.file
}

// Line is the line number where the error is wrapped.
func (e *ErrWithCaller) Line() int {
	return e.line
}

// Func is the name of function where the error is wrapped.
func (e *ErrWithCaller) Func() string {
	return e.funcname
}

func (e *ErrWithCaller) Error() string {
	if e.note == "" {
		return fmt.Sprintf(`@ %s "%s" l%d <- %s`, e.funcname, e.file, e.line, e.err.Error())
	}
	return fmt.Sprintf(`@ %s "%s" l%d (%s) <- %s`, e.funcname, e.file, e.line, e.note, e.err.Error())
}

func (e *ErrWithCaller) Unwrap() error {
	return e.err
}

// New creates a new error with the caller location.
func New(text string) error {
	return wrap("", errors.New(text), 1)
}

// Wrap wraps err with the caller location.
//
// Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrap("", err, 1)
}

// WrapAsOuter wraps err with the location of the caller of the caller, `depth` frames above.
func WrapAsOuter(err error, depth int) error {
	if err == nil {
		return nil
	}
	return wrap("", err, depth+1)
}

// WrapWithNote wraps err with the caller location and a short note.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return wrap(note, err, 1)
}

func wrap(note string, err error, depth int) error {
	pc, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file = "?"
		line = -1
	}
	funcname := "(unknown func)"
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcname = fn.Name()
	}

	return &ErrWithCaller{
		funcname: funcname,
		file:     file,
		line:     line,
		note:     note,
		err:      err,
	}
}
