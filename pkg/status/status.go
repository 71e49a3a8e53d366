// Package status serves a read-only HTTP view of a running CAF.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/caf/pkg/algorithm"
	"github.com/opst/caf/pkg/caf"
	"github.com/opst/caf/pkg/utils/echoutil"
)

// Source provides snapshots of calibrations.
//
// *caf.CAF is a Source.
type Source interface {
	Snapshot() []caf.Status
}

// IoVResult is a result of an algorithm for an IoV.
type IoVResult struct {
	IoV    string `json:"iov"`
	Result string `json:"result"`
}

// Calibration is the state of a calibration.
type Calibration struct {
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Iteration    int      `json:"iteration"`
	Dependencies []string `json:"dependencies"`

	// Results of each algorithm in each iteration.
	//
	// Keys of the outer map are iterations.
	Results map[int]map[string][]IoVResult `json:"results"`
}

// ErrorMessage is a body of error responses.
type ErrorMessage struct {
	Message string `json:"message"`
}

func compose(s caf.Status) Calibration {
	results := map[int]map[string][]IoVResult{}
	for it, byAlg := range s.Results {
		m := map[string][]IoVResult{}
		for name, rs := range byAlg {
			m[name] = composeResults(rs)
		}
		results[it] = m
	}
	deps := s.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return Calibration{
		Name:         s.Name,
		State:        string(s.State),
		Iteration:    s.Iteration,
		Dependencies: deps,
		Results:      results,
	}
}

func composeResults(rs []algorithm.IoVResult) []IoVResult {
	ret := make([]IoVResult, 0, len(rs))
	for _, r := range rs {
		ret = append(ret, IoVResult{IoV: r.IoV.String(), Result: r.Result.String()})
	}
	return ret
}

// ListHandler responds every calibration.
func ListHandler(src Source) echo.HandlerFunc {
	return func(c echo.Context) error {
		snapshot := src.Snapshot()
		ret := make([]Calibration, 0, len(snapshot))
		for _, s := range snapshot {
			ret = append(ret, compose(s))
		}
		return c.JSON(http.StatusOK, ret)
	}
}

// GetHandler responds a calibration named by the path parameter.
func GetHandler(src Source, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param(param)
		for _, s := range src.Snapshot() {
			if s.Name == name {
				return c.JSON(http.StatusOK, compose(s))
			}
		}
		return c.JSON(http.StatusNotFound, ErrorMessage{Message: "calibration not found: " + name})
	}
}

// New creates a server of the source.
//
// Routes are
//
//	GET /api/calibrations/
//	GET /api/calibrations/:name/
func New(src Source, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.AddTrailingSlash())
	echoutil.SetLevel(e, loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)

	e.GET("/api/calibrations/", ListHandler(src))
	e.GET("/api/calibrations/:name/", GetHandler(src, "name"))
	return e
}

// Serve the source at address until ctx is done.
func Serve(ctx context.Context, src Source, address string, loglevel string) error {
	e := New(src, loglevel)

	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(graceful); err != nil {
		return err
	}
	return <-errs
}
