package algorithm

import (
	"fmt"

	"github.com/opst/caf/pkg/iov"
)

// ResultCode is what an algorithm tells after an execution.
type ResultCode int

const (
	OK ResultCode = iota
	Iterate
	NotEnoughData
	Failure
	Undefined
)

var resultNames = map[ResultCode]string{
	OK:            "ok",
	Iterate:       "iterate",
	NotEnoughData: "not_enough_data",
	Failure:       "failure",
	Undefined:     "undefined",
}

func (r ResultCode) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ResultCode(%d)", int(r))
}

// Succeeded tells the result can be committed: ok or iterate.
func (r ResultCode) Succeeded() bool {
	return r == OK || r == Iterate
}

func (r ResultCode) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ResultCode) UnmarshalText(text []byte) error {
	code, err := ParseResultCode(string(text))
	if err != nil {
		return err
	}
	*r = code
	return nil
}

func ParseResultCode(s string) (ResultCode, error) {
	for code, name := range resultNames {
		if name == s {
			return code, nil
		}
	}
	return Undefined, fmt.Errorf("unknown result code: %q", s)
}

// IoVResult is the result of an execution over an IoV.
type IoVResult struct {
	IoV    iov.IoV    `json:"iov"`
	Result ResultCode `json:"result"`
}

func (r IoVResult) String() string {
	return fmt.Sprintf("IoVResult(iov=%s, result=%s)", r.IoV, r.Result)
}
