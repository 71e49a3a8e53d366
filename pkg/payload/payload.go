// Package payload holds calibration constants produced by algorithms, before they are committed.
package payload

import (
	"slices"

	"github.com/opst/caf/pkg/iov"
)

// Payload is a named blob valid in an IoV.
type Payload struct {
	Name string
	Data []byte
	IoV  iov.IoV
}

// List is payloads produced by one execution of an algorithm.
type List []Payload

// WithIoV returns a copy of the list where every payload is valid in `i`.
func (l List) WithIoV(i iov.IoV) List {
	ret := l.Clone()
	for n := range ret {
		ret[n].IoV = i
	}
	return ret
}

// Clone copies the list and blobs in it.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	ret := make(List, len(l))
	for n, p := range l {
		ret[n] = Payload{Name: p.Name, Data: slices.Clone(p.Data), IoV: p.IoV}
	}
	return ret
}

// Names lists payload names, keeping order.
func (l List) Names() []string {
	ret := make([]string, 0, len(l))
	for _, p := range l {
		ret = append(ret, p.Name)
	}
	return ret
}
