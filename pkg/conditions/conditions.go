// Package conditions assembles the chain of conditions databases an algorithm or a collector reads.
//
// A chain is ordered by priority: later sources take precedence over earlier ones.
package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/localdb"
	"github.com/opst/caf/pkg/payload"
)

// DefaultGlobalTag is the central database used as the ultimate fallback.
const DefaultGlobalTag = "production"

type Kind string

const (
	Central Kind = "central"
	Local   Kind = "local"
)

var ErrUnknownSource = errors.New("unknown database source")

// Source is a database in a chain.
type Source struct {
	Kind Kind

	// GlobalTag is set for Central source.
	GlobalTag string

	// Filepath and PayloadDir are set for Local source.
	Filepath   string
	PayloadDir string
}

func CentralSource(globalTag string) Source {
	return Source{Kind: Central, GlobalTag: globalTag}
}

// LocalSource is a local database with index file `filepath`, holding payloads in `payloadDir`.
func LocalSource(filepath, payloadDir string) Source {
	return Source{Kind: Local, Filepath: filepath, PayloadDir: payloadDir}
}

// LocalDirSource is a local database of the directory, with its database.txt.
func LocalDirSource(dir string) Source {
	return LocalSource(filepath.Join(dir, localdb.IndexFile), dir)
}

func (s Source) String() string {
	switch s.Kind {
	case Central:
		return fmt.Sprintf("central(%s)", s.GlobalTag)
	case Local:
		return fmt.Sprintf("local(%s)", s.Filepath)
	default:
		return fmt.Sprintf("unknown(%s)", s.Kind)
	}
}

// MarshalJSON encodes the source as `["central", tag]` or `["local", [file, dir]]`.
func (s Source) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case Central:
		return json.Marshal([]any{Central, s.GlobalTag})
	case Local:
		return json.Marshal([]any{Local, []string{s.Filepath, s.PayloadDir}})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, s.Kind)
	}
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: %s", ErrUnknownSource, string(b))
	}
	var kind Kind
	if err := json.Unmarshal(pair[0], &kind); err != nil {
		return err
	}
	switch kind {
	case Central:
		var tag string
		if err := json.Unmarshal(pair[1], &tag); err != nil {
			return err
		}
		*s = CentralSource(tag)
	case Local:
		var loc []string
		if err := json.Unmarshal(pair[1], &loc); err != nil {
			return err
		}
		if len(loc) != 2 {
			return fmt.Errorf("%w: %s", ErrUnknownSource, string(b))
		}
		*s = LocalSource(loc[0], loc[1])
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSource, kind)
	}
	return nil
}

// Chain is a list of database sources and an optional writable local database.
type Chain struct {
	sources  []Source
	writable *localdb.DB
}

// NewChain starts a chain with sources.
func NewChain(sources ...Source) *Chain {
	c := &Chain{}
	c.sources = append(c.sources, sources...)
	return c
}

// Reset empties the chain.
func (c *Chain) Reset() {
	c.sources = nil
	c.writable = nil
}

// Push appends a source with the highest priority.
func (c *Chain) Push(s Source) {
	c.sources = append(c.sources, s)
}

// PushWritable opens the local database in dir, creating it if missing,
// and appends it as the writable source on top of the chain.
func (c *Chain) PushWritable(dir string) error {
	db, err := localdb.Open(dir)
	if err != nil {
		return err
	}
	c.sources = append(c.sources, LocalDirSource(db.Dir()))
	c.writable = db
	return nil
}

// Sources lists sources from lowest priority to highest.
func (c *Chain) Sources() []Source {
	ret := make([]Source, len(c.sources))
	copy(ret, c.sources)
	return ret
}

// Writable is the local database where payloads are committed.
//
// It is nil if no writable database is pushed.
func (c *Chain) Writable() *localdb.DB {
	return c.writable
}

// Lookup reads the payload valid for the run from local sources, in priority order.
//
// Central sources are not looked into; if no local source has the payload, it returns localdb.ErrNotFound.
func (c *Chain) Lookup(name string, run iov.ExpRun) (payload.Payload, error) {
	for n := len(c.sources) - 1; 0 <= n; n-- {
		s := c.sources[n]
		if s.Kind != Local {
			continue
		}
		idx, err := readIndex(s.Filepath)
		if err != nil {
			return payload.Payload{}, xe.WrapWithNote(s.String(), err)
		}
		e, ok := idx.Lookup(name, run)
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.PayloadDir, e.Blob))
		if err != nil {
			return payload.Payload{}, xe.Wrap(err)
		}
		return payload.Payload{Name: e.Name, Data: data, IoV: e.IoV}, nil
	}
	return payload.Payload{}, fmt.Errorf("%w: %s for run %s", localdb.ErrNotFound, name, run)
}

func readIndex(path string) (localdb.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return localdb.ParseIndex(f)
}

// CollectorConfig is the content of `collector_config.json`, read by collector jobs.
type CollectorConfig struct {
	DatabaseChain []Source `json:"database_chain"`
}
