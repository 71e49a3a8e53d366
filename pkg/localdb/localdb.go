// Package localdb is a conditions database on a local directory.
//
// A local database is a directory holding an index file, database.txt,
// and payload blobs referred by the index.
package localdb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	xe "github.com/opst/caf/pkg/errors"
	"github.com/opst/caf/pkg/iov"
	"github.com/opst/caf/pkg/payload"
)

// IndexFile is the name of index file in a local database directory.
const IndexFile = "database.txt"

var (
	ErrMalformedIndex = errors.New("malformed database index")
	ErrNotFound       = errors.New("payload not found")
)

// BlobName is the file name of the revision of a payload.
func BlobName(name string, revision int) string {
	return fmt.Sprintf("dbstore_%s_rev_%d.root", name, revision)
}

type DB struct {
	dir string
	mu  *sync.Mutex
}

// locks serializes writers of the same directory, across DB instances.
var locks sync.Map

func lockOf(dir string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(dir, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// Open opens the local database in dir.
//
// The directory and an empty index are created if missing.
func Open(dir string) (*DB, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if err := os.MkdirAll(abs, os.ModePerm); err != nil {
		return nil, xe.Wrap(err)
	}
	index := filepath.Join(abs, IndexFile)
	f, err := os.OpenFile(index, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	f.Close()
	return &DB{dir: abs, mu: lockOf(abs)}, nil
}

func (db *DB) Dir() string {
	return db.dir
}

// IndexPath is the path to database.txt of this database.
func (db *DB) IndexPath() string {
	return filepath.Join(db.dir, IndexFile)
}

// ReadIndex reads database.txt in dir.
func ReadIndex(dir string) (Index, error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseIndex(f)
}

func (db *DB) Index() (Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return ReadIndex(db.dir)
}

// Commit stores payloads as new revisions, appending them to the index.
func (db *DB) Commit(payloads payload.List) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	idx, err := ReadIndex(db.dir)
	if err != nil {
		return xe.Wrap(err)
	}

	added := Index{}
	for _, p := range payloads {
		rev := idx.Revisions(p.Name) + added.Revisions(p.Name) + 1
		blob := BlobName(p.Name, rev)
		if err := os.WriteFile(filepath.Join(db.dir, blob), p.Data, 0o644); err != nil {
			return xe.Wrap(err)
		}
		added = append(added, Entry{Name: p.Name, Blob: blob, IoV: p.IoV})
	}
	return appendIndex(db.dir, added)
}

func appendIndex(dir string, entries Index) error {
	f, err := os.OpenFile(filepath.Join(dir, IndexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xe.Wrap(err)
	}
	if _, err := entries.WriteTo(f); err != nil {
		f.Close()
		return xe.Wrap(err)
	}
	return xe.Wrap(f.Close())
}

// Get reads the payload valid for the run.
//
// If there are no such payloads, it returns ErrNotFound.
func (db *DB) Get(name string, run iov.ExpRun) (payload.Payload, error) {
	idx, err := db.Index()
	if err != nil {
		return payload.Payload{}, err
	}
	e, ok := idx.Lookup(name, run)
	if !ok {
		return payload.Payload{}, fmt.Errorf("%w: %s for run %s", ErrNotFound, name, run)
	}
	data, err := os.ReadFile(filepath.Join(db.dir, e.Blob))
	if err != nil {
		return payload.Payload{}, xe.Wrap(err)
	}
	return payload.Payload{Name: e.Name, Data: data, IoV: e.IoV}, nil
}

// Merge concatenates local databases in sources into destination.
//
// Sources are read in order, so entries from later sources override earlier ones on IoV overlap.
// Blobs are copied into destination, renumbered by revisions in destination.
// A source without database.txt is an error.
func Merge(sources []string, destination string) error {
	dest, err := Open(destination)
	if err != nil {
		return err
	}

	dest.mu.Lock()
	defer dest.mu.Unlock()

	merged, err := ReadIndex(dest.dir)
	if err != nil {
		return xe.Wrap(err)
	}

	for _, src := range sources {
		idx, err := ReadIndex(src)
		if err != nil {
			return xe.WrapWithNote(src, err)
		}
		added := Index{}
		for _, e := range idx {
			rev := merged.Revisions(e.Name) + 1
			blob := BlobName(e.Name, rev)
			if err := copyFile(filepath.Join(src, e.Blob), filepath.Join(dest.dir, blob)); err != nil {
				return xe.WrapWithNote(src, err)
			}
			entry := Entry{Name: e.Name, Blob: blob, IoV: e.IoV}
			merged = append(merged, entry)
			added = append(added, entry)
		}
		if err := appendIndex(dest.dir, added); err != nil {
			return err
		}
	}
	return nil
}

// Replace removes destination and copies the database in source to there.
func Replace(source, destination string) error {
	if _, err := os.Stat(filepath.Join(source, IndexFile)); err != nil {
		return xe.Wrap(err)
	}
	if err := os.RemoveAll(destination); err != nil {
		return xe.Wrap(err)
	}
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, rel)
		if d.IsDir() {
			return os.MkdirAll(target, os.ModePerm)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
