package localdb

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/opst/caf/pkg/iov"
)

// Entry is a line of database.txt:
//
//	<payload_name> <blob_filename> <exp_low>,<run_low>,<exp_high>,<run_high>
type Entry struct {
	Name string
	Blob string
	IoV  iov.IoV
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Name, e.Blob, e.IoV)
}

// Index is entries of database.txt, in the order of lines.
type Index []Entry

// ParseIndex reads database.txt. Blank lines and lines starting with "#" are skipped.
func ParseIndex(r io.Reader) (Index, error) {
	idx := Index{}
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno += 1
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedIndex, lineno, line)
		}
		i, err := iov.Parse(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedIndex, lineno, err)
		}
		idx = append(idx, Entry{Name: fields[0], Blob: fields[1], IoV: i})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx Index) WriteTo(w io.Writer) (int64, error) {
	written := int64(0)
	for _, e := range idx {
		n, err := fmt.Fprintln(w, e.String())
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Lookup finds the entry of the payload valid for the run.
//
// When some entries overlap, the later one wins.
func (idx Index) Lookup(name string, run iov.ExpRun) (Entry, bool) {
	for n := len(idx) - 1; 0 <= n; n-- {
		e := idx[n]
		if e.Name == name && e.IoV.Contains(run) {
			return e, true
		}
	}
	return Entry{}, false
}

// Revisions counts entries of the payload.
func (idx Index) Revisions(name string) int {
	count := 0
	for _, e := range idx {
		if e.Name == name {
			count += 1
		}
	}
	return count
}

// IoVs lists IoVs of the payload, in the order of entries.
func (idx Index) IoVs(name string) []iov.IoV {
	ret := []iov.IoV{}
	for _, e := range idx {
		if e.Name == name {
			ret = append(ret, e.IoV)
		}
	}
	return ret
}

// Names lists payload names in the order of first appearance.
func (idx Index) Names() []string {
	seen := map[string]struct{}{}
	ret := []string{}
	for _, e := range idx {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		ret = append(ret, e.Name)
	}
	return ret
}
