// Package buildtime holds the version of caf.
//
// VERSION and revision are replaced on release builds.
package buildtime

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var version string

//go:embed revision
var revision string

func init() {
	version = strings.TrimSpace(version)
	revision = strings.TrimSpace(revision)
}

func Version() string {
	return version
}

func Revision() string {
	return revision
}

// VersionString is like "v0.1.0 (commit: 0123abc)".
func VersionString() string {
	return version + " (commit: " + revision + ")"
}
