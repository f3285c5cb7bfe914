// Package main is the entry point for the nvas-train binary.
//
// Everything interesting lives in internal/cli: the cobra command tree,
// flag handling, and the exit-code mapping. main only injects the
// build-time identity and hands off.
package main

import (
	"github.com/soundfield/nvas-train/internal/cli"
)

// Release builds overwrite these via -ldflags; a `go build` without them
// produces a binary that identifies itself as a dev build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
