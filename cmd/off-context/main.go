// Package main provides the entry point for off-context, the project-scoped
// conversation memory for CLI coding assistants.
package main

import (
	"context"
	"os"

	"github.com/off-context/off-context/internal/buildinfo"
	"github.com/off-context/off-context/internal/cmd"
	"github.com/off-context/off-context/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	os.Exit(cmd.NewApp().Run(context.Background(), os.Args[1:]))
}
