// Command gohpc submits and tracks jobs on local machines and HPC clusters.
package main

import (
	"os"

	"github.com/3leaps/gohpc/internal/cmd"
)

// Set by the linker:
//
//	-ldflags "-X main.version=v1.2.3 -X main.commit=abc123 -X main.buildDate=2026-01-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
