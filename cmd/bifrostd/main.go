// Command bifrostd is the execution engine daemon: it runs the
// dispatcher and process-pool manager against whichever backends the
// config file selects, and doubles as an operator CLI for submitting
// one-off executions and inspecting configured status.
package main

import (
	"fmt"
	"os"

	"github.com/bifrostrun/execengine/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
