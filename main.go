// The hcc binary bundles every pipeline service: the HTTP gateway, the
// extractor, analyzer, and validator stage workers, and the drop directory
// watcher. Each runs as a subcommand; see cli for the wiring.
package main

import (
	"os"

	"hcc.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
