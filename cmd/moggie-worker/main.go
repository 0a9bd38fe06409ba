// Command moggie-worker is the app worker process: it owns the Config
// Store and the metadata log, and serves the search/index/tag RPC surface
// over localhost. The same binary also carries the config-management
// subcommands an operator runs while the worker is stopped.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
