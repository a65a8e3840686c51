// Command bbpl-local is the CLI entrypoint of spec.md §6: it resolves
// runner configuration, wires the Engine Façade, and dispatches one of a
// handful of flat subcommands against the local pipeline document.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"run":         runRun,
	"validate":    runValidate,
	"list":        runList,
	"clear-cache": runClearCache,
}

func usage() {
	fmt.Fprintf(os.Stderr, `bbpl-local - Bitbucket Pipelines local runner (version %s)

Usage:
  bbpl-local <command> [options]

Commands:
  run          Run a pipeline from bitbucket-pipelines.yml
  validate     Validate the pipeline document without running it
  list         List the pipeline labels available in the document
  clear-cache  Remove cached build caches and/or saved artifacts

Run 'bbpl-local <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
