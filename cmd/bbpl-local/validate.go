package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bbpl/local-runner/engine"
	"github.com/bbpl/local-runner/runnerconfig"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	projectDir := fs.String("dir", ".", "Project directory containing bitbucket-pipelines.yml")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bbpl-local validate [options]\n\nValidate the pipeline document without running it.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := runnerconfig.Load(*projectDir, runnerconfig.Config{})
	if err != nil {
		return fmt.Errorf("failed to load runner config: %w", err)
	}
	paths, err := engine.DefaultPaths(*projectDir)
	if err != nil {
		return err
	}
	eng, err := engine.New(paths, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	result, err := eng.Validate()
	if err != nil {
		return fmt.Errorf("validate failed: %w", err)
	}

	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !result.OK() {
		return fmt.Errorf("document has %d validation error(s)", len(result.Errors))
	}
	fmt.Println("pipeline document is valid")
	return nil
}
