package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bbpl/local-runner/engine"
	"github.com/bbpl/local-runner/runnerconfig"
)

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	projectDir := fs.String("dir", ".", "Project directory containing bitbucket-pipelines.yml")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bbpl-local list [options]\n\nList the pipeline labels available in the document.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
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

	labels, err := eng.ListPipelines()
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, l := range labels {
		fmt.Println(l)
	}
	return nil
}
