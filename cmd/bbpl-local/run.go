package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bbpl/local-runner/engine"
	"github.com/bbpl/local-runner/runnerconfig"
)

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name to select a branches/<name> pipeline")
	custom := fs.String("custom", "", "Name of a custom pipeline to run")
	pipelineFlag := fs.String("pipeline", "", `Pipeline intent; only "default" is accepted`)
	dryRun := fs.Bool("dry-run", false, "Resolve and print the plan without starting containers")
	projectDir := fs.String("dir", ".", "Project directory containing bitbucket-pipelines.yml")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bbpl-local run [options]\n\nRun a pipeline from bitbucket-pipelines.yml.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	cfg, err := runnerconfig.Load(*projectDir, runnerconfig.Config{LogLevel: *logLevel})
	if err != nil {
		return fmt.Errorf("failed to load runner config: %w", err)
	}

	paths, err := engine.DefaultPaths(*projectDir)
	if err != nil {
		return fmt.Errorf("failed to resolve paths: %w", err)
	}
	if cfg.CacheDir != "" {
		paths.CacheBaseDir = cfg.CacheDir
	}
	if cfg.ArtifactDir != "" {
		paths.ArtifactDir = cfg.ArtifactDir
	}

	eng, err := engine.New(paths, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	eng.BranchOverride = *branch

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received interrupt, cancelling pipeline run")
		cancel()
	}()

	sel := engine.Selection{Custom: *custom, Branch: *branch, Pipeline: *pipelineFlag}
	result, err := eng.Run(ctx, sel, *dryRun)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	printResult(result)
	if !result.Success {
		return fmt.Errorf("pipeline failed")
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
