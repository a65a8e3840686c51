package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bbpl/local-runner/engine"
	"github.com/bbpl/local-runner/runnerconfig"
)

func runClearCache(args []string) error {
	fs := flag.NewFlagSet("clear-cache", flag.ExitOnError)
	cacheOnly := fs.Bool("cache-only", false, "Only remove cache archives, keep artifacts")
	artifactsOnly := fs.Bool("artifacts-only", false, "Only remove saved artifacts, keep caches")
	projectDir := fs.String("dir", ".", "Project directory containing bitbucket-pipelines.yml")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bbpl-local clear-cache [options]\n\nRemove cached build caches and/or saved artifacts.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := engine.ClearCacheOptions{Cache: true, Artifacts: true}
	if *cacheOnly {
		opts.Artifacts = false
	}
	if *artifactsOnly {
		opts.Cache = false
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

	if err := eng.ClearCache(opts); err != nil {
		return fmt.Errorf("clear-cache failed: %w", err)
	}
	fmt.Println("cache cleared")
	return nil
}
