// Package engine is the Engine Façade of spec.md §4.9: it wires the
// Document Loader, Validator, Pipeline Selector, Environment Assembler,
// Cache Store, Artifact Store, Runtime Driver, and Scheduler into the
// load -> validate -> select -> execute -> cleanup lifecycle exposed to
// the CLI.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bbpl/local-runner/artifact"
	"github.com/bbpl/local-runner/bbplerr"
	"github.com/bbpl/local-runner/cache"
	"github.com/bbpl/local-runner/environment"
	"github.com/bbpl/local-runner/pipeline"
	"github.com/bbpl/local-runner/runnerconfig"
	"github.com/bbpl/local-runner/runtime"
	"github.com/bbpl/local-runner/scheduler"
	"github.com/bbpl/local-runner/selector"
	"github.com/bbpl/local-runner/validate"
)

// Paths groups the on-disk locations the engine manages, per spec.md §6.
type Paths struct {
	PipelineFile string
	Workspace    string
	CacheBaseDir string
	ArtifactDir  string
}

// DefaultPaths computes Paths rooted at the user's home directory and the
// given project directory, matching spec.md §6's filesystem layout.
func DefaultPaths(projectDir string) (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, bbplerr.New(bbplerr.FilesystemError, "engine: default paths", err)
	}
	return Paths{
		PipelineFile: filepath.Join(projectDir, "bitbucket-pipelines.yml"),
		Workspace:    projectDir,
		CacheBaseDir: filepath.Join(home, ".bitbucket-pipelines-local", "cache"),
		ArtifactDir:  filepath.Join(home, ".bitbucket-pipelines-local", "artifacts"),
	}, nil
}

// Engine owns one local pipeline run's lifecycle.
type Engine struct {
	Paths   Paths
	Logger  *slog.Logger
	Runtime *runtime.Driver
	Network string
	Config  runnerconfig.Config

	BranchOverride string

	// UserEnvFile, if set, names an extra dotenv file read as layer 3 of
	// spec.md §4.4 (between <cwd>/.env and <cwd>/.env.pipelines).
	UserEnvFile string

	// EnvReader reads the dotenv files layered into the Environment
	// Assembler. Defaults to environment.DotEnvReader{}.
	EnvReader environment.FileReader
}

// New constructs an Engine, creating a Docker client per cfg.DockerSocket
// (falling back to the ambient Docker environment when unset).
func New(paths Paths, cfg runnerconfig.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := runtime.NewFromConfig(cfg.DockerSocket)
	if err != nil {
		return nil, err
	}
	network := cfg.NetworkName
	if network == "" {
		network = "bbpl-local"
	}
	return &Engine{
		Paths:     paths,
		Logger:    logger,
		Runtime:   driver,
		Network:   network,
		Config:    cfg,
		EnvReader: environment.DotEnvReader{},
	}, nil
}

func (e *Engine) envReader() environment.FileReader {
	if e.EnvReader != nil {
		return e.EnvReader
	}
	return environment.DotEnvReader{}
}

// readEnvFile reads path with the engine's FileReader, returning (nil, nil)
// when path is empty or the file is absent.
func (e *Engine) readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vars, err := e.envReader().Read(path)
	if err != nil {
		return nil, bbplerr.New(bbplerr.ParseError, "engine: read env file", err)
	}
	return vars, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Load reads and parses the pipeline document.
func (e *Engine) Load() (*pipeline.Document, error) {
	return pipeline.Load(e.Paths.PipelineFile)
}

// Validate loads and validates the document, per spec.md §4.9: errors
// abort, warnings are only logged.
func (e *Engine) Validate() (validate.Result, error) {
	doc, err := e.Load()
	if err != nil {
		return validate.Result{}, err
	}
	result := validate.Document(doc)
	for _, w := range result.Warnings {
		e.logger().Warn("pipeline validation warning", "message", w)
	}
	return result, nil
}

// ListPipelines returns every pipeline label in the document, sorted.
func (e *Engine) ListPipelines() ([]string, error) {
	doc, err := e.Load()
	if err != nil {
		return nil, err
	}
	labels := doc.Pipelines.ListLabels()
	sort.Strings(labels)
	return labels, nil
}

// pipelineContext computes spec.md §4.9's synthesized PipelineContext.
func (e *Engine) pipelineContext() environment.PipelineContext {
	branch := e.BranchOverride
	if branch == "" {
		branch = "local"
	}
	repoSlug := filepath.Base(e.Paths.Workspace)
	return environment.PipelineContext{
		Workspace:    e.Paths.Workspace,
		RepoSlug:     repoSlug,
		RepoUUID:     "{00000000-0000-0000-0000-000000000000}",
		RepoFullName: repoSlug,
		BuildNumber:  time.Now().UnixMilli(),
		Commit:       "local-commit",
		Branch:       branch,
	}
}

// ClearCacheOptions selects what ClearCache removes. The zero value removes
// nothing; the clear-cache command sets both unless told otherwise.
type ClearCacheOptions struct {
	Cache     bool
	Artifacts bool
}

// ClearCache removes cache archives and/or the artifact directory tree.
func (e *Engine) ClearCache(opts ClearCacheOptions) error {
	if opts.Cache {
		if err := cache.New(e.Paths.CacheBaseDir).ClearAll(); err != nil {
			return err
		}
	}
	if opts.Artifacts {
		if err := os.RemoveAll(e.Paths.ArtifactDir); err != nil {
			return bbplerr.New(bbplerr.FilesystemError, "engine: clear artifacts", err)
		}
	}
	return nil
}

// Selection is the CLI-facing run request.
type Selection = selector.Intent

// Run executes the selected pipeline end to end: select -> prepare
// directories -> create the shared network -> drive the Scheduler ->
// always clean up.
func (e *Engine) Run(ctx context.Context, sel Selection, dryRun bool) (scheduler.Result, error) {
	doc, err := e.Load()
	if err != nil {
		return scheduler.Result{}, err
	}

	vr := validate.Document(doc)
	for _, w := range vr.Warnings {
		e.logger().Warn("pipeline validation warning", "message", w)
	}
	if !vr.OK() {
		return scheduler.Result{}, bbplerr.New(bbplerr.ValidationError, "engine: run",
			fmt.Errorf("document has %d validation error(s): %s", len(vr.Errors), strings.Join(vr.Errors, "; ")))
	}

	resolved, err := selector.Select(doc, sel)
	if err != nil {
		return scheduler.Result{}, err
	}

	if err := os.MkdirAll(e.Paths.Workspace, 0o755); err != nil {
		return scheduler.Result{}, bbplerr.New(bbplerr.FilesystemError, "engine: run", err)
	}
	if err := os.MkdirAll(e.Paths.CacheBaseDir, 0o755); err != nil {
		return scheduler.Result{}, bbplerr.New(bbplerr.FilesystemError, "engine: run", err)
	}
	if err := os.MkdirAll(e.Paths.ArtifactDir, 0o755); err != nil {
		return scheduler.Result{}, bbplerr.New(bbplerr.FilesystemError, "engine: run", err)
	}

	if err := e.Runtime.EnsureNetwork(ctx, e.Network); err != nil {
		return scheduler.Result{}, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Runtime.Cleanup(cleanupCtx); err != nil {
			e.logger().Warn("runtime cleanup failed", "error", err)
		}
	}()

	cwdEnv, err := e.readEnvFile(filepath.Join(e.Paths.Workspace, ".env"))
	if err != nil {
		return scheduler.Result{}, err
	}
	userEnv, err := e.readEnvFile(e.UserEnvFile)
	if err != nil {
		return scheduler.Result{}, err
	}
	pipelinesEnv, err := e.readEnvFile(filepath.Join(e.Paths.Workspace, ".env.pipelines"))
	if err != nil {
		return scheduler.Result{}, err
	}

	artifacts, err := e.artifactStore(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}

	sched := &scheduler.Scheduler{
		Cache:        cache.New(e.Paths.CacheBaseDir),
		Artifacts:    artifacts,
		Runtime:      e.Runtime,
		Environment:  environment.New(envAsMap(os.Environ()), cwdEnv, userEnv, pipelinesEnv, e.Config.EnvDefaults),
		PipelineCtx:  e.pipelineContext(),
		WorkspaceDir: e.Paths.Workspace,
		NetworkName:  e.Network,
		DryRun:       dryRun,
		Logger:       e.logger(),
		CachePaths:   doc.CachePaths(),
		DefaultImage: e.defaultImage(doc),
		MemoryLimits: e.Config.MemoryLimits,
		CPULimits:    e.Config.CPULimits,
	}

	e.logger().Info("running pipeline", "label", resolved.Label)
	result := sched.Run(ctx, resolved.Pipeline)
	return result, nil
}

// defaultImage resolves the document -> runner-config half of spec.md §3's
// image fallback chain (the scheduler itself resolves step -> this value).
func (e *Engine) defaultImage(doc *pipeline.Document) string {
	if img := doc.DefaultImage(); img != "" {
		return img
	}
	return e.Config.DefaultImage
}

// artifactStore builds the scheduler's artifact store: a plain local Store,
// or one decorated with an S3Mirror when cfg.ArtifactMirror.Bucket is set
// (spec.md §4.6's optional remote mirror).
func (e *Engine) artifactStore(ctx context.Context) (scheduler.ArtifactStore, error) {
	local := artifact.New(e.Paths.ArtifactDir)
	bucket := e.Config.ArtifactMirror.Bucket
	if bucket == "" {
		return local, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(e.Config.ArtifactMirror.Region))
	if err != nil {
		return nil, bbplerr.New(bbplerr.FilesystemError, "engine: load aws config", err)
	}
	client := s3.NewFromConfig(awsCfg)
	mirror := artifact.NewS3Mirror(client, bucket, e.Config.ArtifactMirror.Prefix)
	return artifact.NewMirroredStore(local, mirror), nil
}

func envAsMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
