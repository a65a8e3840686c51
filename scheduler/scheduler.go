// Package scheduler walks a selected pipeline.Pipeline, dispatching
// sequential steps and parallel groups with fail-fast/cancellation
// semantics, per spec.md §4.8.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bbpl/local-runner/artifact"
	"github.com/bbpl/local-runner/cache"
	"github.com/bbpl/local-runner/environment"
	"github.com/bbpl/local-runner/pipeline"
	"github.com/bbpl/local-runner/runtime"
)

// StepState is a step's position in its state machine.
type StepState string

const (
	StatePending   StepState = "PENDING"
	StateRunning   StepState = "RUNNING"
	StateSucceeded StepState = "SUCCEEDED"
	StateFailed    StepState = "FAILED"
	StateCancelled StepState = "CANCELLED"
)

// StepResult is the outcome of running one step.
type StepResult struct {
	Name     string
	State    StepState
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the step completed with exit code 0.
func (r StepResult) Succeeded() bool { return r.State == StateSucceeded && r.ExitCode == 0 }

// ItemResult is the outcome of one pipeline item: a single StepResult for
// a step, or one per child for a parallel group.
type ItemResult struct {
	Steps []StepResult
}

// Success reports whether every step in the item succeeded.
func (r ItemResult) Success() bool {
	for _, s := range r.Steps {
		if !s.Succeeded() {
			return false
		}
	}
	return true
}

// Result is the aggregate outcome of running a pipeline.
type Result struct {
	Items   []ItemResult
	Success bool
	// FailedAt is the index of the first failing item, or -1 if every
	// item succeeded.
	FailedAt int
}

// CacheStore is the subset of cache.Store the scheduler depends on.
type CacheStore interface {
	Restore(name, targetDir string) (bool, error)
	Save(name, sourceDir string) error
}

// ArtifactStore is the subset of artifact.Store the scheduler depends on.
type ArtifactStore interface {
	Save(ctx context.Context, stepName, sourceDir string, patterns []string) (artifact.Metadata, error)
	Restore(ctx context.Context, stepName, targetDir string) (bool, error)
}

// RuntimeDriver is the subset of runtime.Driver the scheduler depends on.
type RuntimeDriver interface {
	Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.RunResult, error)
}

// Scheduler drives one pipeline's execution.
type Scheduler struct {
	Cache       CacheStore
	Artifacts   ArtifactStore
	Runtime     RuntimeDriver
	Environment *environment.Assembler
	PipelineCtx environment.PipelineContext
	WorkspaceDir string
	NetworkName string
	DryRun      bool
	Logger      *slog.Logger

	// CachePaths maps a cache name (builtin or definitions.caches) to its
	// raw, document-declared path; resolveCachePath resolves it against
	// WorkspaceDir with cache.ResolvePath (spec.md §4.5). A cache name with
	// no entry here is skipped with a warning.
	CachePaths map[string]string

	// DefaultImage is used for a step that declares no image of its own,
	// once the document-level default has also been consulted: step ->
	// document -> runner config (spec.md §3).
	DefaultImage string

	// MemoryLimits and CPULimits map a container size ("1x".."16x") to the
	// resource values passed to the Runtime Driver (spec.md §4.7).
	MemoryLimits map[string]string
	CPULimits    map[string]string

	// ItemSpacing is the pause applied between pipeline items; defaults
	// to 100ms per spec.md §4.8 if left zero.
	ItemSpacing time.Duration

	mu            sync.Mutex
	artifactSteps []string // names of steps that have saved artifacts this run, in completion order
}

// recordArtifactStep appends name to the list of steps whose artifacts are
// available for carry-over to later steps.
func (s *Scheduler) recordArtifactStep(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactSteps = append(s.artifactSteps, name)
}

// priorArtifactSteps returns a snapshot of every step name that has saved
// artifacts so far in this run.
func (s *Scheduler) priorArtifactSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.artifactSteps))
	copy(out, s.artifactSteps)
	return out
}

// resolveCachePath resolves a cache name to its source/target directory.
// It returns ok=false for a name the document never declared.
func (s *Scheduler) resolveCachePath(name string) (path string, ok bool) {
	raw, ok := s.CachePaths[name]
	if !ok {
		return "", false
	}
	resolved, err := cache.ResolvePath(raw, s.WorkspaceDir)
	if err != nil {
		return "", false
	}
	return resolved, true
}

// resolveImage applies the step -> document -> runner-config default image
// fallback chain of spec.md §3.
func (s *Scheduler) resolveImage(step pipeline.Step) string {
	if step.Image != nil && step.Image.Name != "" {
		return step.Image.Name
	}
	return s.DefaultImage
}

// resolveResources translates a step's size into memory/CPU limits, per
// spec.md §4.7. Steps with no size use "1x".
func (s *Scheduler) resolveResources(step pipeline.Step) (memory, cpu string) {
	size := step.Size
	if size == "" {
		size = "1x"
	}
	return s.MemoryLimits[size], s.CPULimits[size]
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) spacing() time.Duration {
	if s.ItemSpacing > 0 {
		return s.ItemSpacing
	}
	return 100 * time.Millisecond
}

// Run walks p's items in order, stopping at the first failing item.
func (s *Scheduler) Run(ctx context.Context, p *pipeline.Pipeline) Result {
	result := Result{FailedAt: -1, Success: true}

	for i, item := range p.Items {
		var itemResult ItemResult
		if item.IsGroup() {
			itemResult = s.runParallelGroup(ctx, *item.Group)
		} else {
			itemResult = ItemResult{Steps: []StepResult{s.runStep(ctx, *item.Step, environment.StepIdentity{})}}
		}

		result.Items = append(result.Items, itemResult)
		if !itemResult.Success() {
			result.Success = false
			result.FailedAt = i
			return result // short-circuit: subsequent items are not started
		}

		if i < len(p.Items)-1 {
			time.Sleep(s.spacing())
		}
	}
	return result
}

// runParallelGroup dispatches every child step concurrently, honoring
// failFast.
func (s *Scheduler) runParallelGroup(ctx context.Context, g pipeline.ParallelGroup) ItemResult {
	results := make([]StepResult, len(g.Steps))

	if !g.FailFast {
		var eg errgroup.Group
		for i, step := range g.Steps {
			i, step := i, step
			eg.Go(func() error {
				results[i] = s.runStep(ctx, step, environment.StepIdentity{InParallel: true, ParallelSize: len(g.Steps)})
				return nil
			})
		}
		_ = eg.Wait()
		return ItemResult{Steps: results}
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(groupCtx)
	for i, step := range g.Steps {
		i, step := i, step
		eg.Go(func() error {
			r := s.runStep(egCtx, step, environment.StepIdentity{InParallel: true, ParallelSize: len(g.Steps)})
			results[i] = r
			if !r.Succeeded() {
				return fmt.Errorf("step %q failed", r.Name)
			}
			return nil
		})
	}
	_ = eg.Wait()

	// Any slot a cancelled-mid-flight goroutine never got to fill
	// contributes a synthetic cancellation result (spec.md §4.8).
	for i, step := range g.Steps {
		if results[i].Name == "" {
			results[i] = StepResult{
				Name:     step.Name,
				State:    StateCancelled,
				ExitCode: 1,
				Err:      fmt.Errorf("execution failed / cancelled"),
			}
		}
	}
	return ItemResult{Steps: results}
}

// runStep executes the per-step procedure of spec.md §4.8.
func (s *Scheduler) runStep(ctx context.Context, step pipeline.Step, id environment.StepIdentity) StepResult {
	name := step.Name
	if name == "" {
		name = "step"
	}
	start := time.Now()

	if s.DryRun {
		return StepResult{
			Name:     name,
			State:    StateSucceeded,
			ExitCode: 0,
			Stdout:   fmt.Sprintf("(dry run) would execute:\n%s", joinLines(step.Script)),
			Duration: time.Since(start),
		}
	}

	select {
	case <-ctx.Done():
		return StepResult{Name: name, State: StateCancelled, ExitCode: 1, Err: ctx.Err(), Duration: time.Since(start)}
	default:
	}

	for _, cacheName := range step.Caches {
		path, ok := s.resolveCachePath(cacheName)
		if !ok {
			s.logger().Warn("cache has no resolvable path, skipping", "cache", cacheName)
			continue
		}
		hit, err := s.Cache.Restore(cacheName, path)
		if err != nil {
			s.logger().Warn("cache restore failed, treating as miss", "cache", cacheName, "error", err)
			continue
		}
		s.logger().Info("cache restore", "cache", cacheName, "path", path, "hit", hit)
	}

	for _, priorStep := range s.priorArtifactSteps() {
		if _, err := s.Artifacts.Restore(ctx, priorStep, s.WorkspaceDir); err != nil {
			s.logger().Warn("artifact restore failed", "step", name, "from", priorStep, "error", err)
		}
	}

	env := s.Environment.Assemble(s.PipelineCtx, id, step.Variables)
	memory, cpu := s.resolveResources(step)
	spec := runtime.ContainerSpec{
		Image:       s.resolveImage(step),
		Cmd:         runtime.BuildStepCommand(step.Script, step.AfterScript),
		WorkDir:     runtime.WorkspaceMountTarget,
		Memory:      memory,
		CPU:         cpu,
		NetworkName: s.NetworkName,
		Mounts: []runtime.Mount{
			{Source: s.WorkspaceDir, Target: runtime.WorkspaceMountTarget},
		},
	}
	if step.MaxTime != nil && *step.MaxTime > 0 {
		spec.Timeout = time.Duration(*step.MaxTime * float64(time.Minute))
	}
	spec.Env = envSlice(env)

	runResult, err := s.Runtime.Run(ctx, spec)
	if err != nil {
		state := StateFailed
		if ctx.Err() != nil {
			state = StateCancelled
		}
		return StepResult{Name: name, State: state, ExitCode: 1, Err: err, Duration: time.Since(start)}
	}

	result := StepResult{
		Name:     name,
		ExitCode: runResult.ExitCode,
		Stdout:   runResult.Stdout,
		Stderr:   runResult.Stderr,
		Duration: time.Since(start),
	}
	if runResult.ExitCode == 0 {
		result.State = StateSucceeded
		for _, cacheName := range step.Caches {
			path, ok := s.resolveCachePath(cacheName)
			if !ok {
				s.logger().Warn("cache has no resolvable path, skipping save", "cache", cacheName)
				continue
			}
			if err := s.Cache.Save(cacheName, path); err != nil {
				s.logger().Warn("cache save failed", "cache", cacheName, "error", err)
			}
		}
		if step.Artifacts != nil && len(step.Artifacts.Paths) > 0 {
			if _, err := s.Artifacts.Save(ctx, name, s.WorkspaceDir, step.Artifacts.Paths); err != nil {
				s.logger().Warn("artifact save failed", "step", name, "error", err)
			} else {
				s.recordArtifactStep(name)
			}
		}
	} else {
		result.State = StateFailed
		result.Err = fmt.Errorf("step %q exited with code %d", name, runResult.ExitCode)
	}
	return result
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "  " + l + "\n"
	}
	return out
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
