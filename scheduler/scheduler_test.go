package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbpl/local-runner/artifact"
	"github.com/bbpl/local-runner/environment"
	"github.com/bbpl/local-runner/pipeline"
	"github.com/bbpl/local-runner/runtime"
)

type fakeCache struct {
	restored []string // targetDir passed to each Restore call
	saved    []string // sourceDir passed to each Save call
}

func (f *fakeCache) Restore(name, targetDir string) (bool, error) {
	f.restored = append(f.restored, targetDir)
	return false, nil
}
func (f *fakeCache) Save(name, sourceDir string) error {
	f.saved = append(f.saved, sourceDir)
	return nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	saved     []string
	restoredFrom []string // stepName passed to each Restore call
}

func (f *fakeArtifacts) Save(ctx context.Context, stepName, sourceDir string, patterns []string) (artifact.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, stepName)
	return artifact.Metadata{StepName: stepName}, nil
}
func (f *fakeArtifacts) Restore(ctx context.Context, stepName, targetDir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoredFrom = append(f.restoredFrom, stepName)
	return false, nil
}

type fakeRuntime struct {
	exitCodes map[string]int
}

func (f fakeRuntime) Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.RunResult, error) {
	code := f.exitCodes[spec.Image]
	return &runtime.RunResult{ExitCode: code, Stdout: "ok"}, nil
}

func newScheduler(rt RuntimeDriver) *Scheduler {
	return &Scheduler{
		Cache:        &fakeCache{},
		Artifacts:    &fakeArtifacts{},
		Runtime:      rt,
		Environment:  environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
		ItemSpacing:  0,
	}
}

func step(name, image string) pipeline.Step {
	return pipeline.Step{Name: name, Script: []string{"echo hi"}, Image: &pipeline.Image{Name: image}}
}

func TestRun_SequentialSuccess(t *testing.T) {
	rt := fakeRuntime{exitCodes: map[string]int{"a": 0, "b": 0}}
	s := newScheduler(rt)

	p := &pipeline.Pipeline{Items: []pipeline.Item{
		{Step: ptr(step("one", "a"))},
		{Step: ptr(step("two", "b"))},
	}}

	result := s.Run(context.Background(), p)
	assert.True(t, result.Success)
	assert.Equal(t, -1, result.FailedAt)
	assert.Len(t, result.Items, 2)
}

func TestRun_ShortCircuitsOnFirstFailure(t *testing.T) {
	rt := fakeRuntime{exitCodes: map[string]int{"a": 1, "b": 0}}
	s := newScheduler(rt)

	p := &pipeline.Pipeline{Items: []pipeline.Item{
		{Step: ptr(step("one", "a"))},
		{Step: ptr(step("two", "b"))},
	}}

	result := s.Run(context.Background(), p)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.FailedAt)
	require.Len(t, result.Items, 1) // second item never started
}

func TestRun_DryRunNeverCallsRuntime(t *testing.T) {
	s := newScheduler(fakeRuntime{exitCodes: map[string]int{"a": 1}})
	s.DryRun = true

	p := &pipeline.Pipeline{Items: []pipeline.Item{{Step: ptr(step("one", "a"))}}}
	result := s.Run(context.Background(), p)
	assert.True(t, result.Success)
	assert.Equal(t, StateSucceeded, result.Items[0].Steps[0].State)
}

func TestRunParallelGroup_FailFastLeavesNoStepRunning(t *testing.T) {
	rt := fakeRuntime{exitCodes: map[string]int{"a": 1, "b": 0, "c": 0}}
	s := newScheduler(rt)

	g := pipeline.ParallelGroup{FailFast: true, Steps: []pipeline.Step{
		step("one", "a"), step("two", "b"), step("three", "c"),
	}}
	item := s.runParallelGroup(context.Background(), g)
	assert.False(t, item.Success())
	for _, r := range item.Steps {
		assert.Contains(t, []StepState{StateFailed, StateSucceeded, StateCancelled}, r.State)
		assert.NotEqual(t, StateRunning, r.State)
	}
}

func TestRunParallelGroup_WaitAllWithoutFailFast(t *testing.T) {
	rt := fakeRuntime{exitCodes: map[string]int{"a": 1, "b": 0}}
	s := newScheduler(rt)

	g := pipeline.ParallelGroup{FailFast: false, Steps: []pipeline.Step{step("one", "a"), step("two", "b")}}
	item := s.runParallelGroup(context.Background(), g)
	assert.False(t, item.Success())
	require.Len(t, item.Steps, 2)
	assert.Equal(t, StateSucceeded, item.Steps[1].State)
}

func ptr[T any](v T) *T { return &v }

func TestRunStep_ResolvesCachePathRelativeToWorkspace(t *testing.T) {
	cache := &fakeCache{}
	s := &Scheduler{
		Cache:       cache,
		Artifacts:   &fakeArtifacts{},
		Runtime:     fakeRuntime{exitCodes: map[string]int{"": 0}},
		Environment: environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
		CachePaths:  map[string]string{"node": "node_modules"},
	}

	st := pipeline.Step{Name: "build", Script: []string{"echo hi"}, Caches: []string{"node"}}
	result := s.runStep(context.Background(), st, environment.StepIdentity{})

	require.True(t, result.Succeeded())
	require.Len(t, cache.restored, 1)
	assert.Equal(t, "/tmp/workspace/node_modules", cache.restored[0])
	require.Len(t, cache.saved, 1)
	assert.Equal(t, "/tmp/workspace/node_modules", cache.saved[0])
}

func TestRunStep_UnknownCacheIsSkippedNotWorkspace(t *testing.T) {
	cache := &fakeCache{}
	s := &Scheduler{
		Cache:       cache,
		Artifacts:   &fakeArtifacts{},
		Runtime:     fakeRuntime{exitCodes: map[string]int{"": 0}},
		Environment: environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
		CachePaths:  map[string]string{},
	}

	st := pipeline.Step{Name: "build", Script: []string{"echo hi"}, Caches: []string{"unknown"}}
	s.runStep(context.Background(), st, environment.StepIdentity{})

	assert.Empty(t, cache.restored)
	assert.Empty(t, cache.saved)
}

func TestRunStep_ImageFallsBackToDefault(t *testing.T) {
	s := &Scheduler{
		Cache:        &fakeCache{},
		Artifacts:    &fakeArtifacts{},
		Runtime:      fakeRuntime{exitCodes: map[string]int{"fallback-image": 0}},
		Environment:  environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
		DefaultImage: "fallback-image",
	}

	st := pipeline.Step{Name: "build", Script: []string{"echo hi"}}
	result := s.runStep(context.Background(), st, environment.StepIdentity{})
	require.True(t, result.Succeeded())
}

func TestRunStep_StepImageWinsOverDefault(t *testing.T) {
	s := &Scheduler{
		Cache:        &fakeCache{},
		Artifacts:    &fakeArtifacts{},
		Runtime:      fakeRuntime{exitCodes: map[string]int{"step-image": 0, "fallback-image": 1}},
		Environment:  environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
		DefaultImage: "fallback-image",
	}

	st := step("build", "step-image")
	result := s.runStep(context.Background(), st, environment.StepIdentity{})
	require.True(t, result.Succeeded())
}

func TestRun_LaterStepRestoresEarlierStepsArtifacts(t *testing.T) {
	artifacts := &fakeArtifacts{}
	s := &Scheduler{
		Cache:        &fakeCache{},
		Artifacts:    artifacts,
		Runtime:      fakeRuntime{exitCodes: map[string]int{"a": 0, "b": 0}},
		Environment:  environment.New(nil, nil, nil, nil, nil),
		WorkspaceDir: "/tmp/workspace",
	}

	a := step("first", "a")
	a.Artifacts = &pipeline.Artifacts{Paths: []string{"build/**"}}
	b := step("second", "b")

	p := &pipeline.Pipeline{Items: []pipeline.Item{{Step: ptr(a)}, {Step: ptr(b)}}}
	result := s.Run(context.Background(), p)

	require.True(t, result.Success)
	assert.Contains(t, artifacts.restoredFrom, "first")
}
