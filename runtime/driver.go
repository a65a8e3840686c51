// Package runtime is the thin Runtime Driver of spec.md §4.7: it turns a
// ContainerSpec into a Docker-Engine-API container lifecycle (pull,
// create, start, wait, stream logs, remove) plus the shared network every
// run's steps and services attach to.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bbpl/local-runner/bbplerr"
)

// APIClient is the subset of the Docker Engine SDK the driver depends on,
// matching the teacher's test seam of injecting a *client.Client.
type APIClient interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *networktypes.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	Close() error
}

// Mount describes a bind mount from host to container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is the resolved description of one container the driver
// should run: a pipeline step, or a definitions.services sidecar.
type ContainerSpec struct {
	Image       string
	Cmd         []string
	Env         []string
	WorkDir     string
	Memory      string // e.g. "2G", parsed with docker/go-units
	CPU         string // decimal CPU count, e.g. "1.5"
	Mounts      []Mount
	NetworkName string
	Timeout     time.Duration
}

// RunResult is the outcome of running one container to completion.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver manages container and network lifecycles for one pipeline run.
type Driver struct {
	cli      APIClient
	networks []string
}

// New wraps an already-configured Docker client.
func New(cli APIClient) *Driver {
	return &Driver{cli: cli}
}

// NewFromEnv builds a Driver using DOCKER_HOST and friends from the
// process environment, negotiating the API version with the daemon.
func NewFromEnv() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, bbplerr.New(bbplerr.DockerError, "runtime: new", err)
	}
	return &Driver{cli: cli}, nil
}

// NewFromConfig builds a Driver the same way NewFromEnv does, except that a
// non-empty dockerSocket (runnerconfig.Config.DockerSocket) overrides
// DOCKER_HOST. dockerSocket may be a bare path ("/var/run/docker.sock") or
// a full host URL ("tcp://...", "unix://...").
func NewFromConfig(dockerSocket string) (*Driver, error) {
	if dockerSocket == "" {
		return NewFromEnv()
	}
	host := dockerSocket
	if !strings.Contains(host, "://") {
		host = "unix://" + host
	}
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, bbplerr.New(bbplerr.DockerError, "runtime: new", err)
	}
	return &Driver{cli: cli}, nil
}

// containerName synthesizes a name scoped to this run, matching spec.md's
// bbpl-<epoch-ms>-<random9> scheme so concurrent runs never collide.
func containerName() string {
	return fmt.Sprintf("bbpl-%d-%09d", time.Now().UnixMilli(), rand.Intn(1_000_000_000))
}

// EnsureImage pulls ref if it is not already present locally.
func (d *Driver) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return bbplerr.New(bbplerr.DockerError, "runtime: pull image", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return bbplerr.New(bbplerr.DockerError, "runtime: pull image", err)
	}
	return nil
}

// Run creates, starts, waits for, and removes a container for spec,
// returning its exit code and its captured stdout and stderr. It always removes the
// container, even on error or timeout.
func (d *Driver) Run(ctx context.Context, spec ContainerSpec) (*RunResult, error) {
	if len(spec.Cmd) == 0 {
		return nil, bbplerr.New(bbplerr.ContainerError, "runtime: run", fmt.Errorf("command is required"))
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.EnsureImage(runCtx, spec.Image); err != nil {
		return nil, err
	}

	hostConfig, err := buildHostConfig(spec)
	if err != nil {
		return nil, bbplerr.New(bbplerr.ContainerError, "runtime: run", err)
	}

	var netConfig *networktypes.NetworkingConfig
	if spec.NetworkName != "" {
		netConfig = &networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				spec.NetworkName: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(runCtx, &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
	}, hostConfig, netConfig, nil, containerName())
	if err != nil {
		return nil, bbplerr.New(bbplerr.ContainerError, "runtime: create container", err)
	}
	id := resp.ID

	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer removeCancel()
		_ = d.cli.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, bbplerr.New(bbplerr.ContainerError, "runtime: start container", err)
	}

	statusCh, errCh := d.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, bbplerr.New(bbplerr.ContainerError, "runtime: wait container", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = d.cli.ContainerStop(stopCtx, id, container.StopOptions{})
		return nil, bbplerr.New(bbplerr.TimeoutError, "runtime: run", fmt.Errorf("execution timed out after %s", timeout))
	}

	stdout, stderr, err := d.logs(ctx, id)
	if err != nil {
		return nil, bbplerr.New(bbplerr.ContainerError, "runtime: capture logs", err)
	}

	return &RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func (d *Driver) logs(ctx context.Context, id string) (string, string, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), nil
}

// EnsureNetwork idempotently creates a bridge network, treating "already
// exists" as success rather than an error.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return bbplerr.New(bbplerr.NetworkError, "runtime: ensure network", err)
	}
	d.networks = append(d.networks, name)
	return nil
}

// RemoveNetwork removes a network, downgrading "has active endpoints" to
// a no-op so cleanup never fails a run that is otherwise done.
func (d *Driver) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if err == nil || strings.Contains(err.Error(), "has active endpoints") || strings.Contains(err.Error(), "not found") {
		return nil
	}
	return bbplerr.New(bbplerr.NetworkError, "runtime: remove network", err)
}

// Cleanup removes every network this driver created and closes the
// underlying client.
func (d *Driver) Cleanup(ctx context.Context) error {
	for _, name := range d.networks {
		_ = d.RemoveNetwork(ctx, name)
	}
	d.networks = nil
	return d.cli.Close()
}

func buildHostConfig(spec ContainerSpec) (*container.HostConfig, error) {
	hc := &container.HostConfig{}

	if spec.Memory != "" {
		bytesLimit, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", spec.Memory, err)
		}
		hc.Resources.Memory = bytesLimit
	}
	if spec.CPU != "" {
		cpus, err := strconv.ParseFloat(spec.CPU, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu limit %q: %w", spec.CPU, err)
		}
		hc.Resources.NanoCPUs = int64(cpus * 1e9)
	}
	if len(spec.Mounts) > 0 {
		mounts := make([]mount.Mount, len(spec.Mounts))
		for i, m := range spec.Mounts {
			mounts[i] = mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
		}
		hc.Mounts = mounts
	}
	return hc, nil
}

const (
	scriptPath = "/tmp/bbpl-script.sh"
	afterPath  = "/tmp/bbpl-after-script.sh"
)

// singleQuote embeds s inside single quotes for a POSIX shell, escaping
// any embedded single quote by closing the quote, emitting an escaped
// quote, and reopening it.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeScript(path string, lines []string) string {
	body := "set -e\n" + strings.Join(lines, "\n") + "\n"
	return fmt.Sprintf("echo %s > %s && chmod +x %s", singleQuote(body), path, path)
}

// BuildStepCommand assembles the /bin/bash -c invocation for a step,
// per spec.md §4.7: the script is written to scriptPath, made executable,
// and run; when afterScript is non-empty both files are written and run
// as `($SCRIPT; ec=$?; $AFTER; exit $ec)` so the main script's exit code
// survives the after-script.
func BuildStepCommand(script, afterScript []string) []string {
	writeMain := writeScript(scriptPath, script)
	if len(afterScript) == 0 {
		full := fmt.Sprintf("%s && %s", writeMain, scriptPath)
		return []string{"/bin/bash", "-c", full}
	}
	writeAfter := writeScript(afterPath, afterScript)
	full := fmt.Sprintf("%s && %s && (%s; ec=$?; %s; exit $ec)", writeMain, writeAfter, scriptPath, afterPath)
	return []string{"/bin/bash", "-c", full}
}

// WorkspaceMountTarget is where the workspace is bind-mounted inside every
// step and service container.
const WorkspaceMountTarget = "/opt/atlassian/pipelines/agent/build"
