// Package environment builds the effective environment mapping for a step
// from the layered sources of spec.md §4.4, with system variables always
// winning over user-supplied values of the same name.
package environment

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bbpl/local-runner/pipeline"
)

// FileReader loads a dotenv-style file. It is the "environment-file
// reader" spec.md §1 names as an external collaborator: only its contract
// is specified here; DotEnvReader (envfile.go) is this module's default,
// swappable implementation of it.
type FileReader interface {
	// Read returns the KEY=VALUE pairs in path, or (nil, nil) if path does
	// not exist. A malformed file is an error.
	Read(path string) (map[string]string, error)
}

// PipelineContext carries the run-scoped identifiers system variables are
// computed from (spec.md §4.4, §4.9).
type PipelineContext struct {
	Workspace      string
	RepoSlug       string
	RepoUUID       string
	RepoFullName   string
	BuildNumber    int64
	Commit         string
	Branch         string
	Tag            string
	Bookmark       string
	PRID           string
	PRDestination  string
	DeployEnvironment string

	PipelineUUID   string
	TriggererUUID  string
}

// StepIdentity is the per-step scoping information layered on top of a
// PipelineContext.
type StepIdentity struct {
	StepUUID     string
	InParallel   bool
	ParallelSize int
}

var validNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name matches spec.md §4.4's
// ^[A-Z_][A-Z0-9_]*$ (case-insensitively).
func ValidName(name string) bool {
	return validNamePattern.MatchString(name)
}

// Assembler builds per-step effective environments from layered sources.
type Assembler struct {
	ProcessEnv    map[string]string
	CWDEnvFile    map[string]string // <cwd>/.env
	UserEnvFile   map[string]string // caller-supplied env file
	PipelinesFile map[string]string // <cwd>/.env.pipelines
	Defaults      map[string]string // runner config default variables

	// InvalidNames, if non-nil, is appended to with any variable name
	// (from any source) that fails ValidName. Invalid names are surfaced,
	// never filtered (spec.md §4.4).
	InvalidNames *[]string
}

// New creates an Assembler from the process environment snapshot, the two
// well-known project dotenv files, an optional user-specified file, and
// runner default variables. cwdEnv/pipelinesEnv/userEnv may be nil when the
// corresponding file was absent.
func New(processEnv, cwdEnv, userEnv, pipelinesEnv, defaults map[string]string) *Assembler {
	return &Assembler{
		ProcessEnv:    processEnv,
		CWDEnvFile:    cwdEnv,
		UserEnvFile:   userEnv,
		PipelinesFile: pipelinesEnv,
		Defaults:      defaults,
	}
}

// Assemble computes the effective environment for one step, given the
// active pipeline context, this step's identity, and the step's own
// `variables` block. Sources are merged right-biased in the order listed
// in spec.md §4.4; system variables are applied last except for
// step-local variables, but always win over any user-supplied value with
// the same reserved name.
func (a *Assembler) Assemble(ctx PipelineContext, id StepIdentity, stepVars map[string]string) map[string]string {
	out := map[string]string{}
	layers := []map[string]string{
		a.ProcessEnv,
		a.CWDEnvFile,
		a.UserEnvFile,
		a.PipelinesFile,
		a.Defaults,
	}
	for _, layer := range layers {
		a.mergeLayer(out, layer)
	}

	sysVars := systemVariables(ctx, id)
	for k, v := range sysVars {
		out[k] = v
	}

	for k, v := range stepVars {
		if _, reserved := sysVars[k]; reserved {
			continue // system variables always win (spec.md §4.4, §8 invariant 3)
		}
		out[k] = v
		a.noteIfInvalid(k)
	}

	return out
}

func (a *Assembler) mergeLayer(out, layer map[string]string) {
	if layer == nil {
		return
	}
	keys := make([]string, 0, len(layer))
	for k := range layer {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic iteration for reproducible InvalidNames ordering
	for _, k := range keys {
		out[k] = layer[k]
		a.noteIfInvalid(k)
	}
}

func (a *Assembler) noteIfInvalid(name string) {
	if a.InvalidNames == nil || ValidName(name) {
		return
	}
	*a.InvalidNames = append(*a.InvalidNames, name)
}

// systemVariables computes the reserved system variables of spec.md §4.4.
// These always override user input for the same name.
func systemVariables(ctx PipelineContext, id StepIdentity) map[string]string {
	vars := map[string]string{
		"BBPL_WORKSPACE":                  ctx.Workspace,
		"BBPL_REPO_SLUG":                  ctx.RepoSlug,
		"BBPL_REPO_UUID":                  ctx.RepoUUID,
		"BBPL_REPO_FULL_NAME":             ctx.RepoFullName,
		"BBPL_BUILD_NUMBER":               fmt.Sprintf("%d", ctx.BuildNumber),
		"BBPL_COMMIT":                     ctx.Commit,
		"BBPL_BRANCH":                     ctx.Branch,
		"BBPL_TAG":                        ctx.Tag,
		"BBPL_BOOKMARK":                   ctx.Bookmark,
		"BBPL_PR_ID":                      ctx.PRID,
		"BBPL_PR_DESTINATION_BRANCH":      ctx.PRDestination,
		"BBPL_DEPLOYMENT_ENVIRONMENT":     ctx.DeployEnvironment,
		"BBPL_PIPELINE_UUID":              ctx.PipelineUUID,
		"BBPL_STEP_UUID":                  id.StepUUID,
		"BBPL_TRIGGERER_UUID":             ctx.TriggererUUID,
		"BBPL_CLONE_DIR":                  "/opt/atlassian/pipelines/agent/build",
		"BBPL_LOCAL":                      "true",
		"BBPL_EXECUTION_ID":               uuid.NewString(),
		"BBPL_EXECUTION_TIMESTAMP":        time.Now().UTC().Format(time.RFC3339),
	}
	if id.InParallel {
		vars["PARALLEL_STEP"] = "true"
		vars["PARALLEL_STEP_COUNT"] = fmt.Sprintf("%d", id.ParallelSize)
	}
	return vars
}

// StepKey returns a deterministic per-step key of the form "step-<seq>";
// p is not consulted. The key is not a UUID, and the scheduler does not
// call StepKey: BBPL_STEP_UUID comes only from StepIdentity.StepUUID.
func StepKey(p *pipeline.Pipeline, seq int) string {
	return fmt.Sprintf("step-%d", seq)
}
