// Package pipeline parses a bitbucket-pipelines-style document into the
// canonical, normalized pipeline model. Choosing which pipeline to run is
// done by package selector.
package pipeline

// SupportedSizes is the set of container sizes a step may request.
var SupportedSizes = map[string]bool{
	"1x": true, "2x": true, "4x": true, "8x": true, "16x": true,
}

// Trigger is how a step is started.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// Image is either a bare reference string or a structured image descriptor.
type Image struct {
	Name      string `yaml:"name"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	AWS       *AWSImageAuth `yaml:"aws,omitempty"`
	RunAsUser *int   `yaml:"run-as-user,omitempty"`
}

// AWSImageAuth carries ECR-style credentials for a private image.
type AWSImageAuth struct {
	AccessKey string `yaml:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty"`
}

// IsZero reports whether the image descriptor carries no reference at all.
func (i Image) IsZero() bool { return i.Name == "" }

// Changeset restricts a step's condition to a set of touched paths.
type Changeset struct {
	IncludePaths []string `yaml:"includePaths,omitempty"`
	ExcludePaths []string `yaml:"excludePaths,omitempty"`
}

// Condition gates whether a step runs, based on the changeset.
type Condition struct {
	Changeset *Changeset `yaml:"changeset,omitempty"`
}

// Artifacts describes files a step preserves for later steps.
type Artifacts struct {
	Paths    []string `yaml:"paths"`
	Download bool     `yaml:"download"`
}

// Step is a single container-backed unit of work.
type Step struct {
	Name        string            `yaml:"name,omitempty"`
	Image       *Image            `yaml:"image,omitempty"`
	Script      []string          `yaml:"script"`
	Size        string            `yaml:"size,omitempty"`
	MaxTime     *float64          `yaml:"maxTime,omitempty"`
	Caches      []string          `yaml:"caches,omitempty"`
	Artifacts   *Artifacts        `yaml:"artifacts,omitempty"`
	Services    []string          `yaml:"services,omitempty"`
	Trigger     Trigger           `yaml:"trigger,omitempty"`
	Condition   *Condition        `yaml:"condition,omitempty"`
	AfterScript []string          `yaml:"afterScript,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Deployment  string            `yaml:"deployment,omitempty"`
}

// ParallelGroup is a set of steps executed concurrently.
type ParallelGroup struct {
	FailFast bool   `yaml:"failFast"`
	Steps    []Step `yaml:"steps"`
}

// Item is exactly one of Step or Group, discriminated once at load time
// (the teacher's source duck-types on "step" vs "parallel"; here it's a
// tagged union resolved during normalization, see spec.md's design notes).
type Item struct {
	Step  *Step
	Group *ParallelGroup
}

// IsGroup reports whether this item is a parallel group rather than a step.
func (it Item) IsGroup() bool { return it.Group != nil }

// Pipeline is an ordered sequence of items.
type Pipeline struct {
	Items []Item
}

// Pipelines groups the five keyed pipeline collections.
type Pipelines struct {
	Default      *Pipeline
	Branches     map[string]*Pipeline
	Tags         map[string]*Pipeline
	PullRequests map[string]*Pipeline
	Custom       map[string]*Pipeline
}

// GlobalOptions carries document-wide execution options.
type GlobalOptions struct {
	MaxTime float64 `yaml:"maxTime,omitempty"`
	Size    string  `yaml:"size,omitempty"`
	Docker  bool    `yaml:"docker,omitempty"`
}

// CloneConfig controls workspace checkout behavior.
type CloneConfig struct {
	Enabled bool `yaml:"enabled"`
	Depth   int  `yaml:"depth,omitempty"`
}

// Service is a named sidecar container definition. The engine only
// validates service definitions; it starts no service containers, and a
// step's services list is parsed but not acted on.
type Service struct {
	Image     string            `yaml:"image"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Memory    string            `yaml:"memory,omitempty"`
	Ports     []string          `yaml:"ports,omitempty"`
}

// Definitions holds document-level reusable declarations.
type Definitions struct {
	Caches   map[string]string  `yaml:"caches,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
	Steps    map[string]Step    `yaml:"steps,omitempty"`
}

// Document is the canonical, normalized pipeline document.
type Document struct {
	Image       *Image         `yaml:"image,omitempty"`
	Options     *GlobalOptions `yaml:"options,omitempty"`
	Clone       *CloneConfig   `yaml:"clone,omitempty"`
	Definitions *Definitions   `yaml:"definitions,omitempty"`
	Pipelines   Pipelines
}

// BuiltinCaches is the predefined name -> path table of spec.md §4.5,
// resolved relative to the workspace ("~" expands to the running user's
// home directory).
var BuiltinCaches = map[string]string{
	"node":      "node_modules",
	"npm":       "~/.npm",
	"yarn":      "~/.cache/yarn",
	"pip-cache": "~/.cache/pip",
	"composer":  "vendor",
	"gradle":    "~/.gradle/caches",
	"maven":     "~/.m2/repository",
	"docker":    "/var/lib/docker",
}

// CachePaths returns the full name -> raw path table this document's caches
// resolve against: the builtin table of spec.md §4.5, overridden entry by
// entry by definitions.caches.
func (d *Document) CachePaths() map[string]string {
	paths := make(map[string]string, len(BuiltinCaches))
	for name, path := range BuiltinCaches {
		paths[name] = path
	}
	if d.Definitions != nil {
		for name, path := range d.Definitions.Caches {
			paths[name] = path
		}
	}
	return paths
}

// DefaultImage returns the document-level default image name, or "" if
// none is set.
func (d *Document) DefaultImage() string {
	if d.Image == nil {
		return ""
	}
	return d.Image.Name
}
