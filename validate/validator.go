// Package validate enforces spec.md §4.2's schema and cross-field
// constraints on a parsed pipeline.Document, returning separate error and
// warning lists.
package validate

import (
	"fmt"
	"regexp"

	"github.com/bbpl/local-runner/pipeline"
)

// Result holds the outcome of validating a Document.
type Result struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the document is clean enough to execute.
func (r Result) OK() bool { return len(r.Errors) == 0 }

var customNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Document validates doc and returns all errors and warnings found. It does
// not stop at the first error — every check runs so the caller sees the
// full picture.
func Document(doc *pipeline.Document) Result {
	var r Result

	hasAny := doc.Pipelines.Default != nil || len(doc.Pipelines.Branches) > 0 ||
		len(doc.Pipelines.Tags) > 0 || len(doc.Pipelines.Custom) > 0 || len(doc.Pipelines.PullRequests) > 0
	if !hasAny {
		r.Errors = append(r.Errors, "pipelines: at least one pipeline must be defined")
	}

	if doc.Image != nil {
		validateImage(*doc.Image, "image", &r)
	}

	validatePipeline(doc.Pipelines.Default, "pipelines.default", &r)
	for name, p := range doc.Pipelines.Branches {
		validatePipeline(p, fmt.Sprintf("pipelines.branches.%s", name), &r)
	}
	for name, p := range doc.Pipelines.Tags {
		validatePipeline(p, fmt.Sprintf("pipelines.tags.%s", name), &r)
	}
	for name, p := range doc.Pipelines.PullRequests {
		validatePipeline(p, fmt.Sprintf("pipelines.pullrequests.%s", name), &r)
	}
	for name, p := range doc.Pipelines.Custom {
		validatePipeline(p, fmt.Sprintf("pipelines.custom.%s", name), &r)
		if !customNamePattern.MatchString(name) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("pipelines.custom.%s: name should match [A-Za-z0-9_-]+", name))
		}
	}

	if doc.Definitions != nil {
		for name, svc := range doc.Definitions.Services {
			if svc.Image == "" {
				r.Errors = append(r.Errors, fmt.Sprintf("definitions.services.%s: image is required", name))
			}
			for _, port := range svc.Ports {
				_ = port // already a string by construction; kept for symmetry with spec.md's "ports are strings" rule
			}
		}
		for name, step := range doc.Definitions.Steps {
			validateStep(step, fmt.Sprintf("definitions.steps.%s", name), &r)
		}
	}

	validateCacheReferences(doc, &r)

	return r
}

// validateCacheReferences enforces invariant 3 of spec.md §3: every cache
// name a step declares must be either a builtin or defined under
// definitions.caches.
func validateCacheReferences(doc *pipeline.Document, r *Result) {
	known := map[string]bool{}
	for name := range pipeline.BuiltinCaches {
		known[name] = true
	}
	if doc.Definitions != nil {
		for name := range doc.Definitions.Caches {
			known[name] = true
		}
	}

	check := func(p *pipeline.Pipeline, path string) {
		if p == nil {
			return
		}
		for i, item := range p.Items {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			if item.IsGroup() {
				for j, s := range item.Group.Steps {
					checkStepCaches(s, fmt.Sprintf("%s.steps[%d]", itemPath, j), known, r)
				}
			} else if item.Step != nil {
				checkStepCaches(*item.Step, itemPath, known, r)
			}
		}
	}

	check(doc.Pipelines.Default, "pipelines.default")
	for name, p := range doc.Pipelines.Branches {
		check(p, fmt.Sprintf("pipelines.branches.%s", name))
	}
	for name, p := range doc.Pipelines.Tags {
		check(p, fmt.Sprintf("pipelines.tags.%s", name))
	}
	for name, p := range doc.Pipelines.PullRequests {
		check(p, fmt.Sprintf("pipelines.pullrequests.%s", name))
	}
	for name, p := range doc.Pipelines.Custom {
		check(p, fmt.Sprintf("pipelines.custom.%s", name))
	}
}

func checkStepCaches(s pipeline.Step, path string, known map[string]bool, r *Result) {
	for _, name := range s.Caches {
		if !known[name] {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: cache %q is not a builtin or declared under definitions.caches", path, name))
		}
	}
}

func validatePipeline(p *pipeline.Pipeline, path string, r *Result) {
	if p == nil {
		return
	}
	if len(p.Items) == 0 {
		r.Warnings = append(r.Warnings, path+": pipeline is empty")
		return
	}
	for i, item := range p.Items {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case item.IsGroup():
			validateParallel(*item.Group, itemPath, r)
		case item.Step != nil:
			validateStep(*item.Step, itemPath, r)
		default:
			r.Errors = append(r.Errors, itemPath+": item must be a step or a parallel group")
		}
	}
}

func validateParallel(g pipeline.ParallelGroup, path string, r *Result) {
	if len(g.Steps) == 0 {
		r.Errors = append(r.Errors, path+": parallel group must have at least one step")
		return
	}
	if len(g.Steps) == 1 {
		r.Warnings = append(r.Warnings, path+": parallel group has only one step")
	}
	if len(g.Steps) > 10 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: parallel group has %d steps, more than 10", path, len(g.Steps)))
	}
	for i, s := range g.Steps {
		validateStep(s, fmt.Sprintf("%s.steps[%d]", path, i), r)
	}
}

func validateStep(s pipeline.Step, path string, r *Result) {
	if len(s.Script) == 0 {
		r.Errors = append(r.Errors, path+": script must have at least one line")
	}
	if len(s.Script) > 100 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: script has %d lines, more than 100", path, len(s.Script)))
	}

	if s.Size != "" && !pipeline.SupportedSizes[s.Size] {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: size %q is not supported", path, s.Size))
	}

	if s.MaxTime != nil {
		if *s.MaxTime <= 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: maxTime must be a positive number", path))
		} else if *s.MaxTime > 120 {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: maxTime is %g minutes, more than 120", path, *s.MaxTime))
		}
	}

	if s.Trigger != "" && s.Trigger != pipeline.TriggerAutomatic && s.Trigger != pipeline.TriggerManual {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: trigger %q must be automatic or manual", path, s.Trigger))
	}

	if s.Artifacts != nil && len(s.Artifacts.Paths) == 0 {
		r.Errors = append(r.Errors, path+": artifacts.paths must be a non-empty sequence")
	}

	if s.Image != nil {
		validateImage(*s.Image, path+".image", r)
	}

	if len(s.Name) > 50 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: name is %d characters, more than 50", path, len(s.Name)))
	}
}

func validateImage(img pipeline.Image, path string, r *Result) {
	if img.Name == "" {
		r.Errors = append(r.Errors, path+": name must not be empty")
		return
	}
	if img.Username != "" && img.Password == "" {
		r.Warnings = append(r.Warnings, path+": username set without a password")
	}
}
