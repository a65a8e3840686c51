// Package selector resolves a pipeline.Document plus a selection intent
// down to exactly one Pipeline, per spec.md §4.3.
package selector

import (
	"fmt"

	"github.com/bbpl/local-runner/bbplerr"
	"github.com/bbpl/local-runner/pipeline"
)

// Intent carries the CLI-level selection request.
type Intent struct {
	Custom string
	Branch string
	// Pipeline, when set, must be the literal value "default" — any other
	// value is a SelectionError, per spec.md §4.3 step 3.
	Pipeline string
}

// Resolved is the outcome of a successful selection.
type Resolved struct {
	Pipeline *pipeline.Pipeline
	// Label identifies which collection the pipeline came from, in the
	// same "default"/"branches/<name>"/"custom/<name>" form as
	// pipeline.Pipelines.ListLabels.
	Label string
}

// Select resolves intent against doc.Pipelines, first match wins:
//
//  1. intent.Custom set -> pipelines.custom[Custom], error if absent.
//  2. intent.Branch set -> pipelines.branches[Branch], falling back to
//     pipelines.default if no such branch pipeline exists.
//  3. intent.Pipeline set -> only "default" is accepted.
//  4. otherwise -> pipelines.default.
func Select(doc *pipeline.Document, intent Intent) (*Resolved, error) {
	pls := doc.Pipelines

	if intent.Custom != "" {
		p, ok := pls.Custom[intent.Custom]
		if !ok {
			return nil, bbplerr.New(bbplerr.SelectionError, "selector: select",
				fmt.Errorf("custom pipeline %q not found", intent.Custom))
		}
		return &Resolved{Pipeline: p, Label: "custom/" + intent.Custom}, nil
	}

	if intent.Branch != "" {
		if p, ok := pls.Branches[intent.Branch]; ok {
			return &Resolved{Pipeline: p, Label: "branches/" + intent.Branch}, nil
		}
		if pls.Default != nil {
			return &Resolved{Pipeline: pls.Default, Label: "default"}, nil
		}
		return nil, bbplerr.New(bbplerr.SelectionError, "selector: select",
			fmt.Errorf("no pipeline for branch %q and no default pipeline", intent.Branch))
	}

	if intent.Pipeline != "" {
		if intent.Pipeline != "default" {
			return nil, bbplerr.New(bbplerr.SelectionError, "selector: select",
				fmt.Errorf("pipeline %q is not supported; only \"default\" is accepted", intent.Pipeline))
		}
		if pls.Default == nil {
			return nil, bbplerr.New(bbplerr.SelectionError, "selector: select", fmt.Errorf("no default pipeline"))
		}
		return &Resolved{Pipeline: pls.Default, Label: "default"}, nil
	}

	if pls.Default != nil {
		return &Resolved{Pipeline: pls.Default, Label: "default"}, nil
	}
	return nil, bbplerr.New(bbplerr.SelectionError, "selector: select", fmt.Errorf("no default pipeline defined"))
}
