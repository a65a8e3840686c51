package pipeline

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bbpl/local-runner/bbplerr"
)

// keyAliases maps a hyphen-case document key to its canonical camelCase
// name. If both are present on the same mapping, the camel form wins
// (spec.md §4.1).
var keyAliases = map[string]string{
	"max-time":       "maxTime",
	"after-script":   "afterScript",
	"run-as-user":    "runAsUser",
	"pull-requests":  "pullrequests",
	"fail-fast":      "failFast",
	"include-paths":  "includePaths",
	"exclude-paths":  "excludePaths",
}

// Load reads and parses a pipeline document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bbplerr.New(bbplerr.NotFound, "pipeline: load", err)
		}
		return nil, bbplerr.New(bbplerr.FilesystemError, "pipeline: load", err)
	}
	return Parse(data)
}

// Parse normalizes and validates the structural shape of raw document bytes
// into a canonical Document. It does not run the full Validator (see
// package validate) — only the structural checks spec.md §4.1 requires to
// build a model at all.
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse", err)
	}

	top, ok := asMap(raw)
	if !ok || top == nil {
		return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse", fmt.Errorf("document is empty or not a mapping"))
	}
	top = normalizeKeys(top)

	doc := &Document{}

	if v, ok := top["image"]; ok {
		img, err := parseImage(v)
		if err != nil {
			return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse image", err)
		}
		doc.Image = img
	}

	if v, ok := top["options"]; ok {
		opts, err := parseOptions(v)
		if err != nil {
			return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse options", err)
		}
		doc.Options = opts
	}

	if v, ok := top["clone"]; ok {
		clone, err := parseClone(v)
		if err != nil {
			return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse clone", err)
		}
		doc.Clone = clone
	} else {
		doc.Clone = &CloneConfig{Enabled: true}
	}

	if v, ok := top["definitions"]; ok {
		defs, err := parseDefinitions(v)
		if err != nil {
			return nil, bbplerr.New(bbplerr.ParseError, "pipeline: parse definitions", err)
		}
		doc.Definitions = defs
	}

	pv, ok := top["pipelines"]
	if !ok {
		return nil, bbplerr.New(bbplerr.ValidationError, "pipeline: parse", fmt.Errorf("pipelines is required"))
	}
	pm, ok := asMap(pv)
	if !ok {
		return nil, bbplerr.New(bbplerr.ValidationError, "pipeline: parse pipelines", fmt.Errorf("pipelines must be a mapping"))
	}
	pm = normalizeKeys(pm)

	pls := Pipelines{
		Branches:     map[string]*Pipeline{},
		Tags:         map[string]*Pipeline{},
		PullRequests: map[string]*Pipeline{},
		Custom:       map[string]*Pipeline{},
	}

	if v, ok := pm["default"]; ok {
		p, err := parsePipeline(v)
		if err != nil {
			return nil, bbplerr.New(bbplerr.ValidationError, "pipeline: parse pipelines.default", err)
		}
		pls.Default = p
	}
	for _, group := range []struct {
		key  string
		dest map[string]*Pipeline
	}{
		{"branches", pls.Branches},
		{"tags", pls.Tags},
		{"pullrequests", pls.PullRequests},
		{"custom", pls.Custom},
	} {
		v, ok := pm[group.key]
		if !ok {
			continue
		}
		gm, ok := asMap(v)
		if !ok {
			return nil, bbplerr.New(bbplerr.ValidationError, "pipeline: parse pipelines."+group.key, fmt.Errorf("must be a mapping"))
		}
		for name, pv := range gm {
			p, err := parsePipeline(pv)
			if err != nil {
				return nil, bbplerr.New(bbplerr.ValidationError, "pipeline: parse pipelines."+group.key+"."+name, err)
			}
			group.dest[name] = p
		}
	}
	doc.Pipelines = pls

	return doc, nil
}

// parsePipeline converts a raw sequence of pipeline items into a Pipeline,
// applying the structural lifts of spec.md §4.1 (step/parallel unwrapping,
// script/artifacts promotion).
func parsePipeline(v any) (*Pipeline, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("pipeline must be a sequence")
	}
	items := make([]Item, 0, len(seq))
	for i, rawItem := range seq {
		m, ok := asMap(rawItem)
		if !ok {
			return nil, fmt.Errorf("item %d: must be a mapping", i)
		}
		m = normalizeKeys(m)

		if pv, ok := m["parallel"]; ok {
			group, err := parseParallel(pv)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, Item{Group: group})
			continue
		}

		stepBody := m
		if sv, ok := m["step"]; ok {
			sm, ok := asMap(sv)
			if !ok {
				return nil, fmt.Errorf("item %d: step must be a mapping", i)
			}
			stepBody = normalizeKeys(sm)
		}

		step, err := parseStep(stepBody)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, Item{Step: step})
	}
	return &Pipeline{Items: items}, nil
}

func parseParallel(v any) (*ParallelGroup, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("parallel must be a mapping")
	}
	m = normalizeKeys(m)

	group := &ParallelGroup{FailFast: true}
	if ff, ok := m["failFast"]; ok {
		b, ok := ff.(bool)
		if !ok {
			return nil, fmt.Errorf("failFast must be a boolean")
		}
		group.FailFast = b
	}

	sv, ok := m["steps"]
	if !ok {
		return nil, fmt.Errorf("parallel requires steps")
	}
	seq, ok := sv.([]any)
	if !ok {
		return nil, fmt.Errorf("parallel.steps must be a sequence")
	}
	for i, rawStep := range seq {
		sm, ok := asMap(rawStep)
		if !ok {
			return nil, fmt.Errorf("steps[%d]: must be a mapping", i)
		}
		sm = normalizeKeys(sm)
		body := sm
		if inner, ok := sm["step"]; ok {
			im, ok := asMap(inner)
			if !ok {
				return nil, fmt.Errorf("steps[%d]: step must be a mapping", i)
			}
			body = normalizeKeys(im)
		}
		step, err := parseStep(body)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		group.Steps = append(group.Steps, *step)
	}
	return group, nil
}

func parseStep(m map[string]any) (*Step, error) {
	step := &Step{}

	if v, ok := m["name"]; ok {
		s, _ := v.(string)
		step.Name = s
	}
	if v, ok := m["image"]; ok {
		img, err := parseImage(v)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		step.Image = img
	}

	script, err := parseScript(m["script"])
	if err != nil {
		return nil, err
	}
	step.Script = script

	if v, ok := m["size"]; ok {
		s, _ := v.(string)
		step.Size = s
	}
	if v, ok := m["maxTime"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("maxTime: %w", err)
		}
		step.MaxTime = &f
	}
	if v, ok := m["caches"]; ok {
		ss, err := toStringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("caches: %w", err)
		}
		step.Caches = ss
	}
	if v, ok := m["artifacts"]; ok {
		a, err := parseArtifacts(v)
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		step.Artifacts = a
	}
	if v, ok := m["services"]; ok {
		ss, err := toStringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("services: %w", err)
		}
		step.Services = ss
	}
	if v, ok := m["trigger"]; ok {
		s, _ := v.(string)
		step.Trigger = Trigger(s)
	}
	if v, ok := m["condition"]; ok {
		cond, err := parseCondition(v)
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		step.Condition = cond
	}
	if v, ok := m["afterScript"]; ok {
		ss, err := parseScript(v)
		if err != nil {
			return nil, fmt.Errorf("afterScript: %w", err)
		}
		step.AfterScript = ss
	}
	if v, ok := m["variables"]; ok {
		vm, err := toStringMap(v)
		if err != nil {
			return nil, fmt.Errorf("variables: %w", err)
		}
		step.Variables = vm
	}
	if v, ok := m["deployment"]; ok {
		s, _ := v.(string)
		step.Deployment = s
	}

	return step, nil
}

// parseScript promotes a bare string to a one-element sequence
// (spec.md §4.1).
func parseScript(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	return toStringSlice(v)
}

// parseArtifacts promotes a bare list of strings to {paths, download:true}.
func parseArtifacts(v any) (*Artifacts, error) {
	if seq, ok := v.([]any); ok {
		paths, err := toStringSlice(seq)
		if err != nil {
			return nil, err
		}
		return &Artifacts{Paths: paths, Download: true}, nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("must be a sequence or a mapping")
	}
	m = normalizeKeys(m)
	a := &Artifacts{Download: true}
	if pv, ok := m["paths"]; ok {
		paths, err := toStringSlice(pv)
		if err != nil {
			return nil, fmt.Errorf("paths: %w", err)
		}
		a.Paths = paths
	}
	if dv, ok := m["download"]; ok {
		b, ok := dv.(bool)
		if !ok {
			return nil, fmt.Errorf("download must be a boolean")
		}
		a.Download = b
	}
	return a, nil
}

func parseCondition(v any) (*Condition, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("must be a mapping")
	}
	m = normalizeKeys(m)
	cond := &Condition{}
	if cv, ok := m["changeset"]; ok {
		cm, ok := asMap(cv)
		if !ok {
			return nil, fmt.Errorf("changeset: must be a mapping")
		}
		cm = normalizeKeys(cm)
		cs := &Changeset{}
		if iv, ok := cm["includePaths"]; ok {
			ss, err := toStringSlice(iv)
			if err != nil {
				return nil, fmt.Errorf("includePaths: %w", err)
			}
			cs.IncludePaths = ss
		}
		if ev, ok := cm["excludePaths"]; ok {
			ss, err := toStringSlice(ev)
			if err != nil {
				return nil, fmt.Errorf("excludePaths: %w", err)
			}
			cs.ExcludePaths = ss
		}
		cond.Changeset = cs
	}
	return cond, nil
}

func parseImage(v any) (*Image, error) {
	if s, ok := v.(string); ok {
		if s == "" {
			return nil, fmt.Errorf("image reference must not be empty")
		}
		return &Image{Name: s}, nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("image must be a string or a mapping")
	}
	m = normalizeKeys(m)
	img := &Image{}
	if nv, ok := m["name"]; ok {
		s, _ := nv.(string)
		img.Name = s
	}
	if img.Name == "" {
		return nil, fmt.Errorf("image name must not be empty")
	}
	if uv, ok := m["username"]; ok {
		s, _ := uv.(string)
		img.Username = s
	}
	if pv, ok := m["password"]; ok {
		s, _ := pv.(string)
		img.Password = s
	}
	if rv, ok := m["runAsUser"]; ok {
		f, err := toFloat(rv)
		if err == nil {
			n := int(f)
			img.RunAsUser = &n
		}
	}
	if av, ok := m["aws"]; ok {
		am, ok := asMap(av)
		if ok {
			aws := &AWSImageAuth{}
			if s, ok := am["access-key"].(string); ok {
				aws.AccessKey = s
			}
			if s, ok := am["secret-key"].(string); ok {
				aws.SecretKey = s
			}
			img.AWS = aws
		}
	}
	return img, nil
}

func parseOptions(v any) (*GlobalOptions, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("options must be a mapping")
	}
	m = normalizeKeys(m)
	opts := &GlobalOptions{}
	if mv, ok := m["maxTime"]; ok {
		f, err := toFloat(mv)
		if err != nil {
			return nil, fmt.Errorf("maxTime: %w", err)
		}
		opts.MaxTime = f
	}
	if sv, ok := m["size"]; ok {
		s, _ := sv.(string)
		opts.Size = s
	}
	if dv, ok := m["docker"]; ok {
		b, _ := dv.(bool)
		opts.Docker = b
	}
	return opts, nil
}

func parseClone(v any) (*CloneConfig, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("clone must be a mapping")
	}
	m = normalizeKeys(m)
	clone := &CloneConfig{Enabled: true}
	if ev, ok := m["enabled"]; ok {
		b, ok := ev.(bool)
		if !ok {
			return nil, fmt.Errorf("enabled must be a boolean")
		}
		clone.Enabled = b
	}
	if dv, ok := m["depth"]; ok {
		f, err := toFloat(dv)
		if err == nil {
			clone.Depth = int(f)
		}
	}
	return clone, nil
}

func parseDefinitions(v any) (*Definitions, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("definitions must be a mapping")
	}
	m = normalizeKeys(m)
	defs := &Definitions{
		Caches:   map[string]string{},
		Services: map[string]Service{},
		Steps:    map[string]Step{},
	}
	if cv, ok := m["caches"]; ok {
		cm, ok := asMap(cv)
		if !ok {
			return nil, fmt.Errorf("caches: must be a mapping")
		}
		for name, pv := range cm {
			s, _ := pv.(string)
			defs.Caches[name] = s
		}
	}
	if sv, ok := m["services"]; ok {
		sm, ok := asMap(sv)
		if !ok {
			return nil, fmt.Errorf("services: must be a mapping")
		}
		for name, svcV := range sm {
			svm, ok := asMap(svcV)
			if !ok {
				return nil, fmt.Errorf("services.%s: must be a mapping", name)
			}
			svm = normalizeKeys(svm)
			svc := Service{}
			if iv, ok := svm["image"].(string); ok {
				svc.Image = iv
			}
			if vv, ok := svm["variables"]; ok {
				vm, err := toStringMap(vv)
				if err != nil {
					return nil, fmt.Errorf("services.%s.variables: %w", name, err)
				}
				svc.Variables = vm
			}
			if mv, ok := svm["memory"].(string); ok {
				svc.Memory = mv
			}
			if pv, ok := svm["ports"]; ok {
				ss, err := toStringSlice(pv)
				if err != nil {
					return nil, fmt.Errorf("services.%s.ports: %w", name, err)
				}
				svc.Ports = ss
			}
			defs.Services[name] = svc
		}
	}
	if stv, ok := m["steps"]; ok {
		stm, ok := asMap(stv)
		if !ok {
			return nil, fmt.Errorf("steps: must be a mapping")
		}
		for name, bodyV := range stm {
			bm, ok := asMap(bodyV)
			if !ok {
				return nil, fmt.Errorf("steps.%s: must be a mapping", name)
			}
			step, err := parseStep(normalizeKeys(bm))
			if err != nil {
				return nil, fmt.Errorf("steps.%s: %w", name, err)
			}
			defs.Steps[name] = *step
		}
	}
	return defs, nil
}

// --- helpers -----------------------------------------------------------

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeKeys renames hyphen-case keys to their camelCase alias,
// recursively, with camel winning when both are present on one mapping.
func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nk := k
		if alias, ok := keyAliases[k]; ok {
			nk = alias
		}
		out[nk] = normalizeValue(v)
	}
	// camel form always wins when both present
	for hyphen, camel := range keyAliases {
		_, hasHyphen := m[hyphen]
		_, hasCamel := m[camel]
		if hasHyphen && hasCamel {
			out[camel] = normalizeValue(m[camel])
		}
	}
	return out
}

func normalizeValue(v any) any {
	if mv, ok := asMap(v); ok {
		return normalizeKeys(mv)
	}
	if seq, ok := v.([]any); ok {
		out := make([]any, len(seq))
		for i, e := range seq {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

func toStringSlice(v any) ([]string, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a sequence")
	}
	out := make([]string, 0, len(seq))
	for i, e := range seq {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %d: must be a string", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func toStringMap(v any) (map[string]string, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("must be a mapping")
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		switch val := raw.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = fmt.Sprintf("%d", val)
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		case float64:
			out[k] = fmt.Sprintf("%v", val)
		default:
			return nil, fmt.Errorf("key %q: unsupported value type", k)
		}
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("must be a number")
	}
}

// ListLabels returns the sorted labels exposed by the CLI's listPipelines
// operation (spec.md §6): "default", "branches/<name>", "tags/<name>",
// "custom/<name>".
func (p Pipelines) ListLabels() []string {
	var out []string
	if p.Default != nil {
		out = append(out, "default")
	}
	for name := range p.Branches {
		out = append(out, "branches/"+name)
	}
	for name := range p.Tags {
		out = append(out, "tags/"+name)
	}
	for name := range p.Custom {
		out = append(out, "custom/"+name)
	}
	sort.Strings(out)
	return out
}
