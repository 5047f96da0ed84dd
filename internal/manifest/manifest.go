// Package manifest reads provisioning manifests: a resource to keep unique
// on the portal, the steps that derive services from it, and how to share
// the result.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"portalflow/internal/fault"
)

const Kind = "Provision"

const (
	ResourceItem    = "item"
	ResourceService = "service"
)

const (
	OpAnalyze = "analyze"
	OpPublish = "publish"
	OpQuery   = "query"
)

type Manifest struct {
	Name     string
	Resource Resource
	Derive   []Derivation
	// Access is empty when the manifest does not share.
	Access string
	// Dir is where relative file references resolve. Empty for embedded
	// manifests.
	Dir string
}

type Resource struct {
	Title string
	Kind  string
	// Type, File and Tags apply to item resources.
	Type string
	File string
	Tags []string
	// Service holds createParameters for service resources.
	Service map[string]any
	// Layers is an addToDefinition payload given inline; LayersFile points
	// at one stored in a JSON file.
	Layers     map[string]any
	LayersFile string
}

type Derivation struct {
	Op         string
	FileType   string
	Parameters map[string]any
	Layer      int
	Where      string
}

// LoadYAML parses a manifest document into a generic mapping.
func LoadYAML(b []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("manifest must be a YAML mapping")
	}
	return m, nil
}

// Load reads and parses the manifest at path. Failures are configuration
// faults.
func Load(path, env string, vars map[string]string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid(path, err)
	}
	m, err := Parse(b, env, vars)
	if err != nil {
		return nil, invalid(path, err)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

func invalid(path string, err error) error {
	fe := fault.New(fault.KindConfiguration, "load manifest", path, err.Error())
	fe.Cause = err
	return fe
}

// Parse validates a manifest after applying the env overrides and expanding
// ${VAR} references from vars.
func Parse(b []byte, env string, vars map[string]string) (*Manifest, error) {
	cfg, err := LoadYAML(b)
	if err != nil {
		return nil, err
	}
	if env = strings.TrimSpace(env); env != "" {
		envs, _ := cfg["environments"].(map[string]any)
		if _, ok := envs[env]; !ok {
			return nil, fmt.Errorf("env not found in environments: %s", env)
		}
		cfg = ApplyEnvOverrides(cfg, env)
	}
	expanded, err := Expand(cfg, vars)
	if err != nil {
		return nil, err
	}
	return Validate(expanded)
}

// ApplyEnvOverrides shallow-merges environments.<env> into resource.
func ApplyEnvOverrides(cfg map[string]any, env string) map[string]any {
	c := cloneMap(cfg)
	envs, _ := c["environments"].(map[string]any)
	ov, _ := envs[env].(map[string]any)
	if ov == nil {
		return c
	}
	res, _ := c["resource"].(map[string]any)
	nr := cloneMap(res)
	for k, v := range ov {
		nr[k] = v
	}
	c["resource"] = nr
	return c
}

// Expand replaces ${NAME} and $NAME in every string value with vars[NAME].
// A reference to a name missing from vars is an error.
func Expand(cfg map[string]any, vars map[string]string) (map[string]any, error) {
	missing := map[string]bool{}
	mapping := func(name string) string {
		v, ok := vars[name]
		if !ok {
			missing[name] = true
		}
		return v
	}
	out, _ := expandValue(cfg, mapping).(map[string]any)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("undefined variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

func expandValue(v any, mapping func(string) string) any {
	switch t := v.(type) {
	case string:
		return os.Expand(t, mapping)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = expandValue(vv, mapping)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = expandValue(vv, mapping)
		}
		return out
	}
	return v
}

func Validate(cfg map[string]any) (*Manifest, error) {
	kind, _ := cfg["kind"].(string)
	if kind != Kind {
		return nil, fmt.Errorf("kind must be %s, got %q", Kind, kind)
	}
	md, _ := cfg["metadata"].(map[string]any)
	name, err := getStr(md, "name", "metadata.name")
	if err != nil {
		return nil, err
	}
	m := &Manifest{Name: name}

	resAny, ok := cfg["resource"]
	if !ok {
		return nil, fmt.Errorf("missing required field: resource")
	}
	res, ok := resAny.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resource must be a mapping")
	}
	if m.Resource, err = validateResource(res); err != nil {
		return nil, err
	}

	if dAny, ok := cfg["derive"]; ok && dAny != nil {
		steps, ok := dAny.([]any)
		if !ok {
			return nil, fmt.Errorf("derive must be a list")
		}
		if m.Derive, err = validateDerive(steps, m.Resource.Kind); err != nil {
			return nil, err
		}
	}

	if sAny, ok := cfg["share"]; ok && sAny != nil {
		share, ok := sAny.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("share must be a mapping")
		}
		access, err := getStr(share, "access", "share.access")
		if err != nil {
			return nil, err
		}
		switch access {
		case "private", "org", "public":
		default:
			return nil, fmt.Errorf("share.access must be one of private, org, public; got %q", access)
		}
		m.Access = access
	}
	return m, nil
}

func validateResource(res map[string]any) (Resource, error) {
	var r Resource
	var err error
	if r.Title, err = getStr(res, "title", "resource.title"); err != nil {
		return r, err
	}
	if r.Kind, err = getStr(res, "kind", "resource.kind"); err != nil {
		return r, err
	}

	switch r.Kind {
	case ResourceItem:
		if r.Type, err = getStr(res, "type", "resource.type"); err != nil {
			return r, err
		}
		if r.File, err = getStr(res, "file", "resource.file"); err != nil {
			return r, err
		}
		if tAny, ok := res["tags"]; ok {
			tags, ok := tAny.([]any)
			if !ok {
				return r, fmt.Errorf("resource.tags must be a list")
			}
			for i, tag := range tags {
				s, ok := tag.(string)
				if !ok || strings.TrimSpace(s) == "" {
					return r, fmt.Errorf("resource.tags[%d] must be a non-empty string", i)
				}
				r.Tags = append(r.Tags, s)
			}
		}
	case ResourceService:
		if sAny, ok := res["service"]; ok && sAny != nil {
			svc, ok := sAny.(map[string]any)
			if !ok {
				return r, fmt.Errorf("resource.service must be a mapping")
			}
			r.Service = svc
		}
		if lAny, ok := res["layers"]; ok && lAny != nil {
			switch l := lAny.(type) {
			case map[string]any:
				r.Layers = l
			case string:
				if strings.TrimSpace(l) == "" {
					return r, fmt.Errorf("resource.layers must be a mapping or a non-empty file path")
				}
				r.LayersFile = l
			default:
				return r, fmt.Errorf("resource.layers must be a mapping or a non-empty file path")
			}
		}
	default:
		return r, fmt.Errorf("resource.kind must be %s or %s, got %q", ResourceItem, ResourceService, r.Kind)
	}
	return r, nil
}

func validateDerive(steps []any, resourceKind string) ([]Derivation, error) {
	var out []Derivation
	analyzed, published := false, resourceKind == ResourceService
	for i, sAny := range steps {
		step, ok := sAny.(map[string]any)
		if !ok || len(step) != 1 {
			return nil, fmt.Errorf("derive[%d] must be a mapping with exactly one of analyze, publish, query", i)
		}
		for op, argsAny := range step {
			ctx := fmt.Sprintf("derive[%d].%s", i, op)
			args, ok := argsAny.(map[string]any)
			if argsAny != nil && !ok {
				return nil, fmt.Errorf("%s must be a mapping", ctx)
			}
			d := Derivation{Op: op}
			switch op {
			case OpAnalyze, OpPublish:
				if resourceKind != ResourceItem {
					return nil, fmt.Errorf("%s requires an item resource", ctx)
				}
				ft, err := getStr(args, "filetype", ctx+".filetype")
				if err != nil {
					return nil, err
				}
				d.FileType = ft
				if op == OpAnalyze {
					if pAny, ok := args["parameters"]; ok && pAny != nil {
						p, ok := pAny.(map[string]any)
						if !ok {
							return nil, fmt.Errorf("%s.parameters must be a mapping", ctx)
						}
						d.Parameters = p
					}
					analyzed = true
				} else {
					if !analyzed {
						return nil, fmt.Errorf("%s must follow an analyze step", ctx)
					}
					published = true
				}
			case OpQuery:
				if !published {
					return nil, fmt.Errorf("%s needs a service: publish first or use a service resource", ctx)
				}
				layer, err := getInt(args, "layer", ctx+".layer", 0)
				if err != nil {
					return nil, err
				}
				if layer < 0 {
					return nil, fmt.Errorf("%s.layer must be a non-negative int", ctx)
				}
				d.Layer = layer
				d.Where = "1=1"
				if _, ok := args["where"]; ok {
					if d.Where, err = getStr(args, "where", ctx+".where"); err != nil {
						return nil, err
					}
				}
			default:
				return nil, fmt.Errorf("derive[%d]: unknown step %q", i, op)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func getStr(m map[string]any, key string, ctx string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("missing required field: %s", ctx)
	}
	vAny, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing required field: %s", ctx)
	}
	v, ok := vAny.(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s must be a non-empty string", ctx)
	}
	return v, nil
}

func getInt(m map[string]any, key, ctx string, def int) (int, error) {
	vAny, ok := m[key]
	if !ok || vAny == nil {
		return def, nil
	}
	switch v := vAny.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%s must be an int", ctx)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
