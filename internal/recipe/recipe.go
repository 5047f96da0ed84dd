// Package recipe turns manifests into provisioning plans. It also carries
// the built-in manifests with the files they upload.
package recipe

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"portalflow/internal/arcgis"
	"portalflow/internal/manifest"
	"portalflow/internal/provision"
	"portalflow/internal/source"
)

//go:embed recipes/*.yaml data/*
var files embed.FS

const (
	FeatureService = "feature-service"
	BatchGeocode   = "batch-geocode"
)

// Names lists the built-in recipes.
func Names() []string {
	entries, _ := fs.ReadDir(files, "recipes")
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(out)
	return out
}

// Builtin parses the named built-in recipe with vars.
func Builtin(name string, vars map[string]string) (*manifest.Manifest, error) {
	b, err := files.ReadFile("recipes/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown recipe %q (have %s)", name, strings.Join(Names(), ", "))
	}
	m, err := manifest.Parse(b, "", vars)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", name, err)
	}
	return m, nil
}

// Portal is every call a compiled plan may make.
type Portal interface {
	provision.ItemAdder
	provision.ServiceCreator
	provision.LayerAdder
	provision.Analyzer
	provision.Publisher
	provision.Counter
}

type Env struct {
	Portal Portal
	// Owner is the user the resource is created for.
	Owner string
	// Ready gates the count query after a publish.
	Ready provision.Fence
	Namer provision.Namer
}

// Compile builds the plan for m. File references are resolved against
// m.Dir, or against the built-in data when m.Dir is empty.
func Compile(ctx context.Context, m *manifest.Manifest, env Env) (provision.Plan, error) {
	res := m.Resource
	plan := provision.Plan{
		Descriptor: provision.Descriptor{Name: res.Title, Owner: env.Owner},
	}

	switch res.Kind {
	case manifest.ResourceItem:
		plan.Descriptor.Kind = provision.KindItem
		p, err := load(ctx, m, res.File)
		if err != nil {
			return plan, err
		}
		plan.Create = provision.CreateItem(env.Portal, env.Owner, provision.ItemSpec{
			Type:     res.Type,
			Filename: p.Name,
			Tags:     res.Tags,
			Content:  p.Content,
		})
	case manifest.ResourceService:
		plan.Descriptor.Kind = provision.KindService
		plan.Create = provision.CreateService(env.Portal, env.Owner, res.Service)
		layers := res.Layers
		if res.LayersFile != "" {
			p, err := load(ctx, m, res.LayersFile)
			if err != nil {
				return plan, err
			}
			if err := json.Unmarshal(p.Content, &layers); err != nil {
				return plan, fmt.Errorf("resource.layers %s: %w", res.LayersFile, err)
			}
		}
		if layers != nil {
			nameLayers(layers, res.Title)
			plan.Steps = append(plan.Steps, provision.AddLayers(env.Portal, layers))
		}
	default:
		return plan, fmt.Errorf("unsupported resource kind %q", res.Kind)
	}

	for _, d := range m.Derive {
		switch d.Op {
		case manifest.OpAnalyze:
			plan.Steps = append(plan.Steps, provision.Analyze(env.Portal, d.FileType, d.Parameters))
		case manifest.OpPublish:
			plan.Steps = append(plan.Steps, provision.Publish(env.Portal, env.Owner, d.FileType, env.Namer))
		case manifest.OpQuery:
			plan.Steps = append(plan.Steps, provision.QueryCount(env.Portal, d.Layer, d.Where, env.Ready))
		default:
			return plan, fmt.Errorf("unsupported step %q", d.Op)
		}
	}

	if m.Access != "" {
		access, err := arcgis.ParseAccess(m.Access)
		if err != nil {
			return plan, err
		}
		plan.Access = access
	}
	return plan, nil
}

func load(ctx context.Context, m *manifest.Manifest, ref string) (source.Payload, error) {
	if m.Dir == "" {
		return source.ReadFS(files, path.Join("data", ref))
	}
	return source.Load(ctx, ref, m.Dir)
}

// nameLayers gives unnamed layers and tables the resource title.
func nameLayers(def map[string]any, title string) {
	for _, key := range []string{"layers", "tables"} {
		list, _ := def[key].([]any)
		for _, l := range list {
			if layer, ok := l.(map[string]any); ok {
				if name, _ := layer["name"].(string); name == "" {
					layer["name"] = title
				}
			}
		}
	}
}
