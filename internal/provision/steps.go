package provision

import (
	"context"
	"fmt"
	"time"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
)

type ItemAdder interface {
	AddItem(ctx context.Context, p arcgis.AddItemParams) (*arcgis.AddItemResult, error)
}

type ServiceCreator interface {
	CreateService(ctx context.Context, owner string, createParameters map[string]any) (*arcgis.CreateServiceResult, error)
}

type LayerAdder interface {
	AddToDefinition(ctx context.Context, serviceURL string, definition map[string]any) ([]arcgis.LayerRef, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, p arcgis.AnalyzeParams) (map[string]any, error)
}

type Publisher interface {
	Publish(ctx context.Context, p arcgis.PublishParams) ([]arcgis.PublishedService, error)
}

type Counter interface {
	QueryCount(ctx context.Context, layerURL, where string) (int, error)
}

// ItemSpec is the upload behind CreateItem.
type ItemSpec struct {
	Type     string
	Filename string
	Tags     []string
	Content  []byte
}

// CreateItem uploads spec as an item titled with the descriptor name.
func CreateItem(portal ItemAdder, owner string, spec ItemSpec) Creator {
	return func(ctx context.Context, d Descriptor) (Artifact, error) {
		res, err := portal.AddItem(ctx, arcgis.AddItemParams{
			Owner:    owner,
			Title:    d.Name,
			Type:     spec.Type,
			Tags:     spec.Tags,
			Filename: spec.Filename,
			Content:  spec.Content,
		})
		if err != nil {
			return Artifact{}, withOp(err, "addItem", d.Name)
		}
		return Artifact{ItemID: res.ID}, nil
	}
}

// CreateService creates an empty hosted feature service. The service name
// defaults to the descriptor name.
func CreateService(portal ServiceCreator, owner string, createParameters map[string]any) Creator {
	return func(ctx context.Context, d Descriptor) (Artifact, error) {
		params := cloneParams(createParameters)
		if name, _ := params["name"].(string); name == "" {
			params["name"] = d.Name
		}
		res, err := portal.CreateService(ctx, owner, params)
		if err != nil {
			return Artifact{}, withOp(err, "createService", d.Name)
		}
		return Artifact{ItemID: res.ItemID, URL: res.ServiceURL}, nil
	}
}

// AddLayers adds layer definitions to the service created before it.
func AddLayers(portal LayerAdder, definition map[string]any) Step {
	return Step{
		Name: "addLayers",
		Apply: func(ctx context.Context, d Descriptor, prev Artifact) (Artifact, error) {
			if prev.URL == "" {
				return prev, fault.New(fault.KindUnknown, "addLayers", d.Name, "no service to add layers to")
			}
			if _, err := portal.AddToDefinition(ctx, prev.URL, definition); err != nil {
				return prev, withOp(err, "addToDefinition", d.Name)
			}
			return prev, nil
		},
	}
}

// Analyze asks the portal how to publish the uploaded item.
func Analyze(portal Analyzer, fileType string, parameters map[string]any) Step {
	return Step{
		Name: "analyze",
		Apply: func(ctx context.Context, d Descriptor, prev Artifact) (Artifact, error) {
			pp, err := portal.Analyze(ctx, arcgis.AnalyzeParams{
				ItemID:     prev.ItemID,
				FileType:   fileType,
				Parameters: parameters,
			})
			if err != nil {
				return prev, withOp(err, "analyze", d.Name)
			}
			next := prev
			next.PublishParameters = pp
			return next, nil
		},
	}
}

// Namer picks the unique service name for a publish.
type Namer func(title string) string

// TimestampNamer names services <title>_<unix millis>.
func TimestampNamer(now func() time.Time) Namer {
	if now == nil {
		now = time.Now
	}
	return func(title string) string {
		return fmt.Sprintf("%s_%d", title, now().UnixMilli())
	}
}

// Publish publishes the item with the analyzed parameters. Only the name
// is changed.
func Publish(portal Publisher, owner, fileType string, namer Namer) Step {
	if namer == nil {
		namer = TimestampNamer(nil)
	}
	return Step{
		Name: "publish",
		Apply: func(ctx context.Context, d Descriptor, prev Artifact) (Artifact, error) {
			if prev.PublishParameters == nil {
				return prev, fault.New(fault.KindUnknown, "publish", d.Name, "publish needs the parameters of a prior analyze")
			}
			params := cloneParams(prev.PublishParameters)
			params["name"] = namer(d.Name)
			services, err := portal.Publish(ctx, arcgis.PublishParams{
				Owner:      owner,
				ItemID:     prev.ItemID,
				FileType:   fileType,
				Parameters: params,
			})
			if err != nil {
				return prev, withOp(err, "publish", d.Name)
			}
			next := prev
			next.Services = services
			return next, nil
		},
	}
}

// QueryCount waits until the service answers, then counts the features of
// layer that match where.
func QueryCount(portal Counter, layer int, where string, ready Fence) Step {
	if where == "" {
		where = "1=1"
	}
	return Step{
		Name: "query",
		Apply: func(ctx context.Context, d Descriptor, prev Artifact) (Artifact, error) {
			svc := prev.ServiceURL()
			if svc == "" {
				return prev, fault.New(fault.KindUnknown, "query", d.Name, "no service to query")
			}
			layerURL := arcgis.LayerURL(svc, layer)

			var count int
			counted := false
			if ready != nil {
				err := ready.Await(ctx, layerURL, func(ctx context.Context) (bool, error) {
					n, err := portal.QueryCount(ctx, layerURL, where)
					if err == nil {
						count, counted = n, true
						return true, nil
					}
					// A service that is still starting answers with a server
					// error. Anything else will not change by waiting.
					if fault.Retryable(err) {
						return false, nil
					}
					return false, err
				})
				if err != nil {
					return prev, withOp(err, "query", layerURL)
				}
			}
			if !counted {
				n, err := portal.QueryCount(ctx, layerURL, where)
				if err != nil {
					return prev, withOp(err, "query", layerURL)
				}
				count = n
			}
			next := prev
			next.Count = &count
			return next, nil
		},
	}
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
