package arcgis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"portalflow/internal/fault"
)

type CreateServiceResult struct {
	ItemID            string `json:"itemId"`
	ServiceItemID     string `json:"serviceItemId"`
	Name              string `json:"name"`
	ServiceURL        string `json:"serviceurl"`
	EncodedServiceURL string `json:"encodedServiceURL"`
	Type              string `json:"type"`
}

// CreateService creates an empty hosted feature service. createParameters is
// passed through as-is and must carry a "name".
func (c *Client) CreateService(ctx context.Context, owner string, createParameters map[string]any) (*CreateServiceResult, error) {
	name, _ := createParameters["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("createService: createParameters.name is required")
	}
	cp, err := marshalParam(createParameters)
	if err != nil {
		return nil, fmt.Errorf("createService: encode createParameters: %w", err)
	}
	params := url.Values{}
	params.Set("createParameters", cp)
	params.Set("outputType", "featureService")

	var resp struct {
		Success bool `json:"success"`
		CreateServiceResult
	}
	if err := c.write(ctx, "createService", c.userContentURL(owner, "createService"), params, &resp); err != nil {
		return nil, withResource(err, name)
	}
	if !resp.Success || resp.ServiceURL == "" {
		return nil, withResource(fault.Remote("createService", 200, 0, "portal reported failure"), name)
	}
	if resp.ItemID == "" {
		resp.ItemID = resp.ServiceItemID
	}
	return &resp.CreateServiceResult, nil
}

type LayerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// AddToDefinition adds layers or tables to a hosted service through its
// admin endpoint.
func (c *Client) AddToDefinition(ctx context.Context, serviceURL string, definition map[string]any) ([]LayerRef, error) {
	def, err := marshalParam(definition)
	if err != nil {
		return nil, fmt.Errorf("addToDefinition: encode definition: %w", err)
	}
	params := url.Values{}
	params.Set("addToDefinition", def)

	var resp struct {
		Success bool       `json:"success"`
		Layers  []LayerRef `json:"layers"`
	}
	if err := c.write(ctx, "addToDefinition", AdminServiceURL(serviceURL)+"/addToDefinition", params, &resp); err != nil {
		return nil, withResource(err, serviceURL)
	}
	if !resp.Success {
		return nil, withResource(fault.Remote("addToDefinition", 200, 0, "portal reported failure"), serviceURL)
	}
	return resp.Layers, nil
}

// AdminServiceURL maps a hosted service URL onto its admin counterpart.
func AdminServiceURL(serviceURL string) string {
	return strings.Replace(strings.TrimRight(serviceURL, "/"), "/rest/services/", "/rest/admin/services/", 1)
}

type AnalyzeParams struct {
	ItemID     string
	FileType   string
	Parameters map[string]any
}

// Analyze inspects an uploaded file and returns the publishParameters the
// portal suggests for it.
func (c *Client) Analyze(ctx context.Context, p AnalyzeParams) (map[string]any, error) {
	params := url.Values{}
	params.Set("itemId", p.ItemID)
	params.Set("filetype", p.FileType)
	if p.Parameters != nil {
		ap, err := marshalParam(p.Parameters)
		if err != nil {
			return nil, fmt.Errorf("analyze: encode analyzeParameters: %w", err)
		}
		params.Set("analyzeParameters", ap)
	}

	var resp struct {
		PublishParameters map[string]any `json:"publishParameters"`
	}
	if err := c.write(ctx, "analyze", c.portal+"/content/features/analyze", params, &resp); err != nil {
		return nil, withResource(err, p.ItemID)
	}
	if resp.PublishParameters == nil {
		return nil, withResource(fault.Remote("analyze", 200, 0, "no publishParameters in response"), p.ItemID)
	}
	return resp.PublishParameters, nil
}

type PublishParams struct {
	Owner      string
	ItemID     string
	FileType   string
	Parameters map[string]any
}

type PublishedService struct {
	ServiceURL    string `json:"serviceurl"`
	ServiceItemID string `json:"serviceItemId"`
	Type          string `json:"type"`
	JobID         string `json:"jobId"`
	Size          int64  `json:"size"`
	Success       *bool  `json:"success,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Publish creates hosted services from an uploaded item.
func (c *Client) Publish(ctx context.Context, p PublishParams) ([]PublishedService, error) {
	pp, err := marshalParam(p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("publish: encode publishParameters: %w", err)
	}
	params := url.Values{}
	params.Set("itemId", p.ItemID)
	params.Set("filetype", p.FileType)
	params.Set("publishParameters", pp)

	var resp struct {
		Services []PublishedService `json:"services"`
	}
	if err := c.write(ctx, "publish", c.userContentURL(p.Owner, "publish"), params, &resp); err != nil {
		return nil, withResource(err, p.ItemID)
	}
	if len(resp.Services) == 0 {
		return nil, withResource(fault.Remote("publish", 200, 0, "no services in response"), p.ItemID)
	}
	for _, s := range resp.Services {
		if s.Error != nil {
			return nil, withResource(fault.Remote("publish", 200, s.Error.Code, s.Error.Message), p.ItemID)
		}
		if s.Success != nil && !*s.Success {
			return nil, withResource(fault.Remote("publish", 200, 0, "service reported failure"), p.ItemID)
		}
	}
	return resp.Services, nil
}

// LayerURL joins a service URL and a layer index.
func LayerURL(serviceURL string, layer int) string {
	return strings.TrimRight(serviceURL, "/") + "/" + strconv.Itoa(layer)
}

// QueryCount returns the number of features in a layer matching where.
func (c *Client) QueryCount(ctx context.Context, layerURL, where string) (int, error) {
	if where == "" {
		where = "1=1"
	}
	params := url.Values{}
	params.Set("where", where)
	params.Set("returnCountOnly", "true")

	var resp struct {
		Count *int `json:"count"`
	}
	if err := c.read(ctx, "query", layerURL+"/query", params, &resp); err != nil {
		return 0, withResource(err, layerURL)
	}
	if resp.Count == nil {
		return 0, withResource(fault.Remote("query", 200, 0, "no count in response"), layerURL)
	}
	return *resp.Count, nil
}

type SpatialReference struct {
	WKID int `json:"wkid"`
}

type Point struct {
	X                float64           `json:"x"`
	Y                float64           `json:"y"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Point         `json:"geometry,omitempty"`
}

type EditResult struct {
	ObjectID int64 `json:"objectId"`
	Success  bool  `json:"success"`
	Error    *struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// AddFeatures appends features to a layer.
func (c *Client) AddFeatures(ctx context.Context, layerURL string, features []Feature) ([]EditResult, error) {
	fs, err := marshalParam(features)
	if err != nil {
		return nil, fmt.Errorf("addFeatures: encode features: %w", err)
	}
	params := url.Values{}
	params.Set("features", fs)

	var resp struct {
		AddResults []EditResult `json:"addResults"`
	}
	if err := c.write(ctx, "addFeatures", layerURL+"/addFeatures", params, &resp); err != nil {
		return nil, withResource(err, layerURL)
	}
	return resp.AddResults, nil
}

// DeleteFeatures removes the features of a layer matching where.
func (c *Client) DeleteFeatures(ctx context.Context, layerURL, where string) ([]EditResult, error) {
	params := url.Values{}
	params.Set("where", where)

	var resp struct {
		DeleteResults []EditResult `json:"deleteResults"`
	}
	if err := c.write(ctx, "deleteFeatures", layerURL+"/deleteFeatures", params, &resp); err != nil {
		return nil, withResource(err, layerURL)
	}
	return resp.DeleteResults, nil
}
