// Package workflow holds the portal workflows that are not provisioning
// runs: reseeding the features of an existing service and auditing the
// registered OAuth applications of an organization.
package workflow

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
)

const featureServiceType = "Feature Service"

var ratings = []string{"Great", "Awesome", "Excellent", "Unbelievable", "Wow"}

// BBox is an extent in WGS84 degrees.
type BBox struct {
	XMin, YMin, XMax, YMax float64
}

// PalmSprings is the default area for generated features.
var PalmSprings = BBox{XMin: -116.57, YMin: 33.8, XMax: -116.5, YMax: 33.84}

type Editor interface {
	SearchAll(ctx context.Context, params arcgis.SearchParams) ([]arcgis.Item, error)
	GetItem(ctx context.Context, id string) (*arcgis.Item, error)
	DeleteFeatures(ctx context.Context, layerURL, where string) ([]arcgis.EditResult, error)
	AddFeatures(ctx context.Context, layerURL string, features []arcgis.Feature) ([]arcgis.EditResult, error)
}

type ReseedOptions struct {
	Title string
	Owner string
	Layer int
	// Count is the number of features to generate. Zero means 100.
	Count int
	// Box defaults to PalmSprings.
	Box *BBox
	// Seed makes the generated features reproducible. Zero seeds from the
	// clock.
	Seed     uint64
	PageSize int
	Logger   *log.Logger
}

type ReseedResult struct {
	ItemID   string `json:"itemId"`
	LayerURL string `json:"layerUrl"`
	Deleted  int    `json:"deleted"`
	Added    int    `json:"added"`
	Failed   int    `json:"failed"`
}

// Reseed replaces every feature of a hosted feature layer with randomly
// generated points.
func Reseed(ctx context.Context, portal Editor, opts ReseedOptions) (*ReseedResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Count <= 0 {
		opts.Count = 100
	}
	box := PalmSprings
	if opts.Box != nil {
		box = *opts.Box
	}

	item, err := FindService(ctx, portal, opts.Title, opts.Owner, opts.PageSize)
	if err != nil {
		return nil, err
	}
	layerURL := arcgis.LayerURL(item.URL, opts.Layer)
	logger.Info("found feature service", "id", item.ID, "url", item.URL)

	deleted, err := portal.DeleteFeatures(ctx, layerURL, "1=1")
	if err != nil {
		return nil, fmt.Errorf("reseed %q: %w", opts.Title, err)
	}
	logger.Info("deleted features", "count", len(deleted))

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	features := RandomFeatures(rand.New(rand.NewPCG(seed, seed)), opts.Count, box)
	added, err := portal.AddFeatures(ctx, layerURL, features)
	if err != nil {
		return nil, fmt.Errorf("reseed %q: %w", opts.Title, err)
	}

	res := &ReseedResult{ItemID: item.ID, LayerURL: layerURL, Deleted: len(deleted)}
	for _, r := range added {
		if r.Success {
			res.Added++
			continue
		}
		res.Failed++
		if r.Error != nil {
			logger.Warn("feature not added", "code", r.Error.Code, "error", r.Error.Description)
		}
	}
	logger.Info("added features", "count", res.Added, "failed", res.Failed)
	return res, nil
}

// FindService returns the first feature service titled title and owned by
// owner. Search hits are re-read with GetItem so a stale index entry for a
// deleted item is skipped and the type comes from the item itself.
func FindService(ctx context.Context, portal Editor, title, owner string, pageSize int) (*arcgis.Item, error) {
	items, err := portal.SearchAll(ctx, arcgis.SearchParams{
		Query: arcgis.TitleOwnerQuery(title, owner),
		Num:   pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("find service %q: %w", title, err)
	}
	var found bool
	for _, hit := range items {
		if hit.Title != title || hit.Owner != owner {
			continue
		}
		item, err := portal.GetItem(ctx, hit.ID)
		if isMissingItem(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find service %q: %w", title, err)
		}
		found = true
		if item.Type == featureServiceType {
			return item, nil
		}
	}
	if found {
		return nil, fault.New(fault.KindNotFound, "findService", title, "item is not a "+featureServiceType)
	}
	return nil, fault.New(fault.KindNotFound, "findService", title, "no item with this title owned by "+owner)
}

func isMissingItem(err error) bool {
	fe := fault.As(err)
	return fe != nil && fe.Kind == fault.KindRemoteRequest &&
		strings.Contains(strings.ToLower(fe.Message), "does not exist")
}

// RandomFeatures returns n point features inside box. Coordinates are
// rounded to three decimals.
func RandomFeatures(r *rand.Rand, n int, box BBox) []arcgis.Feature {
	features := make([]arcgis.Feature, n)
	for i := range features {
		features[i] = arcgis.Feature{
			Geometry: &arcgis.Point{
				X:                round3(box.XMin + r.Float64()*(box.XMax-box.XMin)),
				Y:                round3(box.YMin + r.Float64()*(box.YMax-box.YMin)),
				SpatialReference: &arcgis.SpatialReference{WKID: 4326},
			},
			Attributes: map[string]any{
				"id":     i,
				"name":   fmt.Sprintf("New feature #%d", i+1),
				"rating": ratings[r.IntN(len(ratings))],
			},
		}
	}
	return features
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// MapViewerLink opens layerURL in the map viewer at viewerURL.
func MapViewerLink(viewerURL, layerURL string) string {
	q := url.Values{}
	q.Set("url", layerURL)
	q.Set("source", "sd")
	return viewerURL + "?" + q.Encode()
}
