package workflow_test

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
	"portalflow/internal/portaltwin"
	"portalflow/internal/workflow"
)

func connect(t *testing.T, twin *portaltwin.Twin, user string) *arcgis.Client {
	t.Helper()
	srv := portaltwin.NewServer(twin)
	t.Cleanup(srv.Close)
	client := arcgis.New(portaltwin.PortalURL(srv.URL))
	sess, err := client.FromToken(context.Background(), twin.IssueToken(user))
	require.NoError(t, err)
	return client.WithSession(sess)
}

func TestReseed(t *testing.T) {
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester"}}})
	id, _ := twin.SeedService("tester", "Trees", 7)
	client := connect(t, twin, "tester")

	res, err := workflow.Reseed(context.Background(), client, workflow.ReseedOptions{
		Title: "Trees",
		Owner: "tester",
		Count: 25,
		Seed:  7,
	})
	require.NoError(t, err)
	assert.Equal(t, id, res.ItemID)
	assert.Equal(t, 7, res.Deleted)
	assert.Equal(t, 25, res.Added)
	assert.Zero(t, res.Failed)
	assert.True(t, strings.HasSuffix(res.LayerURL, "/Trees/FeatureServer/0"), res.LayerURL)
	assert.Equal(t, 25, twin.FeatureCount("Trees"))
	assert.Len(t, twin.Calls("getItem"), 1)

	del := twin.Calls("deleteFeatures")
	require.Len(t, del, 1)
	assert.Equal(t, "1=1", del[0].Params.Get("where"))
	add := twin.Calls("addFeatures")
	require.Len(t, add, 1)
	assert.Contains(t, add[0].Params.Get("features"), `"name":"New feature #25"`)
}

func TestReseedNotFound(t *testing.T) {
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester"}, {Username: "other"}}})
	twin.SeedService("other", "Trees", 1)
	twin.SeedItem(portaltwin.Seed{Owner: "tester", Title: "Places", Type: "CSV"})
	client := connect(t, twin, "tester")

	for _, title := range []string{"Trees", "Places"} {
		t.Run(title, func(t *testing.T) {
			_, err := workflow.Reseed(context.Background(), client, workflow.ReseedOptions{Title: title, Owner: "tester"})
			require.Error(t, err)
			assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
			assert.Equal(t, 4, fault.ExitCode(err))
		})
	}
	assert.Empty(t, twin.Calls("deleteFeatures"))
}

// staleIndex serves search hits whose items may already be gone.
type staleIndex struct {
	hits  []arcgis.Item
	items map[string]arcgis.Item
}

func (s *staleIndex) SearchAll(context.Context, arcgis.SearchParams) ([]arcgis.Item, error) {
	return s.hits, nil
}

func (s *staleIndex) GetItem(_ context.Context, id string) (*arcgis.Item, error) {
	it, ok := s.items[id]
	if !ok {
		return nil, fault.Remote("getItem", 200, 400, "Item does not exist or is inaccessible.")
	}
	return &it, nil
}

func (s *staleIndex) DeleteFeatures(context.Context, string, string) ([]arcgis.EditResult, error) {
	return nil, nil
}

func (s *staleIndex) AddFeatures(context.Context, string, []arcgis.Feature) ([]arcgis.EditResult, error) {
	return nil, nil
}

func TestFindServiceSkipsDeletedHits(t *testing.T) {
	live := arcgis.Item{ID: "b", Title: "Trees", Owner: "tester", Type: "Feature Service", URL: "https://x/rest/services/Trees/FeatureServer"}
	idx := &staleIndex{
		hits: []arcgis.Item{
			{ID: "a", Title: "Trees", Owner: "tester", Type: "Feature Service"},
			{ID: "b", Title: "Trees", Owner: "tester", Type: "Feature Service"},
		},
		items: map[string]arcgis.Item{"b": live},
	}
	got, err := workflow.FindService(context.Background(), idx, "Trees", "tester", 100)
	require.NoError(t, err)
	assert.Equal(t, live, *got)

	delete(idx.items, "b")
	_, err = workflow.FindService(context.Background(), idx, "Trees", "tester", 100)
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.Contains(t, err.Error(), "no item with this title owned by tester")
}

func TestFindServiceReportsLookupFailure(t *testing.T) {
	idx := &deniedItems{&staleIndex{hits: []arcgis.Item{{ID: "a", Title: "Trees", Owner: "tester"}}}}
	_, err := workflow.FindService(context.Background(), idx, "Trees", "tester", 100)
	require.Error(t, err)
	assert.Equal(t, fault.KindAuthentication, fault.KindOf(err))
}

type deniedItems struct{ *staleIndex }

func (d *deniedItems) GetItem(context.Context, string) (*arcgis.Item, error) {
	return nil, fault.Remote("getItem", 403, 403, "You do not have permissions to access this resource or perform this operation.")
}

func TestRandomFeatures(t *testing.T) {
	a := workflow.RandomFeatures(rand.New(rand.NewPCG(1, 1)), 50, workflow.PalmSprings)
	b := workflow.RandomFeatures(rand.New(rand.NewPCG(1, 1)), 50, workflow.PalmSprings)
	assert.Equal(t, a, b)

	box := workflow.PalmSprings
	for i, f := range a {
		require.NotNil(t, f.Geometry)
		assert.GreaterOrEqual(t, f.Geometry.X, box.XMin)
		assert.LessOrEqual(t, f.Geometry.X, box.XMax)
		assert.GreaterOrEqual(t, f.Geometry.Y, box.YMin)
		assert.LessOrEqual(t, f.Geometry.Y, box.YMax)
		assert.Equal(t, f.Geometry.X, math.Round(f.Geometry.X*1000)/1000)
		assert.Equal(t, i, f.Attributes["id"])
		assert.Contains(t, []string{"Great", "Awesome", "Excellent", "Unbelievable", "Wow"}, f.Attributes["rating"])
	}
}

func TestMapViewerLink(t *testing.T) {
	got := workflow.MapViewerLink("https://www.arcgis.com/apps/mapviewer/index.html", "https://x/FeatureServer/0")
	assert.Equal(t, "https://www.arcgis.com/apps/mapviewer/index.html?source=sd&url=https%3A%2F%2Fx%2FFeatureServer%2F0", got)
}

func TestAppsQuery(t *testing.T) {
	assert.Equal(t,
		`type:"Application" AND typekeywords:"Application" AND typekeywords:"Registered App" AND orgid:"org1"`,
		workflow.AppsQuery("org1"))
}

func TestAuditApps(t *testing.T) {
	twin := portaltwin.New(portaltwin.Options{
		PageCap: 1,
		Users: []portaltwin.User{
			{Username: "tester"},
			{Username: "colleague"},
			{Username: "outsider", OrgID: "org2"},
		},
	})
	mine := twin.SeedApp("tester", "Dashboard", portaltwin.App{ClientID: "c1", AppType: "browser", RedirectURIs: []string{"https://a.example/cb"}})
	theirs := twin.SeedApp("colleague", "Collector", portaltwin.App{ClientID: "c2", AppType: "native"})
	twin.SeedApp("outsider", "Elsewhere", portaltwin.App{ClientID: "c3"})
	twin.SeedItem(portaltwin.Seed{Owner: "tester", Title: "Plain app", Type: "Application"})
	client := connect(t, twin, "tester")

	records, err := workflow.AuditApps(context.Background(), client, workflow.AuditOptions{
		OrgID:       "org1",
		PageSize:    1,
		Concurrency: 4,
		ItemPageURL: "https://www.arcgis.com/home/item.html",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	byID := map[string]workflow.AppRecord{}
	for _, r := range records {
		byID[r.ItemID] = r
	}
	assert.Equal(t, "c1", byID[mine].ClientID)
	assert.Equal(t, []string{"https://a.example/cb"}, byID[mine].RedirectURIs)
	assert.Equal(t, "https://www.arcgis.com/home/item.html?id="+mine, byID[mine].Link)
	assert.Equal(t, "colleague", byID[theirs].Owner)
	assert.Len(t, twin.Calls("search"), 2)
	assert.Len(t, twin.Calls("registeredAppInfo"), 2)

	out := workflow.RenderApps(records)
	assert.Contains(t, out, "Dashboard")
	assert.Contains(t, out, "https://a.example/cb")
	assert.Contains(t, out, "REDIRECT URIS")
}

func TestAuditAppsFailure(t *testing.T) {
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester"}}})
	// Keywords say registered app but there is no registration behind it.
	twin.SeedItem(portaltwin.Seed{
		Owner:        "tester",
		Title:        "Broken",
		Type:         "Application",
		TypeKeywords: []string{"Application", "Registered App"},
	})
	client := connect(t, twin, "tester")

	_, err := workflow.AuditApps(context.Background(), client, workflow.AuditOptions{OrgID: "org1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `audit app "Broken"`)

	_, err = workflow.AuditApps(context.Background(), client, workflow.AuditOptions{})
	assert.ErrorContains(t, err, "organization id is required")
}
