package arcgis_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
	"portalflow/internal/portaltwin"
)

const samplePlaces = `name,address,latitude,longitude
Palm Springs Art Museum,101 Museum Dr,33.8246,-116.5498
Moorten Botanical Garden,1701 S Palm Canyon Dr,33.8046,-116.5429
Palm Springs Air Museum,745 N Gene Autry Trail,33.8325,-116.5062
`

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

type fixture struct {
	twin   *portaltwin.Twin
	client *arcgis.Client
}

func newFixture(t *testing.T, opts portaltwin.Options) *fixture {
	t.Helper()
	if len(opts.Users) == 0 {
		opts.Users = []portaltwin.User{{Username: "tester", Password: "secret", FullName: "Test User"}}
	}
	twin := portaltwin.New(opts)
	srv := portaltwin.NewServer(twin)
	t.Cleanup(srv.Close)
	client := arcgis.New(portaltwin.PortalURL(srv.URL), arcgis.WithRetryBackOff(zeroBackOff))
	return &fixture{twin: twin, client: client}
}

func (f *fixture) signIn(t *testing.T) (*arcgis.Client, *arcgis.Session) {
	t.Helper()
	sess, err := f.client.SignIn(context.Background(), "tester", "secret")
	require.NoError(t, err)
	return f.client.WithSession(sess), sess
}

func TestSignIn(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	sess, err := f.client.SignIn(context.Background(), "tester", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tester", sess.Username())
	assert.Equal(t, "Test User", sess.User.FullName)
	assert.NotEmpty(t, sess.Token)
	assert.False(t, sess.Expires.IsZero())
	assert.True(t, sess.CanSharePublicly())
	assert.Equal(t, f.client.Portal(), sess.Portal)
}

func TestSignInBadPassword(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	_, err := f.client.SignIn(context.Background(), "tester", "wrong")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindAuthentication), "got %v", err)
	assert.Equal(t, 3, fault.ExitCode(err))
}

func TestSignInMissingCredentials(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	_, err := f.client.SignIn(context.Background(), "tester", "")
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}

func TestFromToken(t *testing.T) {
	f := newFixture(t, portaltwin.Options{Users: []portaltwin.User{
		{Username: "loc", LicenseType: "locationPlatformUT"},
	}})
	sess, err := f.client.FromToken(context.Background(), f.twin.IssueToken("loc"))
	require.NoError(t, err)
	assert.Equal(t, "loc", sess.Username())
	assert.False(t, sess.CanSharePublicly())

	_, err = f.client.FromToken(context.Background(), "bogus")
	assert.True(t, fault.Is(err, fault.KindAuthentication), "got %v", err)

	_, err = f.client.FromToken(context.Background(), "")
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}

func TestSearchAllDrainsEveryPage(t *testing.T) {
	f := newFixture(t, portaltwin.Options{PageCap: 1})
	client, _ := f.signIn(t)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, f.twin.SeedItem(portaltwin.Seed{Owner: "tester", Title: "Places", Type: "CSV"}))
	}
	f.twin.SeedItem(portaltwin.Seed{Owner: "someone", Title: "Places", Type: "CSV"})
	f.twin.ResetCalls()

	items, err := client.SearchAll(context.Background(), arcgis.SearchParams{
		Query: arcgis.TitleOwnerQuery("Places", "tester"),
	})
	require.NoError(t, err)
	var got []string
	for _, it := range items {
		got = append(got, it.ID)
	}
	assert.Equal(t, want, got)
	assert.Len(t, f.twin.Calls("search"), 5)
}

func TestSearchPage(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	client, _ := f.signIn(t)
	for i := 0; i < 3; i++ {
		f.twin.SeedItem(portaltwin.Seed{Owner: "tester", Title: fmt.Sprintf("Layer %d", i), Type: "CSV"})
	}

	page, err := client.Search(context.Background(), arcgis.SearchParams{Query: `title:"Layer"`, Num: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Results, 2)
	require.True(t, page.HasNext())

	page, err = page.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
	assert.False(t, page.HasNext())
	_, err = page.Next(context.Background())
	assert.Error(t, err)
}

func TestSearchClampsPageSize(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	client, _ := f.signIn(t)
	f.twin.ResetCalls()

	_, err := client.Search(context.Background(), arcgis.SearchParams{Query: `owner:"tester"`, Num: 500})
	require.NoError(t, err)
	calls := f.twin.Calls("search")
	require.Len(t, calls, 1)
	assert.Equal(t, "100", calls[0].Params.Get("num"))
	assert.Equal(t, "1", calls[0].Params.Get("start"))
	assert.Equal(t, "json", calls[0].Params.Get("f"))

	_, err = client.Search(context.Background(), arcgis.SearchParams{Query: "  "})
	assert.Error(t, err)
}

func TestQueryBuilder(t *testing.T) {
	assert.Equal(t, `title:"Palm Springs Places" AND owner:"tester"`, arcgis.TitleOwnerQuery("Palm Springs Places", "tester"))

	q := arcgis.NewQuery().
		Match("type", "Application").
		Match("typekeywords", "Registered App").
		Or().
		Match("orgid", "org1").
		And()
	assert.Equal(t, `type:"Application" AND typekeywords:"Registered App" OR orgid:"org1"`, q.String())

	assert.Equal(t, `title:"say \"hi\""`, arcgis.NewQuery().Match("title", `say "hi"`).String())
	assert.Equal(t, "", arcgis.NewQuery().Or().String())
}

func TestAdminServiceURL(t *testing.T) {
	assert.Equal(t,
		"https://services.example.com/abc/arcgis/rest/admin/services/Trees/FeatureServer",
		arcgis.AdminServiceURL("https://services.example.com/abc/arcgis/rest/services/Trees/FeatureServer/"))
	assert.Equal(t, "https://x/rest/services/T/FeatureServer/0", arcgis.LayerURL("https://x/rest/services/T/FeatureServer/", 0))
}

func TestReadRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"username":"tester","orgId":"org1"}`)
	}))
	defer srv.Close()

	client := arcgis.New(srv.URL, arcgis.WithReadRetries(3), arcgis.WithRetryBackOff(zeroBackOff))
	sess, err := client.FromToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tester", sess.Username())
	assert.EqualValues(t, 3, hits.Load())
}

func TestReadGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"error":{"code":500,"message":"Service is not ready.","details":[]}}`)
	}))
	defer srv.Close()

	client := arcgis.New(srv.URL, arcgis.WithReadRetries(2), arcgis.WithRetryBackOff(zeroBackOff))
	_, err := client.QueryCount(context.Background(), srv.URL+"/0", "")
	require.Error(t, err)
	fe := fault.As(err)
	require.NotNil(t, fe)
	assert.Equal(t, fault.KindRemoteRequest, fe.Kind)
	assert.Equal(t, 500, fe.Code)
	assert.Equal(t, srv.URL+"/0", fe.Resource)
	assert.EqualValues(t, 2, hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"error":{"code":400,"message":"Item does not exist or is inaccessible.","details":["id abc"]}}`)
	}))
	defer srv.Close()

	client := arcgis.New(srv.URL, arcgis.WithReadRetries(5), arcgis.WithRetryBackOff(zeroBackOff))
	_, err := client.GetItem(context.Background(), "abc")
	require.Error(t, err)
	fe := fault.As(err)
	require.NotNil(t, fe)
	assert.Equal(t, 400, fe.Code)
	assert.Equal(t, http.StatusOK, fe.Status)
	assert.Contains(t, fe.Message, "Item does not exist or is inaccessible. id abc")
	assert.Equal(t, "abc", fe.Resource)
	assert.EqualValues(t, 1, hits.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := arcgis.New(srv.URL, arcgis.WithReadRetries(5), arcgis.WithRetryBackOff(zeroBackOff))
	err := client.DeleteItem(context.Background(), "tester", "abc")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, fault.As(err).Status)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDebugLogMasksToken(t *testing.T) {
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester"}}})
	srv := portaltwin.NewServer(twin)
	defer srv.Close()
	token := twin.IssueToken("tester")

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	client := arcgis.New(portaltwin.PortalURL(srv.URL), arcgis.WithLogger(logger))
	_, err := client.FromToken(context.Background(), token)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "token=xxxxx")
	assert.NotContains(t, buf.String(), token)
}

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestTimeoutIsRemoteFailure(t *testing.T) {
	srv := slowServer(t)
	client := arcgis.New(srv.URL, arcgis.WithRequestTimeout(20*time.Millisecond), arcgis.WithRetryBackOff(zeroBackOff))

	err := client.DeleteItem(context.Background(), "tester", "abc")
	require.Error(t, err)
	assert.Equal(t, fault.KindRemoteRequest, fault.KindOf(err))
	assert.Equal(t, 1, fault.ExitCode(err))

	_, err = client.FromToken(context.Background(), "secret-token")
	require.Error(t, err)
	assert.Equal(t, fault.KindRemoteRequest, fault.KindOf(err))
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestPublishCSV(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	client, _ := f.signIn(t)
	ctx := context.Background()

	added, err := client.AddItem(ctx, arcgis.AddItemParams{
		Owner:    "tester",
		Title:    "Palm Springs Places",
		Type:     "CSV",
		Filename: "palm-springs-places.csv",
		Content:  []byte(samplePlaces),
	})
	require.NoError(t, err)

	item, err := client.GetItem(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, "Palm Springs Places", item.Title)
	assert.Equal(t, "CSV", item.Type)

	pp, err := client.Analyze(ctx, arcgis.AnalyzeParams{
		ItemID:     added.ID,
		FileType:   "csv",
		Parameters: map[string]any{"enableGlobalGeocoding": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Palm Springs Places", pp["name"])

	pp["name"] = "Palm Springs Places_1"
	services, err := client.Publish(ctx, arcgis.PublishParams{Owner: "tester", ItemID: added.ID, FileType: "csv", Parameters: pp})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.NotEmpty(t, services[0].ServiceItemID)

	count, err := client.QueryCount(ctx, arcgis.LayerURL(services[0].ServiceURL, 0), "1=1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = client.Publish(ctx, arcgis.PublishParams{Owner: "tester", ItemID: added.ID, FileType: "csv", Parameters: pp})
	assert.Error(t, err, "service names are unique")

	shared, err := client.SetAccess(ctx, "tester", services[0].ServiceItemID, arcgis.AccessPublic)
	require.NoError(t, err)
	assert.Equal(t, arcgis.AccessPublic, shared.Access)
	item, err = client.GetItem(ctx, services[0].ServiceItemID)
	require.NoError(t, err)
	assert.Equal(t, "public", item.Access)

	require.NoError(t, client.DeleteItem(ctx, "tester", added.ID))
	_, err = client.GetItem(ctx, added.ID)
	assert.Error(t, err)
}

func TestCreateServiceAndEditFeatures(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	client, _ := f.signIn(t)
	ctx := context.Background()

	_, err := client.CreateService(ctx, "tester", map[string]any{})
	assert.Error(t, err)

	svc, err := client.CreateService(ctx, "tester", map[string]any{"name": "Trees"})
	require.NoError(t, err)
	assert.NotEmpty(t, svc.ItemID)
	assert.Contains(t, svc.ServiceURL, "/rest/services/Trees/FeatureServer")

	layers, err := client.AddToDefinition(ctx, svc.ServiceURL, map[string]any{
		"layers": []map[string]any{{"name": "Trees", "geometryType": "esriGeometryPoint"}},
	})
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, arcgis.LayerRef{ID: 0, Name: "Trees"}, layers[0])

	layerURL := arcgis.LayerURL(svc.ServiceURL, 0)
	res, err := client.AddFeatures(ctx, layerURL, []arcgis.Feature{
		{Attributes: map[string]any{"name": "oak"}, Geometry: &arcgis.Point{X: -116.5, Y: 33.8}},
		{Attributes: map[string]any{"name": "palm"}, Geometry: &arcgis.Point{X: -116.52, Y: 33.81}},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Success)

	count, err := client.QueryCount(ctx, layerURL, "name = 'palm'")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err := client.DeleteFeatures(ctx, layerURL, "1=1")
	require.NoError(t, err)
	assert.Len(t, deleted, 2)
	assert.Equal(t, 0, f.twin.FeatureCount("Trees"))
}

func TestRegisteredAppInfo(t *testing.T) {
	f := newFixture(t, portaltwin.Options{})
	client, _ := f.signIn(t)
	id := f.twin.SeedApp("tester", "Field App", portaltwin.App{
		ClientID:     "abc123client",
		AppType:      "multiple",
		RedirectURIs: []string{"https://example.com/callback"},
	})

	info, err := client.RegisteredAppInfo(context.Background(), "tester", id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ItemID)
	assert.Equal(t, "abc123client", info.ClientID)
	assert.Equal(t, []string{"https://example.com/callback"}, info.RedirectURIs)

	plain := f.twin.SeedItem(portaltwin.Seed{Owner: "tester", Title: "Not an app", Type: "CSV"})
	_, err = client.RegisteredAppInfo(context.Background(), "tester", plain)
	assert.Error(t, err)
}

func TestParseAccess(t *testing.T) {
	a, err := arcgis.ParseAccess(" Public ")
	require.NoError(t, err)
	assert.Equal(t, arcgis.AccessPublic, a)
	_, err = arcgis.ParseAccess("everyone")
	assert.Error(t, err)
}
