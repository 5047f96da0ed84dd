package recipe_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalflow/internal/arcgis"
	"portalflow/internal/manifest"
	"portalflow/internal/portaltwin"
	"portalflow/internal/provision"
	"portalflow/internal/recipe"
)

func connect(t *testing.T) (*portaltwin.Twin, *arcgis.Client, *arcgis.Session) {
	t.Helper()
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester"}}})
	srv := portaltwin.NewServer(twin)
	t.Cleanup(srv.Close)
	client := arcgis.New(portaltwin.PortalURL(srv.URL))
	sess, err := client.FromToken(context.Background(), twin.IssueToken("tester"))
	require.NoError(t, err)
	return twin, client.WithSession(sess), sess
}

func env(client *arcgis.Client) recipe.Env {
	return recipe.Env{
		Portal: client,
		Owner:  "tester",
		Ready:  provision.Poll{Attempts: 5, Initial: time.Millisecond},
		Namer:  provision.TimestampNamer(func() time.Time { return time.UnixMilli(42) }),
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{recipe.BatchGeocode, recipe.FeatureService}, recipe.Names())
	_, err := recipe.Builtin("nope", nil)
	assert.ErrorContains(t, err, "unknown recipe")
}

func TestFeatureServiceNeedsName(t *testing.T) {
	_, err := recipe.Builtin(recipe.FeatureService, map[string]string{"FEATURE_SERVICE_NAME": ""})
	assert.ErrorContains(t, err, "resource.title must be a non-empty string")
}

func TestFeatureServiceRecipe(t *testing.T) {
	twin, client, sess := connect(t)
	m, err := recipe.Builtin(recipe.FeatureService, map[string]string{"FEATURE_SERVICE_NAME": "Trees"})
	require.NoError(t, err)

	plan, err := recipe.Compile(context.Background(), m, env(client))
	require.NoError(t, err)
	assert.Equal(t, provision.Descriptor{Name: "Trees", Owner: "tester", Kind: provision.KindService}, plan.Descriptor)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "addLayers", plan.Steps[0].Name)

	res, err := provision.New(client, provision.WithSettleFence(provision.FixedDelay{})).Run(context.Background(), sess, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Outcome.CreatedID}, twin.Live("tester", "Trees"))

	calls := twin.Calls("addToDefinition")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Params.Get("addToDefinition"), `"name":"Trees"`)
	assert.Contains(t, calls[0].Params.Get("addToDefinition"), `"geometryType":"esriGeometryPoint"`)
	create := twin.Calls("createService")
	require.Len(t, create, 1)
	assert.Contains(t, create[0].Params.Get("createParameters"), `"capabilities":"Query, Extract"`)
}

func TestBatchGeocodeRecipe(t *testing.T) {
	twin, client, sess := connect(t)
	m, err := recipe.Builtin(recipe.BatchGeocode, nil)
	require.NoError(t, err)

	plan, err := recipe.Compile(context.Background(), m, env(client))
	require.NoError(t, err)
	assert.Equal(t, arcgis.AccessPublic, plan.Access)
	require.Len(t, plan.Steps, 3)

	res, err := provision.New(client, provision.WithSettleFence(provision.FixedDelay{})).Run(context.Background(), sess, plan)
	require.NoError(t, err)
	require.NotNil(t, res.Outcome.FeatureCount)
	assert.Equal(t, 10, *res.Outcome.FeatureCount)
	assert.Len(t, twin.Calls("share"), 1)

	analyze := twin.Calls("analyze")
	require.Len(t, analyze, 1)
	assert.Contains(t, analyze[0].Params.Get("analyzeParameters"), `"enableGlobalGeocoding":true`)
	assert.Contains(t, twin.Calls("addItem")[0].Params.Get("title"), "Palm Springs Places")
}

func TestCompileManifestFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trees.csv"), []byte("name,latitude,longitude\noak,33.8,-116.5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trees.yaml"), []byte(`
kind: Provision
metadata: {name: trees}
resource: {title: "${USERNAME} trees", kind: item, type: CSV, file: trees.csv}
derive:
  - analyze: {filetype: csv}
  - publish: {filetype: csv}
  - query: {}
share: {access: org}
`), 0o644))

	m, err := manifest.Load(filepath.Join(dir, "trees.yaml"), "", map[string]string{"USERNAME": "tester"})
	require.NoError(t, err)

	twin, client, sess := connect(t)
	plan, err := recipe.Compile(context.Background(), m, env(client))
	require.NoError(t, err)
	res, err := provision.New(client, provision.WithSettleFence(provision.FixedDelay{})).Run(context.Background(), sess, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, *res.Outcome.FeatureCount)
	shares := twin.Calls("share")
	require.Len(t, shares, 1)
	assert.Equal(t, "false", shares[0].Params.Get("everyone"))
	assert.Equal(t, "true", shares[0].Params.Get("org"))
	assert.Len(t, twin.Live("tester", "tester trees"), 2)
}

func TestCompileMissingFile(t *testing.T) {
	m := &manifest.Manifest{
		Name:     "x",
		Dir:      t.TempDir(),
		Resource: manifest.Resource{Title: "x", Kind: manifest.ResourceItem, Type: "CSV", File: "missing.csv"},
	}
	_, err := recipe.Compile(context.Background(), m, recipe.Env{Owner: "tester"})
	assert.Error(t, err)
}
