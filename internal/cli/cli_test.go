package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalflow/internal/fault"
	"portalflow/internal/portaltwin"
	"portalflow/internal/workflow"
)

// portal starts a twin with one user and points the environment at it.
func portal(t *testing.T) (*portaltwin.Twin, string) {
	t.Helper()
	twin := portaltwin.New(portaltwin.Options{Users: []portaltwin.User{{Username: "tester", Password: "secret"}}})
	srv := portaltwin.NewServer(twin)
	t.Cleanup(srv.Close)

	for k, v := range map[string]string{
		"PORTAL_URL":           portaltwin.PortalURL(srv.URL),
		"ACCESS_TOKEN":         twin.IssueToken("tester"),
		"USERNAME":             "",
		"PASSWORD":             "",
		"FEATURE_SERVICE_NAME": "",
		"DATABASE_URL":         "",
		"SETTLE_MODE":          "poll",
		"POLL_INTERVAL":        "1ms",
		"POLL_MAX_INTERVAL":    "2ms",
		"LOG_LEVEL":            "error",
	} {
		t.Setenv(k, v)
	}
	return twin, srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errb bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errb)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateFeatureService(t *testing.T) {
	twin, base := portal(t)
	t.Setenv("FEATURE_SERVICE_NAME", "Trees")

	for i := 0; i < 2; i++ {
		out, err := run(t, "create-feature-service")
		require.NoError(t, err)
		assert.Contains(t, out, "New item and service created:")
		assert.Contains(t, out, "url: "+base+"/arcgis/rest/services/Trees/FeatureServer/0")
		assert.Len(t, twin.Live("tester", "Trees"), 1)
	}
	assert.Len(t, twin.Calls("delete"), 1)
}

func TestCreateFeatureServiceNeedsToken(t *testing.T) {
	portal(t)
	t.Setenv("ACCESS_TOKEN", "")
	t.Setenv("FEATURE_SERVICE_NAME", "Trees")

	_, err := run(t, "create-feature-service")
	require.Error(t, err)
	assert.Equal(t, 2, fault.ExitCode(err))

	t.Setenv("ACCESS_TOKEN", "x")
	t.Setenv("FEATURE_SERVICE_NAME", " ")
	_, err = run(t, "create-feature-service")
	assert.ErrorContains(t, err, "FEATURE_SERVICE_NAME")
}

func TestBatchGeocode(t *testing.T) {
	twin, _ := portal(t)
	t.Setenv("ACCESS_TOKEN", "")
	t.Setenv("USERNAME", "tester")
	t.Setenv("PASSWORD", "secret")

	out, err := run(t, "batch-geocode")
	require.NoError(t, err)
	assert.Contains(t, out, "Query new service: 10 features returned")
	assert.Contains(t, out, "View item https://www.arcgis.com/home/item.html?id=")
	assert.Len(t, twin.Calls("generateToken"), 1)
	require.Len(t, twin.Calls("share"), 1)
	assert.Equal(t, "true", twin.Calls("share")[0].Params.Get("everyone"))
}

func TestBatchGeocodeBadPassword(t *testing.T) {
	portal(t)
	t.Setenv("ACCESS_TOKEN", "")
	t.Setenv("USERNAME", "tester")
	t.Setenv("PASSWORD", "wrong")

	_, err := run(t, "batch-geocode")
	require.Error(t, err)
	assert.Equal(t, 3, fault.ExitCode(err))
}

func TestEditFeatureService(t *testing.T) {
	twin, _ := portal(t)
	twin.SeedService("tester", "Trees", 3)
	t.Setenv("FEATURE_SERVICE_NAME", "Trees")

	out, err := run(t, "edit-feature-service", "--count", "5", "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "3 old features removed")
	assert.Contains(t, out, "5 new features added")
	assert.Contains(t, out, "view in map https://www.arcgis.com/apps/mapviewer/index.html?source=sd&url=")
	assert.Equal(t, 5, twin.FeatureCount("Trees"))

	t.Setenv("FEATURE_SERVICE_NAME", "Nope")
	_, err = run(t, "edit-feature-service")
	require.Error(t, err)
	assert.Equal(t, 4, fault.ExitCode(err))
}

func TestAuditApps(t *testing.T) {
	twin, _ := portal(t)
	id := twin.SeedApp("tester", "Dashboard", portaltwin.App{ClientID: "c1", RedirectURIs: []string{"https://a.example/cb"}})

	out, err := run(t, "audit-apps")
	require.NoError(t, err)
	assert.Contains(t, out, "Dashboard")
	assert.Contains(t, out, id)

	out, err = run(t, "audit-apps", "--json")
	require.NoError(t, err)
	var records []workflow.AppRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, []string{"https://a.example/cb"}, records[0].RedirectURIs)
}

func TestApply(t *testing.T) {
	twin, _ := portal(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trees.csv"), []byte("name,latitude,longitude\noak,33.8,-116.5\nelm,33.81,-116.51\n"), 0o644))
	path := filepath.Join(dir, "trees.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kind: Provision
metadata: {name: trees}
resource: {title: Trees, kind: item, type: CSV, file: trees.csv}
derive:
  - analyze: {filetype: csv}
  - publish: {filetype: csv}
  - query: {}
environments:
  staging: {title: Trees Staging}
`), 0o644))

	out, err := run(t, "apply", "-f", path, "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "Query new service: 2 features returned")
	assert.Len(t, twin.Live("tester", "Trees Staging"), 2)
	assert.Empty(t, twin.Live("tester", "Trees"))

	_, err = run(t, "apply")
	require.Error(t, err)
	assert.Equal(t, 2, fault.ExitCode(err))
}

func TestBadLogLevel(t *testing.T) {
	portal(t)
	_, err := run(t, "--log-level", "loud", "audit-apps")
	require.Error(t, err)
	assert.Equal(t, 2, fault.ExitCode(err))
}

func TestRecipesAndSchema(t *testing.T) {
	out, err := run(t, "recipes")
	require.NoError(t, err)
	assert.Equal(t, "batch-geocode\nfeature-service\n", out)

	out, err = run(t, "db", "init", "--print")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "CREATE SCHEMA IF NOT EXISTS pf;"))
}

func TestRunsNeedDSN(t *testing.T) {
	portal(t)
	_, err := run(t, "runs", "list")
	require.Error(t, err)
	assert.Equal(t, 2, fault.ExitCode(err))
}

func TestParseTwinUser(t *testing.T) {
	u, err := parseTwinUser("loc:pw:org9:locationPlatformUT")
	require.NoError(t, err)
	assert.Equal(t, portaltwin.User{Username: "loc", Password: "pw", OrgID: "org9", LicenseType: "locationPlatformUT"}, u)

	for _, bad := range []string{"alone", ":pw", "a:b:c:d:e"} {
		_, err := parseTwinUser(bad)
		assert.Error(t, err, bad)
	}
}
