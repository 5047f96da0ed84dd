package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalflow/internal/fault"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "https://www.arcgis.com/sharing/rest", cfg.PortalURL)
	assert.Equal(t, SettlePoll, cfg.SettleMode)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 3*time.Second, cfg.PublishDelay)
	assert.Equal(t, uint(10), cfg.PollAttempts)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"USERNAME":             "tester",
		"PASSWORD":             "secret",
		"FEATURE_SERVICE_NAME": "Parks",
		"PORTAL_URL":           "http://localhost:9000/sharing/rest/",
		"SETTLE_MODE":          "fixed",
		"SETTLE_DELAY":         "250ms",
		"SEARCH_PAGE_SIZE":     "1",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000/sharing/rest", cfg.PortalURL)
	assert.Equal(t, SettleFixed, cfg.SettleMode)
	assert.Equal(t, 250*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 1, cfg.PageSize)
	assert.Equal(t, map[string]string{"FEATURE_SERVICE_NAME": "Parks", "USERNAME": "tester"}, cfg.Vars())
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"settle mode": {"SETTLE_MODE": "sometimes"},
		"page size":   {"SEARCH_PAGE_SIZE": "500"},
		"concurrency": {"CONCURRENCY": "0"},
		"portal url":  {"PORTAL_URL": "ftp://example.com"},
		"duration":    {"SETTLE_DELAY": "soon"},
	}
	for name, environ := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(environ)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.KindConfiguration), "got %v", err)
		})
	}
}

func TestRequirements(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.True(t, fault.Is(cfg.RequireToken(), fault.KindConfiguration))
	assert.True(t, fault.Is(cfg.RequireCredentials(), fault.KindConfiguration))
	assert.True(t, fault.Is(cfg.RequireAuth(), fault.KindConfiguration))
	assert.True(t, fault.Is(cfg.RequireServiceName(), fault.KindConfiguration))

	cfg.Username = "tester"
	assert.Error(t, cfg.RequireAuth(), "password still missing")
	cfg.Password = "secret"
	assert.NoError(t, cfg.RequireAuth())

	tokenOnly := &Config{AccessToken: "tok"}
	assert.NoError(t, tokenOnly.RequireAuth())
	assert.NoError(t, tokenOnly.RequireToken())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORTALFLOW_TEST_ONLY=1\nFEATURE_SERVICE_NAME=FromFile\n"), 0o600))

	t.Setenv("FEATURE_SERVICE_NAME", "FromEnv")
	t.Cleanup(func() { os.Unsetenv("PORTALFLOW_TEST_ONLY") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "FromEnv", cfg.FeatureServiceName, "existing variables win over the file")
	assert.Equal(t, "1", os.Getenv("PORTALFLOW_TEST_ONLY"))
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}
