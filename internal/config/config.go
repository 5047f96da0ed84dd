// Package config loads portalflow settings once at startup. Values come from
// the process environment, optionally seeded from a dotenv file, and are
// passed down explicitly from there.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"portalflow/internal/fault"
)

const (
	SettlePoll  = "poll"
	SettleFixed = "fixed"

	maxPageSize = 100
)

type Config struct {
	Username           string `env:"USERNAME"`
	Password           string `env:"PASSWORD"`
	AccessToken        string `env:"ACCESS_TOKEN"`
	FeatureServiceName string `env:"FEATURE_SERVICE_NAME"`

	PortalURL    string `env:"PORTAL_URL" envDefault:"https://www.arcgis.com/sharing/rest"`
	ItemPageURL  string `env:"ITEM_PAGE_URL" envDefault:"https://www.arcgis.com/home/item.html"`
	MapViewerURL string `env:"MAP_VIEWER_URL" envDefault:"https://www.arcgis.com/apps/mapviewer/index.html"`

	SettleMode      string        `env:"SETTLE_MODE" envDefault:"poll"`
	SettleDelay     time.Duration `env:"SETTLE_DELAY" envDefault:"2s"`
	PublishDelay    time.Duration `env:"PUBLISH_DELAY" envDefault:"3s"`
	PollAttempts    uint          `env:"POLL_ATTEMPTS" envDefault:"10"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	PollMaxInterval time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"5s"`

	ReadRetries    uint          `env:"READ_RETRIES" envDefault:"3"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	PageSize       int           `env:"SEARCH_PAGE_SIZE" envDefault:"100"`
	Concurrency    int           `env:"CONCURRENCY" envDefault:"8"`

	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads envFile into the process environment when it exists (existing
// variables win) and then parses the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Configuration(envFile, fmt.Sprintf("read env file: %v", err))
		}
	}
	return parse(env.Options{})
}

// LoadFrom parses settings from environ only. The process environment is
// not consulted.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fault.Configuration("environment", err.Error())
	}
	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.SettleMode {
	case SettlePoll, SettleFixed:
	default:
		return fault.Configuration("SETTLE_MODE", fmt.Sprintf("must be %q or %q, got %q", SettlePoll, SettleFixed, c.SettleMode))
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fault.Configuration("SEARCH_PAGE_SIZE", fmt.Sprintf("must be between 1 and %d, got %d", maxPageSize, c.PageSize))
	}
	if c.Concurrency < 1 {
		return fault.Configuration("CONCURRENCY", "must be positive")
	}
	if c.PollAttempts == 0 {
		return fault.Configuration("POLL_ATTEMPTS", "must be positive")
	}
	if c.ReadRetries == 0 {
		return fault.Configuration("READ_RETRIES", "must be positive")
	}
	if !strings.HasPrefix(c.PortalURL, "http://") && !strings.HasPrefix(c.PortalURL, "https://") {
		return fault.Configuration("PORTAL_URL", fmt.Sprintf("must be an http(s) URL, got %q", c.PortalURL))
	}
	return nil
}

// RequireToken fails unless ACCESS_TOKEN is set.
func (c *Config) RequireToken() error {
	if c.AccessToken == "" {
		return fault.Configuration("ACCESS_TOKEN", "an access token is required")
	}
	return nil
}

// RequireCredentials fails unless USERNAME and PASSWORD are both set.
func (c *Config) RequireCredentials() error {
	if c.Username == "" || c.Password == "" {
		return fault.Configuration("USERNAME/PASSWORD", "username and password are required")
	}
	return nil
}

// RequireAuth accepts either a token or a username/password pair.
func (c *Config) RequireAuth() error {
	if c.AccessToken != "" {
		return nil
	}
	if c.Username == "" && c.Password == "" {
		return fault.Configuration("ACCESS_TOKEN", "an access token or USERNAME and PASSWORD are required")
	}
	return c.RequireCredentials()
}

func (c *Config) RequireServiceName() error {
	if strings.TrimSpace(c.FeatureServiceName) == "" {
		return fault.Configuration("FEATURE_SERVICE_NAME", "a feature service name is required")
	}
	return nil
}

// Vars returns the values manifests may reference as ${NAME}.
func (c *Config) Vars() map[string]string {
	return map[string]string{
		"FEATURE_SERVICE_NAME": c.FeatureServiceName,
		"USERNAME":             c.Username,
	}
}
