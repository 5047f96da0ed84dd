package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"portalflow/internal/arcgis"
	"portalflow/internal/config"
	"portalflow/internal/fault"
	"portalflow/internal/provision"
	"portalflow/internal/store"
)

// app is what a command needs once flags and environment are read.
type app struct {
	cfg    *config.Config
	logger *log.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(rf.EnvFile)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if rf.LogLevel != "" {
		level = rf.LogLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), level)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fault.Configuration("LOG_LEVEL", err.Error())
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "portalflow",
		ReportTimestamp: true,
	}), nil
}

func (a *app) client() *arcgis.Client {
	return arcgis.New(a.cfg.PortalURL,
		arcgis.WithLogger(a.logger.With("component", "arcgis")),
		arcgis.WithRequestTimeout(a.cfg.RequestTimeout),
		arcgis.WithReadRetries(a.cfg.ReadRetries),
	)
}

// signIn prefers the access token and falls back to username and password.
func (a *app) signIn(ctx context.Context) (*arcgis.Client, *arcgis.Session, error) {
	if err := a.cfg.RequireAuth(); err != nil {
		return nil, nil, err
	}
	c := a.client()
	var (
		sess *arcgis.Session
		err  error
	)
	if a.cfg.AccessToken != "" {
		sess, err = c.FromToken(ctx, a.cfg.AccessToken)
	} else {
		sess, err = c.SignIn(ctx, a.cfg.Username, a.cfg.Password)
	}
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("signed in", "user", sess.Username(), "org", sess.User.OrgID, "license", sess.User.LicenseType)
	return c.WithSession(sess), sess, nil
}

func (a *app) settleFence() provision.Fence {
	if a.cfg.SettleMode == config.SettleFixed {
		return provision.FixedDelay{Delay: a.cfg.SettleDelay}
	}
	return a.poll()
}

func (a *app) readyFence() provision.Fence {
	if a.cfg.SettleMode == config.SettleFixed {
		return provision.FixedDelay{Delay: a.cfg.PublishDelay}
	}
	return a.poll()
}

func (a *app) poll() provision.Poll {
	return provision.Poll{
		Attempts: a.cfg.PollAttempts,
		Initial:  a.cfg.PollInterval,
		Max:      a.cfg.PollMaxInterval,
	}
}

func (a *app) provisioner(portal provision.Portal) *provision.Provisioner {
	return provision.New(portal,
		provision.WithLogger(a.logger.With("component", "provision")),
		provision.WithSettleFence(a.settleFence()),
		provision.WithConcurrency(a.cfg.Concurrency),
		provision.WithPageSize(a.cfg.PageSize),
	)
}

// dsn returns the --dsn flag or DATABASE_URL after the env file is read.
func (a *app) dsn() string {
	if rf.DSN != "" {
		return rf.DSN
	}
	return a.cfg.DatabaseURL
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	dsn := a.dsn()
	if dsn == "" {
		return nil, fault.Configuration("DATABASE_URL", "missing --dsn (or set DATABASE_URL)")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Open(ctx, dsn)
}

func (a *app) itemLink(id string) string {
	return a.cfg.ItemPageURL + "?id=" + id
}
