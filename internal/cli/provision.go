package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"portalflow/internal/arcgis"
	"portalflow/internal/fault"
	"portalflow/internal/manifest"
	"portalflow/internal/provision"
	"portalflow/internal/recipe"
)

func createFeatureServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-feature-service",
		Short: "Create an empty hosted feature service named FEATURE_SERVICE_NAME with a point layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if err := a.cfg.RequireToken(); err != nil {
				return err
			}
			if err := a.cfg.RequireServiceName(); err != nil {
				return err
			}
			m, err := recipe.Builtin(recipe.FeatureService, a.cfg.Vars())
			if err != nil {
				return err
			}
			res, err := a.runManifest(cmd, recipe.FeatureService, m)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "New item and service created:")
			fmt.Fprintf(out, "id: %s\n", a.itemLink(res.Outcome.CreatedID))
			fmt.Fprintf(out, "url: %s\n", arcgis.LayerURL(res.Outcome.ServiceURL, 0))
			return nil
		},
	}
	return cmd
}

func batchGeocodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch-geocode",
		Short: "Upload, geocode and publish the Palm Springs Places CSV, then share it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if err := a.cfg.RequireCredentials(); err != nil {
				return err
			}
			m, err := recipe.Builtin(recipe.BatchGeocode, a.cfg.Vars())
			if err != nil {
				return err
			}
			res, err := a.runManifest(cmd, recipe.BatchGeocode, m)
			if err != nil {
				return err
			}
			printOutcome(cmd, a, res)
			return nil
		},
	}
	return cmd
}

func applyCmd() *cobra.Command {
	var file, env string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run a provisioning manifest (search, clean, create, derive, share)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fault.Configuration("--file", "missing -f/--file")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			doOnce := func() error {
				m, err := manifest.Load(file, env, a.cfg.Vars())
				if err != nil {
					return err
				}
				res, err := a.runManifest(cmd, m.Name, m)
				if err != nil {
					return err
				}
				printOutcome(cmd, a, res)
				return nil
			}

			if interval == 0 {
				return doOnce()
			}
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				if err := doOnce(); err != nil {
					a.logger.Error("run failed", "manifest", file, "error", err)
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a provisioning manifest")
	cmd.Flags().StringVar(&env, "env", "", "optional environment name (environments.<env>)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "re-apply on this interval (0 to run once)")
	return cmd
}

// runManifest signs in, compiles m and runs it, recording the run in the
// ledger when one is configured.
func (a *app) runManifest(cmd *cobra.Command, workflow string, m *manifest.Manifest) (*provision.Result, error) {
	ctx := cmd.Context()
	client, sess, err := a.signIn(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := recipe.Compile(ctx, m, recipe.Env{
		Portal: client,
		Owner:  sess.Username(),
		Ready:  a.readyFence(),
		Namer:  provision.TimestampNamer(time.Now),
	})
	if err != nil {
		return nil, err
	}

	led, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	defer closeLedger()
	rec := led.begin(ctx, workflow, plan.Descriptor.Name, plan.Descriptor.Owner, map[string]any{
		"manifest": m.Name,
		"kind":     m.Resource.Kind,
		"access":   m.Access,
	})

	res, err := a.provisioner(client).Run(ctx, sess, plan, logEvents(a.logger), rec.observer(ctx))
	if res != nil {
		rec.finish(res.Outcome, err)
		if res.Clean != nil && len(res.Clean.Failed) > 0 {
			fmt.Fprint(cmd.ErrOrStderr(), fault.Summary(res.Clean.Errors()))
		}
		if res.Share != nil && res.Share.Skipped {
			a.logger.Info("sharing skipped", "reason", res.Share.Reason)
		}
	} else {
		rec.finish(nil, err)
	}
	return res, err
}

func printOutcome(cmd *cobra.Command, a *app, res *provision.Result) {
	out := cmd.OutOrStdout()
	o := res.Outcome
	if o.FeatureCount != nil {
		fmt.Fprintf(out, "Query new service: %d features returned\n", *o.FeatureCount)
	}
	if len(o.ServiceItemIDs) > 0 {
		fmt.Fprintln(out, "View item", a.itemLink(o.ServiceItemIDs[0]))
	} else {
		fmt.Fprintln(out, "View item", a.itemLink(o.CreatedID))
	}
	b, _ := json.Marshal(o)
	a.logger.Debug("outcome", "json", string(b))
}
