package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"portalflow/internal/recipe"
	"portalflow/internal/workflow"
)

func editFeatureServiceCmd() *cobra.Command {
	var count, layer int
	var seed uint64
	cmd := &cobra.Command{
		Use:   "edit-feature-service",
		Short: "Replace the features of FEATURE_SERVICE_NAME with random points",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if err := a.cfg.RequireServiceName(); err != nil {
				return err
			}
			ctx := cmd.Context()
			client, sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			led, closeLedger, err := a.openLedger(ctx)
			if err != nil {
				return err
			}
			defer closeLedger()

			opts := workflow.ReseedOptions{
				Title:    a.cfg.FeatureServiceName,
				Owner:    sess.Username(),
				Layer:    layer,
				Count:    count,
				Seed:     seed,
				PageSize: a.cfg.PageSize,
				Logger:   a.logger.With("component", "reseed"),
			}
			rec := led.begin(ctx, "edit-feature-service", opts.Title, opts.Owner, map[string]any{"count": count, "layer": layer, "seed": seed})
			res, err := workflow.Reseed(ctx, client, opts)
			rec.finish(res, err)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d old features removed\n", res.Deleted)
			fmt.Fprintf(out, "%d new features added\n", res.Added)
			fmt.Fprintln(out, "view in map", workflow.MapViewerLink(a.cfg.MapViewerURL, res.LayerURL))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of features to generate")
	cmd.Flags().IntVar(&layer, "layer", 0, "layer index within the service")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}

func auditAppsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit-apps",
		Short: "List the registered OAuth applications of your organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, sess, err := a.signIn(ctx)
			if err != nil {
				return err
			}
			led, closeLedger, err := a.openLedger(ctx)
			if err != nil {
				return err
			}
			defer closeLedger()

			rec := led.begin(ctx, "audit-apps", sess.User.OrgID, sess.Username(), map[string]any{"org": sess.User.OrgID})
			records, err := workflow.AuditApps(ctx, client, workflow.AuditOptions{
				OrgID:       sess.User.OrgID,
				PageSize:    a.cfg.PageSize,
				Concurrency: a.cfg.Concurrency,
				ItemPageURL: a.cfg.ItemPageURL,
				Logger:      a.logger.With("component", "audit"),
			})
			rec.finish(map[string]any{"apps": len(records)}, err)
			if err != nil {
				return err
			}
			if asJSON {
				b, _ := json.MarshalIndent(records, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), workflow.RenderApps(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func recipesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "List the built-in provisioning recipes",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range recipe.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	return cmd
}
