package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"portalflow/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Run ledger database utilities",
	}
	cmd.AddCommand(dbInitCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Apply the run ledger schema to PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), store.Schema())
				return nil
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Init(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok: schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsEventsCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var f store.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(ctx, f)
			if err != nil {
				return err
			}
			type row struct {
				RunID      string          `json:"runId"`
				Workflow   string          `json:"workflow"`
				Resource   string          `json:"resource"`
				Owner      string          `json:"owner,omitempty"`
				Status     string          `json:"status"`
				State      string          `json:"state"`
				StartedAt  time.Time       `json:"startedAt"`
				FinishedAt *time.Time      `json:"finishedAt,omitempty"`
				Result     json.RawMessage `json:"result,omitempty"`
			}
			rows := make([]row, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, row{r.RunID, r.Workflow, r.Resource, r.Owner, r.Status, r.State, r.StartedAt, r.FinishedAt, r.ResultJSON})
			}
			b, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().StringVar(&f.Resource, "resource", "", "only runs for this resource title")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of runs")
	return cmd
}

func runsEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Show the state transitions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.Events(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				step := ""
				if e.Step != "" {
					step = " [" + e.Step + "]"
				}
				fmt.Fprintf(out, "%3d %s %-15s%s %s\n", e.Seq, e.At.Format(time.RFC3339), e.State, step, e.Message)
			}
			return nil
		},
	}
	return cmd
}
