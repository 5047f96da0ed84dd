package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"portalflow/internal/portaltwin"
)

func twinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twin",
		Short: "In-memory portal for offline dry runs",
	}
	cmd.AddCommand(twinServeCmd())
	return cmd
}

func twinServeCmd() *cobra.Command {
	var port, deleteLag, publishLag int
	var users []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the portal twin; point PORTAL_URL at the printed URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			opts := portaltwin.Options{
				DeleteLag:  deleteLag,
				PublishLag: publishLag,
				Logger:     a.logger.With("component", "twin"),
			}
			for _, spec := range users {
				u, err := parseTwinUser(spec)
				if err != nil {
					return err
				}
				opts.Users = append(opts.Users, u)
			}
			twin := portaltwin.New(opts)

			out := cmd.OutOrStdout()
			base := fmt.Sprintf("http://localhost:%d", port)
			fmt.Fprintln(out, "PORTAL_URL="+portaltwin.PortalURL(base))
			for _, u := range opts.Users {
				fmt.Fprintf(out, "ACCESS_TOKEN=%s # %s\n", twin.IssueToken(u.Username), u.Username)
			}
			return serveHTTP(cmd.Context(), a.logger, fmt.Sprintf(":%d", port), twin.Handler())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8090, "listen port")
	cmd.Flags().StringArrayVar(&users, "user", []string{"tester:secret"}, "user as name:password[:org[:license]] (repeatable)")
	cmd.Flags().IntVar(&deleteLag, "delete-lag", 0, "searches a deleted item stays visible for")
	cmd.Flags().IntVar(&publishLag, "publish-lag", 0, "count queries a new service fails before it is ready")
	return cmd
}

func parseTwinUser(spec string) (portaltwin.User, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return portaltwin.User{}, fmt.Errorf("--user %q: want name:password[:org[:license]]", spec)
	}
	u := portaltwin.User{Username: parts[0], Password: parts[1]}
	if len(parts) > 2 {
		u.OrgID = parts[2]
	}
	if len(parts) > 3 {
		u.LicenseType = parts[3]
	}
	return u, nil
}
