package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"portalflow/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP tool server and client utilities",
	}
	cmd.AddCommand(mcpServeCmd())
	cmd.AddCommand(mcpToolsCmd())
	cmd.AddCommand(mcpCallCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only portal tools over JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				if p := os.Getenv("PORT"); p != "" {
					addr = ":" + p
				} else {
					addr = ":8080"
				}
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			client, sess, err := a.signIn(cmd.Context())
			if err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerOptions{
				Portal:      client,
				OrgID:       sess.User.OrgID,
				PageSize:    a.cfg.PageSize,
				Concurrency: a.cfg.Concurrency,
				ItemPageURL: a.cfg.ItemPageURL,
				Logger:      a.logger.With("component", "mcp"),
			})
			return serveHTTP(cmd.Context(), a.logger, addr, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen addr (default :8080, or :$PORT)")
	return cmd
}

func mcpToolsCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			tools, err := mcp.NewClient(url).ToolsList(ctx)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(tools, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/mcp", "server MCP endpoint URL")
	return cmd
}

func mcpCallCmd() *cobra.Command {
	var url, argsJSON string
	cmd := &cobra.Command{
		Use:   "call TOOL",
		Short: "Call a tool on a running server and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			var out json.RawMessage
			if err := mcp.NewClient(url).CallTool(ctx, args[0], toolArgs, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/mcp", "server MCP endpoint URL")
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

// serveHTTP runs h on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, logger *log.Logger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
