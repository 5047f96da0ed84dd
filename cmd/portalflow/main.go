package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"portalflow/internal/cli"
	"portalflow/internal/fault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(fault.ExitCode(err))
	}
}
