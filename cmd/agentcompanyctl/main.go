// Command agentcompanyctl is the operator-facing CLI against a running
// agentcompanyd daemon's control surface (§6.5), grounded on
// cmd/semspec/main.go's cobra root-command shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c360studio/agentcompany/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentcompanyctl:", err)
		os.Exit(1)
	}
}
