package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the agentcompanyctl cobra tree: start, status,
// decide, rollback, escalate, terminate, each a thin HTTP client against
// the daemon's --addr control surface.
func NewRootCommand() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "agentcompanyctl",
		Short: "Operate an agentcompanyd workflow daemon from the terminal",
		Long:  "agentcompanyctl is a thin HTTP client over the agentcompanyd control surface (§6.5): start workflows, inspect their state, and submit the approval, rollback, escalation, and termination decisions an operator makes outside the engine itself.",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "agentcompanyd control surface base URL")

	client := func() *Client { return NewClient(addr) }

	root.AddCommand(
		newStartCommand(client),
		newStatusCommand(client),
		newDecideCommand(client),
		newRollbackCommand(client),
		newEscalateCommand(client),
		newTerminateCommand(client),
	)
	return root
}
