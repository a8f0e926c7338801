package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcompany/workflow"
)

func newRollbackCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <workflowId> <phase>",
		Short: "Roll a workflow back to an earlier, non-terminal phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, target := args[0], workflow.Phase(args[1])
			body := map[string]string{"targetPhase": string(target)}
			if err := client().do(cmd.Context(), "POST", "/workflows/"+wfID+"/rollback", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled workflow `%s` back to %s.\n", wfID, target)
			return nil
		},
	}
}
