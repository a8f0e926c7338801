package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcompany/workflow"
)

func newEscalateCommand(client func() *Client) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "escalate <workflowId> <retry|skip|abort>",
		Short: "Resolve a pending escalation (§4.7)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, action := args[0], workflow.EscalationAction(args[1])
			switch action {
			case workflow.EscalationRetry, workflow.EscalationSkip, workflow.EscalationAbort:
			default:
				return fmt.Errorf("unknown escalation action %q: want retry, skip, or abort", args[1])
			}

			body := map[string]string{"action": string(action), "reason": reason}
			if err := client().do(cmd.Context(), "POST", "/workflows/"+wfID+"/escalations", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved escalation for workflow `%s` with %s.\n", wfID, action)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason to record alongside the decision")
	return cmd
}
