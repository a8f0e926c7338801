package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcompany/workflow"
)

func newDecideCommand(client func() *Client) *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "decide <workflowId> <approve|reject|request_revision>",
		Short: "Submit an approval-gate decision (§4.5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, action := args[0], workflow.ApprovalAction(args[1])
			switch action {
			case workflow.ActionApprove, workflow.ActionReject, workflow.ActionRequestRevision:
			default:
				return fmt.Errorf("unknown decision %q: want approve, reject, or request_revision", args[1])
			}

			body := map[string]string{"action": string(action), "feedback": feedback}
			if err := client().do(cmd.Context(), "POST", "/workflows/"+wfID+"/decisions", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s decision for workflow `%s`.\n", action, wfID)
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback to attach to the decision")
	return cmd
}
