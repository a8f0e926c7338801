package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCommand(client func() *Client) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "start <instruction>",
		Short: "Submit an instruction, creating a new workflow in the proposal phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				WorkflowID string `json:"workflowId"`
			}
			body := map[string]string{"instruction": args[0], "projectId": projectID}
			if err := client().do(cmd.Context(), "POST", "/workflows", body, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "## Workflow Started\n\n**ID:** `%s`\n\nRun `agentcompanyctl status %s` to follow its progress.\n", result.WorkflowID, result.WorkflowID)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id the workflow belongs to")
	return cmd
}
