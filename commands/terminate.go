package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTerminateCommand(client func() *Client) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <workflowId>",
		Short: "Force a workflow into the terminated status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID := args[0]
			body := map[string]string{"reason": reason}
			if err := client().do(cmd.Context(), "POST", "/workflows/"+wfID+"/terminate", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Terminated workflow `%s`.\n", wfID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason to record for the termination")
	return cmd
}
