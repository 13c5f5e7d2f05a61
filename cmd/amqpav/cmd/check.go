package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
)

func newCheckCmd(rt *runtime) *cobra.Command {
	var wait bool

	checkCmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Submit a file for scanning and print the request id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeBroker, err := rt.openClient()
			if err != nil {
				return err
			}
			defer closeBroker()

			id, err := c.CheckFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !wait {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			clean, err := c.AwaitResult(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("await %s: %w", id, err)
			}
			printVerdict(cmd, id, clean)
			return nil
		},
	}
	checkCmd.Flags().BoolVar(&wait, "wait", false, "block until the verdict arrives")
	return checkCmd
}
