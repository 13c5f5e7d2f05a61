package cmd

import (
	"context"
	"fmt"
	"github.com/spf13/cobra"
	"time"
)

func newResultCmd(rt *runtime) *cobra.Command {
	var timeout time.Duration

	resultCmd := &cobra.Command{
		Use:   "result <message-id>",
		Short: "Wait for the verdict of a previously submitted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			c, closeBroker, err := rt.openClient()
			if err != nil {
				return err
			}
			defer closeBroker()

			clean, err := c.AwaitResult(ctx, args[0])
			if err != nil {
				return fmt.Errorf("await %s: %w", args[0], err)
			}
			printVerdict(cmd, args[0], clean)
			return nil
		},
	}
	resultCmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return resultCmd
}
